package engine

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/merge"
	"github.com/joeycumines/plugin-runtime/internal/plugin"
	"github.com/joeycumines/plugin-runtime/internal/render"
	"github.com/joeycumines/plugin-runtime/internal/testutil"
	"github.com/joeycumines/plugin-runtime/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(version uint64) *world.Snapshot {
	return &world.Snapshot{
		Version: version,
		Tiles:   []world.Tile{{ID: "t1", Coords: [3]int{0, 0, 0}}},
		Players: []world.Player{{
			ID:   "p1",
			Name: "alice",
			Units: []world.Unit{
				{ID: "u1", Name: "scout", Owner: "p1", Location: [3]int{1, -1, 0}},
			},
		}},
	}
}

type harness struct {
	store    *world.Store
	registry *plugin.Registry
	engine   *Engine
	latest   *render.Latest

	mu      sync.Mutex
	actions []capability.Action
}

func newHarness(t *testing.T, sinks ...render.Sink) *harness {
	t.Helper()
	h := &harness{
		store:    world.NewStore(),
		registry: plugin.NewRegistry(0),
		latest:   render.NewLatest(),
	}
	t.Cleanup(func() { _ = h.registry.Close() })

	factory := capability.NewFactory(context.Background(), capability.DispatcherFunc(func(ctx context.Context, a capability.Action) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.actions = append(h.actions, a)
		return nil
	}), nil)

	e, err := New(Options{
		Store:    h.store,
		Registry: h.registry,
		Factory:  factory,
		Sink:     render.NewFanOut(nil, append(sinks, h.latest)...),
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) register(t *testing.T, id, src string) {
	t.Helper()
	require.NoError(t, h.engine.Register(plugin.Config{ID: id, Name: id, Src: src}))
}

func (h *harness) view(t *testing.T, snap *world.Snapshot, ids world.SelectionIDs) world.View {
	t.Helper()
	require.True(t, h.store.Publish(snap))
	h.store.Select(ids)
	v, ok := h.store.View()
	require.True(t, ok)
	return v
}

func (h *harness) status(t *testing.T, id string) PluginStatus {
	t.Helper()
	for _, s := range h.engine.Status() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("no status for %q", id)
	return PluginStatus{}
}

func TestEvaluate_TwoPluginsMergeInOrder(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", `
function update(view) {
	var unit = view.selected.mobileUnit;
	return {
		version: 1,
		map: unit ? [{type: "unit", id: unit.id, key: "highlight", value: true}] : [],
		components: [{id: "a-panel", type: "building", title: "A", content: []}],
	};
}`)
	h.register(t, "b", `
module.exports = function (view) {
	return {version: 1, components: [{id: "b-panel", type: "building", title: view.player.name, content: []}]};
};`)

	v := h.view(t, testSnapshot(1), world.SelectionIDs{PlayerID: "p1", UnitID: "u1"})
	doc, err := h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)

	require.Len(t, doc.Components, 2)
	assert.Equal(t, "a-panel", doc.Components[0].ID)
	assert.Equal(t, "a", doc.Components[0].Plugin)
	assert.Equal(t, "b-panel", doc.Components[1].ID)
	assert.Equal(t, "alice", doc.Components[1].Title)
	require.Len(t, doc.Map, 1)
	assert.Equal(t, "u1", doc.Map[0].ID)
	assert.Equal(t, "a", doc.Map[0].Plugin)
	assert.EqualValues(t, 1, doc.Version)
	assert.Empty(t, doc.Diagnostics)

	assert.Equal(t, "LOADED", h.status(t, "a").State)
	assert.Equal(t, "LOADED", h.status(t, "b").State)
}

func TestEvaluate_AbsentPlayerYieldsAbsentSelection(t *testing.T) {
	h := newHarness(t)
	h.register(t, "selection", `
function update(view) {
	return {version: 1, components: [{
		id: "selection", type: "t", content: [],
		summary: String(view.selected.player === undefined) + "," + String(view.selected.mobileUnit === undefined),
	}]};
}`)

	v := h.view(t, testSnapshot(1), world.SelectionIDs{PlayerID: "ghost", UnitID: "u1"})
	doc, err := h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "true,true", doc.Components[0].Summary)
}

func TestEvaluate_ComponentCollision(t *testing.T) {
	h := newHarness(t)
	h.register(t, "first", testutil.ComponentScript("first", "x"))
	h.register(t, "second", testutil.ComponentScript("second", "x"))

	doc, err := h.engine.Evaluate(context.Background(), h.view(t, testSnapshot(1), world.SelectionIDs{PlayerID: "p1"}))
	require.NoError(t, err)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "second", doc.Components[0].Title)
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, merge.DiagComponentCollision, doc.Diagnostics[0].Kind)
	assert.Equal(t, "second", doc.Diagnostics[0].PluginID)
	assert.Equal(t, "first", doc.Diagnostics[0].Replaced)
}

func TestEvaluate_UnsupportedVersionContributesNothing(t *testing.T) {
	h := newHarness(t)
	h.register(t, "v2", `function update() { return {version: 2, components: [{id: "y", type: "t", content: []}]}; }`)
	h.register(t, "ok", `function update() { return {version: 1, components: [{id: "z", type: "t", content: []}]}; }`)

	doc, err := h.engine.Evaluate(context.Background(), h.view(t, testSnapshot(1), world.SelectionIDs{}))
	require.NoError(t, err)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "z", doc.Components[0].ID)
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, merge.DiagPluginRejected, doc.Diagnostics[0].Kind)

	st := h.status(t, "v2")
	assert.Equal(t, "LOADED", st.State)
	assert.Equal(t, 1, st.Rejections)
	assert.Equal(t, 0, st.Failures)
}

func TestEvaluate_ThreeThrowsFault(t *testing.T) {
	h := newHarness(t)
	h.register(t, "bad", testutil.ThrowingScript("kaboom"))
	h.register(t, "good", testutil.ComponentScript("good", "g"))
	v := h.view(t, testSnapshot(1), world.SelectionIDs{})

	for i := 1; i <= 2; i++ {
		doc, err := h.engine.Evaluate(context.Background(), v)
		require.NoError(t, err)
		require.Len(t, doc.Diagnostics, 1)
		assert.Equal(t, merge.DiagPluginFailed, doc.Diagnostics[0].Kind)
		assert.Equal(t, i, h.status(t, "bad").Failures)
		assert.Equal(t, "LOADED", h.status(t, "bad").State)
	}

	doc, err := h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, merge.DiagPluginFaulted, doc.Diagnostics[0].Kind)
	assert.Equal(t, "FAULTED", h.status(t, "bad").State)
	assert.Contains(t, h.status(t, "bad").LastError, "kaboom")

	// Faulted plugins are skipped; the others keep contributing.
	doc, err = h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	assert.Empty(t, doc.Diagnostics)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "g", doc.Components[0].ID)

	require.NoError(t, h.engine.Reset("bad"))
	assert.Equal(t, "UNLOADED", h.status(t, "bad").State)
	assert.Equal(t, 0, h.status(t, "bad").Failures)
	doc, err = h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, merge.DiagPluginFailed, doc.Diagnostics[0].Kind)
}

func TestEvaluate_MixedTrustFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Register(plugin.Config{
		ID:    "a",
		Kind:  plugin.KindCore,
		Trust: plugin.Trusted,
		Src: `
var coords = require("plugin:coords");
function update(view) {
	var unit = view.selected.mobileUnit;
	return {version: 1, components: [{
		id: "a", type: "panel", content: [],
		summary: String(coords.distance([0, 0, 0], unit.location)),
	}]};
}`,
	}))
	require.NoError(t, h.engine.Register(plugin.Config{
		ID:    "b",
		Trust: plugin.Untrusted,
		Src:   testutil.ThrowingScript("b is broken"),
	}))

	v := h.view(t, testSnapshot(1), world.SelectionIDs{PlayerID: "p1", UnitID: "u1"})
	doc, err := h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)

	require.Len(t, doc.Components, 1)
	assert.Equal(t, "a", doc.Components[0].ID)
	assert.Equal(t, "1", doc.Components[0].Summary)
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, merge.DiagPluginFailed, doc.Diagnostics[0].Kind)
	assert.Equal(t, "b", doc.Diagnostics[0].PluginID)

	a, b := h.status(t, "a"), h.status(t, "b")
	assert.Equal(t, "TRUSTED", a.Trust)
	assert.Equal(t, "LOADED", a.State)
	assert.Equal(t, 0, a.Failures)
	assert.Equal(t, "UNTRUSTED", b.Trust)
	assert.Equal(t, "LOADED", b.State)
	assert.Equal(t, 1, b.Failures)
	assert.Contains(t, b.LastError, "b is broken")
}

func TestEvaluate_SuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t)
	h.register(t, "flaky", `
var n = 0;
function update() {
	n++;
	if (n % 2 === 1) { throw new Error("odd"); }
	return {version: 1};
}`)
	v := h.view(t, testSnapshot(1), world.SelectionIDs{})
	for i := 0; i < 6; i++ {
		_, err := h.engine.Evaluate(context.Background(), v)
		require.NoError(t, err)
	}
	st := h.status(t, "flaky")
	assert.Equal(t, "LOADED", st.State)
	assert.Equal(t, 0, st.Failures)
}

func TestEvaluate_CompileErrorFaultsImmediately(t *testing.T) {
	h := newHarness(t)
	h.register(t, "broken", `function update( {`)
	v := h.view(t, testSnapshot(1), world.SelectionIDs{})

	doc, err := h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, merge.DiagPluginFaulted, doc.Diagnostics[0].Kind)
	assert.Equal(t, "FAULTED", h.status(t, "broken").State)

	// Fixing the source changes the hash, which clears the fault.
	h.register(t, "broken", `function update() { return {version: 1, components: [{id: "fixed", type: "t", content: []}]}; }`)
	assert.Equal(t, "UNLOADED", h.status(t, "broken").State)
	doc, err = h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	require.Len(t, doc.Components, 1)
	assert.Equal(t, "fixed", doc.Components[0].ID)
}

func TestEvaluate_HashChangeRebuildsSandbox(t *testing.T) {
	h := newHarness(t)
	h.register(t, "counter", `var n = 0; function update() { n++; return {version: 1, components: [{id: "c", type: "t", summary: "v1:" + n, content: []}]}; }`)
	v := h.view(t, testSnapshot(1), world.SelectionIDs{})

	for _, want := range []string{"v1:1", "v1:2"} {
		doc, err := h.engine.Evaluate(context.Background(), v)
		require.NoError(t, err)
		assert.Equal(t, want, doc.Components[0].Summary)
	}

	// Same source: the sandbox and its state survive.
	h.register(t, "counter", `var n = 0; function update() { n++; return {version: 1, components: [{id: "c", type: "t", summary: "v1:" + n, content: []}]}; }`)
	doc, err := h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "v1:3", doc.Components[0].Summary)

	h.register(t, "counter", `var n = 0; function update() { n++; return {version: 1, components: [{id: "c", type: "t", summary: "v2:" + n, content: []}]}; }`)
	doc, err = h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "v2:1", doc.Components[0].Summary)
}

func TestEvaluate_WhenGate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Register(plugin.Config{
		ID:   "unit-only",
		Src:  `function update() { return {version: 1, components: [{id: "u", type: "t", content: []}]}; }`,
		When: `unit != nil`,
	}))

	doc, err := h.engine.Evaluate(context.Background(), h.view(t, testSnapshot(1), world.SelectionIDs{PlayerID: "p1"}))
	require.NoError(t, err)
	assert.Empty(t, doc.Components)
	assert.Equal(t, "UNLOADED", h.status(t, "unit-only").State)

	doc, err = h.engine.Evaluate(context.Background(), h.view(t, testSnapshot(2), world.SelectionIDs{PlayerID: "p1", UnitID: "u1"}))
	require.NoError(t, err)
	assert.Len(t, doc.Components, 1)
}

func TestEvaluate_DispatchDoesNotMutateSnapshot(t *testing.T) {
	h := newHarness(t)
	h.register(t, "mover", `
async function update(view) {
	await dispatch("MOVE_UNIT", view.selected.mobileUnit.id, [2, -2, 0]);
	return {version: 1};
}`)

	snap := testSnapshot(1)
	before, err := json.Marshal(snap)
	require.NoError(t, err)

	v := h.view(t, snap, world.SelectionIDs{PlayerID: "p1", UnitID: "u1"})
	_, err = h.engine.Evaluate(context.Background(), v)
	require.NoError(t, err)

	h.mu.Lock()
	require.Len(t, h.actions, 1)
	assert.Equal(t, "MOVE_UNIT", h.actions[0].Name)
	assert.Equal(t, "mover", h.actions[0].PluginID)
	h.mu.Unlock()

	after, err := json.Marshal(h.store.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Same(t, snap, h.store.Snapshot())
	assert.True(t, reflect.DeepEqual(v.Selection.MobileUnit, &snap.Players[0].Units[0]))
}

func TestActivate(t *testing.T) {
	h := newHarness(t)
	h.register(t, "buttons", `
function update(view) {
	return {version: 1, components: [{id: "b", type: "t", content: [{
		buttons: [{text: "Build", action: function () { dispatch("BUILD", "t1"); }}],
	}]}]};
}`)
	doc, err := h.engine.Evaluate(context.Background(), h.view(t, testSnapshot(1), world.SelectionIDs{}))
	require.NoError(t, err)
	ref := doc.Components[0].Content[0].Buttons[0].Action
	require.NotNil(t, ref)
	assert.Equal(t, "buttons", ref.Plugin)

	require.NoError(t, h.engine.Activate(context.Background(), *ref))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.actions) == 1 && h.actions[0].Name == "BUILD"
	}, time.Second, 10*time.Millisecond)

	err = h.engine.Activate(context.Background(), merge.ActionRef{Plugin: "nobody", Ref: 1})
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}

func TestRun_RendersLatestOnly(t *testing.T) {
	var (
		mu       sync.Mutex
		rendered []uint64
	)
	recorder := render.SinkFunc(func(_ context.Context, doc *merge.Document) error {
		mu.Lock()
		defer mu.Unlock()
		rendered = append(rendered, doc.Version)
		return nil
	})
	h := newHarness(t, recorder)
	h.register(t, "slow", testutil.BusyScript(150))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.engine.box.Load() != nil }, time.Second, time.Millisecond)
	require.True(t, h.store.Publish(testSnapshot(1)))
	time.Sleep(30 * time.Millisecond)
	require.True(t, h.store.Publish(testSnapshot(2)))

	_, err := testutil.WaitForState(ctx, h.latest.Document, func(doc *merge.Document) bool {
		return doc != nil && doc.Version == 2
	}, testutil.PassTimeout, testutil.PollingInterval)
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []uint64{2}, rendered)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestRun_RegisterTriggersPass(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.engine.box.Load() != nil }, time.Second, time.Millisecond)
	require.True(t, h.store.Publish(testSnapshot(1)))
	require.NoError(t, testutil.Poll(ctx, func() bool { return h.latest.Count() >= 1 }, testutil.PassTimeout, testutil.PollingInterval))
	assert.Empty(t, h.latest.Document().Components)

	h.register(t, "late", testutil.ComponentScript("late", "late"))
	doc, err := testutil.WaitForState(ctx, h.latest.Document, func(doc *merge.Document) bool {
		return doc != nil && len(doc.Components) == 1
	}, testutil.PassTimeout, testutil.PollingInterval)
	require.NoError(t, err)
	assert.Equal(t, "late", doc.Components[0].ID)

	assert.ErrorIs(t, h.engine.Run(ctx), ErrRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Registry: plugin.NewRegistry(0)})
	assert.Error(t, err)
	_, err = New(Options{Store: world.NewStore()})
	assert.Error(t, err)
}
