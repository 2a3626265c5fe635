package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []Action
	reject  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
	return d.reject
}

func (d *recordingDispatcher) recorded() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Action(nil), d.actions...)
}

func wait(t *testing.T, o *Outcome) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestBridge_Dispatch(t *testing.T) {
	d := &recordingDispatcher{}
	b := NewFactory(context.Background(), d, nil).New("core.move")
	defer b.Close()
	assert.Equal(t, "core.move", b.PluginID())

	out := b.Dispatch("MOVE_UNIT", "u1", map[string]int{"q": 1, "r": -1})
	require.NoError(t, wait(t, out))

	got := d.recorded()
	require.Len(t, got, 1)
	a := got[0]
	assert.Equal(t, out.Action(), a)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "core.move", a.PluginID)
	assert.Equal(t, "MOVE_UNIT", a.Name)
	require.Len(t, a.Args, 2)
	assert.JSONEq(t, `"u1"`, string(a.Args[0]))
	assert.JSONEq(t, `{"q":1,"r":-1}`, string(a.Args[1]))

	second := b.Dispatch("MOVE_UNIT")
	require.NoError(t, wait(t, second))
	assert.NotEqual(t, a.ID, second.Action().ID)
}

func TestBridge_Rejected(t *testing.T) {
	reason := errors.New("not your turn")
	b := NewFactory(context.Background(), &recordingDispatcher{reject: reason}, nil).New("p")
	defer b.Close()

	out := b.Dispatch("END_TURN")
	assert.ErrorIs(t, wait(t, out), reason)
	assert.ErrorIs(t, out.Err(), reason)
}

func TestBridge_NotSerializable(t *testing.T) {
	d := &recordingDispatcher{}
	b := NewFactory(context.Background(), d, nil).New("p")
	defer b.Close()

	out := b.Dispatch("BAD", func() {})
	assert.ErrorIs(t, wait(t, out), ErrNotSerializable)
	assert.Empty(t, d.recorded(), "the dispatcher never sees unserializable actions")

	assert.Error(t, wait(t, b.Dispatch("")))
}

func TestBridge_NoDispatcher(t *testing.T) {
	b := NewFactory(context.Background(), nil, nil).New("p")
	defer b.Close()
	assert.ErrorIs(t, wait(t, b.Dispatch("X")), ErrNoDispatcher)
}

func TestBridge_Close(t *testing.T) {
	started := make(chan struct{})
	d := DispatcherFunc(func(ctx context.Context, _ Action) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	b := NewFactory(context.Background(), d, nil).New("p")

	pending := b.Dispatch("SLOW")
	<-started
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case <-pending.Done():
	default:
		t.Fatal("close returned before in-flight dispatches settled")
	}
	assert.ErrorIs(t, pending.Err(), context.Canceled)
	assert.ErrorIs(t, wait(t, b.Dispatch("LATE")), ErrClosed)
}

func TestBridges_AreIndependent(t *testing.T) {
	d := &recordingDispatcher{}
	f := NewFactory(context.Background(), d, nil)
	a, b := f.New("a"), f.New("b")
	defer b.Close()

	require.NoError(t, a.Close())
	assert.ErrorIs(t, wait(t, a.Dispatch("X")), ErrClosed)
	require.NoError(t, wait(t, b.Dispatch("X")))
	got := d.recorded()
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].PluginID)
}

func TestOutcome_OnSettle(t *testing.T) {
	o := newOutcome()
	var calls []error
	o.OnSettle(func(err error) { calls = append(calls, err) })
	assert.Empty(t, calls)

	reason := errors.New("nope")
	o.settle(reason)
	o.settle(nil)
	assert.Equal(t, []error{reason}, calls)

	o.OnSettle(func(err error) { calls = append(calls, err) })
	assert.Equal(t, []error{reason, reason}, calls, "late callbacks run immediately")
	assert.Equal(t, reason, o.Err())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newOutcome().Wait(ctx), context.Canceled)
}

func TestBridge_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b := NewFactory(context.Background(), nil, logger).New("core.info")
	defer b.Close()

	b.Log(slog.LevelWarn, "low health", map[string]any{"unit": "u1", "hp": 3})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "low health", rec["msg"])
	assert.Equal(t, "core.info", rec["plugin"])
	assert.Equal(t, "plugin", rec["source"])
	assert.Equal(t, "u1", rec["unit"])
	assert.EqualValues(t, 3, rec["hp"])
}
