// Package engine runs evaluation passes: for every new world view it invokes
// each active plugin, validates and merges their results, and hands the
// merged document to rendering.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/merge"
	"github.com/joeycumines/plugin-runtime/internal/plugin"
	"github.com/joeycumines/plugin-runtime/internal/render"
	"github.com/joeycumines/plugin-runtime/internal/sandbox"
	"github.com/joeycumines/plugin-runtime/internal/world"
)

var (
	// ErrSuperseded is returned for a pass abandoned because a newer view
	// arrived.
	ErrSuperseded = errors.New("pass superseded by a newer view")

	// ErrRunning is returned by Run when the engine is already running.
	ErrRunning = errors.New("engine already running")
)

// Options configures an Engine.
type Options struct {
	Store    *world.Store
	Registry *plugin.Registry
	// Factory builds capability bridges. Nil builds bridges with no
	// dispatcher, rejecting every dispatch.
	Factory *capability.Factory
	// Sink receives documents from Run. Nil discards them.
	Sink   render.Sink
	Logger *slog.Logger
	// Timeout is the per-invocation wall-clock limit.
	Timeout time.Duration
	// Modules is the require registry for trusted plugins.
	Modules *require.Registry
}

// instance is the part of a loaded sandbox the engine drives.
type instance interface {
	Update(ctx context.Context, viewJSON []byte) ([]byte, error)
	Activate(ctx context.Context, ref int64) error
	Close() error
}

// Engine orchestrates evaluation passes. Passes run one at a time, and
// registry mutations made through the Engine are serialized with them.
type Engine struct {
	store    *world.Store
	registry *plugin.Registry
	factory  *capability.Factory
	sink     render.Sink
	logger   *slog.Logger
	timeout  time.Duration
	modules  *require.Registry

	// mu is held for the whole of a pass and for registry mutations.
	mu sync.Mutex

	passes atomic.Uint64
	// gen counts views received by Run; a pass is stale once gen moves on.
	gen atomic.Uint64
	box atomic.Pointer[mailbox]
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Factory == nil {
		opts.Factory = capability.NewFactory(context.Background(), nil, opts.Logger)
	}
	if opts.Sink == nil {
		opts.Sink = render.SinkFunc(func(context.Context, *merge.Document) error { return nil })
	}
	if opts.Timeout <= 0 {
		opts.Timeout = sandbox.DefaultTimeout
	}
	return &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		factory:  opts.Factory,
		sink:     opts.Sink,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
		modules:  opts.Modules,
	}, nil
}

// mailbox holds at most one pending view: a newer view overwrites an older
// one that has not started.
type mailbox struct {
	mu   sync.Mutex
	view world.View
	gen  uint64
	full bool
	wake chan struct{}
}

func (m *mailbox) put(v world.View, gen uint64) {
	m.mu.Lock()
	m.view, m.gen, m.full = v, gen, true
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (world.View, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return world.View{}, 0, false
	}
	m.full = false
	return m.view, m.gen, true
}

// Run evaluates every view the store emits until ctx is done. Only the
// latest view is ever rendered: a view arriving mid-pass abandons the
// current pass at the next plugin boundary, and its document is discarded.
func (e *Engine) Run(ctx context.Context) error {
	box := &mailbox{wake: make(chan struct{}, 1)}
	if !e.box.CompareAndSwap(nil, box) {
		return ErrRunning
	}
	defer e.box.Store(nil)

	cancel := e.store.Views().Subscribe(func(v world.View) {
		box.put(v, e.gen.Add(1))
	})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-box.wake:
		}
		view, gen, ok := box.take()
		if !ok {
			continue
		}
		e.runPass(ctx, view, gen)
	}
}

func (e *Engine) runPass(ctx context.Context, view world.View, gen uint64) {
	stale := func() bool { return e.gen.Load() != gen }

	e.mu.Lock()
	doc, err := e.evaluate(ctx, view, stale)
	e.mu.Unlock()

	switch {
	case errors.Is(err, ErrSuperseded):
		e.logger.Debug("pass superseded", slog.Uint64("gen", gen))
		return
	case err != nil:
		if ctx.Err() == nil {
			e.logger.Error("pass failed", slog.Any("error", err))
		}
		return
	}

	// The document is only rendered if nothing newer arrived while it was
	// being merged.
	if stale() {
		e.logger.Debug("pass superseded", slog.Uint64("pass", doc.Pass))
		return
	}
	if err := e.sink.Render(ctx, doc); err != nil {
		e.logger.Warn("render failed", slog.Uint64("pass", doc.Pass), slog.Any("error", err))
	}
}

// Evaluate runs one pass for view and returns the merged document without
// rendering it.
func (e *Engine) Evaluate(ctx context.Context, view world.View) (*merge.Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evaluate(ctx, view, func() bool { return false })
}

func (e *Engine) evaluate(ctx context.Context, view world.View, stale func() bool) (*merge.Document, error) {
	viewJSON, err := json.Marshal(view.Document())
	if err != nil {
		return nil, fmt.Errorf("failed to encode view: %w", err)
	}

	pass := e.passes.Add(1)
	logger := e.logger.With(slog.Uint64("pass", pass))
	env := plugin.NewGateEnv(view)

	var (
		contributions []merge.Contribution
		diagnostics   []merge.Diagnostic
	)
	for _, cfg := range e.registry.ListActive() {
		if stale() {
			return nil, ErrSuperseded
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		plog := logger.With(slog.String("plugin", cfg.ID))

		allowed, err := e.registry.Gate(cfg.ID).Allows(env)
		if err != nil {
			plog.Debug("when expression failed; skipping", slog.Any("error", err))
			continue
		}
		if !allowed {
			continue
		}

		inst, err := e.instance(ctx, cfg)
		if err != nil {
			var ce *sandbox.CompileError
			if errors.As(err, &ce) {
				plog.Error("plugin failed to load", slog.Any("error", err))
				e.registry.MarkFaulted(cfg.ID, err)
				diagnostics = append(diagnostics, diagnostic(merge.DiagPluginFaulted, cfg.ID, err))
			} else {
				plog.Warn("plugin not attached", slog.Any("error", err))
			}
			continue
		}

		data, err := inst.Update(ctx, viewJSON)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ve *merge.ValidationError
			if errors.As(err, &ve) {
				plog.Warn("plugin result rejected", slog.Any("error", err))
				e.registry.RecordRejection(cfg.ID, err)
				diagnostics = append(diagnostics, diagnostic(merge.DiagPluginRejected, cfg.ID, err))
				continue
			}
			diagnostics = append(diagnostics, e.recordFailure(plog, cfg.ID, err))
			continue
		}

		res, err := merge.Decode(data)
		if err != nil {
			plog.Warn("plugin result rejected", slog.Any("error", err))
			e.registry.RecordRejection(cfg.ID, err)
			diagnostics = append(diagnostics, diagnostic(merge.DiagPluginRejected, cfg.ID, err))
			continue
		}
		e.registry.RecordSuccess(cfg.ID)
		contributions = append(contributions, merge.Contribution{PluginID: cfg.ID, Result: res})
	}

	doc := merge.Merge(pass, contributions)
	if view.Snapshot != nil {
		doc.Version = view.Snapshot.Version
	}
	doc.Diagnostics = append(diagnostics, doc.Diagnostics...)
	for _, d := range doc.Diagnostics {
		if d.Kind == merge.DiagComponentCollision {
			logger.Warn("component collision", slog.String("component", d.ComponentID),
				slog.String("plugin", d.PluginID), slog.String("replaced", d.Replaced))
		}
	}
	logger.Debug("pass complete",
		slog.Int("contributions", len(contributions)),
		slog.Int("components", len(doc.Components)),
		slog.Int("diagnostics", len(doc.Diagnostics)))
	return doc, nil
}

func (e *Engine) recordFailure(logger *slog.Logger, id string, err error) merge.Diagnostic {
	var ee *sandbox.ExecError
	if errors.As(err, &ee) && ee.Fatal() {
		logger.Error("plugin faulted", slog.Any("error", err))
		e.registry.MarkFaulted(id, err)
		return diagnostic(merge.DiagPluginFaulted, id, err)
	}
	if e.registry.RecordFailure(id, err) {
		logger.Error("plugin faulted after repeated failures", slog.Any("error", err))
		return diagnostic(merge.DiagPluginFaulted, id, err)
	}
	logger.Warn("plugin failed", slog.Any("error", err))
	return diagnostic(merge.DiagPluginFailed, id, err)
}

func diagnostic(kind, pluginID string, err error) merge.Diagnostic {
	return merge.Diagnostic{Kind: kind, PluginID: pluginID, Message: err.Error()}
}

// instance returns the plugin's sandbox, building and attaching one when
// none exists for the current hash.
func (e *Engine) instance(ctx context.Context, cfg plugin.Config) (instance, error) {
	if inst, ok := e.registry.Instance(cfg.ID, cfg.Hash).(instance); ok {
		return inst, nil
	}
	sb, err := sandbox.New(ctx, sandbox.Options{
		PluginID: cfg.ID,
		Src:      cfg.Src,
		Trust:    cfg.Trust,
		Bridge:   e.factory.New(cfg.ID),
		Timeout:  e.timeout,
		Modules:  e.modules,
	})
	if err != nil {
		return nil, err
	}
	if err := e.registry.Attach(cfg.ID, cfg.Hash, sb); err != nil {
		return nil, err
	}
	e.logger.Info("plugin loaded", slog.String("plugin", cfg.ID), slog.String("trust", cfg.Trust.String()))
	return sb, nil
}

// Register adds or replaces a plugin. A changed hash discards the existing
// sandbox. The latest view is re-evaluated if the engine is running.
func (e *Engine) Register(c plugin.Config) error {
	e.mu.Lock()
	reloaded, err := e.registry.Register(c)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if reloaded {
		e.logger.Info("plugin changed; reloading", slog.String("plugin", c.ID))
	}
	e.requeue()
	return nil
}

// Unregister removes a plugin and releases its sandbox.
func (e *Engine) Unregister(id string) bool {
	e.mu.Lock()
	ok := e.registry.Unregister(id)
	e.mu.Unlock()
	if ok {
		e.requeue()
	}
	return ok
}

// Reset clears a plugin's fault so it is rebuilt on the next pass.
func (e *Engine) Reset(id string) error {
	e.mu.Lock()
	err := e.registry.Reset(id)
	e.mu.Unlock()
	if err == nil {
		e.requeue()
	}
	return err
}

// requeue schedules a pass over the current view.
func (e *Engine) requeue() {
	box := e.box.Load()
	if box == nil {
		return
	}
	if view, ok := e.store.View(); ok {
		box.put(view, e.gen.Add(1))
	}
}

// Activate routes a button press to the sandbox owning the callback.
func (e *Engine) Activate(ctx context.Context, ref merge.ActionRef) error {
	st, ok := e.registry.Status(ref.Plugin)
	if !ok {
		return fmt.Errorf("activate %q: %w", ref.Plugin, plugin.ErrNotFound)
	}
	inst, ok := e.registry.Instance(ref.Plugin, st.Config.Hash).(instance)
	if !ok {
		return fmt.Errorf("activate %q: plugin is %s", ref.Plugin, st.State)
	}
	if err := inst.Activate(ctx, ref.Ref); err != nil {
		e.logger.Warn("button action failed", slog.String("plugin", ref.Plugin), slog.Int64("ref", ref.Ref), slog.Any("error", err))
		return err
	}
	return nil
}

// PluginStatus is a reporting view of one registered plugin.
type PluginStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       string `json:"type"`
	Trust      string `json:"trust"`
	State      string `json:"state"`
	Failures   int    `json:"failures"`
	Rejections int    `json:"rejections"`
	LastError  string `json:"lastError,omitempty"`
	When       string `json:"when,omitempty"`
}

// Status reports every registered plugin in registration order.
func (e *Engine) Status() []PluginStatus {
	statuses := e.registry.Statuses()
	out := make([]PluginStatus, 0, len(statuses))
	for _, s := range statuses {
		ps := PluginStatus{
			ID:         s.Config.ID,
			Name:       s.Config.Name,
			Kind:       s.Config.Kind.String(),
			Trust:      s.Config.Trust.String(),
			State:      s.State.String(),
			Failures:   s.Failures,
			Rejections: s.Rejections,
			When:       s.Config.When,
		}
		if s.LastError != nil {
			ps.LastError = s.LastError.Error()
		}
		out = append(out, ps)
	}
	return out
}
