// Package capability implements the only privileged surface reachable from
// plugin code: requesting game actions and emitting diagnostics.
//
// A Bridge carries no reference to world state, other plugins or the
// sandbox it is bound into. Dispatch only forwards a request to the host
// session; whether the action is valid, and applying it, is the session's
// decision.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrClosed is the rejection reason for dispatches made through a bridge
	// whose plugin instance has been released.
	ErrClosed = errors.New("capability bridge closed")

	// ErrNotSerializable is the rejection reason for arguments that cannot
	// be serialized for the host session.
	ErrNotSerializable = errors.New("action arguments not serializable")

	// ErrNoDispatcher is the rejection reason when the host has no session.
	ErrNoDispatcher = errors.New("no dispatcher configured")
)

// Action is a serialized request to perform a game action.
type Action struct {
	ID       string            `json:"id"`
	PluginID string            `json:"plugin"`
	Name     string            `json:"name"`
	Args     []json.RawMessage `json:"args"`
}

// Dispatcher is the host session's action queue.
type Dispatcher interface {
	// Dispatch submits the action and blocks until the session reports its
	// outcome or ctx is done. A non-nil error means the action was rejected.
	Dispatch(ctx context.Context, action Action) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, action Action) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// Factory builds one Bridge per plugin instance.
type Factory struct {
	ctx        context.Context
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewFactory creates a Factory. ctx bounds every dispatch made through the
// bridges it builds. A nil dispatcher rejects all dispatches; a nil logger
// discards all plugin logs.
func NewFactory(ctx context.Context, dispatcher Dispatcher, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Factory{ctx: ctx, dispatcher: dispatcher, logger: logger}
}

// New builds a fresh Bridge bound to pluginID. Bridges are never shared:
// each sandbox construction calls New.
func (f *Factory) New(pluginID string) *Bridge {
	ctx, cancel := context.WithCancel(f.ctx)
	return &Bridge{
		pluginID:   pluginID,
		ctx:        ctx,
		cancel:     cancel,
		dispatcher: f.dispatcher,
		logger:     f.logger.With(slog.String("plugin", pluginID), slog.String("source", "plugin")),
	}
}

// Bridge is a capability object exclusively owned by one plugin instance.
type Bridge struct {
	pluginID   string
	ctx        context.Context
	cancel     context.CancelFunc
	dispatcher Dispatcher
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// PluginID returns the id of the plugin the bridge is bound to.
func (b *Bridge) PluginID() string {
	return b.pluginID
}

// Dispatch requests an action. It never blocks and never performs the
// action itself; the returned Outcome settles once the host session reports
// the result.
func (b *Bridge) Dispatch(name string, args ...any) *Outcome {
	out := newOutcome()

	if name == "" {
		out.settle(fmt.Errorf("dispatch: action name cannot be empty"))
		return out
	}

	encoded := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			out.settle(fmt.Errorf("dispatch %s: argument %d: %w: %v", name, i, ErrNotSerializable, err))
			return out
		}
		encoded[i] = raw
	}

	action := Action{
		ID:       uuid.NewString(),
		PluginID: b.pluginID,
		Name:     name,
		Args:     encoded,
	}
	out.action = action

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		out.settle(ErrClosed)
		return out
	}
	if b.dispatcher == nil {
		b.mu.Unlock()
		out.settle(ErrNoDispatcher)
		return out
	}
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Debug("dispatch", slog.String("action", name), slog.String("id", action.ID))

	go func() {
		defer b.wg.Done()
		err := b.dispatcher.Dispatch(b.ctx, action)
		if err != nil {
			b.logger.Debug("dispatch rejected", slog.String("action", name), slog.String("id", action.ID), slog.Any("error", err))
		}
		out.settle(err)
	}()

	return out
}

// Log emits a structured diagnostic on behalf of the plugin. It never
// panics; unknown levels are logged at info.
func (b *Bridge) Log(level slog.Level, msg string, values map[string]any) {
	defer func() {
		_ = recover()
	}()
	attrs := make([]slog.Attr, 0, len(values))
	for k, v := range values {
		attrs = append(attrs, slog.Any(k, v))
	}
	b.logger.LogAttrs(b.ctx, level, msg, attrs...)
}

// Close cancels in-flight dispatches and rejects later ones. It waits for
// pending dispatch goroutines to settle.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// Outcome is the pending result of a dispatch.
type Outcome struct {
	action Action
	done   chan struct{}

	mu        sync.Mutex
	err       error
	callbacks []func(error)
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// Action returns the serialized action; zero if the dispatch was rejected
// before serialization completed.
func (o *Outcome) Action() Action {
	return o.action
}

// Done is closed once the outcome settles.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Err returns the rejection reason, or nil if the action succeeded or the
// outcome is still pending.
func (o *Outcome) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Wait blocks until the outcome settles or ctx is done.
func (o *Outcome) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSettle registers fn to be called with the result once the outcome
// settles. If it already has, fn is called immediately on the caller's
// goroutine; otherwise on the goroutine that settles it.
func (o *Outcome) OnSettle(fn func(error)) {
	o.mu.Lock()
	select {
	case <-o.done:
		err := o.err
		o.mu.Unlock()
		fn(err)
		return
	default:
	}
	o.callbacks = append(o.callbacks, fn)
	o.mu.Unlock()
}

func (o *Outcome) settle(err error) {
	o.mu.Lock()
	select {
	case <-o.done:
		o.mu.Unlock()
		return
	default:
	}
	o.err = err
	close(o.done)
	callbacks := o.callbacks
	o.callbacks = nil
	o.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}
