package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
)

// ErrLoopStopped is returned when work is submitted to a Runtime whose
// event loop is no longer running.
var ErrLoopStopped = errors.New("event loop not running")

// Runtime owns one goja runtime and the event loop that serializes access
// to it. A Runtime is never shared between plugins.
//
//   - goja.Runtime is NOT goroutine-safe; all access MUST happen via RunOnLoop
//   - Promise resolve/reject MUST happen on the event loop goroutine
type Runtime struct {
	loop *eventloop.EventLoop

	// vm is retained only for Interrupt, which is goroutine-safe.
	vm *goja.Runtime

	// timeout bounds RunOnLoopSync; zero disables it.
	timeout time.Duration

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

// DefaultSyncTimeout is the default bound on RunOnLoopSync.
const DefaultSyncTimeout = 5 * time.Second

// NewRuntime starts an event loop whose require() resolves against
// registry. A nil registry resolves nothing: every require() fails.
// Canceling ctx closes the runtime.
func NewRuntime(ctx context.Context, registry *require.Registry) (*Runtime, error) {
	if registry == nil {
		registry = require.NewRegistry(require.WithLoader(denyAllLoader))
	}

	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(false),
	)

	childCtx, cancel := context.WithCancel(context.Background())

	rt := &Runtime{
		loop:    loop,
		ctx:     childCtx,
		cancel:  cancel,
		timeout: DefaultSyncTimeout,
	}

	loop.Start()

	vmCh := make(chan *goja.Runtime, 1)
	if !loop.RunOnLoop(func(vm *goja.Runtime) { vmCh <- vm }) {
		cancel()
		return nil, fmt.Errorf("failed to initialize: %w", ErrLoopStopped)
	}
	rt.vm = <-vmCh

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() {
			_ = rt.Close()
		})
	}

	return rt, nil
}

// denyAllLoader refuses to load any module from source; only native modules
// registered on the registry are reachable.
func denyAllLoader(string) ([]byte, error) {
	return nil, require.ModuleFileDoesNotExistError
}

// Close interrupts any running script, stops the event loop and releases
// resources. It's safe to call multiple times.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.stopped = true
	rt.mu.Unlock()

	rt.cancel()
	rt.vm.Interrupt(ErrLoopStopped)
	rt.loop.Stop()
	return nil
}

// Done is closed once the runtime is closed.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.ctx.Done()
}

// IsRunning reports whether the runtime has not been closed.
func (rt *Runtime) IsRunning() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return !rt.stopped
}

// SetTimeout sets the bound on RunOnLoopSync. Zero disables it.
func (rt *Runtime) SetTimeout(timeout time.Duration) {
	rt.mu.Lock()
	rt.timeout = timeout
	rt.mu.Unlock()
}

// RunOnLoop schedules fn on the event loop goroutine. It returns false if
// the loop is not running.
func (rt *Runtime) RunOnLoop(fn func(*goja.Runtime)) bool {
	rt.mu.RLock()
	if rt.stopped {
		rt.mu.RUnlock()
		return false
	}
	rt.mu.RUnlock()

	return rt.loop.RunOnLoop(fn)
}

// Interrupt aborts the script currently running on the loop, if any. The
// interrupted call returns a *goja.InterruptedError carrying v.
func (rt *Runtime) Interrupt(v any) {
	rt.vm.Interrupt(v)
}

// RunOnLoopSync schedules fn on the event loop and waits for it, for ctx,
// for the runtime to close, or for the configured timeout.
func (rt *Runtime) RunOnLoopSync(ctx context.Context, fn func(*goja.Runtime) error) error {
	rt.mu.RLock()
	if rt.stopped {
		rt.mu.RUnlock()
		return ErrLoopStopped
	}
	timeout := rt.timeout
	rt.mu.RUnlock()

	errCh := make(chan error, 1)
	if !rt.loop.RunOnLoop(func(vm *goja.Runtime) {
		errCh <- fn(vm)
	}) {
		return ErrLoopStopped
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case err := <-errCh:
		return err
	case <-rt.Done():
		return fmt.Errorf("runtime stopped before completion: %w", ErrLoopStopped)
	case <-ctx.Done():
		return ctx.Err()
	case <-timerC:
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}
