// Package sandbox runs plugin scripts in isolated goja runtimes.
//
// Each Sandbox owns a dedicated Runtime: plugins share no globals, no
// prototypes and no module cache. The only host surface a script can reach
// is its capability bridge (dispatch and log) plus, for trusted plugins,
// console and the host modules under the "plugin:" prefix.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/merge"
	"github.com/joeycumines/plugin-runtime/internal/plugin"
	"github.com/joeycumines/plugin-runtime/internal/sandbox/builtin"
)

// DefaultTimeout bounds a single update or button invocation.
const DefaultTimeout = time.Second

// Options configures a Sandbox.
type Options struct {
	PluginID string
	Src      string
	Trust    plugin.Trust
	// Bridge is owned by the sandbox from here on and closed with it.
	Bridge *capability.Bridge
	// Timeout is the wall-clock limit per invocation; <= 0 selects
	// DefaultTimeout.
	Timeout time.Duration
	// Modules is the registry trusted plugins require() from. Nil selects
	// the default host modules. Ignored for untrusted plugins.
	Modules *require.Registry
}

// Sandbox is one loaded plugin instance. Module-scope state in the script
// persists across Update calls until Close.
type Sandbox struct {
	id      string
	rt      *Runtime
	bridge  *capability.Bridge
	timeout time.Duration

	// calls is bumped per Update and on abandon; a settling result only
	// publishes its action table if its token is still current.
	calls atomic.Uint64

	// guard implements the wall-clock limit.
	guardMu    sync.Mutex
	guardGen   uint64
	guardArmed bool
	guardTimer *time.Timer

	closeOnce sync.Once

	// Owned by the event loop goroutine.
	update     goja.Callable
	updateThis goja.Value
	parseView  goja.Callable
	encode     goja.Callable
	actions    map[int64]goja.Callable
	nextRef    int64
}

var defaultModules = sync.OnceValue(builtin.NewRegistry)

// helperProgram captures JSON and Object builtins before plugin code can
// replace them.
var helperProgram = goja.MustCompile("helpers.js", `(function () {
	'use strict';
	var parse = JSON.parse, stringify = JSON.stringify;
	var freeze = Object.freeze, isFrozen = Object.isFrozen, keys = Object.keys;
	function deepFreeze(value) {
		if (value !== null && typeof value === 'object' && !isFrozen(value)) {
			freeze(value);
			var ks = keys(value);
			for (var i = 0; i < ks.length; i++) {
				deepFreeze(value[ks[i]]);
			}
		}
		return value;
	}
	return freeze({
		view: function (text) {
			return deepFreeze(parse(text));
		},
		freeze: freeze,
		encode: function (result, bind) {
			return stringify(result, function (key, value) {
				if (typeof value === 'function') {
					return key === 'action' ? bind(value) : undefined;
				}
				return value;
			});
		}
	});
})()`, true)

var (
	exportDefaultRe = regexp.MustCompile(`(?m)^[ \t]*export[ \t]+default[ \t]+`)
	importDsRe      = regexp.MustCompile(`(?m)^[ \t]*import[ \t]+(ds|\*[ \t]+as[ \t]+ds)[ \t]+from[ \t]+['"][^'"]*['"][ \t]*;?`)
)

const (
	wrapperHead = "(function (module, exports, ds) {"
	wrapperTail = "\n;if (typeof update === 'function' && module.exports !== null && typeof module.exports === 'object' &&" +
		" typeof module.exports.update !== 'function' && typeof module.exports.default !== 'function') {" +
		" module.exports.update = update; }\n})"
)

// wrapSource turns a script into a CommonJS-style function expression.
// An `export default` declaration and an import of the capability object
// are accepted and rewritten; no other module syntax is.
func wrapSource(src string) string {
	src = importDsRe.ReplaceAllString(src, "")
	src = exportDefaultRe.ReplaceAllString(src, "exports.default = ")
	return wrapperHead + src + wrapperTail
}

// New loads a plugin script into a fresh runtime. Any failure to load is
// returned as a *CompileError and leaves nothing running.
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	if opts.Bridge == nil {
		return nil, errors.New("sandbox: bridge is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	policy := PolicyFor(opts.Trust)
	var registry *require.Registry
	if policy.Require {
		registry = opts.Modules
		if registry == nil {
			registry = defaultModules()
		}
	}

	rt, err := NewRuntime(context.Background(), registry)
	if err != nil {
		_ = opts.Bridge.Close()
		return nil, &CompileError{PluginID: opts.PluginID, Err: err}
	}
	rt.SetTimeout(opts.Timeout + time.Second)

	s := &Sandbox{
		id:      opts.PluginID,
		rt:      rt,
		bridge:  opts.Bridge,
		timeout: opts.Timeout,
		actions: map[int64]goja.Callable{},
	}

	err = rt.RunOnLoopSync(ctx, func(vm *goja.Runtime) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("script panicked (fatal error): %v", r)
			}
		}()
		return s.init(vm, policy, opts.Src)
	})
	if err != nil {
		_ = s.Close()
		return nil, &CompileError{PluginID: opts.PluginID, Err: err}
	}
	return s, nil
}

// ID returns the plugin id.
func (s *Sandbox) ID() string {
	return s.id
}

func (s *Sandbox) init(vm *goja.Runtime, policy Policy, src string) error {
	helpersVal, err := vm.RunProgram(helperProgram)
	if err != nil {
		return fmt.Errorf("failed to install helpers: %w", err)
	}
	helpers := helpersVal.ToObject(vm)
	s.parseView, _ = goja.AssertFunction(helpers.Get("view"))
	s.encode, _ = goja.AssertFunction(helpers.Get("encode"))
	freeze, _ := goja.AssertFunction(helpers.Get("freeze"))

	if err := policy.apply(vm, s.bridge); err != nil {
		return err
	}

	ds := s.newCapability(vm)
	if _, err := freeze(goja.Undefined(), ds); err != nil {
		return err
	}
	if err := vm.Set("dispatch", ds.Get("dispatch")); err != nil {
		return err
	}
	if err := vm.Set("log", ds.Get("log")); err != nil {
		return err
	}

	prg, err := goja.Compile(s.id, wrapSource(src), false)
	if err != nil {
		return err
	}
	wrapperVal, err := vm.RunProgram(prg)
	if err != nil {
		return err
	}
	wrapper, ok := goja.AssertFunction(wrapperVal)
	if !ok {
		return errors.New("script wrapper is not callable")
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)

	s.arm(vm)
	_, err = wrapper(goja.Undefined(), module, exports, ds)
	s.disarm(vm)
	if err != nil {
		return err
	}

	s.update, s.updateThis, err = entryPoint(vm, module)
	return err
}

func entryPoint(vm *goja.Runtime, module *goja.Object) (goja.Callable, goja.Value, error) {
	exp := module.Get("exports")
	if exp == nil || goja.IsUndefined(exp) || goja.IsNull(exp) {
		return nil, nil, ErrNoEntryPoint
	}
	obj := exp.ToObject(vm)
	for _, name := range []string{"update", "default"} {
		if fn, ok := goja.AssertFunction(obj.Get(name)); ok {
			return fn, obj, nil
		}
	}
	if fn, ok := goja.AssertFunction(exp); ok {
		return fn, goja.Undefined(), nil
	}
	return nil, nil, ErrNoEntryPoint
}

// newCapability builds the ds object: the script's only route to the host.
func (s *Sandbox) newCapability(vm *goja.Runtime) *goja.Object {
	ds := vm.NewObject()

	// dispatch(name: string, ...args): Promise<void>
	_ = ds.Set("dispatch", func(call goja.FunctionCall) goja.Value {
		name := ""
		if v := call.Argument(0); !goja.IsUndefined(v) && !goja.IsNull(v) {
			name = v.String()
		}
		var args []any
		if len(call.Arguments) > 1 {
			args = make([]any, 0, len(call.Arguments)-1)
			for _, a := range call.Arguments[1:] {
				args = append(args, a.Export())
			}
		}

		promise, resolve, reject := vm.NewPromise()
		s.bridge.Dispatch(name, args...).OnSettle(func(err error) {
			s.rt.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					_ = reject(vm.NewGoError(err))
				} else {
					_ = resolve(goja.Undefined())
				}
			})
		})
		return vm.ToValue(promise)
	})

	// log(text: string, values?: object): void
	_ = ds.Set("log", func(call goja.FunctionCall) goja.Value {
		msg := call.Argument(0).String()
		var values map[string]any
		if v := call.Argument(1); !goja.IsUndefined(v) && !goja.IsNull(v) {
			if m, ok := v.Export().(map[string]any); ok {
				values = m
			} else {
				values = map[string]any{"value": v.Export()}
			}
		}
		s.bridge.Log(slog.LevelInfo, msg, values)
		return goja.Undefined()
	})

	return ds
}

type updateResult struct {
	data []byte
	err  error
}

// Update invokes the script's update function with viewJSON, the encoded
// world view. The script receives its own deep-frozen copy. A returned
// promise is awaited within the same wall-clock limit. The result is
// returned JSON-encoded, with button callbacks replaced by action handles.
//
// Script failures are returned as *ExecError. A result that cannot be
// encoded is returned as a *merge.ValidationError.
func (s *Sandbox) Update(ctx context.Context, viewJSON []byte) ([]byte, error) {
	token := s.calls.Add(1)
	done := make(chan updateResult, 1)
	if !s.rt.RunOnLoop(func(vm *goja.Runtime) {
		s.invoke(vm, viewJSON, token, done)
	}) {
		return nil, s.execErr(ReasonClosed, ErrLoopStopped)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.data, r.err
	case <-timer.C:
		s.abandon(ErrTimeout)
		return nil, s.execErr(ReasonTimeout, ErrTimeout)
	case <-ctx.Done():
		s.abandon(ctx.Err())
		return nil, s.execErr(ReasonInterrupted, ctx.Err())
	case <-s.rt.Done():
		return nil, s.execErr(ReasonClosed, ErrLoopStopped)
	}
}

// abandon stops an in-flight invocation from publishing its result.
func (s *Sandbox) abandon(reason error) {
	s.calls.Add(1)
	s.guardMu.Lock()
	if s.guardArmed {
		s.rt.Interrupt(reason)
	}
	s.guardMu.Unlock()
}

func (s *Sandbox) invoke(vm *goja.Runtime, viewJSON []byte, token uint64, done chan<- updateResult) {
	if s.calls.Load() != token {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.disarm(vm)
			done <- updateResult{err: s.execErr(ReasonPanic, fmt.Errorf("script panicked (fatal error): %v", r))}
		}
	}()

	s.arm(vm)
	view, err := s.parseView(goja.Undefined(), vm.ToValue(string(viewJSON)))
	if err != nil {
		s.disarm(vm)
		done <- updateResult{err: s.classify(err)}
		return
	}
	ret, err := s.update(s.updateThis, view)
	if err != nil {
		s.disarm(vm)
		done <- updateResult{err: s.classify(err)}
		return
	}

	if ret != nil && ret.ExportType() == promiseType {
		p := ret.Export().(*goja.Promise)
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ret = p.Result()
		case goja.PromiseStateRejected:
			s.disarm(vm)
			done <- updateResult{err: s.thrown(p.Result())}
			return
		default:
			s.disarm(vm)
			s.await(vm, ret.ToObject(vm), token, done)
			return
		}
	}

	data, err := s.finish(vm, ret, token)
	s.disarm(vm)
	done <- updateResult{data: data, err: err}
}

var promiseType = reflect.TypeOf((*goja.Promise)(nil))

func (s *Sandbox) await(vm *goja.Runtime, promise *goja.Object, token uint64, done chan<- updateResult) {
	then, ok := goja.AssertFunction(promise.Get("then"))
	if !ok {
		done <- updateResult{err: s.execErr(ReasonThrown, errors.New("promise has no then method"))}
		return
	}
	onFulfilled := func(call goja.FunctionCall) goja.Value {
		if s.calls.Load() != token {
			return goja.Undefined()
		}
		s.arm(vm)
		data, err := s.finish(vm, call.Argument(0), token)
		s.disarm(vm)
		done <- updateResult{data: data, err: err}
		return goja.Undefined()
	}
	onRejected := func(call goja.FunctionCall) goja.Value {
		done <- updateResult{err: s.thrown(call.Argument(0))}
		return goja.Undefined()
	}
	if _, err := then(promise, vm.ToValue(onFulfilled), vm.ToValue(onRejected)); err != nil {
		done <- updateResult{err: s.classify(err)}
	}
}

// finish encodes a result, binding each button callback to a fresh ref.
// The new action table replaces the previous one only if token is current.
func (s *Sandbox) finish(vm *goja.Runtime, ret goja.Value, token uint64) ([]byte, error) {
	if ret == nil {
		ret = goja.Undefined()
	}
	pending := make(map[int64]goja.Callable)
	next := s.nextRef
	bind := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		next++
		pending[next] = fn
		ref := vm.NewObject()
		_ = ref.Set("plugin", s.id)
		_ = ref.Set("ref", next)
		return ref
	}

	out, err := s.encode(goja.Undefined(), ret, vm.ToValue(bind))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, s.classify(err)
		}
		return nil, &merge.ValidationError{Kind: merge.ErrShape, Detail: "result is not serializable: " + err.Error()}
	}

	data := []byte("null")
	if out != nil && !goja.IsUndefined(out) {
		data = []byte(out.String())
	}
	s.nextRef = next
	if s.calls.Load() == token {
		s.actions = pending
	}
	return data, nil
}

// Activate invokes the button callback bound to ref in the latest result.
func (s *Sandbox) Activate(ctx context.Context, ref int64) error {
	err := s.rt.RunOnLoopSync(ctx, func(vm *goja.Runtime) (err error) {
		fn, ok := s.actions[ref]
		if !ok {
			return fmt.Errorf("plugin %q: ref %d: %w", s.id, ref, ErrUnknownAction)
		}
		defer func() {
			if r := recover(); r != nil {
				err = s.execErr(ReasonPanic, fmt.Errorf("script panicked (fatal error): %v", r))
			}
		}()
		s.arm(vm)
		defer s.disarm(vm)
		if _, err := fn(goja.Undefined()); err != nil {
			return s.classify(err)
		}
		return nil
	})
	if errors.Is(err, ErrLoopStopped) {
		return s.execErr(ReasonClosed, err)
	}
	return err
}

// Close releases the runtime and the capability bridge. Pending dispatches
// are rejected. It's safe to call multiple times.
func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		s.calls.Add(1)
		_ = s.rt.Close()
		_ = s.bridge.Close()
	})
	return nil
}

// arm starts the wall-clock limit for the code about to run on the loop.
func (s *Sandbox) arm(vm *goja.Runtime) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	s.guardGen++
	gen := s.guardGen
	s.guardArmed = true
	s.guardTimer = time.AfterFunc(s.timeout, func() {
		s.guardMu.Lock()
		defer s.guardMu.Unlock()
		if s.guardArmed && s.guardGen == gen {
			vm.Interrupt(ErrTimeout)
		}
	})
}

// disarm stops the limit and clears an interrupt that raced the end of the
// guarded code.
func (s *Sandbox) disarm(vm *goja.Runtime) {
	s.guardMu.Lock()
	defer s.guardMu.Unlock()
	s.guardArmed = false
	if s.guardTimer != nil {
		s.guardTimer.Stop()
		s.guardTimer = nil
	}
	vm.ClearInterrupt()
}

func (s *Sandbox) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		reason, _ := interrupted.Value().(error)
		switch {
		case errors.Is(reason, ErrTimeout):
			return s.execErr(ReasonTimeout, ErrTimeout)
		case errors.Is(reason, ErrLoopStopped):
			return s.execErr(ReasonClosed, ErrLoopStopped)
		case reason != nil:
			return s.execErr(ReasonInterrupted, reason)
		default:
			return s.execErr(ReasonInterrupted, err)
		}
	}
	return s.execErr(ReasonThrown, err)
}

func (s *Sandbox) thrown(v goja.Value) error {
	msg := "undefined"
	if v != nil {
		msg = v.String()
	}
	return s.execErr(ReasonThrown, errors.New(msg))
}

func (s *Sandbox) execErr(reason ExecReason, err error) *ExecError {
	return &ExecError{PluginID: s.id, Reason: reason, Err: err}
}
