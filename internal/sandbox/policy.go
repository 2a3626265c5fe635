package sandbox

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
	"github.com/joeycumines/plugin-runtime/internal/capability"
	"github.com/joeycumines/plugin-runtime/internal/plugin"
)

// Policy is the set of ambient facilities a sandbox exposes beyond the
// capability bridge.
type Policy struct {
	// Require keeps require(), bound to the host module registry.
	Require bool
	// Console installs a console object that logs through the bridge.
	Console bool
	// Timers keeps setTimeout and friends.
	Timers bool
	// Eval keeps the global eval function and the Function constructors.
	Eval bool
	// MaxCallStackSize bounds recursion depth.
	MaxCallStackSize int
}

// PolicyFor returns the policy for a trust tier.
func PolicyFor(t plugin.Trust) Policy {
	if t == plugin.Trusted {
		return Policy{
			Require:          true,
			Console:          true,
			Timers:           true,
			Eval:             true,
			MaxCallStackSize: 10000,
		}
	}
	return Policy{MaxCallStackSize: 1000}
}

// denyStringCode replaces every reachable function constructor with one that
// throws, so a policy without Eval cannot compile code from strings.
var denyStringCode = goja.MustCompile("policy.js", `(function () {
	'use strict';
	var define = Object.defineProperty, getProto = Object.getPrototypeOf;
	function denied() {
		throw new EvalError('code generation from strings is not allowed');
	}
	var protos = [Function.prototype, getProto(function* () {}), getProto(async function () {})];
	denied.prototype = Function.prototype;
	for (var i = 0; i < protos.length; i++) {
		define(protos[i], 'constructor', {value: denied, writable: false, enumerable: false, configurable: false});
	}
	define(globalThis, 'Function', {value: denied, writable: false, enumerable: false, configurable: false});
})()`, true)

var timerGlobals = []string{
	"setTimeout",
	"setInterval",
	"setImmediate",
	"clearTimeout",
	"clearInterval",
	"clearImmediate",
}

// apply strips the globals the policy does not grant. It must run before
// any plugin code.
func (p Policy) apply(vm *goja.Runtime, bridge *capability.Bridge) error {
	if p.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(p.MaxCallStackSize)
	}

	global := vm.GlobalObject()
	var remove []string
	if !p.Require {
		remove = append(remove, "require")
	}
	if !p.Timers {
		remove = append(remove, timerGlobals...)
	}
	if !p.Eval {
		remove = append(remove, "eval")
	}
	// The event loop may install a console; only the bridge-backed one is
	// allowed.
	remove = append(remove, "console")
	for _, name := range remove {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("failed to remove global %s: %w", name, err)
		}
	}

	if !p.Eval {
		if _, err := vm.RunProgram(denyStringCode); err != nil {
			return fmt.Errorf("failed to disable string evaluation: %w", err)
		}
	}

	if p.Console {
		if err := vm.Set("console", newConsole(vm, bridge)); err != nil {
			return fmt.Errorf("failed to install console: %w", err)
		}
	}
	return nil
}

func newConsole(vm *goja.Runtime, bridge *capability.Bridge) *goja.Object {
	console := vm.NewObject()
	method := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			bridge.Log(level, strings.Join(parts, " "), nil)
			return goja.Undefined()
		}
	}
	_ = console.Set("log", method(slog.LevelInfo))
	_ = console.Set("info", method(slog.LevelInfo))
	_ = console.Set("debug", method(slog.LevelDebug))
	_ = console.Set("warn", method(slog.LevelWarn))
	_ = console.Set("error", method(slog.LevelError))
	return console
}
