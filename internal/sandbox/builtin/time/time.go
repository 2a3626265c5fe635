package time

import (
	"time"

	"github.com/dop251/goja"
)

// Now is the clock read by the module.
var Now = time.Now

func Require(runtime *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)

	// now(): number, milliseconds since the Unix epoch
	_ = exports.Set("now", func(call goja.FunctionCall) goja.Value {
		return runtime.ToValue(Now().UnixMilli())
	})

	// since(ms: number): number, milliseconds elapsed since ms
	_ = exports.Set("since", func(call goja.FunctionCall) goja.Value {
		return runtime.ToValue(Now().UnixMilli() - call.Argument(0).ToInteger())
	})
}
