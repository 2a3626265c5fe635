package ids

import (
	"strconv"

	"github.com/dop251/goja"
)

// Require exports nextId(list: Array<{id?: number|string}>): number, one
// greater than the largest numeric id in list.
func Require(runtime *goja.Runtime, module *goja.Object) {
	_ = module.Set("exports", func(call goja.FunctionCall) goja.Value {
		listVal := call.Argument(0)
		if goja.IsUndefined(listVal) || goja.IsNull(listVal) {
			return runtime.ToValue(1)
		}
		listObj := listVal.ToObject(runtime)

		lengthVal := listObj.Get("length")
		if lengthVal == nil || goja.IsUndefined(lengthVal) || goja.IsNull(lengthVal) {
			return runtime.ToValue(1)
		}
		length := lengthVal.ToInteger()

		var maxVal int64
		for i := int64(0); i < length; i++ {
			itemVal := listObj.Get(strconv.FormatInt(i, 10))
			if itemVal == nil || goja.IsUndefined(itemVal) || goja.IsNull(itemVal) {
				continue
			}
			idVal := itemVal.ToObject(runtime).Get("id")
			if idVal == nil || goja.IsUndefined(idVal) || goja.IsNull(idVal) {
				continue
			}
			if id := idVal.ToInteger(); id > maxVal {
				maxVal = id
			}
		}
		return runtime.ToValue(maxVal + 1)
	})
}
