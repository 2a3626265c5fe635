package ids

import (
	"testing"

	"github.com/dop251/goja"
	gojarequire "github.com/dop251/goja_nodejs/require"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextID(t *testing.T) {
	registry := gojarequire.NewRegistry()
	registry.RegisterNativeModule("ids", Require)
	vm := goja.New()
	registry.Enable(vm)
	_, err := vm.RunString(`var nextId = require("ids");`)
	require.NoError(t, err)

	for _, tc := range []struct {
		script string
		want   int64
	}{
		{`nextId()`, 1},
		{`nextId(null)`, 1},
		{`nextId([])`, 1},
		{`nextId([{id: 3}, {id: 9}, {id: 4}])`, 10},
		{`nextId([{id: "7"}, null, {}, {name: "x"}])`, 8},
		{`nextId([{id: -5}])`, 1},
	} {
		t.Run(tc.script, func(t *testing.T) {
			v, err := vm.RunString(tc.script)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.ToInteger())
		})
	}
}
