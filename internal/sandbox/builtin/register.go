// Package builtin provides the native modules trusted plugins may require.
package builtin

import (
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/plugin-runtime/internal/sandbox/builtin/coords"
	"github.com/joeycumines/plugin-runtime/internal/sandbox/builtin/ids"
	timemod "github.com/joeycumines/plugin-runtime/internal/sandbox/builtin/time"
)

// Prefix namespaces every host module.
const Prefix = "plugin:"

// Register registers all native modules with the provided registry.
func Register(registry *require.Registry) {
	registry.RegisterNativeModule(Prefix+"ids", ids.Require)
	registry.RegisterNativeModule(Prefix+"coords", coords.Require)
	registry.RegisterNativeModule(Prefix+"time", timemod.Require)
}

// NewRegistry returns a registry holding only the host modules: loading
// modules from source is refused.
func NewRegistry() *require.Registry {
	registry := require.NewRegistry(require.WithLoader(func(string) ([]byte, error) {
		return nil, require.ModuleFileDoesNotExistError
	}))
	Register(registry)
	return registry
}
