// Package coords exposes cube-coordinate helpers for hex tiles. A location
// is a three element array [q, r, s] with q + r + s == 0.
package coords

import (
	"fmt"

	"github.com/dop251/goja"
)

// Loc is a cube coordinate.
type Loc [3]int64

var directions = [6]Loc{
	{1, -1, 0},
	{1, 0, -1},
	{0, 1, -1},
	{-1, 1, 0},
	{-1, 0, 1},
	{0, -1, 1},
}

// Distance is the number of tile steps between a and b.
func Distance(a, b Loc) int64 {
	var d int64
	for i := range a {
		if v := abs(a[i] - b[i]); v > d {
			d = v
		}
	}
	return d
}

// Neighbours returns the six locations adjacent to l.
func Neighbours(l Loc) []Loc {
	out := make([]Loc, len(directions))
	for i, dir := range directions {
		out[i] = Loc{l[0] + dir[0], l[1] + dir[1], l[2] + dir[2]}
	}
	return out
}

// Key formats l as "q,r,s".
func Key(l Loc) string {
	return fmt.Sprintf("%d,%d,%d", l[0], l[1], l[2])
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func Require(runtime *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)

	toLoc := func(v goja.Value) Loc {
		var parts []int64
		if err := runtime.ExportTo(v, &parts); err != nil || len(parts) != 3 {
			panic(runtime.NewTypeError("expected a location [q, r, s]"))
		}
		return Loc{parts[0], parts[1], parts[2]}
	}
	fromLoc := func(l Loc) goja.Value {
		return runtime.NewArray(l[0], l[1], l[2])
	}

	// distance(a: Loc, b: Loc): number
	_ = exports.Set("distance", func(call goja.FunctionCall) goja.Value {
		return runtime.ToValue(Distance(toLoc(call.Argument(0)), toLoc(call.Argument(1))))
	})

	// neighbours(l: Loc): Loc[]
	_ = exports.Set("neighbours", func(call goja.FunctionCall) goja.Value {
		ns := Neighbours(toLoc(call.Argument(0)))
		vals := make([]any, len(ns))
		for i, n := range ns {
			vals[i] = fromLoc(n)
		}
		return runtime.NewArray(vals...)
	})

	// key(l: Loc): string
	_ = exports.Set("key", func(call goja.FunctionCall) goja.Value {
		return runtime.ToValue(Key(toLoc(call.Argument(0))))
	})
}
