package plugin

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/joeycumines/plugin-runtime/internal/world"
)

// GateEnv is the environment a Config.When expression is evaluated against.
// Nested fields use their Go names, e.g. `unit != nil && unit.ID != ""`.
type GateEnv struct {
	Player   *world.Player `expr:"player"`
	Unit     *world.Unit   `expr:"unit"`
	Tiles    []world.Tile  `expr:"tiles"`
	PlayerID string        `expr:"playerId"`
	Version  uint64        `expr:"version"`
}

// NewGateEnv builds the gate environment for a view.
func NewGateEnv(v world.View) GateEnv {
	env := GateEnv{
		Player:   v.Selection.Player,
		Unit:     v.Selection.MobileUnit,
		Tiles:    v.Selection.Tiles,
		PlayerID: v.IDs.PlayerID,
	}
	if v.Snapshot != nil {
		env.Version = v.Snapshot.Version
	}
	return env
}

// Gate is a compiled activation condition.
type Gate struct {
	source  string
	program *vm.Program
}

// CompileGate compiles a When expression. An empty source yields a nil Gate,
// which always passes.
func CompileGate(source string) (*Gate, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(GateEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid when expression %q: %w", source, err)
	}
	return &Gate{source: source, program: program}, nil
}

// Allows evaluates the gate. A nil gate always allows.
func (g *Gate) Allows(env GateEnv) (bool, error) {
	if g == nil {
		return true, nil
	}
	out, err := expr.Run(g.program, env)
	if err != nil {
		return false, fmt.Errorf("when expression %q: %w", g.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// String returns the expression source.
func (g *Gate) String() string {
	if g == nil {
		return ""
	}
	return g.source
}
