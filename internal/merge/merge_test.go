package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func panel(id, title string) Component {
	return Component{ID: id, Type: "panel", Title: title, Content: []ContentBlock{}}
}

func TestMerge_Order(t *testing.T) {
	doc := Merge(7, []Contribution{
		{PluginID: "a", Result: &Result{
			Version:    1,
			Map:        []MapMutation{{Type: "tile", ID: "t1", Key: "k"}},
			Components: []Component{panel("x", "from a")},
		}},
		{PluginID: "skipped"},
		{PluginID: "b", Result: &Result{
			Version:    1,
			Map:        []MapMutation{{Type: "tile", ID: "t1", Key: "k"}},
			Components: []Component{panel("y", "from b")},
		}},
	})

	assert.EqualValues(t, 7, doc.Pass)
	require.Len(t, doc.Map, 2, "map mutations are never deduplicated")
	assert.Equal(t, "a", doc.Map[0].Plugin)
	assert.Equal(t, "b", doc.Map[1].Plugin)
	require.Len(t, doc.Components, 2)
	assert.Equal(t, "x", doc.Components[0].ID)
	assert.Equal(t, "a", doc.Components[0].Plugin)
	assert.Equal(t, "y", doc.Components[1].ID)
	assert.Empty(t, doc.Diagnostics)
}

func TestMerge_Collision(t *testing.T) {
	doc := Merge(1, []Contribution{
		{PluginID: "a", Result: &Result{Components: []Component{panel("x", "first"), panel("z", "other")}}},
		{PluginID: "b", Result: &Result{Components: []Component{panel("x", "second")}}},
	})

	require.Len(t, doc.Components, 2)
	assert.Equal(t, "second", doc.Components[0].Title, "later contribution wins at the earlier position")
	assert.Equal(t, "b", doc.Components[0].Plugin)
	assert.Equal(t, "z", doc.Components[1].ID)

	require.Len(t, doc.Diagnostics, 1)
	d := doc.Diagnostics[0]
	assert.Equal(t, DiagComponentCollision, d.Kind)
	assert.Equal(t, "b", d.PluginID)
	assert.Equal(t, "a", d.Replaced)
	assert.Equal(t, "x", d.ComponentID)
}

func TestMerge_Empty(t *testing.T) {
	doc := Merge(0, nil)
	assert.NotNil(t, doc.Map)
	assert.NotNil(t, doc.Components)
	assert.Nil(t, doc.Diagnostics)
}

func TestMerge_RebindsActionRefs(t *testing.T) {
	forged := &ActionRef{Plugin: "victim", Ref: 4}
	res := &Result{Components: []Component{{
		ID:   "c",
		Type: "panel",
		Content: []ContentBlock{{Buttons: []Button{
			{Text: "go", Action: forged},
			{Text: "inert"},
		}}},
	}}}

	doc := Merge(1, []Contribution{{PluginID: "attacker", Result: res}})
	buttons := doc.Components[0].Content[0].Buttons
	require.NotNil(t, buttons[0].Action)
	assert.Equal(t, ActionRef{Plugin: "attacker", Ref: 4}, *buttons[0].Action)
	assert.Nil(t, buttons[1].Action)

	assert.Equal(t, "victim", forged.Plugin, "the plugin's own result is not mutated")
	assert.Equal(t, "", res.Components[0].Plugin)
}
