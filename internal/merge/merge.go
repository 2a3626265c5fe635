package merge

import (
	"fmt"
)

// Merge folds the contributions of one pass, given in plugin registration
// order, into a Document.
//
// Map mutations are concatenated in contribution order and never
// deduplicated: two plugins annotating the same (id, key) pair both appear,
// and the map layer applies the later one last.
//
// Components are concatenated in contribution order. When a component id
// repeats, the later descriptor replaces the earlier one at the earlier
// one's position, and a DiagComponentCollision diagnostic is recorded.
func Merge(pass uint64, contributions []Contribution) *Document {
	doc := &Document{
		Pass:       pass,
		Map:        []MapMutation{},
		Components: []Component{},
	}
	positions := make(map[string]int)

	for _, c := range contributions {
		if c.Result == nil {
			continue
		}
		for _, m := range c.Result.Map {
			m.Plugin = c.PluginID
			doc.Map = append(doc.Map, m)
		}
		for _, comp := range c.Result.Components {
			comp = bindComponent(c.PluginID, comp)
			if i, ok := positions[comp.ID]; ok {
				prev := doc.Components[i]
				doc.Components[i] = comp
				doc.Diagnostics = append(doc.Diagnostics, Diagnostic{
					Kind:        DiagComponentCollision,
					PluginID:    c.PluginID,
					ComponentID: comp.ID,
					Replaced:    prev.Plugin,
					Message: fmt.Sprintf("component %q from plugin %q replaced the one from plugin %q",
						comp.ID, c.PluginID, prev.Plugin),
				})
				continue
			}
			positions[comp.ID] = len(doc.Components)
			doc.Components = append(doc.Components, comp)
		}
	}

	return doc
}

// bindComponent stamps provenance onto a component and every action handle
// it carries, so a plugin cannot address another plugin's callbacks.
func bindComponent(pluginID string, comp Component) Component {
	comp.Plugin = pluginID
	if len(comp.Content) == 0 {
		comp.Content = []ContentBlock{}
		return comp
	}
	content := make([]ContentBlock, len(comp.Content))
	for i, block := range comp.Content {
		if len(block.Buttons) > 0 {
			buttons := make([]Button, len(block.Buttons))
			for j, b := range block.Buttons {
				if b.Action != nil {
					b.Action = &ActionRef{Plugin: pluginID, Ref: b.Action.Ref}
				}
				buttons[j] = b
			}
			block.Buttons = buttons
		}
		content[i] = block
	}
	comp.Content = content
	return comp
}
