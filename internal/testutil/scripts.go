package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ComponentScript returns plugin source whose update contributes one empty
// component per id, each titled with title.
func ComponentScript(title string, ids ...string) string {
	components := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		components = append(components, map[string]any{
			"id":      id,
			"type":    "panel",
			"title":   title,
			"content": []any{},
		})
	}
	return ResultScript(map[string]any{"version": 1, "components": components})
}

// ResultScript returns plugin source whose update always returns result.
func ResultScript(result any) string {
	b, err := json.Marshal(result)
	if err != nil {
		panic(fmt.Sprintf("testutil: result not serializable: %v", err))
	}
	return fmt.Sprintf("function update(view) {\n\treturn %s;\n}\n", b)
}

// ThrowingScript returns plugin source whose update always throws msg.
func ThrowingScript(msg string) string {
	return fmt.Sprintf("function update(view) {\n\tthrow new Error(%q);\n}\n", msg)
}

// BusyScript returns plugin source whose update spins for ms milliseconds
// before returning an empty result.
func BusyScript(ms int) string {
	var b strings.Builder
	b.WriteString("function update(view) {\n")
	fmt.Fprintf(&b, "\tvar end = Date.now() + %d;\n", ms)
	b.WriteString("\twhile (Date.now() < end) {}\n")
	b.WriteString("\treturn {version: 1};\n")
	b.WriteString("}\n")
	return b.String()
}
