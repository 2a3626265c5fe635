// Package merge validates the documents plugins return and folds them into
// the single document handed to rendering.
package merge

import (
	"encoding/json"
)

// SupportedVersion is the only accepted Result.Version.
const SupportedVersion = 1

// Result is a validated plugin output. It is produced fresh on every
// invocation and never retained across passes.
type Result struct {
	Version    int           `json:"version"`
	Map        []MapMutation `json:"map"`
	Components []Component   `json:"components"`
}

// MapMutation is a keyed annotation targeting a world entity by id.
type MapMutation struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	// Plugin is the contributing plugin, set during merge.
	Plugin string `json:"plugin,omitempty"`
}

// Component is a renderable UI descriptor.
type Component struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Title   string         `json:"title,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Content []ContentBlock `json:"content"`
	// Plugin is the contributing plugin, set during merge.
	Plugin string `json:"plugin,omitempty"`
}

// ContentBlock carries markup and the buttons attached to it.
type ContentBlock struct {
	ID      string   `json:"id,omitempty"`
	Type    string   `json:"type,omitempty"`
	HTML    string   `json:"html,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is an action the user may trigger. Action is a handle to a
// callback retained by the contributing plugin's sandbox.
type Button struct {
	Text     string     `json:"text"`
	Type     string     `json:"type,omitempty"`
	Action   *ActionRef `json:"action,omitempty"`
	Disabled bool       `json:"disabled,omitempty"`
}

// ActionRef identifies a button callback within a plugin's latest result.
type ActionRef struct {
	Plugin string `json:"plugin"`
	Ref    int64  `json:"ref"`
}

// Contribution is one plugin's validated result for a pass.
type Contribution struct {
	PluginID string
	Result   *Result
}

// Diagnostic kinds recorded on a Document.
const (
	DiagComponentCollision = "component_collision"
	DiagPluginRejected     = "plugin_rejected"
	DiagPluginFailed       = "plugin_failed"
	DiagPluginFaulted      = "plugin_faulted"
)

// Diagnostic is a non-fatal event recorded while producing a Document.
type Diagnostic struct {
	Kind        string `json:"kind"`
	PluginID    string `json:"plugin"`
	Message     string `json:"message"`
	ComponentID string `json:"componentId,omitempty"`
	Replaced    string `json:"replaced,omitempty"`
}

// Document is the merged output of one evaluation pass; the only artifact
// exposed to rendering.
type Document struct {
	Pass        uint64        `json:"pass"`
	Version     uint64        `json:"worldVersion"`
	Map         []MapMutation `json:"map"`
	Components  []Component   `json:"components"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
}
