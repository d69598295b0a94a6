package models

// GroupType distinguishes concatenable groups from opaque items.
type GroupType string

const (
	GroupCombine     GroupType = "combine"
	GroupPassthrough GroupType = "passthrough"
)

// Group is one entry of the ordered item list produced by the asset
// registry. The combo pipeline consumes groups but never builds them.
type Group struct {
	Type GroupType `json:"type" yaml:"type"`
	// Media is the stylesheet media (or script group) shared by the paths.
	Media   string   `json:"media,omitempty" yaml:"media,omitempty"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Handles []string `json:"handles,omitempty" yaml:"handles,omitempty"`
	// Handle names the single item of a passthrough group.
	Handle string `json:"handle,omitempty" yaml:"handle,omitempty"`
}
