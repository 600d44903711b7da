package api

const (
	FilterKindRules   = "rules"
	FilterKindAudit   = "audit"
	FilterKindOpStats = "opstats"
)

// FilterConfig describes one filter registered at startup.
type FilterConfig struct {
	Name     string `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Kind     string `json:"kind" yaml:"kind" mapstructure:"kind" validate:"required,oneof=rules audit opstats"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty" mapstructure:"priority"`

	// Inactive registers the filter without running its callbacks until it
	// is activated over the control socket.
	Inactive bool `json:"inactive,omitempty" yaml:"inactive,omitempty" mapstructure:"inactive"`

	// Ops limits audit and opstats filters to these operations, for example
	// "file.read". Empty means every operation.
	Ops []string `json:"ops,omitempty" yaml:"ops,omitempty" mapstructure:"ops"`

	// Level is the slog level audit records are written at.
	Level string `json:"level,omitempty" yaml:"level,omitempty" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`

	Rules []RuleConfig `json:"rules,omitempty" yaml:"rules,omitempty" mapstructure:"rules" validate:"dive"`
}

// RuleConfig describes a single interception rule.
type RuleConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`

	// Phase is either "before" or "after".
	// Empty defaults to "before".
	Phase string `json:"phase,omitempty" yaml:"phase,omitempty" mapstructure:"phase" validate:"omitempty,oneof=before after"`

	// Ops filters operations (for example: file.read, inode.create).
	// Empty matches all operations.
	Ops []string `json:"ops,omitempty" yaml:"ops,omitempty" mapstructure:"ops"`

	// Types filters object types (for example: reg, dir).
	// Empty matches all types.
	Types []string `json:"types,omitempty" yaml:"types,omitempty" mapstructure:"types"`

	// Path is a doublestar glob pattern (for example: /workspace/**).
	// Empty matches all paths.
	Path string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`

	// Action is one of: allow, block, mutate_write.
	Action string `json:"action" yaml:"action" mapstructure:"action" validate:"required,oneof=allow block mutate_write"`

	// MutateWrite replaces the payload of matching writes.
	MutateWrite string `json:"mutate_write,omitempty" yaml:"mutate_write,omitempty" mapstructure:"mutate_write" validate:"required_if=Action mutate_write"`
}
