package api

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/redirfs/internal/errx"
)

// DefaultControlSocket is where the control server listens unless configured.
const DefaultControlSocket = "/run/redirfs/control.sock"

type Config struct {
	Backing    BackingConfig  `json:"backing" yaml:"backing" mapstructure:"backing"`
	HookMode   string         `json:"hook_mode,omitempty" yaml:"hook_mode,omitempty" mapstructure:"hook_mode" validate:"omitempty,oneof=default per-object shared"`
	MaxRecords int64          `json:"max_records,omitempty" yaml:"max_records,omitempty" mapstructure:"max_records" validate:"gte=0"`
	Mounts     []MountConfig  `json:"mounts,omitempty" yaml:"mounts,omitempty" mapstructure:"mounts" validate:"dive"`
	Filters    []FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty" mapstructure:"filters" validate:"dive"`
	Paths      []PathConfig   `json:"paths,omitempty" yaml:"paths,omitempty" mapstructure:"paths" validate:"dive"`
	Control    ControlConfig  `json:"control" yaml:"control" mapstructure:"control"`
	Metrics    MetricsConfig  `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	FUSE       FUSEConfig     `json:"fuse" yaml:"fuse" mapstructure:"fuse"`
	Logging    LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// BackingConfig selects the provider a file system is served from. An
// overlay keeps writes in memory above a read-only host directory.
type BackingConfig struct {
	Type     string `json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=memory realfs overlay"`
	HostPath string `json:"host_path,omitempty" yaml:"host_path,omitempty" mapstructure:"host_path" validate:"required_unless=Type memory"`
	Readonly bool   `json:"readonly,omitempty" yaml:"readonly,omitempty" mapstructure:"readonly"`
}

// MountConfig attaches another backing file system on a directory of the
// namespace.
type MountConfig struct {
	Path    string        `json:"path" yaml:"path" mapstructure:"path" validate:"required,startswith=/"`
	Backing BackingConfig `json:"backing" yaml:"backing" mapstructure:"backing"`
}

// PathConfig binds a configured filter to a subtree at startup.
type PathConfig struct {
	Filter string `json:"filter" yaml:"filter" mapstructure:"filter" validate:"required"`
	Path   string `json:"path" yaml:"path" mapstructure:"path" validate:"required,startswith=/"`
	Mount  string `json:"mount,omitempty" yaml:"mount,omitempty" mapstructure:"mount" validate:"omitempty,startswith=/"`
	Flags  string `json:"flags,omitempty" yaml:"flags,omitempty" mapstructure:"flags" validate:"omitempty,oneof=include exclude"`
}

type ControlConfig struct {
	Socket string `json:"socket,omitempty" yaml:"socket,omitempty" mapstructure:"socket"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty" mapstructure:"listen" validate:"omitempty,hostname_port"`
}

type FUSEConfig struct {
	// Mountpoint is a host directory the namespace is exposed on. Empty
	// disables FUSE.
	Mountpoint string `json:"mountpoint,omitempty" yaml:"mountpoint,omitempty" mapstructure:"mountpoint"`
	AllowOther bool   `json:"allow_other,omitempty" yaml:"allow_other,omitempty" mapstructure:"allow_other"`
	Debug      bool   `json:"debug,omitempty" yaml:"debug,omitempty" mapstructure:"debug"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// GetControlSocket returns the configured control socket or the default.
func (c *Config) GetControlSocket() string {
	if c.Control.Socket != "" {
		return c.Control.Socket
	}
	return DefaultControlSocket
}

func DefaultConfig() *Config {
	return &Config{
		Backing:  BackingConfig{Type: "memory"},
		HookMode: "default",
		Control:  ControlConfig{Socket: DefaultControlSocket},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// FindFilter returns the filter configured under name.
func (c *Config) FindFilter(name string) (FilterConfig, bool) {
	for _, f := range c.Filters {
		if f.Name == name {
			return f, true
		}
	}
	return FilterConfig{}, false
}

// ParseConfig decodes a JSON or YAML document and validates it. Documents
// starting with '{' are taken as JSON.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(data))
	var err error
	if strings.HasPrefix(trimmed, "{") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errx.Wrap(ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
