package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
backing:
  type: memory
hook_mode: shared
filters:
  - name: guard
    kind: rules
    priority: 10
    rules:
      - ops: [file.write]
        path: /secret/**
        action: block
  - name: audit
    kind: audit
    level: debug
paths:
  - filter: guard
    path: /secret
  - filter: audit
    path: /
`))
	require.NoError(t, err)
	assert.Equal(t, "shared", cfg.HookMode)
	require.Len(t, cfg.Filters, 2)
	assert.Equal(t, "block", cfg.Filters[0].Rules[0].Action)
	assert.Equal(t, DefaultControlSocket, cfg.GetControlSocket())

	f, ok := cfg.FindFilter("audit")
	require.True(t, ok)
	assert.Equal(t, FilterKindAudit, f.Kind)
}

func TestParseConfig_JSON(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"backing":{"type":"realfs","host_path":"/srv"},"control":{"socket":"/tmp/c.sock"}}`))
	require.NoError(t, err)
	assert.Equal(t, "/srv", cfg.Backing.HostPath)
	assert.Equal(t, "/tmp/c.sock", cfg.GetControlSocket())
}

func TestParseConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown backing":    "backing: {type: tape}",
		"realfs needs path":  "backing: {type: realfs}",
		"relative path":      "filters: [{name: a, kind: audit}]\npaths: [{filter: a, path: rel}]",
		"unknown filter":     "paths: [{filter: nope, path: /}]",
		"duplicate filter":   "filters: [{name: a, kind: audit}, {name: a, kind: opstats}]",
		"rules on audit":     "filters: [{name: a, kind: audit, rules: [{action: block}]}]",
		"mutate needs bytes": "filters: [{name: a, kind: rules, rules: [{action: mutate_write}]}]",
		"bad hook mode":      "hook_mode: sometimes",
		"not yaml":           "backing: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDefaultConfig_Validates(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
