package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/api"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfig_File(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "redirfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hook_mode: shared
max_records: 64
filters:
  - name: guard
    kind: rules
    rules:
      - ops: [inode.unlink]
        action: block
paths:
  - filter: guard
    path: /
logging:
  level: debug
  format: json
`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "shared", cfg.HookMode)
	assert.Equal(t, int64(64), cfg.MaxRecords)
	assert.Equal(t, "memory", cfg.Backing.Type)
	require.Len(t, cfg.Filters, 1)
	assert.Equal(t, "block", cfg.Filters[0].Rules[0].Action)
	assert.Equal(t, api.DefaultControlSocket, cfg.GetControlSocket())

	logger, err := newLogger(cfg.Logging)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetViper(t)
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, api.ErrReadConfig)
}

func TestLoadConfig_RejectsUnknownFilter(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths: [{filter: ghost, path: /}]\n"), 0644))

	_, err := loadConfig(path)
	assert.ErrorIs(t, err, api.ErrInvalidConfig)
}
