package redirfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

func TestParseHookMode(t *testing.T) {
	tests := []struct {
		in   string
		want HookMode
	}{
		{"", HookModeDefault},
		{"default", HookModeDefault},
		{"per-object", HookModePerObject},
		{"Private", HookModePerObject},
		{"SHARED", HookModeShared},
	}
	for _, tt := range tests {
		got, err := ParseHookMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseHookMode("bogus")
	assert.ErrorIs(t, err, ErrInvalidHookMode)
	assert.NotErrorIs(t, err, ErrInvalidFilter)
	assert.Contains(t, err.Error(), `"bogus"`)
}

func TestNew_RejectsUnknownHookMode(t *testing.T) {
	v, err := vfs.New(vfs.NewProviderFS("mem", vfs.NewMemoryProvider()), vfs.Options{})
	require.NoError(t, err)

	_, err = New(v, Options{HookMode: HookMode(42)})
	assert.ErrorIs(t, err, ErrInvalidHookMode)
}
