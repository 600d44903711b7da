package vfs

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVFS_ChmodThroughProviders(t *testing.T) {
	tests := []struct {
		name     string
		provider func(t *testing.T) Provider
	}{
		{"memory", func(t *testing.T) Provider { return NewMemoryProvider() }},
		{"realfs", func(t *testing.T) Provider { return NewRealFSProvider(t.TempDir()) }},
		{"overlay", func(t *testing.T) Provider {
			return NewOverlayProvider(NewMemoryProvider(), NewMemoryProvider())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(NewProviderFS(tt.name, tt.provider(t)), Options{})
			require.NoError(t, err)

			require.NoError(t, v.WriteFile("/file.txt", []byte("x"), 0644))
			require.NoError(t, v.Mkdir("/dir", 0755))

			require.NoError(t, v.Chmod("/file.txt", 0700))
			require.NoError(t, v.Chmod("/dir", 0750))

			attr, err := v.Stat("/file.txt")
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0700), attr.Mode.Perm())

			attr, err = v.Stat("/dir")
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0750), attr.Mode.Perm())
			assert.True(t, attr.Mode.IsDir())

			assert.ErrorIs(t, v.Chmod("/nope", 0644), syscall.ENOENT)
		})
	}
}

func TestMemoryProvider_Chmod_PreservesAfterRename(t *testing.T) {
	mp := NewMemoryProvider()
	require.NoError(t, mp.Mkdir("/src", 0755))
	require.NoError(t, mp.Chmod("/src", 0700))
	require.NoError(t, mp.Rename("/src", "/renamed"))

	info, err := mp.Stat("/renamed")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestOverlayProvider_Chmod_CopiesUpFromLower(t *testing.T) {
	lower := NewMemoryProvider()
	upper := NewMemoryProvider()
	require.NoError(t, lower.WriteFile("/file.txt", []byte("lower content"), 0644))

	overlay := NewOverlayProvider(upper, lower)
	require.NoError(t, overlay.Chmod("/file.txt", 0755))

	info, err := upper.Stat("/file.txt")
	require.NoError(t, err, "file should be copied up")
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	data, err := upper.ReadFile("/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "lower content", string(data))

	lowerInfo, err := lower.Stat("/file.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), lowerInfo.Mode().Perm())
}

func TestRealFSProvider_ChmodReachesHost(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	v, err := New(NewProviderFS("host", NewRealFSProvider(dir)), Options{})
	require.NoError(t, err)
	require.NoError(t, v.Chmod("/subdir", 0700))

	info, err := os.Stat(filepath.Join(dir, "subdir"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}

func TestReadonlyProvider_ChmodRefused(t *testing.T) {
	base := NewMemoryProvider()
	require.NoError(t, base.WriteFile("/file.txt", nil, 0644))

	v, err := New(NewProviderFS("ro", NewReadonlyProvider(base)), Options{})
	require.NoError(t, err)
	assert.Error(t, v.Chmod("/file.txt", 0755))

	info, err := base.Stat("/file.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}
