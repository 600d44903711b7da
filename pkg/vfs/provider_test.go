package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(entries []DirEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestMemoryProvider_TreeOperations(t *testing.T) {
	p := NewMemoryProvider()
	require.NoError(t, p.MkdirAll("/a/b", 0755))
	require.NoError(t, p.WriteFile("/a/b/f", []byte("data"), 0644))
	require.NoError(t, p.WriteFile("/a/z", nil, 0600))

	entries, err := p.ReadDir("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "z"}, names(entries))

	assert.ErrorIs(t, p.Remove("/a/b"), syscall.ENOTEMPTY)
	assert.ErrorIs(t, p.Mkdir("/a/z/x", 0755), syscall.ENOTDIR)
	assert.ErrorIs(t, p.Rename("/a", "/a/b/c"), syscall.EINVAL)

	require.NoError(t, p.Rename("/a/b", "/moved"))
	data, err := p.ReadFile("/moved/f")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	_, err = p.Stat("/a/b/f")
	assert.ErrorIs(t, err, syscall.ENOENT)

	require.NoError(t, p.RemoveAll("/moved"))
	require.NoError(t, p.RemoveAll("/moved"))
	_, err = p.Stat("/moved")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestMemoryProvider_HardLinksShareNode(t *testing.T) {
	p := NewMemoryProvider()
	require.NoError(t, p.WriteFile("/f", []byte("one"), 0644))
	require.NoError(t, p.Link("/f", "/g"))

	f, err := p.Stat("/f")
	require.NoError(t, err)
	g, err := p.Stat("/g")
	require.NoError(t, err)
	assert.Equal(t, f.Ino(), g.Ino())
	assert.Equal(t, uint32(2), g.Nlink())

	require.NoError(t, p.WriteFile("/g", []byte("two"), 0644))
	data, err := p.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	require.NoError(t, p.Remove("/f"))
	g, err = p.Stat("/g")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), g.Nlink())

	require.NoError(t, p.Mkdir("/d", 0755))
	assert.ErrorIs(t, p.Link("/d", "/d2"), syscall.EPERM)
}

func TestMemoryProvider_Symlink(t *testing.T) {
	p := NewMemoryProvider()
	require.NoError(t, p.Symlink("../target", "/link"))
	assert.ErrorIs(t, p.Symlink("x", "/link"), syscall.EEXIST)

	info, err := p.Stat("/link")
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
	assert.Equal(t, int64(len("../target")), info.Size())

	target, err := p.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "../target", target)

	_, err = p.Open("/link", os.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ELOOP)

	require.NoError(t, p.WriteFile("/plain", nil, 0644))
	_, err = p.Readlink("/plain")
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestMemoryHandle_SeekAndTruncate(t *testing.T) {
	p := NewMemoryProvider()
	h, err := p.Create("/f", 0644)
	require.NoError(t, err)

	_, err = h.Write([]byte("hello"))
	require.NoError(t, err)
	off, err := h.Seek(-2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), off)

	require.NoError(t, h.Truncate(8))
	info, err := h.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size())

	buf := make([]byte, 8)
	n, _ := h.ReadAt(buf, 0)
	assert.Equal(t, 8, n)
	assert.Equal(t, "hello\x00\x00\x00", string(buf))

	assert.ErrorIs(t, h.Truncate(-1), syscall.EINVAL)
}

func TestRealFSProvider_ErrorsNameNamespacePath(t *testing.T) {
	dir := t.TempDir()
	p := NewRealFSProvider(dir)

	_, err := p.Stat("/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ENOENT)
	var pe *fs.PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "/missing", pe.Path)
	assert.NotContains(t, err.Error(), dir)

	err = p.Rename("/missing", "/other")
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "/missing", pe.Path)
}

func TestRealFSProvider_ConfinedToRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "outside"), []byte("x"), 0644))

	p := NewRealFSProvider(root)
	_, err := p.Stat("/../outside")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestRealFSProvider_SymlinkNotFollowed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target"), []byte("abc"), 0644))

	p := NewRealFSProvider(dir)
	require.NoError(t, p.Symlink("target", "/link"))

	info, err := p.Stat("/link")
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	target, err := p.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "target", target)
}

func TestReadonlyProvider_RefusesWrites(t *testing.T) {
	base := NewMemoryProvider()
	require.NoError(t, base.WriteFile("/f", []byte("ro"), 0644))
	p := NewReadonlyProvider(base)

	assert.True(t, p.Readonly())
	_, err := p.Open("/f", os.O_RDWR, 0)
	assert.ErrorIs(t, err, syscall.EROFS)
	assert.ErrorIs(t, p.Mkdir("/d", 0755), syscall.EROFS)
	assert.ErrorIs(t, p.Symlink("f", "/l"), syscall.EROFS)

	h, err := p.Open("/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("x"))
	assert.ErrorIs(t, err, syscall.EROFS)
	assert.ErrorIs(t, h.Truncate(0), syscall.EROFS)

	buf := make([]byte, 2)
	_, err = h.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ro", string(buf))
}

func newOverlay(t *testing.T) (*OverlayProvider, *MemoryProvider, *MemoryProvider) {
	t.Helper()
	lower := NewMemoryProvider()
	require.NoError(t, lower.MkdirAll("/dir/sub", 0755))
	require.NoError(t, lower.WriteFile("/dir/a", []byte("lower a"), 0644))
	require.NoError(t, lower.WriteFile("/dir/sub/b", []byte("lower b"), 0644))
	upper := NewMemoryProvider()
	return NewOverlayProvider(upper, lower), upper, lower
}

func TestOverlayProvider_WriteCopiesUpWithParents(t *testing.T) {
	o, upper, lower := newOverlay(t)

	h, err := o.Open("/dir/sub/b", os.O_WRONLY|os.O_TRUNC, 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("upper b"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	data, err := upper.ReadFile("/dir/sub/b")
	require.NoError(t, err)
	assert.Equal(t, "upper b", string(data))

	data, err = lower.ReadFile("/dir/sub/b")
	require.NoError(t, err)
	assert.Equal(t, "lower b", string(data))

	entries, err := o.ReadDir("/dir")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "sub"}, names(entries))
}

func TestOverlayProvider_RemoveHidesLower(t *testing.T) {
	o, _, lower := newOverlay(t)

	require.NoError(t, o.Remove("/dir/a"))
	_, err := o.Stat("/dir/a")
	assert.ErrorIs(t, err, syscall.ENOENT)
	_, err = lower.Stat("/dir/a")
	require.NoError(t, err)

	entries, err := o.ReadDir("/dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub"}, names(entries))

	assert.ErrorIs(t, o.Remove("/dir/sub"), syscall.ENOTEMPTY)
	require.NoError(t, o.RemoveAll("/dir/sub"))
	_, err = o.Stat("/dir/sub/b")
	assert.ErrorIs(t, err, syscall.ENOENT)

	// A directory created over a whiteout does not resurrect lower content.
	require.NoError(t, o.Mkdir("/dir/sub", 0755))
	entries, err = o.ReadDir("/dir/sub")
	require.NoError(t, err)
	assert.Empty(t, entries)

	h, err := o.Create("/dir/a", 0600)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	info, err := o.Stat("/dir/a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestOverlayProvider_RenameMovesLowerSubtree(t *testing.T) {
	o, _, _ := newOverlay(t)

	require.NoError(t, o.Rename("/dir", "/renamed"))
	_, err := o.Stat("/dir")
	assert.ErrorIs(t, err, syscall.ENOENT)

	for _, p := range []string{"/renamed/a", "/renamed/sub/b"} {
		_, err := o.Stat(p)
		assert.NoError(t, err, p)
	}
	entries, err := o.ReadDir("/")
	require.NoError(t, err)
	assert.Equal(t, []string{"renamed"}, names(entries))
}

func TestOverlayProvider_ExclusiveCreateOverLower(t *testing.T) {
	o, _, _ := newOverlay(t)
	_, err := o.Open("/dir/a", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	assert.ErrorIs(t, err, syscall.EEXIST)
	assert.ErrorIs(t, o.Mkdir("/dir/sub", 0755), syscall.EEXIST)
}
