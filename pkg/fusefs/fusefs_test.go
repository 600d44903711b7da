package fusefs

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

func newVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v, err := vfs.New(vfs.NewProviderFS("mem", vfs.NewMemoryProvider()), vfs.Options{})
	require.NoError(t, err)
	return v
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 5)
	var attr fuse.Attr
	fillAttr(&attr, vfs.Attr{Ino: 42, Mode: os.ModeDir | 0755, Size: 1024, ModTime: mtime})

	assert.Equal(t, uint64(42), attr.Ino)
	assert.Equal(t, uint32(syscall.S_IFDIR|0755), attr.Mode)
	assert.Equal(t, uint32(2), attr.Nlink)
	assert.Equal(t, uint64(1700000000), attr.Mtime)
	assert.Equal(t, uint32(5), attr.Mtimensec)
	assert.Equal(t, uint64(2), attr.Blocks)
}

func TestFuseMode(t *testing.T) {
	tests := []struct {
		mode os.FileMode
		want uint32
	}{
		{0644, syscall.S_IFREG | 0644},
		{os.ModeSymlink | 0777, syscall.S_IFLNK | 0777},
		{os.ModeNamedPipe | 0600, syscall.S_IFIFO | 0600},
		{os.ModeSocket | 0600, syscall.S_IFSOCK | 0600},
		{os.ModeDevice | os.ModeCharDevice | 0600, syscall.S_IFCHR | 0600},
		{os.ModeDevice | 0600, syscall.S_IFBLK | 0600},
		{os.ModeDir | os.ModeSticky | 0777, syscall.S_IFDIR | syscall.S_ISVTX | 0777},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fuseMode(tt.mode), tt.mode.String())
	}
}

func TestDirEntries(t *testing.T) {
	v := newVFS(t)
	require.NoError(t, v.Mkdir("/sub", 0755))
	require.NoError(t, v.WriteFile("/file", []byte("x"), 0644))

	f, err := v.Open("/", os.O_RDONLY, 0)
	require.NoError(t, err)
	entries, err := v.ReadDir(f)
	require.NoError(t, err)
	require.NoError(t, v.Close(f))

	got := map[string]uint32{}
	for _, e := range dirEntries(entries) {
		got[e.Name] = e.Mode
	}
	assert.Equal(t, uint32(syscall.S_IFDIR), got["sub"])
	assert.Equal(t, uint32(syscall.S_IFREG), got["file"])
}

func TestHandle_ReadWrite(t *testing.T) {
	v := newVFS(t)
	ctx := context.Background()

	f, err := v.Create("/data", 0644)
	require.NoError(t, err)
	h := &Handle{vfs: v, file: f}

	n, errno := h.Write(ctx, []byte("hello world"), 0)
	require.Zero(t, errno)
	assert.Equal(t, uint32(11), n)

	buf := make([]byte, 32)
	res, errno := h.Read(ctx, buf, 6)
	require.Zero(t, errno)
	data, status := res.Bytes(nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "world", string(data))

	var out fuse.AttrOut
	require.Zero(t, h.Getattr(ctx, &out))
	assert.Equal(t, uint64(11), out.Attr.Size)

	require.Zero(t, h.Release(ctx))
	_, errno = h.Read(ctx, buf, 0)
	assert.Equal(t, syscall.EBADF, errno)
}
