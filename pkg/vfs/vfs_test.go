package vfs

import (
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVFS(t *testing.T) (*VFS, *MemoryProvider) {
	t.Helper()
	mp := NewMemoryProvider()
	v, err := New(NewProviderFS("mem", mp), Options{})
	require.NoError(t, err)
	return v, mp
}

type recordingObserver struct {
	mounted    []*Dentry
	unmounting []*Dentry
}

func (o *recordingObserver) Mounted(root *Dentry)    { o.mounted = append(o.mounted, root) }
func (o *recordingObserver) Unmounting(root *Dentry) { o.unmounting = append(o.unmounting, root) }

type renameRecorder struct {
	recordingObserver
	renamed []string
}

func (o *renameRecorder) Renamed(d *Dentry, from string) {
	o.renamed = append(o.renamed, from+" -> "+d.Path())
}

func TestVFS_CreateWriteRead(t *testing.T) {
	v, mp := newTestVFS(t)

	require.NoError(t, v.WriteFile("/hello.txt", []byte("hello world"), 0644))

	data, err := v.ReadFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	backing, err := mp.ReadFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(backing))

	attr, err := v.Stat("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), attr.Size)
	assert.Equal(t, uint32(1), attr.Nlink)
}

func TestVFS_ReadAtEOF(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.WriteFile("/f", []byte("abc"), 0644))

	f, err := v.Open("/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer v.Close(f)

	buf := make([]byte, 8)
	n, err := v.Read(f, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = v.Read(f, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestVFS_SeekWithoutDriverLlseek(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.WriteFile("/f", []byte("hello world"), 0644))

	f, err := v.Open("/f", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer v.Close(f)
	require.Nil(t, f.Ops().Llseek)

	pos, err := v.Seek(f, -5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pos)

	buf := make([]byte, 5)
	n, err := v.Read(f, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	_, err = v.Seek(f, -100, io.SeekCurrent)
	assert.ErrorIs(t, err, syscall.EINVAL)
}

func TestVFS_MkdirAndReadDir(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/dir", 0755))
	require.NoError(t, v.WriteFile("/dir/b", nil, 0644))
	require.NoError(t, v.WriteFile("/dir/a", nil, 0644))

	assert.ErrorIs(t, v.Mkdir("/dir", 0755), syscall.EEXIST)

	f, err := v.Open("/dir", os.O_RDONLY, 0)
	require.NoError(t, err)
	defer v.Close(f)

	entries, err := v.ReadDir(f)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name())
	assert.Equal(t, "b", entries[1].Name())
}

func TestVFS_NegativeDentryIsCached(t *testing.T) {
	v, _ := newTestVFS(t)

	_, err := v.Lookup("/missing")
	assert.ErrorIs(t, err, syscall.ENOENT)

	children := v.Root().Children()
	require.Len(t, children, 1)
	assert.Equal(t, "missing", children[0].Name())
	assert.True(t, children[0].Negative())
}

func TestVFS_RenameMovesCachedSubtree(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/a", 0755))
	require.NoError(t, v.Mkdir("/a/b", 0755))
	require.NoError(t, v.WriteFile("/a/b/f", []byte("x"), 0644))

	d, err := v.Lookup("/a/b/f")
	require.NoError(t, err)

	require.NoError(t, v.Rename("/a", "/c"))

	moved, err := v.Lookup("/c/b/f")
	require.NoError(t, err)
	assert.Same(t, d, moved)
	assert.Equal(t, "/c/b/f", d.Path())

	_, err = v.Lookup("/a")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestVFS_RenameNotifiesObservers(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/a", 0755))
	require.NoError(t, v.WriteFile("/a/f", nil, 0644))

	obs := &renameRecorder{}
	v.AddObserver(obs)

	require.NoError(t, v.Rename("/a/f", "/g"))
	assert.Equal(t, []string{"/a/f -> /g"}, obs.renamed)

	assert.Error(t, v.Rename("/missing", "/h"))
	assert.Len(t, obs.renamed, 1)
}

func TestVFS_RenameIntoOwnSubtree(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/a", 0755))
	require.NoError(t, v.Mkdir("/a/b", 0755))

	assert.ErrorIs(t, v.Rename("/a", "/a/b/a"), syscall.EINVAL)
}

func TestVFS_HardLinkSharesInode(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.WriteFile("/f", []byte("shared"), 0644))
	require.NoError(t, v.Link("/f", "/g"))

	f, err := v.Lookup("/f")
	require.NoError(t, err)
	g, err := v.Lookup("/g")
	require.NoError(t, err)

	require.Same(t, f.Inode(), g.Inode())
	assert.Equal(t, uint32(2), f.Inode().Nlink())
	assert.Len(t, f.Inode().Aliases(), 2)

	in := g.Inode()
	require.NoError(t, v.Unlink("/f"))
	assert.Equal(t, uint32(1), in.Nlink())
	assert.Len(t, in.Aliases(), 1)

	data, err := v.ReadFile("/g")
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
}

func TestVFS_UnlinkDeliversIputAndRelease(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.WriteFile("/f", nil, 0644))

	d, err := v.Lookup("/f")
	require.NoError(t, err)
	in := d.Inode()

	var iputs, releases int
	d.SetOps(&DentryOperations{
		Iput: func(got *Dentry, gotIn *Inode) {
			assert.Same(t, d, got)
			assert.Same(t, in, gotIn)
			iputs++
		},
		Release: func(*Dentry) { releases++ },
	})

	require.NoError(t, v.Unlink("/f"))
	assert.Equal(t, 1, iputs)
	assert.Equal(t, 1, releases)
	assert.False(t, d.Hashed())

	_, err = v.Lookup("/f")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestVFS_RmdirRefusesNonEmpty(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/d", 0755))
	require.NoError(t, v.WriteFile("/d/f", nil, 0644))

	assert.ErrorIs(t, v.Rmdir("/d"), syscall.ENOTEMPTY)
	assert.ErrorIs(t, v.Unlink("/d"), syscall.EISDIR)

	require.NoError(t, v.Unlink("/d/f"))
	require.NoError(t, v.Rmdir("/d"))
}

func TestVFS_ForgetDropsCache(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.WriteFile("/f", []byte("x"), 0644))

	d, err := v.Lookup("/f")
	require.NoError(t, err)

	require.NoError(t, v.Forget("/f"))
	assert.False(t, d.Hashed())
	assert.True(t, d.Negative())

	again, err := v.Lookup("/f")
	require.NoError(t, err)
	assert.NotSame(t, d, again)
}

func TestVFS_ForgetKeepsPinnedDentries(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/x", 0755))
	require.NoError(t, v.Mkdir("/x/a", 0755))
	require.NoError(t, v.WriteFile("/x/a/f", []byte("x"), 0644))
	require.NoError(t, v.WriteFile("/x/b", nil, 0644))

	a, err := v.Lookup("/x/a")
	require.NoError(t, err)
	require.NoError(t, a.Pin())
	assert.True(t, a.Pinned())

	assert.ErrorIs(t, v.Forget("/x"), syscall.EBUSY)
	assert.ErrorIs(t, v.Forget("/x/a"), syscall.EBUSY)
	assert.True(t, a.Hashed())

	f, err := v.Lookup("/x/a/f")
	require.NoError(t, err)
	require.NoError(t, v.Forget("/x/a/f"))
	assert.False(t, f.Hashed())

	again, err := v.Lookup("/x/a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	a.Unpin()
	assert.False(t, a.Pinned())
	require.NoError(t, v.Forget("/x"))
	assert.False(t, a.Hashed())
	assert.ErrorIs(t, a.Pin(), syscall.ENOENT)
}

func TestVFS_RmdirIgnoresPin(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/d", 0755))
	d, err := v.Lookup("/d")
	require.NoError(t, err)
	require.NoError(t, d.Pin())

	require.NoError(t, v.Rmdir("/d"))
	assert.False(t, d.Hashed())
	d.Unpin()
}

func TestVFS_CloseTwice(t *testing.T) {
	v, _ := newTestVFS(t)
	f, err := v.Create("/f", 0644)
	require.NoError(t, err)

	require.NoError(t, v.Close(f))
	assert.ErrorIs(t, v.Close(f), syscall.EBADF)

	_, err = v.Write(f, []byte("late"))
	assert.ErrorIs(t, err, syscall.EBADF)
}

func TestVFS_ChmodAndTruncate(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.WriteFile("/f", []byte("hello"), 0644))

	require.NoError(t, v.Chmod("/f", 0600))
	require.NoError(t, v.Truncate("/f", 2))

	attr, err := v.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), attr.Mode.Perm())
	assert.Equal(t, int64(2), attr.Size)
}

func TestVFS_ReadonlyProviderLeavesWriteOpsAbsent(t *testing.T) {
	base := NewMemoryProvider()
	require.NoError(t, base.WriteFile("/f", []byte("ro"), 0644))

	fs := NewProviderFS("ro", NewReadonlyProvider(base))
	assert.Nil(t, fs.regFops.Write)
	assert.Nil(t, fs.dirOps.Mkdir)
	assert.Nil(t, fs.dirOps.Rename)
	assert.NotNil(t, fs.dirOps.Permission)

	v, err := New(fs, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, v.Mkdir("/d", 0755), syscall.EROFS)
	_, err = v.Open("/f", os.O_RDWR, 0)
	assert.ErrorIs(t, err, syscall.EROFS)

	data, err := v.ReadFile("/f")
	require.NoError(t, err)
	assert.Equal(t, "ro", string(data))
}

func TestVFS_MountCrossesAndNotifies(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.Mkdir("/mnt", 0755))

	inner := NewMemoryProvider()
	require.NoError(t, inner.WriteFile("/x", []byte("inner"), 0644))

	obs := &recordingObserver{}
	v.AddObserver(obs)
	require.NoError(t, v.Mount("/mnt", NewProviderFS("inner", inner)))
	require.Len(t, obs.mounted, 1)

	data, err := v.ReadFile("/mnt/x")
	require.NoError(t, err)
	assert.Equal(t, "inner", string(data))

	root, err := v.Lookup("/mnt")
	require.NoError(t, err)
	assert.Same(t, obs.mounted[0], root)
	assert.Equal(t, "/mnt", root.Path())
	assert.Equal(t, "/mnt", root.Parent().Path())

	x, err := v.Lookup("/mnt/x")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/x", x.Path())
	assert.Equal(t, "/x", x.fsPath())

	assert.ErrorIs(t, v.Rename("/mnt/x", "/y"), syscall.EXDEV)

	f, err := v.Open("/mnt/x", os.O_RDONLY, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Unmount("/mnt"), syscall.EBUSY)
	require.NoError(t, v.Close(f))

	require.NoError(t, v.Unmount("/mnt"))
	require.Len(t, obs.unmounting, 1)

	_, err = v.ReadFile("/mnt/x")
	assert.ErrorIs(t, err, syscall.ENOENT)
}
