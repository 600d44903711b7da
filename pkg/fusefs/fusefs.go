// Package fusefs serves a vfs.VFS namespace to the kernel through go-fuse so
// that ordinary processes exercise the intercepted operation tables.
package fusefs

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

type Options struct {
	AllowOther bool
	Debug      bool
	// Timeout applies to both entry and attribute caching in the kernel.
	// Zero keeps every lookup visible to the interception engine.
	Timeout time.Duration
}

// Node is one object in the mounted tree. Paths are derived from the go-fuse
// tree on every call so renames are reflected without bookkeeping.
type Node struct {
	fs.Inode
	vfs *vfs.VFS
}

var _ = (fs.NodeGetattrer)((*Node)(nil))
var _ = (fs.NodeSetattrer)((*Node)(nil))
var _ = (fs.NodeLookuper)((*Node)(nil))
var _ = (fs.NodeReaddirer)((*Node)(nil))
var _ = (fs.NodeOpener)((*Node)(nil))
var _ = (fs.NodeCreater)((*Node)(nil))
var _ = (fs.NodeMkdirer)((*Node)(nil))
var _ = (fs.NodeUnlinker)((*Node)(nil))
var _ = (fs.NodeRmdirer)((*Node)(nil))
var _ = (fs.NodeRenamer)((*Node)(nil))
var _ = (fs.NodeLinker)((*Node)(nil))
var _ = (fs.NodeSymlinker)((*Node)(nil))

// NewRoot returns the root node for v.
func NewRoot(v *vfs.VFS) *Node {
	return &Node{vfs: v}
}

func (n *Node) vpath() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	return path.Join(n.vpath(), name)
}

func (n *Node) newChild(ctx context.Context, a vfs.Attr, out *fuse.EntryOut) *fs.Inode {
	fillAttr(&out.Attr, a)
	out.Ino = a.Ino
	stable := fs.StableAttr{Mode: out.Attr.Mode & syscall.S_IFMT, Ino: a.Ino}
	return n.NewInode(ctx, &Node{vfs: n.vfs}, stable)
}

func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*Handle); ok {
		return h.Getattr(ctx, out)
	}
	a, err := n.vfs.Stat(n.vpath())
	if err != nil {
		return vfs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.vpath()
	if mode, ok := in.GetMode(); ok {
		if err := n.vfs.Chmod(p, os.FileMode(mode&0o7777)); err != nil {
			return vfs.Errno(err)
		}
	}
	if sz, ok := in.GetSize(); ok {
		if err := n.vfs.Truncate(p, int64(sz)); err != nil {
			return vfs.Errno(err)
		}
	}
	return n.Getattr(ctx, nil, out)
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, err := n.vfs.Stat(n.child(name))
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	f, err := n.vfs.Open(n.vpath(), os.O_RDONLY, 0)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	defer n.vfs.Close(f)

	entries, err := n.vfs.ReadDir(f)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return fs.NewListDirStream(dirEntries(entries)), 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f, err := n.vfs.Open(n.vpath(), int(flags)&^syscall.O_CREAT, 0)
	if err != nil {
		return nil, 0, vfs.Errno(err)
	}
	return &Handle{vfs: n.vfs, file: f}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	f, err := n.vfs.Open(n.child(name), int(flags)|os.O_CREATE, os.FileMode(mode&0o7777))
	if err != nil {
		return nil, nil, 0, vfs.Errno(err)
	}
	a, err := n.vfs.Fstat(f)
	if err != nil {
		n.vfs.Close(f)
		return nil, nil, 0, vfs.Errno(err)
	}
	return n.newChild(ctx, a, out), &Handle{vfs: n.vfs, file: f}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if err := n.vfs.Mkdir(p, os.FileMode(mode&0o7777)); err != nil {
		return nil, vfs.Errno(err)
	}
	a, err := n.vfs.Stat(p)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return vfs.Errno(n.vfs.Unlink(n.child(name)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return vfs.Errno(n.vfs.Rmdir(n.child(name)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	p, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	target := p.child(newName)
	switch flags {
	case 0:
	case unix.RENAME_NOREPLACE:
		if _, err := n.vfs.Stat(target); err == nil {
			return syscall.EEXIST
		}
	default:
		return syscall.EINVAL
	}
	return vfs.Errno(n.vfs.Rename(n.child(name), target))
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	t, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	p := n.child(name)
	if err := n.vfs.Link(t.vpath(), p); err != nil {
		return nil, vfs.Errno(err)
	}
	a, err := n.vfs.Stat(p)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, a, out), 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if err := n.vfs.Symlink(target, p); err != nil {
		return nil, vfs.Errno(err)
	}
	a, err := n.vfs.Stat(p)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return n.newChild(ctx, a, out), 0
}

// Handle wraps an open vfs.File.
type Handle struct {
	vfs  *vfs.VFS
	file *vfs.File
}

var _ = (fs.FileReader)((*Handle)(nil))
var _ = (fs.FileWriter)((*Handle)(nil))
var _ = (fs.FileFsyncer)((*Handle)(nil))
var _ = (fs.FileReleaser)((*Handle)(nil))
var _ = (fs.FileGetattrer)((*Handle)(nil))

func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.vfs.Pread(h.file, dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, vfs.Errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *Handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.vfs.Pwrite(h.file, data, off)
	if err != nil {
		return 0, vfs.Errno(err)
	}
	return uint32(n), 0
}

func (h *Handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return vfs.Errno(h.vfs.Fsync(h.file))
}

func (h *Handle) Release(ctx context.Context) syscall.Errno {
	return vfs.Errno(h.vfs.Close(h.file))
}

func (h *Handle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	a, err := h.vfs.Fstat(h.file)
	if err != nil {
		return vfs.Errno(err)
	}
	fillAttr(&out.Attr, a)
	return 0
}

func fillAttr(attr *fuse.Attr, a vfs.Attr) {
	attr.Ino = a.Ino
	attr.Size = uint64(a.Size)
	attr.Mode = fuseMode(a.Mode)
	attr.Nlink = a.Nlink
	if attr.Nlink == 0 {
		attr.Nlink = 1
		if a.Mode.IsDir() {
			attr.Nlink = 2
		}
	}
	attr.SetTimes(nil, &a.ModTime, &a.ModTime)
	attr.Blksize = 4096
	attr.Blocks = (uint64(a.Size) + 511) / 512
}

func fuseMode(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		perm |= syscall.S_ISUID
	}
	if m&os.ModeSetgid != 0 {
		perm |= syscall.S_ISGID
	}
	if m&os.ModeSticky != 0 {
		perm |= syscall.S_ISVTX
	}
	return fuseType(m) | perm
}

func fuseType(m os.FileMode) uint32 {
	switch {
	case m.IsDir():
		return syscall.S_IFDIR
	case m&os.ModeSymlink != 0:
		return syscall.S_IFLNK
	case m&os.ModeNamedPipe != 0:
		return syscall.S_IFIFO
	case m&os.ModeSocket != 0:
		return syscall.S_IFSOCK
	case m&os.ModeCharDevice != 0:
		return syscall.S_IFCHR
	case m&os.ModeDevice != 0:
		return syscall.S_IFBLK
	}
	return syscall.S_IFREG
}

func dirEntries(entries []vfs.DirEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		m := e.Type()
		if e.IsDir() {
			m |= os.ModeDir
		}
		de := fuse.DirEntry{Name: e.Name(), Mode: fuseType(m)}
		if info, err := e.Info(); err == nil {
			if fi, ok := info.(vfs.FileInfo); ok {
				de.Ino = fi.Ino()
			}
		}
		out = append(out, de)
	}
	return out
}

// Mount serves v at mountpoint. The caller unmounts through the returned
// server and waits on it.
func Mount(v *vfs.VFS, mountpoint string, opts Options) (*fuse.Server, error) {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return nil, errx.Wrap(ErrMount, err)
	}
	timeout := opts.Timeout
	server, err := fs.Mount(mountpoint, NewRoot(v), &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			FsName:     "redirfs",
			Name:       "redirfs",
			Debug:      opts.Debug,
		},
		AttrTimeout:     &timeout,
		EntryTimeout:    &timeout,
		NegativeTimeout: &timeout,
	})
	if err != nil {
		return nil, errx.Wrap(ErrMount, err)
	}
	return server, nil
}
