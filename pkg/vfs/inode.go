package vfs

import (
	"os"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/sync"
)

// Inode is the in-memory representation of one backing object. Hard links
// give an inode several aliases.
type Inode struct {
	sb  *SuperBlock
	ino uint64

	mu      sync.Mutex
	mode    os.FileMode
	size    int64
	nlink   uint32
	modTime time.Time

	aliases []*Dentry // guarded by vfs.treeMu

	ops  atomic.Pointer[InodeOperations]
	fops atomic.Pointer[FileOperations]
}

func (in *Inode) Ino() uint64 { return in.ino }

func (in *Inode) SuperBlock() *SuperBlock { return in.sb }

func (in *Inode) Mode() os.FileMode {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mode
}

func (in *Inode) IsDir() bool { return in.Mode().IsDir() }

func (in *Inode) Nlink() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.nlink
}

func (in *Inode) Attr() Attr {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Attr{
		Ino:     in.ino,
		Mode:    in.mode,
		Size:    in.size,
		Nlink:   in.nlink,
		ModTime: in.modTime,
	}
}

// Aliases returns a snapshot of the dentries currently bound to in.
func (in *Inode) Aliases() []*Dentry {
	in.sb.vfs.treeMu.RLock()
	defer in.sb.vfs.treeMu.RUnlock()
	return append([]*Dentry(nil), in.aliases...)
}

func (in *Inode) Ops() *InodeOperations { return in.ops.Load() }

func (in *Inode) SetOps(ops *InodeOperations) { in.ops.Store(ops) }

// FileOps returns the table new files opened on in start with.
func (in *Inode) FileOps() *FileOperations { return in.fops.Load() }

func (in *Inode) SetFileOps(ops *FileOperations) { in.fops.Store(ops) }

func (in *Inode) update(fi FileInfo) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.mode = fi.Mode()
	if fi.IsDir() {
		in.mode |= os.ModeDir
	}
	in.size = fi.Size()
	in.modTime = fi.ModTime()
	if n := fi.Nlink(); n != 0 {
		in.nlink = n
	}
}

func (in *Inode) setNlink(n uint32) {
	in.mu.Lock()
	in.nlink = n
	in.mu.Unlock()
}
