package vfs

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"
)

// File is an open file description.
type File struct {
	dentry *Dentry
	inode  *Inode
	flags  int

	mu      sync.Mutex
	pos     int64
	private any
	closed  atomic.Bool

	ops atomic.Pointer[FileOperations]
}

func (f *File) Dentry() *Dentry { return f.dentry }

func (f *File) Inode() *Inode { return f.inode }

func (f *File) Flags() int { return f.flags }

func (f *File) Pos() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *File) setPos(pos int64) {
	f.mu.Lock()
	f.pos = pos
	f.mu.Unlock()
}

// Private returns the driver state attached at open.
func (f *File) Private() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.private
}

func (f *File) SetPrivate(v any) {
	f.mu.Lock()
	f.private = v
	f.mu.Unlock()
}

func (f *File) Ops() *FileOperations { return f.ops.Load() }

func (f *File) SetOps(ops *FileOperations) { f.ops.Store(ops) }
