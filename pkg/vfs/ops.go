package vfs

import (
	"os"
	"time"
)

// Permission masks passed to InodeOperations.Permission.
const (
	MayExec  = 0x1
	MayWrite = 0x2
	MayRead  = 0x4
)

// DentryOperations is the dispatch table a Dentry calls through. A nil field
// means the driver does not implement the operation and the VFS falls back
// to its generic behaviour.
type DentryOperations struct {
	// Revalidate reports whether a cached dentry is still valid.
	Revalidate func(d *Dentry) (bool, error)
	// Delete reports whether a negative dentry should be dropped instead of
	// cached.
	Delete func(d *Dentry) bool
	// Release is called once when the dentry leaves the cache.
	Release func(d *Dentry)
	// Iput is called when the dentry loses its inode.
	Iput func(d *Dentry, in *Inode)
}

// InodeOperations is the dispatch table an Inode calls through.
type InodeOperations struct {
	Lookup     func(dir *Inode, d *Dentry) error
	Create     func(dir *Inode, d *Dentry, mode os.FileMode) error
	Mkdir      func(dir *Inode, d *Dentry, mode os.FileMode) error
	Unlink     func(dir *Inode, d *Dentry) error
	Rmdir      func(dir *Inode, d *Dentry) error
	Rename     func(oldDir *Inode, oldD *Dentry, newDir *Inode, newD *Dentry) error
	Link       func(old *Dentry, dir *Inode, newD *Dentry) error
	Symlink    func(dir *Inode, d *Dentry, target string) error
	Getattr    func(d *Dentry) (Attr, error)
	Setattr    func(d *Dentry, attr SetAttr) error
	Permission func(in *Inode, mask int) error
}

// FileOperations is the dispatch table a File calls through. A new File
// starts with its inode's table.
type FileOperations struct {
	Open    func(in *Inode, f *File) error
	Release func(in *Inode, f *File) error
	Read    func(f *File, p []byte, off int64) (int, error)
	Write   func(f *File, p []byte, off int64) (int, error)
	Llseek  func(f *File, off int64, whence int) (int64, error)
	Readdir func(f *File) ([]DirEntry, error)
	Fsync   func(f *File) error
	Flush   func(f *File) error
}

type Attr struct {
	Ino     uint64
	Mode    os.FileMode
	Size    int64
	Nlink   uint32
	ModTime time.Time
}

// SetAttr carries the attributes to change; nil fields are left alone.
type SetAttr struct {
	Mode *os.FileMode
	Size *int64
}
