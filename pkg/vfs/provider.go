package vfs

import (
	"io"
	"io/fs"
	"os"
	"time"
)

// Provider is the storage behind a ProviderFS. Paths are absolute and
// relative to the provider's own root; the mount point is never visible.
// Failures are reported as syscall errnos, possibly wrapped in an
// *fs.PathError, so the VFS can hand them to callers unchanged.
//
// A Provider knows nothing about interception. The VFS calls it only from
// the default operation tables of a ProviderFS, which is where filter
// chains are spliced in.
type Provider interface {
	Readonly() bool
	// Stat does not follow a final symlink.
	Stat(path string) (FileInfo, error)
	ReadDir(path string) ([]DirEntry, error)
	Open(path string, flags int, mode os.FileMode) (Handle, error)
	Create(path string, mode os.FileMode) (Handle, error)
	Mkdir(path string, mode os.FileMode) error
	Chmod(path string, mode os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldPath, newPath string) error
	Link(oldPath, newPath string) error
	Symlink(target, link string) error
	Readlink(path string) (string, error)
}

// Handle is an open object of a Provider. ReadAt and WriteAt do not move the
// offset used by Read, Write and Seek.
type Handle interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Stat() (FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FileInfo is the attribute snapshot providers return. Ino and Nlink are
// optional: zero values make the superblock synthesise an inode number from
// the path and assume a single link.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	ino     uint64
	nlink   uint32
	sys     any
}

var _ fs.FileInfo = FileInfo{}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) IsDir() bool        { return fi.isDir }
func (fi FileInfo) Sys() any           { return fi.sys }
func (fi FileInfo) Ino() uint64        { return fi.ino }
func (fi FileInfo) Nlink() uint32      { return fi.nlink }

// WithIdentity returns a copy of fi carrying an inode number and link count.
func (fi FileInfo) WithIdentity(ino uint64, nlink uint32) FileInfo {
	fi.ino = ino
	fi.nlink = nlink
	return fi
}

func NewFileInfo(name string, size int64, mode os.FileMode, modTime time.Time, isDir bool) FileInfo {
	return NewFileInfoWithSys(name, size, mode, modTime, isDir, nil)
}

func NewFileInfoWithSys(name string, size int64, mode os.FileMode, modTime time.Time, isDir bool, sys any) FileInfo {
	if isDir {
		mode |= os.ModeDir
	}
	return FileInfo{name: name, size: size, mode: mode, modTime: modTime, isDir: isDir, sys: sys}
}

// DirEntry is one name returned by Provider.ReadDir.
type DirEntry struct {
	name  string
	isDir bool
	mode  os.FileMode
	info  FileInfo
}

var _ fs.DirEntry = DirEntry{}

func (de DirEntry) Name() string               { return de.name }
func (de DirEntry) IsDir() bool                { return de.isDir }
func (de DirEntry) Type() fs.FileMode          { return de.mode.Type() }
func (de DirEntry) Info() (fs.FileInfo, error) { return de.info, nil }

func NewDirEntry(name string, isDir bool, mode os.FileMode, info FileInfo) DirEntry {
	return DirEntry{name: name, isDir: isDir, mode: mode, info: info}
}

func entryFor(fi FileInfo) DirEntry {
	return NewDirEntry(fi.name, fi.isDir, fi.mode, fi)
}
