package vfs

import (
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"syscall"
)

// Errno maps an error returned by the VFS or a provider to the errno a
// caller on the other side of a kernel boundary expects.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case os.IsNotExist(err):
		return syscall.ENOENT
	case os.IsPermission(err):
		return syscall.EACCES
	case os.IsExist(err):
		return syscall.EEXIST
	}
	return syscall.EIO
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, syscall.ENOENT)
}

// syntheticInode derives a stable inode number for providers that do not
// report one.
func syntheticInode(path string, isDir bool) uint64 {
	clean := filepath.Clean(path)
	if clean == "/" {
		return 1
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(clean))
	if isDir {
		_, _ = h.Write([]byte{'d'})
	} else {
		_, _ = h.Write([]byte{'f'})
	}
	ino := h.Sum64()
	if ino == 0 || ino == 1 {
		ino += 2
	}
	return ino
}
