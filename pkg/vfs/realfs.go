package vfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// RealFSProvider serves a host directory. Paths never leave root: they are
// cleaned as absolute paths before being joined, symlinks are reported as
// symlinks rather than followed, and errors carry the namespace path instead
// of the host one.
type RealFSProvider struct {
	root string
}

func NewRealFSProvider(root string) *RealFSProvider {
	return &RealFSProvider{root: filepath.Clean(root)}
}

func (p *RealFSProvider) Readonly() bool { return false }

// Root returns the host directory backing the provider.
func (p *RealFSProvider) Root() string { return p.root }

func (p *RealFSProvider) hostPath(path string) string {
	return filepath.Join(p.root, filepath.Clean("/"+path))
}

// nsErr rewrites a host *fs.PathError or *os.LinkError so that it names the
// namespace path. The underlying errno is preserved.
func nsErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: op, Path: path, Err: pe.Err}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return &fs.PathError{Op: op, Path: path, Err: le.Err}
	}
	return err
}

func (p *RealFSProvider) Stat(path string) (FileInfo, error) {
	info, err := os.Lstat(p.hostPath(path))
	if err != nil {
		return FileInfo{}, nsErr("stat", path, err)
	}
	return fromOSInfo(info.Name(), info), nil
}

func (p *RealFSProvider) ReadDir(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(p.hostPath(path))
	if err != nil {
		return nil, nsErr("readdir", path, err)
	}

	result := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Raced with a removal on the host.
			continue
		}
		result = append(result, entryFor(fromOSInfo(e.Name(), info)))
	}
	return result, nil
}

func (p *RealFSProvider) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	f, err := os.OpenFile(p.hostPath(path), flags, mode)
	if err != nil {
		return nil, nsErr("open", path, err)
	}
	return &hostHandle{file: f, path: path}, nil
}

func (p *RealFSProvider) Create(path string, mode os.FileMode) (Handle, error) {
	return p.Open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
}

func (p *RealFSProvider) Mkdir(path string, mode os.FileMode) error {
	return nsErr("mkdir", path, os.Mkdir(p.hostPath(path), mode))
}

func (p *RealFSProvider) Chmod(path string, mode os.FileMode) error {
	return nsErr("chmod", path, os.Chmod(p.hostPath(path), mode))
}

func (p *RealFSProvider) Remove(path string) error {
	return nsErr("remove", path, os.Remove(p.hostPath(path)))
}

func (p *RealFSProvider) RemoveAll(path string) error {
	return nsErr("remove", path, os.RemoveAll(p.hostPath(path)))
}

func (p *RealFSProvider) Rename(oldPath, newPath string) error {
	return nsErr("rename", oldPath, os.Rename(p.hostPath(oldPath), p.hostPath(newPath)))
}

func (p *RealFSProvider) Link(oldPath, newPath string) error {
	return nsErr("link", newPath, os.Link(p.hostPath(oldPath), p.hostPath(newPath)))
}

// Symlink stores target verbatim. It is never resolved by the provider.
func (p *RealFSProvider) Symlink(target, link string) error {
	return nsErr("symlink", link, os.Symlink(target, p.hostPath(link)))
}

func (p *RealFSProvider) Readlink(path string) (string, error) {
	target, err := os.Readlink(p.hostPath(path))
	return target, nsErr("readlink", path, err)
}

type hostHandle struct {
	file *os.File
	path string
}

func (h *hostHandle) Read(b []byte) (int, error) {
	n, err := h.file.Read(b)
	return n, h.err("read", err)
}

func (h *hostHandle) ReadAt(b []byte, off int64) (int, error) {
	n, err := h.file.ReadAt(b, off)
	return n, h.err("read", err)
}

func (h *hostHandle) Write(b []byte) (int, error) {
	n, err := h.file.Write(b)
	return n, h.err("write", err)
}

func (h *hostHandle) WriteAt(b []byte, off int64) (int, error) {
	n, err := h.file.WriteAt(b, off)
	return n, h.err("write", err)
}

func (h *hostHandle) Seek(off int64, whence int) (int64, error) {
	n, err := h.file.Seek(off, whence)
	return n, h.err("seek", err)
}

func (h *hostHandle) Close() error              { return h.err("close", h.file.Close()) }
func (h *hostHandle) Sync() error               { return h.err("sync", h.file.Sync()) }
func (h *hostHandle) Truncate(size int64) error { return h.err("truncate", h.file.Truncate(size)) }

func (h *hostHandle) Stat() (FileInfo, error) {
	info, err := h.file.Stat()
	if err != nil {
		return FileInfo{}, h.err("stat", err)
	}
	return fromOSInfo(filepath.Base(h.path), info), nil
}

// err leaves io.EOF untouched so readers can still compare against it.
func (h *hostHandle) err(op string, err error) error {
	return nsErr(op, h.path, err)
}

// fromOSInfo keeps the backing inode number and link count so hard links on
// the host resolve to one inode in the namespace.
func fromOSInfo(name string, info fs.FileInfo) FileInfo {
	fi := NewFileInfoWithSys(name, info.Size(), info.Mode(), info.ModTime(), info.IsDir(), info.Sys())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		fi = fi.WithIdentity(st.Ino, uint32(st.Nlink))
	}
	return fi
}
