package vfs

import (
	"os"
	"syscall"
)

// writeFlags are the open flags that need a writable provider.
const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND

// ReadonlyProvider refuses every mutation of its inner provider with EROFS.
// A ProviderFS built on it leaves the write slots of its operation tables
// empty, so the refusal normally happens before the provider is reached.
type ReadonlyProvider struct {
	Provider
}

func NewReadonlyProvider(inner Provider) *ReadonlyProvider {
	return &ReadonlyProvider{Provider: inner}
}

func (p *ReadonlyProvider) Readonly() bool { return true }

func (p *ReadonlyProvider) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	if flags&writeFlags != 0 {
		return nil, syscall.EROFS
	}
	h, err := p.Provider.Open(path, flags, mode)
	if err != nil {
		return nil, err
	}
	return readonlyHandle{h}, nil
}

func (p *ReadonlyProvider) Create(string, os.FileMode) (Handle, error) { return nil, syscall.EROFS }
func (p *ReadonlyProvider) Chmod(string, os.FileMode) error            { return syscall.EROFS }
func (p *ReadonlyProvider) Mkdir(string, os.FileMode) error            { return syscall.EROFS }
func (p *ReadonlyProvider) Remove(string) error                        { return syscall.EROFS }
func (p *ReadonlyProvider) RemoveAll(string) error                     { return syscall.EROFS }
func (p *ReadonlyProvider) Rename(string, string) error                { return syscall.EROFS }
func (p *ReadonlyProvider) Link(string, string) error                  { return syscall.EROFS }
func (p *ReadonlyProvider) Symlink(string, string) error               { return syscall.EROFS }

type readonlyHandle struct {
	Handle
}

func (readonlyHandle) Sync() error                        { return nil }
func (readonlyHandle) Write([]byte) (int, error)          { return 0, syscall.EROFS }
func (readonlyHandle) WriteAt([]byte, int64) (int, error) { return 0, syscall.EROFS }
func (readonlyHandle) Truncate(int64) error               { return syscall.EROFS }
