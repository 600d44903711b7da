package vfs

import (
	"bytes"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/sync"
)

// MemoryProvider keeps a whole tree in memory. The tree shape is guarded by
// the provider lock; each node's content and attributes by its own lock,
// which is always taken after the provider lock. A regular file reached
// through several hard links is a single node, so every alias reports the
// same inode number.
type MemoryProvider struct {
	mu      sync.RWMutex
	root    *memNode
	nextIno uint64
}

type memNode struct {
	ino uint64

	mu      sync.RWMutex
	mode    os.FileMode
	nlink   uint32
	modTime time.Time
	data    []byte
	target  string

	// children is set for directories only and guarded by the provider lock.
	children map[string]*memNode
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		root:    newDirNode(1, 0755),
		nextIno: 1,
	}
}

func newDirNode(ino uint64, perm os.FileMode) *memNode {
	if perm == 0 {
		perm = 0755
	}
	return &memNode{
		ino:      ino,
		mode:     os.ModeDir | perm.Perm(),
		nlink:    2,
		modTime:  time.Now(),
		children: make(map[string]*memNode),
	}
}

func (p *MemoryProvider) Readonly() bool { return false }

// allocIno must be called with p.mu held for writing.
func (p *MemoryProvider) allocIno() uint64 {
	p.nextIno++
	return p.nextIno
}

func (p *MemoryProvider) newFile(mode os.FileMode, data []byte) *memNode {
	return &memNode{
		ino:     p.allocIno(),
		mode:    mode &^ os.ModeType,
		nlink:   1,
		modTime: time.Now(),
		data:    data,
	}
}

func (n *memNode) isDir() bool     { return n.children != nil }
func (n *memNode) isSymlink() bool { return n.mode&os.ModeSymlink != 0 }

func (n *memNode) info(name string) FileInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	size := int64(len(n.data))
	if n.isSymlink() {
		size = int64(len(n.target))
	}
	return NewFileInfo(name, size, n.mode, n.modTime, n.isDir()).WithIdentity(n.ino, n.nlink)
}

func (n *memNode) unlink() {
	if n.isDir() {
		for _, c := range n.children {
			c.unlink()
		}
		return
	}
	n.mu.Lock()
	n.nlink--
	n.mu.Unlock()
}

func splitPath(path string) []string {
	path = filepath.Clean("/" + path)
	if path == "/" {
		return nil
	}
	return strings.Split(path[1:], "/")
}

// walk must be called with p.mu held.
func (p *MemoryProvider) walk(path string) (*memNode, error) {
	n := p.root
	for _, name := range splitPath(path) {
		if !n.isDir() {
			return nil, syscall.ENOTDIR
		}
		c, ok := n.children[name]
		if !ok {
			return nil, syscall.ENOENT
		}
		n = c
	}
	return n, nil
}

// parent resolves the directory holding path and the final name. The root
// has no parent and yields EBUSY.
func (p *MemoryProvider) parent(path string) (*memNode, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", syscall.EBUSY
	}
	dir, err := p.walk(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir() {
		return nil, "", syscall.ENOTDIR
	}
	return dir, parts[len(parts)-1], nil
}

func (p *MemoryProvider) Stat(path string) (FileInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.walk(path)
	if err != nil {
		return FileInfo{}, err
	}
	return n.info(filepath.Base(filepath.Clean("/" + path))), nil
}

// ReadDir lists entries sorted by name.
func (p *MemoryProvider) ReadDir(path string) ([]DirEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.walk(path)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, syscall.ENOTDIR
	}
	entries := make([]DirEntry, 0, len(n.children))
	for _, name := range slices.Sorted(maps.Keys(n.children)) {
		entries = append(entries, entryFor(n.children[name].info(name)))
	}
	return entries, nil
}

func (p *MemoryProvider) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	p.mu.Lock()
	dir, name, err := p.parent(path)
	if err != nil {
		p.mu.Unlock()
		if err == syscall.EBUSY {
			return nil, syscall.EISDIR
		}
		return nil, err
	}
	n, ok := dir.children[name]
	switch {
	case !ok && flags&os.O_CREATE == 0:
		p.mu.Unlock()
		return nil, syscall.ENOENT
	case !ok:
		n = p.newFile(mode, []byte{})
		dir.children[name] = n
	case flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL:
		p.mu.Unlock()
		return nil, syscall.EEXIST
	case n.isDir():
		p.mu.Unlock()
		return nil, syscall.EISDIR
	case n.isSymlink():
		p.mu.Unlock()
		return nil, syscall.ELOOP
	}
	p.mu.Unlock()

	if flags&os.O_TRUNC != 0 {
		n.mu.Lock()
		n.data = n.data[:0]
		n.modTime = time.Now()
		n.mu.Unlock()
	}
	return &memHandle{node: n}, nil
}

func (p *MemoryProvider) Create(path string, mode os.FileMode) (Handle, error) {
	return p.Open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
}

func (p *MemoryProvider) Mkdir(path string, mode os.FileMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, name, err := p.parent(path)
	if err != nil {
		if err == syscall.EBUSY {
			return syscall.EEXIST
		}
		return err
	}
	if _, ok := dir.children[name]; ok {
		return syscall.EEXIST
	}
	dir.children[name] = newDirNode(p.allocIno(), mode)
	return nil
}

// Chmod replaces the permission bits and keeps the object type.
func (p *MemoryProvider) Chmod(path string, mode os.FileMode) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.walk(path)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.mode = n.mode.Type() | mode&^os.ModeType
	n.mu.Unlock()
	return nil
}

// Remove deletes a file, a symlink or an empty directory.
func (p *MemoryProvider) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, name, err := p.parent(path)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return syscall.ENOENT
	}
	if n.isDir() && len(n.children) > 0 {
		return syscall.ENOTEMPTY
	}
	delete(dir.children, name)
	n.unlink()
	return nil
}

// RemoveAll deletes path and everything below it. Removing the root empties
// it. A missing path is not an error.
func (p *MemoryProvider) RemoveAll(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, name, err := p.parent(path)
	if err == syscall.EBUSY {
		p.root.unlink()
		clear(p.root.children)
		return nil
	}
	if err != nil {
		if err == syscall.ENOENT {
			return nil
		}
		return err
	}
	if n, ok := dir.children[name]; ok {
		delete(dir.children, name)
		n.unlink()
	}
	return nil
}

func (p *MemoryProvider) Rename(oldPath, newPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldDir, oldName, err := p.parent(oldPath)
	if err != nil {
		if err == syscall.EBUSY {
			return syscall.EINVAL
		}
		return err
	}
	n, ok := oldDir.children[oldName]
	if !ok {
		return syscall.ENOENT
	}
	newDir, newName, err := p.parent(newPath)
	if err != nil {
		return err
	}
	victim, exists := newDir.children[newName]
	if exists && victim == n {
		return nil
	}

	if n.isDir() {
		oldClean := filepath.Clean("/" + oldPath)
		if strings.HasPrefix(filepath.Clean("/"+newPath), oldClean+"/") {
			return syscall.EINVAL
		}
		if exists && !victim.isDir() {
			return syscall.ENOTDIR
		}
		if exists && len(victim.children) > 0 {
			return syscall.ENOTEMPTY
		}
	} else if exists && victim.isDir() {
		return syscall.EISDIR
	}

	if exists {
		victim.unlink()
	}
	delete(oldDir.children, oldName)
	newDir.children[newName] = n
	return nil
}

func (p *MemoryProvider) Link(oldPath, newPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.walk(oldPath)
	if err != nil {
		return err
	}
	if n.isDir() {
		return syscall.EPERM
	}
	dir, name, err := p.parent(newPath)
	if err != nil {
		return err
	}
	if _, exists := dir.children[name]; exists {
		return syscall.EEXIST
	}

	n.mu.Lock()
	n.nlink++
	n.mu.Unlock()
	dir.children[name] = n
	return nil
}

func (p *MemoryProvider) Symlink(target, link string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, name, err := p.parent(link)
	if err != nil {
		if err == syscall.EBUSY {
			return syscall.EEXIST
		}
		return err
	}
	if _, exists := dir.children[name]; exists {
		return syscall.EEXIST
	}
	dir.children[name] = &memNode{
		ino:     p.allocIno(),
		mode:    os.ModeSymlink | 0777,
		nlink:   1,
		modTime: time.Now(),
		target:  target,
	}
	return nil
}

func (p *MemoryProvider) Readlink(path string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.walk(path)
	if err != nil {
		return "", err
	}
	if !n.isSymlink() {
		return "", syscall.EINVAL
	}
	return n.target, nil
}

type memHandle struct {
	node   *memNode
	offset int64
}

func (h *memHandle) Read(b []byte) (int, error) {
	n, err := h.ReadAt(b, h.offset)
	h.offset += int64(n)
	return n, err
}

func (h *memHandle) ReadAt(b []byte, off int64) (int, error) {
	h.node.mu.RLock()
	defer h.node.mu.RUnlock()

	if off >= int64(len(h.node.data)) {
		return 0, io.EOF
	}
	n := copy(b, h.node.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) Write(b []byte) (int, error) {
	n, err := h.WriteAt(b, h.offset)
	h.offset += int64(n)
	return n, err
}

func (h *memHandle) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	h.node.mu.Lock()
	defer h.node.mu.Unlock()

	if end := off + int64(len(b)); end > int64(len(h.node.data)) {
		h.node.data = resize(h.node.data, end)
	}
	n := copy(h.node.data[off:], b)
	h.node.modTime = time.Now()
	return n, nil
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.offset
	case io.SeekEnd:
		h.node.mu.RLock()
		base = int64(len(h.node.data))
		h.node.mu.RUnlock()
	default:
		return h.offset, syscall.EINVAL
	}
	h.offset = max(base+offset, 0)
	return h.offset, nil
}

func (h *memHandle) Stat() (FileInfo, error) { return h.node.info(""), nil }
func (h *memHandle) Sync() error             { return nil }
func (h *memHandle) Close() error            { return nil }

func (h *memHandle) Truncate(size int64) error {
	if size < 0 {
		return syscall.EINVAL
	}
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	h.node.data = resize(h.node.data, size)
	h.node.modTime = time.Now()
	return nil
}

// resize returns data cut or zero-extended to size.
func resize(data []byte, size int64) []byte {
	if size <= int64(len(data)) {
		return data[:size]
	}
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}

// WriteFile replaces the content at path, creating the file if needed. It
// bypasses the VFS and is meant for seeding a tree before it is mounted.
func (p *MemoryProvider) WriteFile(path string, data []byte, mode os.FileMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir, name, err := p.parent(path)
	if err != nil {
		if err == syscall.EBUSY {
			return syscall.EISDIR
		}
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		dir.children[name] = p.newFile(mode, bytes.Clone(data))
		return nil
	}
	if n.isDir() {
		return syscall.EISDIR
	}
	n.mu.Lock()
	n.data = bytes.Clone(data)
	n.mode = n.mode.Type() | mode&^os.ModeType
	n.modTime = time.Now()
	n.mu.Unlock()
	return nil
}

func (p *MemoryProvider) ReadFile(path string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n, err := p.walk(path)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, syscall.EISDIR
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return bytes.Clone(n.data), nil
}

func (p *MemoryProvider) MkdirAll(path string, mode os.FileMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.root
	for _, name := range splitPath(path) {
		c, ok := n.children[name]
		if !ok {
			c = newDirNode(p.allocIno(), mode)
			n.children[name] = c
		}
		if !c.isDir() {
			return syscall.ENOTDIR
		}
		n = c
	}
	return nil
}
