package vfs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"gvisor.dev/gvisor/pkg/sync"
)

// OverlayProvider serves reads from lower until a path is modified, at which
// point the object is copied into upper and all further changes land there.
// Lower is never written. Removing an object that exists in lower records a
// whiteout that hides it, and a directory created over a whiteout is opaque:
// nothing below it in lower shows through.
type OverlayProvider struct {
	upper Provider
	lower Provider

	mu        sync.Mutex
	whiteouts map[string]struct{}
	opaque    map[string]struct{}
}

func NewOverlayProvider(upper, lower Provider) *OverlayProvider {
	return &OverlayProvider{
		upper:     upper,
		lower:     lower,
		whiteouts: make(map[string]struct{}),
		opaque:    make(map[string]struct{}),
	}
}

func (p *OverlayProvider) Readonly() bool { return false }

func cleanPath(path string) string { return filepath.Clean("/" + path) }

// lowerVisible reports whether lower's object at path may show through.
func (p *OverlayProvider) lowerVisible(path string) bool {
	path = cleanPath(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	for cur := path; ; cur = filepath.Dir(cur) {
		if _, ok := p.whiteouts[cur]; ok {
			return false
		}
		if _, ok := p.opaque[cur]; ok && cur != path {
			return false
		}
		if cur == "/" {
			return true
		}
	}
}

func (p *OverlayProvider) hide(path string) {
	p.mu.Lock()
	p.whiteouts[cleanPath(path)] = struct{}{}
	p.mu.Unlock()
}

// unhide drops a whiteout at path after something new was created there. A
// directory replacing a whiteout becomes opaque.
func (p *OverlayProvider) unhide(path string, dir bool) {
	path = cleanPath(path)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.whiteouts[path]; !ok {
		return
	}
	delete(p.whiteouts, path)
	if dir {
		p.opaque[path] = struct{}{}
	}
}

func (p *OverlayProvider) inLower(path string) bool {
	if !p.lowerVisible(path) {
		return false
	}
	_, err := p.lower.Stat(path)
	return err == nil
}

func (p *OverlayProvider) Stat(path string) (FileInfo, error) {
	info, err := p.upper.Stat(path)
	if err == nil || !isNotExist(err) {
		return info, err
	}
	if !p.lowerVisible(path) {
		return FileInfo{}, syscall.ENOENT
	}
	return p.lower.Stat(path)
}

func (p *OverlayProvider) ReadDir(path string) ([]DirEntry, error) {
	upperEntries, upperErr := p.upper.ReadDir(path)
	if upperErr != nil && !isNotExist(upperErr) {
		return nil, upperErr
	}

	var lowerEntries []DirEntry
	lowerErr := error(syscall.ENOENT)
	p.mu.Lock()
	_, isOpaque := p.opaque[cleanPath(path)]
	p.mu.Unlock()
	if !isOpaque && p.lowerVisible(path) {
		lowerEntries, lowerErr = p.lower.ReadDir(path)
	}
	if upperErr != nil && lowerErr != nil {
		return nil, upperErr
	}

	seen := make(map[string]bool, len(upperEntries))
	result := make([]DirEntry, 0, len(upperEntries)+len(lowerEntries))
	for _, e := range upperEntries {
		seen[e.Name()] = true
		result = append(result, e)
	}
	for _, e := range lowerEntries {
		if seen[e.Name()] || !p.lowerVisible(filepath.Join(cleanPath(path), e.Name())) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (p *OverlayProvider) Open(path string, flags int, mode os.FileMode) (Handle, error) {
	if flags&writeFlags == 0 {
		h, err := p.upper.Open(path, flags, mode)
		if err == nil || !isNotExist(err) || !p.lowerVisible(path) {
			return h, err
		}
		return p.lower.Open(path, flags, mode)
	}

	if _, err := p.upper.Stat(path); isNotExist(err) && p.inLower(path) {
		if flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			return nil, syscall.EEXIST
		}
		if err := p.copyUp(path); err != nil {
			return nil, err
		}
	}
	if err := p.ensureParent(path); err != nil {
		return nil, err
	}
	h, err := p.upper.Open(path, flags, mode)
	if err != nil {
		return nil, err
	}
	p.unhide(path, false)
	return h, nil
}

func (p *OverlayProvider) Create(path string, mode os.FileMode) (Handle, error) {
	return p.Open(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
}

func (p *OverlayProvider) Mkdir(path string, mode os.FileMode) error {
	if p.inLower(path) {
		return syscall.EEXIST
	}
	if err := p.ensureParent(path); err != nil {
		return err
	}
	if err := p.upper.Mkdir(path, mode); err != nil {
		return err
	}
	p.unhide(path, true)
	return nil
}

func (p *OverlayProvider) Chmod(path string, mode os.FileMode) error {
	if err := p.ensureUpper(path); err != nil {
		return err
	}
	return p.upper.Chmod(path, mode)
}

func (p *OverlayProvider) Remove(path string) error {
	info, err := p.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := p.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return syscall.ENOTEMPTY
		}
	}
	if err := p.upper.RemoveAll(path); err != nil {
		return err
	}
	if p.inLower(path) {
		p.hide(path)
	}
	return nil
}

func (p *OverlayProvider) RemoveAll(path string) error {
	if err := p.upper.RemoveAll(path); err != nil {
		return err
	}
	if p.inLower(path) {
		p.hide(path)
	}
	return nil
}

// Rename copies the whole source subtree into upper first so that nothing
// is left behind in lower under the old name.
func (p *OverlayProvider) Rename(oldPath, newPath string) error {
	if err := p.copyUpTree(oldPath); err != nil {
		return err
	}
	if err := p.ensureParent(newPath); err != nil {
		return err
	}
	info, err := p.upper.Stat(oldPath)
	if err != nil {
		return err
	}
	if _, err := p.upper.Stat(newPath); isNotExist(err) && p.inLower(newPath) {
		if err := p.copyUp(newPath); err != nil {
			return err
		}
	}
	if err := p.upper.Rename(oldPath, newPath); err != nil {
		return err
	}
	if p.inLower(oldPath) {
		p.hide(oldPath)
	}
	p.unhide(newPath, false)
	if info.IsDir() {
		p.mu.Lock()
		p.opaque[cleanPath(newPath)] = struct{}{}
		p.mu.Unlock()
	}
	return nil
}

func (p *OverlayProvider) Link(oldPath, newPath string) error {
	if err := p.ensureUpper(oldPath); err != nil {
		return err
	}
	if p.inLower(newPath) {
		return syscall.EEXIST
	}
	if err := p.ensureParent(newPath); err != nil {
		return err
	}
	if err := p.upper.Link(oldPath, newPath); err != nil {
		return err
	}
	p.unhide(newPath, false)
	return nil
}

func (p *OverlayProvider) Symlink(target, link string) error {
	if p.inLower(link) {
		return syscall.EEXIST
	}
	if err := p.ensureParent(link); err != nil {
		return err
	}
	if err := p.upper.Symlink(target, link); err != nil {
		return err
	}
	p.unhide(link, false)
	return nil
}

func (p *OverlayProvider) Readlink(path string) (string, error) {
	target, err := p.upper.Readlink(path)
	if err == nil || !isNotExist(err) || !p.lowerVisible(path) {
		return target, err
	}
	return p.lower.Readlink(path)
}

func (p *OverlayProvider) ensureUpper(path string) error {
	_, err := p.upper.Stat(path)
	if err == nil {
		return nil
	}
	if !isNotExist(err) {
		return err
	}
	if !p.lowerVisible(path) {
		return syscall.ENOENT
	}
	return p.copyUp(path)
}

// ensureParent copies the directories above path into upper so that a new
// entry can be created there.
func (p *OverlayProvider) ensureParent(path string) error {
	dir := filepath.Dir(cleanPath(path))
	if dir == "/" {
		return nil
	}
	return p.ensureUpper(dir)
}

// copyUp copies one object from lower into upper. Directories are created
// empty; their children stay in lower until touched.
func (p *OverlayProvider) copyUp(path string) error {
	info, err := p.lower.Stat(path)
	if err != nil {
		return err
	}
	if err := p.ensureParent(path); err != nil {
		return err
	}

	switch {
	case info.IsDir():
		return p.upper.Mkdir(path, info.Mode().Perm())
	case info.Mode()&os.ModeSymlink != 0:
		target, err := p.lower.Readlink(path)
		if err != nil {
			return err
		}
		return p.upper.Symlink(target, path)
	}

	src, err := p.lower.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := p.upper.Create(path, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// copyUpTree copies path and, for a directory, every visible lower object
// below it.
func (p *OverlayProvider) copyUpTree(path string) error {
	if err := p.ensureUpper(path); err != nil {
		return err
	}
	info, err := p.upper.Stat(path)
	if err != nil || !info.IsDir() {
		return err
	}
	entries, err := p.ReadDir(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		child := strings.TrimSuffix(cleanPath(path), "/") + "/" + e.Name()
		if err := p.copyUpTree(child); err != nil {
			return err
		}
	}
	return nil
}
