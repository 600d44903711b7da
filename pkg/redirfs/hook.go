package redirfs

import (
	"strings"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// HookMode selects how routed operations are installed on host objects.
type HookMode int

const (
	// HookModeDefault picks the mode the package was built with.
	HookModeDefault HookMode = iota
	// HookModePerObject gives every tracked object a private table.
	HookModePerObject
	// HookModeShared points tracked objects at one append-only table per
	// original table and gates trampolines with a per-object bitmask.
	HookModeShared
)

func (m HookMode) String() string {
	switch m {
	case HookModePerObject:
		return "per-object"
	case HookModeShared:
		return "shared"
	}
	return "default"
}

func ParseHookMode(s string) (HookMode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return HookModeDefault, nil
	case "per-object", "perobject", "private":
		return HookModePerObject, nil
	case "shared":
		return HookModeShared, nil
	}
	return 0, errx.With(ErrInvalidHookMode, ": %q", s)
}

// hookInstaller returns the table to publish on an object whose pristine
// table is orig, given the trampoline table for orig and the routed slots.
// A zero mask yields orig.
type hookInstaller interface {
	Mode() HookMode
	dentry(orig, tramp *vfs.DentryOperations, want opMask) *vfs.DentryOperations
	inode(orig, tramp *vfs.InodeOperations, want opMask) *vfs.InodeOperations
	file(orig, tramp *vfs.FileOperations, want opMask) *vfs.FileOperations
}

func newHookInstaller(mode HookMode) (hookInstaller, error) {
	if mode == HookModeDefault {
		mode = defaultHookMode
	}
	switch mode {
	case HookModePerObject:
		return perObjectHooks{}, nil
	case HookModeShared:
		return &sharedHooks{}, nil
	}
	return nil, errx.With(ErrInvalidHookMode, ": %d", mode)
}

// hookState is the installed state of one table of a record. mask is read
// lock-free by trampolines; published is guarded by the record lock.
type hookState struct {
	mask      atomicMask
	published bool
}

// update returns whether the table must be republished for want.
func (h *hookState) update(want opMask) bool {
	if h.published && h.mask.load() == want {
		return false
	}
	return true
}

// set records want as installed. In shared mode the mask gates the shared
// table, so it is stored before the table is published.
func (h *hookState) set(want opMask) {
	h.mask.store(want)
	h.published = true
}

func (h *hookState) reset() {
	h.mask.store(0)
	h.published = false
}
