package redirfs

import "github.com/jingkaihe/redirfs/pkg/vfs"

// perObjectHooks builds a private table per object, purely from the
// original table and the routed slots, so recomputing is idempotent.
type perObjectHooks struct{}

func (perObjectHooks) Mode() HookMode { return HookModePerObject }

func (perObjectHooks) dentry(orig, tramp *vfs.DentryOperations, want opMask) *vfs.DentryOperations {
	if want == 0 {
		return orig
	}
	return dentryKind.build(orig, tramp, want)
}

func (perObjectHooks) inode(orig, tramp *vfs.InodeOperations, want opMask) *vfs.InodeOperations {
	if want == 0 {
		return orig
	}
	return inodeKind.build(orig, tramp, want)
}

func (perObjectHooks) file(orig, tramp *vfs.FileOperations, want opMask) *vfs.FileOperations {
	if want == 0 {
		return orig
	}
	return fileKind.build(orig, tramp, want)
}
