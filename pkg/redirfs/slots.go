package redirfs

import "github.com/jingkaihe/redirfs/pkg/vfs"

// tableKind describes one kind of host dispatch table slot by slot.
type tableKind[T any] struct {
	ops      []OpID
	defined  func(t *T, op OpID) bool
	copySlot func(dst, src *T, op OpID)
}

// want returns the slots to route for an object of typ on info. Slots the
// driver left nil are only routed when the host treats their absence as a
// no-op.
func (k *tableKind[T]) want(orig *T, typ ObjectType, info *Info) opMask {
	if info == nil || info.empty() {
		return 0
	}
	m := info.ops.mask(typ, k.ops)
	for _, op := range k.ops {
		if managementOps.has(op) {
			m |= bit(op)
		}
	}
	for _, op := range k.ops {
		if m.has(op) && !k.defined(orig, op) && !synthesizable.has(op) {
			m &^= bit(op)
		}
	}
	return m
}

// build returns a copy of orig with the slots in m taken from tramp.
func (k *tableKind[T]) build(orig, tramp *T, m opMask) *T {
	t := new(T)
	*t = *orig
	for _, op := range k.ops {
		if m.has(op) {
			k.copySlot(t, tramp, op)
		}
	}
	return t
}

// supports reports whether a trampoline may ever be installed for op.
func (k *tableKind[T]) supports(orig *T, op OpID) bool {
	return k.defined(orig, op) || synthesizable.has(op)
}

var dentryKind = &tableKind[vfs.DentryOperations]{
	ops: []OpID{OpDentryRevalidate, OpDentryDelete, OpDentryRelease, OpDentryIput},
	defined: func(t *vfs.DentryOperations, op OpID) bool {
		switch op {
		case OpDentryRevalidate:
			return t.Revalidate != nil
		case OpDentryDelete:
			return t.Delete != nil
		case OpDentryRelease:
			return t.Release != nil
		case OpDentryIput:
			return t.Iput != nil
		}
		return false
	},
	copySlot: func(dst, src *vfs.DentryOperations, op OpID) {
		switch op {
		case OpDentryRevalidate:
			dst.Revalidate = src.Revalidate
		case OpDentryDelete:
			dst.Delete = src.Delete
		case OpDentryRelease:
			dst.Release = src.Release
		case OpDentryIput:
			dst.Iput = src.Iput
		}
	},
}

var inodeKind = &tableKind[vfs.InodeOperations]{
	ops: []OpID{
		OpInodeLookup, OpInodeCreate, OpInodeMkdir, OpInodeUnlink, OpInodeRmdir,
		OpInodeRename, OpInodeLink, OpInodeSymlink, OpInodeGetattr, OpInodeSetattr,
		OpInodePermission,
	},
	defined: func(t *vfs.InodeOperations, op OpID) bool {
		switch op {
		case OpInodeLookup:
			return t.Lookup != nil
		case OpInodeCreate:
			return t.Create != nil
		case OpInodeMkdir:
			return t.Mkdir != nil
		case OpInodeUnlink:
			return t.Unlink != nil
		case OpInodeRmdir:
			return t.Rmdir != nil
		case OpInodeRename:
			return t.Rename != nil
		case OpInodeLink:
			return t.Link != nil
		case OpInodeSymlink:
			return t.Symlink != nil
		case OpInodeGetattr:
			return t.Getattr != nil
		case OpInodeSetattr:
			return t.Setattr != nil
		case OpInodePermission:
			return t.Permission != nil
		}
		return false
	},
	copySlot: func(dst, src *vfs.InodeOperations, op OpID) {
		switch op {
		case OpInodeLookup:
			dst.Lookup = src.Lookup
		case OpInodeCreate:
			dst.Create = src.Create
		case OpInodeMkdir:
			dst.Mkdir = src.Mkdir
		case OpInodeUnlink:
			dst.Unlink = src.Unlink
		case OpInodeRmdir:
			dst.Rmdir = src.Rmdir
		case OpInodeRename:
			dst.Rename = src.Rename
		case OpInodeLink:
			dst.Link = src.Link
		case OpInodeSymlink:
			dst.Symlink = src.Symlink
		case OpInodeGetattr:
			dst.Getattr = src.Getattr
		case OpInodeSetattr:
			dst.Setattr = src.Setattr
		case OpInodePermission:
			dst.Permission = src.Permission
		}
	},
}

var fileKind = &tableKind[vfs.FileOperations]{
	ops: []OpID{
		OpFileOpen, OpFileRelease, OpFileRead, OpFileWrite, OpFileLlseek,
		OpFileReaddir, OpFileFsync, OpFileFlush,
	},
	defined: func(t *vfs.FileOperations, op OpID) bool {
		switch op {
		case OpFileOpen:
			return t.Open != nil
		case OpFileRelease:
			return t.Release != nil
		case OpFileRead:
			return t.Read != nil
		case OpFileWrite:
			return t.Write != nil
		case OpFileLlseek:
			return t.Llseek != nil
		case OpFileReaddir:
			return t.Readdir != nil
		case OpFileFsync:
			return t.Fsync != nil
		case OpFileFlush:
			return t.Flush != nil
		}
		return false
	},
	copySlot: func(dst, src *vfs.FileOperations, op OpID) {
		switch op {
		case OpFileOpen:
			dst.Open = src.Open
		case OpFileRelease:
			dst.Release = src.Release
		case OpFileRead:
			dst.Read = src.Read
		case OpFileWrite:
			dst.Write = src.Write
		case OpFileLlseek:
			dst.Llseek = src.Llseek
		case OpFileReaddir:
			dst.Readdir = src.Readdir
		case OpFileFsync:
			dst.Fsync = src.Fsync
		case OpFileFlush:
			dst.Flush = src.Flush
		}
	},
}
