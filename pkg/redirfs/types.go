package redirfs

import (
	"fmt"
	"os"
	"strings"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// ObjectType classifies the host object an operation runs on.
type ObjectType uint8

const (
	TypeNone ObjectType = iota
	TypeReg
	TypeDir
	TypeLink
	TypeChr
	TypeBlk
	TypeFifo
	TypeSock

	numTypes
)

var typeNames = [numTypes]string{"none", "reg", "dir", "link", "chr", "blk", "fifo", "sock"}

func (t ObjectType) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// AllTypes lists every object type.
func AllTypes() []ObjectType {
	out := make([]ObjectType, 0, numTypes)
	for t := TypeNone; t < numTypes; t++ {
		out = append(out, t)
	}
	return out
}

func ParseObjectType(s string) (ObjectType, error) {
	for t, name := range typeNames {
		if name == s {
			return ObjectType(t), nil
		}
	}
	return 0, errx.With(ErrInvalidFilter, ": unknown object type %q", s)
}

func typeOfMode(mode os.FileMode) ObjectType {
	switch {
	case mode.IsDir():
		return TypeDir
	case mode&os.ModeSymlink != 0:
		return TypeLink
	case mode&os.ModeCharDevice != 0:
		return TypeChr
	case mode&os.ModeDevice != 0:
		return TypeBlk
	case mode&os.ModeNamedPipe != 0:
		return TypeFifo
	case mode&os.ModeSocket != 0:
		return TypeSock
	}
	return TypeReg
}

func typeOfInode(in *vfs.Inode) ObjectType {
	if in == nil {
		return TypeNone
	}
	return typeOfMode(in.Mode())
}

func typeOfDentry(d *vfs.Dentry) ObjectType {
	return typeOfInode(d.Inode())
}

// Category names the dispatch table an operation lives in.
type Category uint8

const (
	CategoryDentry Category = iota
	CategoryInode
	CategoryFile
)

// OpID identifies one interceptable operation. Ids are unique across
// categories.
type OpID uint8

const (
	OpDentryRevalidate OpID = iota
	OpDentryDelete
	OpDentryRelease
	OpDentryIput

	OpInodeLookup
	OpInodeCreate
	OpInodeMkdir
	OpInodeUnlink
	OpInodeRmdir
	OpInodeRename
	OpInodeLink
	OpInodeSymlink
	OpInodeGetattr
	OpInodeSetattr
	OpInodePermission

	OpFileOpen
	OpFileRelease
	OpFileRead
	OpFileWrite
	OpFileLlseek
	OpFileReaddir
	OpFileFsync
	OpFileFlush

	numOps
)

var opNames = [numOps]string{
	"dentry.revalidate", "dentry.delete", "dentry.release", "dentry.iput",
	"inode.lookup", "inode.create", "inode.mkdir", "inode.unlink", "inode.rmdir",
	"inode.rename", "inode.link", "inode.symlink", "inode.getattr", "inode.setattr",
	"inode.permission",
	"file.open", "file.release", "file.read", "file.write", "file.llseek",
	"file.readdir", "file.fsync", "file.flush",
}

func (op OpID) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

func (op OpID) Category() Category {
	switch {
	case op <= OpDentryIput:
		return CategoryDentry
	case op <= OpInodePermission:
		return CategoryInode
	}
	return CategoryFile
}

// ParseOp accepts the dotted name of an operation, e.g. "file.read".
func ParseOp(s string) (OpID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for op, name := range opNames {
		if name == s {
			return OpID(op), nil
		}
	}
	return 0, errx.With(ErrInvalidFilter, ": unknown operation %q", s)
}

// AllOps lists every operation id.
func AllOps() []OpID {
	out := make([]OpID, 0, numOps)
	for op := OpID(0); op < numOps; op++ {
		out = append(out, op)
	}
	return out
}

// opMask has one bit per OpID.
type opMask uint64

func bit(op OpID) opMask { return 1 << op }

func (m opMask) has(op OpID) bool { return m&bit(op) != 0 }

// managementOps are routed on every tracked object regardless of filter
// interest: the engine needs them to keep shadow records in step with the
// host objects.
const managementOps = opMask(1)<<OpInodeLookup |
	opMask(1)<<OpInodeCreate |
	opMask(1)<<OpInodeMkdir |
	opMask(1)<<OpInodeRename |
	opMask(1)<<OpInodeLink |
	opMask(1)<<OpInodeSymlink |
	opMask(1)<<OpFileOpen |
	opMask(1)<<OpFileRelease |
	opMask(1)<<OpDentryRelease |
	opMask(1)<<OpDentryIput

// synthesizable ops are lifecycle notifications whose absence the host treats
// as a no-op, so a trampoline may be installed even when the driver left the
// slot nil.
const synthesizable = opMask(1)<<OpDentryRelease |
	opMask(1)<<OpDentryIput |
	opMask(1)<<OpFileOpen |
	opMask(1)<<OpFileRelease
