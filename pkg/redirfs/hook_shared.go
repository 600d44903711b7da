package redirfs

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// atomicMask is an opMask readable without locks.
type atomicMask struct {
	v atomicbitops.Uint64
}

func (m *atomicMask) load() opMask { return opMask(m.v.Load()) }

func (m *atomicMask) store(v opMask) { m.v.Store(uint64(v)) }

func (m *atomicMask) has(op OpID) bool { return m.load().has(op) }

// sharedTable is the shared table for one original table. Slots are only
// ever added. Every addition publishes a fresh copy, so callers holding an
// older copy keep a consistent table.
type sharedTable[T any] struct {
	mu    sync.Mutex
	cur   atomic.Pointer[T]
	slots atomicMask
}

func newSharedTable[T any](orig *T) *sharedTable[T] {
	s := &sharedTable[T]{}
	s.cur.Store(orig)
	return s
}

// ensure returns the shared table with at least the slots in want routed.
// Only the caller that finds a slot missing under the lock patches it.
func (s *sharedTable[T]) ensure(k *tableKind[T], tramp *T, want opMask) *T {
	if s.slots.load()&want == want {
		return s.cur.Load()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	have := s.slots.load()
	if missing := want &^ have; missing != 0 {
		s.cur.Store(k.build(s.cur.Load(), tramp, missing))
		s.slots.store(have | missing)
	}
	return s.cur.Load()
}

// sharedHooks keeps one sharedTable per original table.
type sharedHooks struct {
	dentries sync.Map
	inodes   sync.Map
	files    sync.Map
}

func (*sharedHooks) Mode() HookMode { return HookModeShared }

func sharedFor[T any](m *sync.Map, orig *T) *sharedTable[T] {
	if v, ok := m.Load(orig); ok {
		return v.(*sharedTable[T])
	}
	v, _ := m.LoadOrStore(orig, newSharedTable(orig))
	return v.(*sharedTable[T])
}

func (h *sharedHooks) dentry(orig, tramp *vfs.DentryOperations, want opMask) *vfs.DentryOperations {
	if want == 0 {
		return orig
	}
	return sharedFor(&h.dentries, orig).ensure(dentryKind, tramp, want)
}

func (h *sharedHooks) inode(orig, tramp *vfs.InodeOperations, want opMask) *vfs.InodeOperations {
	if want == 0 {
		return orig
	}
	return sharedFor(&h.inodes, orig).ensure(inodeKind, tramp, want)
}

func (h *sharedHooks) file(orig, tramp *vfs.FileOperations, want opMask) *vfs.FileOperations {
	if want == 0 {
		return orig
	}
	return sharedFor(&h.files, orig).ensure(fileKind, tramp, want)
}
