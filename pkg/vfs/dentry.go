package vfs

import (
	"strings"
	"sync/atomic"
	"syscall"
)

// Dentry is a cached directory entry. A dentry without an inode is negative:
// it records that a name does not exist.
//
// Name, parent, children, inode and mount links are guarded by the owning
// VFS tree lock; the operation table is published atomically so it can be
// swapped while calls are in flight.
type Dentry struct {
	vfs *VFS
	sb  *SuperBlock

	name       string
	parent     *Dentry
	children   map[string]*Dentry
	inode      *Inode
	hashed     bool
	mounted    *Dentry
	mountpoint *Dentry
	pins       int

	ops atomic.Pointer[DentryOperations]
}

func newDentry(sb *SuperBlock, parent *Dentry, name string) *Dentry {
	d := &Dentry{
		vfs:    sb.vfs,
		sb:     sb,
		name:   name,
		parent: parent,
	}
	d.ops.Store(sb.fs.dentryOps)
	return d
}

func (d *Dentry) Name() string {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	return d.name
}

// Parent returns the dentry this one hangs off. For the root of a mounted
// file system that is the covered mountpoint, so scope inherits across the
// mount. The VFS root has no parent.
func (d *Dentry) Parent() *Dentry {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	return d.parentLocked()
}

func (d *Dentry) parentLocked() *Dentry {
	if d.mountpoint != nil {
		return d.mountpoint
	}
	return d.parent
}

// Children returns a snapshot of the cached children, positive and negative.
func (d *Dentry) Children() []*Dentry {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	out := make([]*Dentry, 0, len(d.children))
	for _, c := range d.children {
		out = append(out, c)
	}
	return out
}

// Mounted returns the root of the file system mounted on d, if any.
func (d *Dentry) Mounted() *Dentry {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	return d.mounted
}

func (d *Dentry) Inode() *Inode {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	return d.inode
}

func (d *Dentry) Negative() bool {
	return d.Inode() == nil
}

// Hashed reports whether d is still reachable through its parent.
func (d *Dentry) Hashed() bool {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	return d.hashed || d.isRootLocked()
}

// Pin keeps d in the cache until a matching Unpin: Forget refuses to evict
// d or any dentry above it. Pinning a dentry that has already left the cache
// fails with ENOENT.
func (d *Dentry) Pin() error {
	d.vfs.treeMu.Lock()
	defer d.vfs.treeMu.Unlock()
	if !d.hashed && !d.isRootLocked() {
		return syscall.ENOENT
	}
	d.pins++
	return nil
}

func (d *Dentry) Unpin() {
	d.vfs.treeMu.Lock()
	defer d.vfs.treeMu.Unlock()
	if d.pins > 0 {
		d.pins--
	}
}

func (d *Dentry) Pinned() bool {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	return d.pins > 0
}

func (d *Dentry) isRootLocked() bool {
	return d.parent == nil
}

func (d *Dentry) SuperBlock() *SuperBlock { return d.sb }

func (d *Dentry) VFS() *VFS { return d.vfs }

func (d *Dentry) Ops() *DentryOperations { return d.ops.Load() }

// SetOps publishes a new operation table. Calls already in flight finish on
// the table they loaded.
func (d *Dentry) SetOps(ops *DentryOperations) { d.ops.Store(ops) }

// Path returns the absolute path of d in the VFS namespace.
func (d *Dentry) Path() string {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	var names []string
	for cur := d; ; {
		if cur.mountpoint != nil {
			cur = cur.mountpoint
			continue
		}
		if cur.parent == nil {
			break
		}
		names = append(names, cur.name)
		cur = cur.parent
	}
	return joinReversed(names)
}

// fsPath returns the path of d relative to its superblock root, which is the
// path the backing provider understands.
func (d *Dentry) fsPath() string {
	d.vfs.treeMu.RLock()
	defer d.vfs.treeMu.RUnlock()
	var names []string
	for cur := d; cur != d.sb.root && cur.parent != nil; cur = cur.parent {
		names = append(names, cur.name)
	}
	return joinReversed(names)
}

func joinReversed(names []string) string {
	if len(names) == 0 {
		return "/"
	}
	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(names[i])
	}
	return b.String()
}

// Instantiate attaches in to a negative dentry and records d as one of the
// inode's aliases.
func (d *Dentry) Instantiate(in *Inode) {
	d.vfs.treeMu.Lock()
	defer d.vfs.treeMu.Unlock()
	d.inode = in
	in.aliases = append(in.aliases, d)
}

// Move places d where target currently is, replacing target in the cache.
// Drivers call it from InodeOperations.Rename once the backing rename has
// succeeded, so the tree reflects the new name before the call returns.
func (d *Dentry) Move(target *Dentry) {
	d.vfs.treeMu.Lock()
	defer d.vfs.treeMu.Unlock()
	if d.parent != nil && d.hashed {
		delete(d.parent.children, d.name)
	}
	newParent := target.parent
	if target.hashed {
		delete(newParent.children, target.name)
		target.hashed = false
	}
	d.parent = newParent
	d.name = target.name
	if newParent.children == nil {
		newParent.children = make(map[string]*Dentry)
	}
	newParent.children[d.name] = d
	d.hashed = true
}

func (d *Dentry) hashLocked() {
	if d.parent.children == nil {
		d.parent.children = make(map[string]*Dentry)
	}
	d.parent.children[d.name] = d
	d.hashed = true
}

func (d *Dentry) unhashLocked() {
	if !d.hashed {
		return
	}
	if cur, ok := d.parent.children[d.name]; ok && cur == d {
		delete(d.parent.children, d.name)
	}
	d.hashed = false
}

// detachInodeLocked clears d's inode and drops it from the alias list.
func (d *Dentry) detachInodeLocked() *Inode {
	in := d.inode
	if in == nil {
		return nil
	}
	d.inode = nil
	for i, a := range in.aliases {
		if a == d {
			in.aliases = append(in.aliases[:i], in.aliases[i+1:]...)
			break
		}
	}
	return in
}
