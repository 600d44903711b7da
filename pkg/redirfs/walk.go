package redirfs

import (
	"sort"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// resolveInfoLocked returns the Info of the nearest Root at or above d.
func (e *Engine) resolveInfoLocked(d *vfs.Dentry) *Info {
	for cur := d; cur != nil; cur = cur.Parent() {
		if r := e.roots[cur]; r != nil {
			return r.info
		}
	}
	return infoNone
}

func depth(d *vfs.Dentry) int {
	n := 0
	for cur := d.Parent(); cur != nil; cur = cur.Parent() {
		n++
	}
	return n
}

func isUnder(d, ancestor *vfs.Dentry) bool {
	for cur := d; cur != nil; cur = cur.Parent() {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// rootsUnderLocked returns the Roots at or below d, parents first. A nil d
// selects every Root.
func (e *Engine) rootsUnderLocked(d *vfs.Dentry) []*Root {
	type entry struct {
		r     *Root
		depth int
	}
	var found []entry
	for rd, r := range e.roots {
		if d == nil || isUnder(rd, d) {
			found = append(found, entry{r, depth(rd)})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].depth < found[j].depth })
	out := make([]*Root, len(found))
	for i, en := range found {
		out[i] = en.r
	}
	return out
}

// recomputeRootLocked derives r's chain from the Root above it and its own
// includes and excludes. A new Info is built when the chain changed, or when
// it contains force, whose callbacks changed. It reports whether r.info
// changed.
func (e *Engine) recomputeRootLocked(r *Root, force *Filter) bool {
	parent := infoNone
	if p := r.dentry.Parent(); p != nil {
		parent = e.resolveInfoLocked(p)
	}
	chain := parent.chain.Join(r.incl).Diff(r.excl)
	if chain.Equal(r.info.chain) && (force == nil || chain.Find(force) < 0) {
		return false
	}
	old := r.info
	if chain.Empty() {
		r.info = infoNone
	} else {
		r.info = newInfo(chain, r)
	}
	old.put()
	e.logger.Debug("root re-derived", "path", r.dentry.Path(), "filters", chain.Len())
	return true
}

// rescopeLocked recomputes the Roots below d and walks d's subtree.
func (e *Engine) rescopeLocked(d *vfs.Dentry) error {
	for _, r := range e.rootsUnderLocked(d) {
		e.recomputeRootLocked(r, nil)
	}
	return e.walkLocked(d, e.resolveInfoLocked(d))
}

// walkLocked moves every cached dentry below d onto the Info of its nearest
// Root, starting with info for d. It crosses into mounted file systems.
func (e *Engine) walkLocked(d *vfs.Dentry, info *Info) error {
	if r := e.roots[d]; r != nil {
		info = r.info
	}
	if err := e.setDentryInfo(d, info); err != nil {
		return err
	}
	for _, c := range d.Children() {
		if err := e.walkLocked(c, info); err != nil {
			return err
		}
	}
	if m := d.Mounted(); m != nil {
		return e.walkLocked(m, info)
	}
	return nil
}

// trackDentry gives a freshly instantiated dentry the Info of its scope.
func (e *Engine) trackDentry(d *vfs.Dentry) error {
	e.pathMu.RLock()
	defer e.pathMu.RUnlock()
	return e.setDentryInfo(d, e.resolveInfoLocked(d))
}

func (e *Engine) setOperations(f *Filter, t *callbackTable) error {
	e.pathMu.Lock()
	f.cbs.Store(t)
	var changed []*Root
	for _, r := range e.rootsUnderLocked(nil) {
		if e.recomputeRootLocked(r, f) {
			changed = append(changed, r)
		}
	}
	var err error
	for i, r := range changed {
		covered := false
		for _, above := range changed[:i] {
			if isUnder(r.dentry, above.dentry) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		if werr := e.walkLocked(r.dentry, r.info); werr != nil && err == nil {
			err = werr
		}
	}
	e.pathMu.Unlock()
	return err
}

// moved re-scopes a dentry that a rename placed under a new parent and tells
// the filters of both the old and the new scope.
func (e *Engine) moved(d *vfs.Dentry, from string) {
	e.pathMu.Lock()
	before := emptyChain
	if info := e.InfoOf(d); info != nil {
		before = info.chain
	}
	for _, r := range e.rootsUnderLocked(d) {
		e.recomputeRootLocked(r, nil)
	}
	info := e.resolveInfoLocked(d)
	err := e.walkLocked(d, info)
	filters := before.Join(info.chain)
	e.pathMu.Unlock()

	to := d.Path()
	if err != nil {
		e.logger.Warn("re-scoping renamed dentry failed", "from", from, "to", to, "error", err)
	}
	e.logger.Debug("dentry moved", "from", from, "to", to, "filters", filters.Len())
	for _, f := range filters.filters {
		if f.events.Moved != nil {
			f.events.Moved(f, d, from, to)
		}
	}
}

// Mounted implements vfs.MountObserver. A file system mounted inside a
// filtered subtree inherits its scope.
func (e *Engine) Mounted(root *vfs.Dentry) {
	e.pathMu.Lock()
	err := e.walkLocked(root, e.resolveInfoLocked(root))
	e.pathMu.Unlock()
	if err != nil {
		e.logger.Warn("scoping mounted file system failed", "path", root.Path(), "error", err)
	}
}

// Unmounting implements vfs.MountObserver. Paths on the departing file
// system are removed and its records detached.
func (e *Engine) Unmounting(root *vfs.Dentry) {
	e.pathMu.Lock()
	sb := root.SuperBlock()
	var evs []pathEvent
	for _, p := range e.sortedPathsLocked() {
		if p.root.dentry.SuperBlock() == sb {
			evs = append(evs, e.detachPathLocked(p))
		}
	}
	err := e.walkLocked(root, infoNone)
	e.pathMu.Unlock()

	if err != nil {
		e.logger.Warn("detaching unmounted file system failed", "path", root.Path(), "error", err)
	}
	e.pathsRemoved(evs)
}

// Renamed implements vfs.RenameObserver for renames the rename trampoline
// did not see, such as a move into a filtered subtree from outside it.
func (e *Engine) Renamed(d *vfs.Dentry, from string) {
	if _, ok := e.moves.LoadAndDelete(d); ok {
		return
	}
	e.moved(d, from)
}
