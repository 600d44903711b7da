package redirfs

import (
	"path"
	"sort"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/fspath"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// PathFlags says whether a path adds its filter to a subtree or removes it.
type PathFlags uint8

const (
	PathInclude PathFlags = 1 << iota
	PathExclude
)

func (f PathFlags) String() string {
	switch f {
	case PathInclude:
		return "include"
	case PathExclude:
		return "exclude"
	}
	return "invalid"
}

func ParsePathFlags(s string) (PathFlags, error) {
	switch s {
	case "include", "":
		return PathInclude, nil
	case "exclude":
		return PathExclude, nil
	}
	return 0, errx.With(ErrInvalidPath, ": unknown path flag %q", s)
}

func (f PathFlags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *PathFlags) UnmarshalText(b []byte) error {
	v, err := ParsePathFlags(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// PathInfo is a request to bind a filter to a subtree. When Mount is set,
// Path is taken relative to it and must stay on the file system mounted
// there.
type PathInfo struct {
	Path   string
	Filter *Filter
	Flags  PathFlags
	Mount  string
}

// PathDescriptor describes a bound path.
type PathDescriptor struct {
	ID     int       `json:"id" cbor:"id"`
	Path   string    `json:"path" cbor:"path"`
	Filter string    `json:"filter" cbor:"filter"`
	Flags  PathFlags `json:"flags" cbor:"flags"`
	Mount  string    `json:"mount,omitempty" cbor:"mount,omitempty"`
}

// Path is one binding of a filter to a Root.
type Path struct {
	id       int
	filter   *Filter
	flags    PathFlags
	pathname string
	mount    string
	root     *Root
}

func (p *Path) descriptor() PathDescriptor {
	name := p.pathname
	if p.root != nil {
		name = p.root.dentry.Path()
	}
	return PathDescriptor{ID: p.id, Path: name, Filter: p.filter.name, Flags: p.flags, Mount: p.mount}
}

// Root is a dentry at least one path is bound to. Its Info governs the
// subtree down to the next deeper Root. The dentry stays pinned in the cache
// for as long as the Root exists.
type Root struct {
	dentry *vfs.Dentry
	paths  []*Path
	incl   *Chain
	excl   *Chain
	info   *Info
}

func (r *Root) Dentry() *vfs.Dentry { return r.dentry }

func (r *Root) Info() *Info { return r.info }

// rebuild recomputes the include and exclude chains from the paths.
func (r *Root) rebuild() {
	r.incl, r.excl = emptyChain, emptyChain
	for _, p := range r.paths {
		if p.flags == PathExclude {
			r.excl = r.excl.Add(p.filter)
		} else {
			r.incl = r.incl.Add(p.filter)
		}
	}
}

func (r *Root) find(f *Filter) *Path {
	for _, p := range r.paths {
		if p.filter == f {
			return p
		}
	}
	return nil
}

type pathEvent struct {
	filter *Filter
	desc   PathDescriptor
}

func (e *Engine) resolvePath(pi PathInfo) (*vfs.Dentry, string, error) {
	name := pi.Path
	if pi.Mount != "" {
		name = path.Join(pi.Mount, pi.Path)
	}
	if !fspath.Parse(name).Absolute {
		return nil, "", errx.With(ErrInvalidPath, ": %q is not absolute", name)
	}
	d, err := e.vfs.Lookup(name)
	if err != nil {
		return nil, "", errx.Wrap(ErrInvalidPath, err)
	}
	if in := d.Inode(); in == nil || !in.IsDir() {
		return nil, "", errx.With(ErrInvalidPath, ": %q is not a directory", name)
	}
	if pi.Mount != "" {
		md, err := e.vfs.Lookup(pi.Mount)
		if err != nil {
			return nil, "", errx.Wrap(ErrInvalidPath, err)
		}
		if md.SuperBlock() != d.SuperBlock() {
			return nil, "", errx.With(ErrInvalidPath, ": %q leaves the file system mounted at %q", pi.Path, pi.Mount)
		}
	}
	return d, path.Clean(name), nil
}

// AddPath binds a filter to the subtree at pi.Path and re-scopes every
// tracked object below it before returning. Adding a path the filter is
// already bound to returns the existing id, switching its flags if needed.
func (e *Engine) AddPath(pi PathInfo) (int, error) {
	if pi.Filter == nil {
		return 0, errx.With(ErrInvalidFilter, ": no filter")
	}
	if pi.Flags != PathInclude && pi.Flags != PathExclude {
		return 0, errx.With(ErrInvalidPath, ": flags must be include or exclude")
	}
	d, name, err := e.resolvePath(pi)
	if err != nil {
		return 0, err
	}
	f := pi.Filter

	e.pathMu.Lock()
	if !f.registered {
		e.pathMu.Unlock()
		return 0, errx.With(ErrNotFound, ": filter %q", f.name)
	}

	r := e.roots[d]
	if r == nil {
		if err := d.Pin(); err != nil {
			e.pathMu.Unlock()
			return 0, errx.Wrap(ErrInvalidPath, err)
		}
		r = &Root{dentry: d, incl: emptyChain, excl: emptyChain, info: infoNone}
		e.roots[d] = r
	}

	p := r.find(f)
	if p != nil && p.flags == pi.Flags {
		e.pathMu.Unlock()
		return p.id, nil
	}

	var cu cleanup.Cleanup
	if p != nil {
		prev := p.flags
		p.flags = pi.Flags
		cu = cleanup.Make(func() { p.flags = prev })
	} else {
		p = &Path{id: e.nextPathID, filter: f, flags: pi.Flags, pathname: name, mount: pi.Mount, root: r}
		e.nextPathID++
		r.paths = append(r.paths, p)
		e.paths[p.id] = p
		f.paths++
		f.incRef()
		cu = cleanup.Make(func() { e.detachPathLocked(p) })
	}
	r.rebuild()

	if err := e.rescopeLocked(d); err != nil {
		e.logger.Warn("add path failed, rolling back", "path", name, "filter", f.name, "error", err)
		cu.Clean()
		r.rebuild()
		if rerr := e.rescopeLocked(d); rerr != nil {
			e.logger.Error("rollback of add path incomplete", "path", name, "error", rerr)
		}
		e.pathMu.Unlock()
		return 0, err
	}
	cu.Release()
	ev := pathEvent{filter: f, desc: p.descriptor()}
	e.pathMu.Unlock()

	e.logger.Info("path added", "path", name, "filter", f.name, "flags", pi.Flags, "id", p.id)
	if f.events.PathAdded != nil {
		f.events.PathAdded(f, ev.desc)
	}
	return p.id, nil
}

// RemovePath unbinds the path with the given id. The Root goes away with its
// last path and its subtree falls back to the next ancestor Root.
func (e *Engine) RemovePath(id int) error {
	e.pathMu.Lock()
	p, ok := e.paths[id]
	if !ok {
		e.pathMu.Unlock()
		return errx.With(ErrNotFound, ": path %d", id)
	}
	d := p.root.dentry
	ev := e.detachPathLocked(p)
	err := e.rescopeLocked(d)
	e.pathMu.Unlock()

	e.pathsRemoved([]pathEvent{ev})
	return err
}

// RemovePaths unbinds every path of f.
func (e *Engine) RemovePaths(f *Filter) error {
	e.pathMu.Lock()
	var evs []pathEvent
	var dentries []*vfs.Dentry
	for _, p := range e.sortedPathsLocked() {
		if p.filter != f {
			continue
		}
		dentries = append(dentries, p.root.dentry)
		evs = append(evs, e.detachPathLocked(p))
	}
	var err error
	for _, d := range dentries {
		if rerr := e.rescopeLocked(d); rerr != nil && err == nil {
			err = rerr
		}
	}
	e.pathMu.Unlock()

	e.pathsRemoved(evs)
	return err
}

// ListPaths describes the paths bound to f, or every path when f is nil.
func (e *Engine) ListPaths(f *Filter) []PathDescriptor {
	e.pathMu.RLock()
	defer e.pathMu.RUnlock()
	var out []PathDescriptor
	for _, p := range e.sortedPathsLocked() {
		if f == nil || p.filter == f {
			out = append(out, p.descriptor())
		}
	}
	return out
}

func (e *Engine) sortedPathsLocked() []*Path {
	out := make([]*Path, 0, len(e.paths))
	for _, p := range e.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// detachPathLocked removes p from its Root and the path table, dropping the
// Root when it was its last path. Infos are recomputed by the caller.
func (e *Engine) detachPathLocked(p *Path) pathEvent {
	ev := pathEvent{filter: p.filter, desc: p.descriptor()}
	r := p.root
	for i, cur := range r.paths {
		if cur == p {
			r.paths = append(r.paths[:i], r.paths[i+1:]...)
			break
		}
	}
	r.rebuild()
	if len(r.paths) == 0 && e.roots[r.dentry] == r {
		delete(e.roots, r.dentry)
		r.dentry.Unpin()
		r.info.put()
		r.info = infoNone
	}
	delete(e.paths, p.id)
	p.filter.paths--
	p.filter.decRef()
	return ev
}

func (e *Engine) pathsRemoved(evs []pathEvent) {
	for _, ev := range evs {
		e.logger.Info("path removed", "path", ev.desc.Path, "filter", ev.desc.Filter, "id", ev.desc.ID)
		if cb := ev.filter.events.PathRemoved; cb != nil {
			cb(ev.filter, ev.desc)
		}
	}
}
