// Package redirfs intercepts operations of a vfs.VFS namespace and runs them
// through ordered chains of filters bound to subtrees of it.
//
// The engine keeps a shadow record for every dentry, inode and open file in
// a filtered subtree, rewrites the operation tables those objects call
// through, and re-derives both whenever filters, paths or the tree change.
package redirfs

import (
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

type Options struct {
	// HookMode selects how tables are rewritten. The zero value uses the
	// build default.
	HookMode HookMode

	Logger *slog.Logger

	// MaxRecords caps the number of live shadow records. Zero means no
	// limit.
	MaxRecords int64
}

// Engine is the filter framework attached to one VFS.
type Engine struct {
	vfs    *vfs.VFS
	logger *slog.Logger
	hooks  hookInstaller

	regMu   sync.Mutex
	filters map[string]*Filter
	seq     uint64

	// pathMu guards the scope graph. Scope changes hold it for writing
	// while they walk; record creation holds it for reading.
	pathMu     sync.RWMutex
	roots      map[*vfs.Dentry]*Root
	paths      map[int]*Path
	nextPathID int

	dentries sync.Map
	inodes   sync.Map
	files    sync.Map

	records    atomicbitops.Int64
	maxRecords int64

	// Trampoline tables keyed by the original table they wrap.
	dtramp sync.Map
	itramp sync.Map
	ftramp sync.Map

	// moves holds dentries whose rename the rename trampoline already
	// re-scoped, so the namespace notification skips them.
	moves sync.Map
}

// New attaches an engine to v.
func New(v *vfs.VFS, opts Options) (*Engine, error) {
	hooks, err := newHookInstaller(opts.HookMode)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		vfs:        v,
		logger:     opts.Logger,
		hooks:      hooks,
		filters:    make(map[string]*Filter),
		roots:      make(map[*vfs.Dentry]*Root),
		paths:      make(map[int]*Path),
		nextPathID: 1,
		maxRecords: opts.MaxRecords,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "redirfs")
	v.AddObserver(e)
	return e, nil
}

func (e *Engine) VFS() *vfs.VFS { return e.vfs }

// HookMode reports the mode tables are rewritten in.
func (e *Engine) HookMode() HookMode { return e.hooks.Mode() }

// Register adds a filter to the registry. The returned filter holds one
// reference for the registry.
func (e *Engine) Register(fi FilterInfo) (*Filter, error) {
	if fi.Name == "" {
		return nil, errx.With(ErrInvalidFilter, ": empty name")
	}
	cbs, err := buildCallbacks(fi.Ops)
	if err != nil {
		return nil, err
	}

	e.regMu.Lock()
	if _, ok := e.filters[fi.Name]; ok {
		e.regMu.Unlock()
		return nil, errx.With(ErrDuplicateName, ": %q", fi.Name)
	}
	e.seq++
	f := &Filter{
		engine:     e,
		id:         uuid.New(),
		name:       fi.Name,
		owner:      fi.Owner,
		priority:   fi.Priority,
		seq:        e.seq,
		events:     fi.Events,
		drained:    make(chan struct{}),
		registered: true,
	}
	f.cbs.Store(cbs)
	f.refs.Store(1)
	e.filters[fi.Name] = f
	e.regMu.Unlock()

	e.logger.Info("filter registered", "filter", f.name, "priority", f.priority, "id", f.id)
	if fi.Active {
		f.Activate()
	}
	return f, nil
}

// Unregister removes f from the registry. It fails while paths are still
// bound to f. The filter is gone once Wait returns.
func (e *Engine) Unregister(f *Filter) error {
	e.pathMu.Lock()
	if !f.registered {
		e.pathMu.Unlock()
		return errx.With(ErrNotFound, ": filter %q", f.name)
	}
	if f.paths > 0 {
		e.pathMu.Unlock()
		return errx.With(ErrStillBound, ": filter %q has %d paths", f.name, f.paths)
	}
	f.registered = false
	e.regMu.Lock()
	delete(e.filters, f.name)
	e.regMu.Unlock()
	e.pathMu.Unlock()

	e.logger.Info("filter unregistered", "filter", f.name)
	f.decRef()
	return nil
}

// Filters returns the registered filters in chain order.
func (e *Engine) Filters() []*Filter {
	e.regMu.Lock()
	out := make([]*Filter, 0, len(e.filters))
	for _, f := range e.filters {
		out = append(out, f)
	}
	e.regMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return filterLess(out[i], out[j]) })
	return out
}

// FindFilter returns the registered filter called name.
func (e *Engine) FindFilter(name string) (*Filter, error) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	f, ok := e.filters[name]
	if !ok {
		return nil, errx.With(ErrNotFound, ": filter %q", name)
	}
	return f, nil
}

// Supports reports whether op can ever be intercepted on d. Operations the
// driver left absent are not synthesised, except the lifecycle ones the
// host treats as no-ops.
func (e *Engine) Supports(d *vfs.Dentry, op OpID) error {
	var ok bool
	switch op.Category() {
	case CategoryDentry:
		orig := d.Ops()
		if r := e.dentryRecord(d); r != nil {
			orig = r.orig
		}
		ok = dentryKind.supports(orig, op)
	case CategoryInode, CategoryFile:
		in := d.Inode()
		if in == nil {
			return errx.With(ErrUnsupportedOperation, ": %s on negative dentry", op)
		}
		iorig, forig := in.Ops(), in.FileOps()
		if ir := e.inodeRecord(in); ir != nil {
			iorig, forig = ir.orig, ir.origF
		}
		if op.Category() == CategoryInode {
			ok = inodeKind.supports(iorig, op)
		} else {
			ok = fileKind.supports(forig, op)
		}
	}
	if !ok {
		return errx.With(ErrUnsupportedOperation, ": %s on %s", op, d.Path())
	}
	return nil
}

// InfoOf returns the Info d currently dispatches through, or nil when d is
// not tracked.
func (e *Engine) InfoOf(d *vfs.Dentry) *Info {
	if r := e.dentryRecord(d); r != nil {
		return r.info.Load()
	}
	return nil
}

// Close removes every path, restoring all original tables.
func (e *Engine) Close() error {
	e.pathMu.Lock()
	var evs []pathEvent
	for _, p := range e.sortedPathsLocked() {
		evs = append(evs, e.detachPathLocked(p))
	}
	err := e.walkLocked(e.vfs.Root(), infoNone)
	e.pathMu.Unlock()

	e.pathsRemoved(evs)
	return err
}
