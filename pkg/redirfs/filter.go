package redirfs

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// Status is what a pre-callback tells the dispatcher.
type Status int

const (
	// Continue runs the next filter and eventually the real operation.
	Continue Status = iota
	// Stop skips the remaining filters and the real operation. The filter
	// is expected to have set args.Rv.
	Stop
)

type PreFunc func(ctx *Context, args *Args) Status

type PostFunc func(ctx *Context, args *Args)

// OpInfo binds callbacks to one (object type, operation) pair.
type OpInfo struct {
	Type ObjectType
	Op   OpID
	Pre  PreFunc
	Post PostFunc
}

// ForAllTypes expands one callback pair to every object type.
func ForAllTypes(op OpID, pre PreFunc, post PostFunc) []OpInfo {
	out := make([]OpInfo, 0, numTypes)
	for _, t := range AllTypes() {
		out = append(out, OpInfo{Type: t, Op: op, Pre: pre, Post: post})
	}
	return out
}

type callbacks struct {
	pre  PreFunc
	post PostFunc
}

type callbackTable [numTypes][numOps]callbacks

// FilterOps are lifecycle notifications delivered to a filter. Every field
// is optional.
type FilterOps struct {
	Activated    func(f *Filter)
	Deactivated  func(f *Filter)
	PathAdded    func(f *Filter, p PathDescriptor)
	PathRemoved  func(f *Filter, p PathDescriptor)
	Moved        func(f *Filter, d *vfs.Dentry, from, to string)
	Unregistered func(f *Filter)
}

type FilterInfo struct {
	Name     string
	Priority int
	Owner    string
	Active   bool
	Ops      []OpInfo
	Events   FilterOps
}

// Filter is a registered set of callbacks. Filters are ordered by priority,
// lower first, then by registration order.
type Filter struct {
	engine   *Engine
	id       uuid.UUID
	name     string
	owner    string
	priority int
	seq      uint64
	events   FilterOps

	cbs    atomic.Pointer[callbackTable]
	active atomicbitops.Bool

	// refs counts the registry, every bound path and every live Info whose
	// chain contains the filter.
	refs    atomicbitops.Int64
	drained chan struct{}

	// Guarded by engine.pathMu.
	registered bool
	paths      int
}

func (f *Filter) ID() uuid.UUID { return f.id }

func (f *Filter) Name() string { return f.name }

func (f *Filter) Owner() string { return f.owner }

func (f *Filter) Priority() int { return f.priority }

func (f *Filter) Active() bool { return f.active.Load() }

func (f *Filter) String() string { return f.name }

func (f *Filter) callbacks(typ ObjectType, op OpID) callbacks {
	t := f.cbs.Load()
	if t == nil {
		return callbacks{}
	}
	return t[typ][op]
}

func buildCallbacks(ops []OpInfo) (*callbackTable, error) {
	t := &callbackTable{}
	for _, oi := range ops {
		if oi.Type >= numTypes {
			return nil, errx.With(ErrInvalidFilter, ": object type %d out of range", oi.Type)
		}
		if oi.Op >= numOps {
			return nil, errx.With(ErrInvalidFilter, ": operation %d out of range", oi.Op)
		}
		cb := &t[oi.Type][oi.Op]
		if oi.Pre != nil {
			cb.pre = oi.Pre
		}
		if oi.Post != nil {
			cb.post = oi.Post
		}
	}
	return t, nil
}

// Activate lets the dispatcher run the filter's callbacks.
func (f *Filter) Activate() {
	if !f.active.Swap(true) && f.events.Activated != nil {
		f.events.Activated(f)
	}
}

// Deactivate makes the dispatcher skip the filter. Installed hooks are left
// in place.
func (f *Filter) Deactivate() {
	if f.active.Swap(false) && f.events.Deactivated != nil {
		f.events.Deactivated(f)
	}
}

// SetOperations replaces the filter's callbacks and re-derives every scope
// the filter takes part in.
func (f *Filter) SetOperations(ops []OpInfo) error {
	t, err := buildCallbacks(ops)
	if err != nil {
		return err
	}
	return f.engine.setOperations(f, t)
}

// Wait blocks until every reference to an unregistered filter is gone, so no
// callback of it can run any more.
func (f *Filter) Wait(ctx context.Context) error {
	select {
	case <-f.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Filter) incRef() {
	f.refs.Add(1)
}

func (f *Filter) decRef() {
	switch n := f.refs.Add(-1); {
	case n == 0:
		close(f.drained)
		f.engine.logger.Debug("filter drained", "filter", f.name)
		if f.events.Unregistered != nil {
			f.events.Unregistered(f)
		}
	case n < 0:
		panic("redirfs: filter reference count underflow: " + f.name)
	}
}
