package redirfs

import "gvisor.dev/gvisor/pkg/atomicbitops"

// Info is the realised scope attached to shadow records: a chain, the table
// derived from it and the root it came from, if any. It is immutable once
// built. Every holder owns one reference; the last put releases the filters
// of the chain.
type Info struct {
	chain *Chain
	ops   OpTable
	root  *Root

	static bool
	refs   atomicbitops.Int64
}

// infoNone is the Info of everything outside any scope.
var infoNone = &Info{chain: emptyChain, static: true}

func newInfo(chain *Chain, root *Root) *Info {
	i := &Info{chain: chain, root: root}
	chain.DeriveTable(&i.ops)
	for _, f := range chain.filters {
		f.incRef()
	}
	i.refs.Store(1)
	return i
}

func (i *Info) Chain() *Chain { return i.chain }

func (i *Info) Ops() *OpTable { return &i.ops }

// empty reports whether objects on this Info need no record at all.
func (i *Info) empty() bool { return i.chain.Empty() }

func (i *Info) get() {
	if !i.static {
		i.refs.Add(1)
	}
}

// tryGet takes a reference unless the Info is already being released.
func (i *Info) tryGet() bool {
	if i.static {
		return true
	}
	for {
		n := i.refs.Load()
		if n <= 0 {
			return false
		}
		if i.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (i *Info) put() {
	if i.static {
		return
	}
	switch n := i.refs.Add(-1); {
	case n == 0:
		for _, f := range i.chain.filters {
			f.decRef()
		}
	case n < 0:
		panic("redirfs: info reference count underflow")
	}
}

// sameScope reports whether objects on a and b would behave identically.
func sameScope(a, b *Info) bool {
	if a == b {
		return true
	}
	return a.chain.Equal(b.chain) && a.ops == b.ops
}
