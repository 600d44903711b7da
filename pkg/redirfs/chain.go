package redirfs

import "sort"

// Chain is an immutable, duplicate-free, ordered list of filters. Every
// operation returns a new chain, or the receiver when nothing changes.
type Chain struct {
	filters []*Filter
}

var emptyChain = &Chain{}

// EmptyChain returns the shared empty chain.
func EmptyChain() *Chain { return emptyChain }

// NewChain builds a chain from filters in any order.
func NewChain(filters ...*Filter) *Chain {
	c := emptyChain
	for _, f := range filters {
		c = c.Add(f)
	}
	return c
}

func filterLess(a, b *Filter) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (c *Chain) Len() int { return len(c.filters) }

func (c *Chain) Empty() bool { return len(c.filters) == 0 }

// Filters returns a copy of the ordered filters.
func (c *Chain) Filters() []*Filter {
	return append([]*Filter(nil), c.filters...)
}

// Find returns the position of f, or -1.
func (c *Chain) Find(f *Filter) int {
	for i, cur := range c.filters {
		if cur == f {
			return i
		}
	}
	return -1
}

// Add returns c with f inserted at its ordered position.
func (c *Chain) Add(f *Filter) *Chain {
	if c.Find(f) >= 0 {
		return c
	}
	i := sort.Search(len(c.filters), func(i int) bool { return filterLess(f, c.filters[i]) })
	out := make([]*Filter, 0, len(c.filters)+1)
	out = append(out, c.filters[:i]...)
	out = append(out, f)
	out = append(out, c.filters[i:]...)
	return &Chain{filters: out}
}

// Remove returns c without f; the shared empty chain when nothing is left.
func (c *Chain) Remove(f *Filter) *Chain {
	i := c.Find(f)
	if i < 0 {
		return c
	}
	if len(c.filters) == 1 {
		return emptyChain
	}
	out := make([]*Filter, 0, len(c.filters)-1)
	out = append(out, c.filters[:i]...)
	out = append(out, c.filters[i+1:]...)
	return &Chain{filters: out}
}

// Join returns the ordered union of c and o.
func (c *Chain) Join(o *Chain) *Chain {
	if o.Empty() {
		return c
	}
	if c.Empty() {
		return o
	}
	out := make([]*Filter, 0, len(c.filters)+len(o.filters))
	i, j := 0, 0
	for i < len(c.filters) && j < len(o.filters) {
		a, b := c.filters[i], o.filters[j]
		switch {
		case a == b:
			out = append(out, a)
			i++
			j++
		case filterLess(a, b):
			out = append(out, a)
			i++
		default:
			out = append(out, b)
			j++
		}
	}
	out = append(out, c.filters[i:]...)
	out = append(out, o.filters[j:]...)
	if len(out) == len(c.filters) {
		return c
	}
	return &Chain{filters: out}
}

// Diff returns the filters of c that are not in o.
func (c *Chain) Diff(o *Chain) *Chain {
	if c.Empty() || o.Empty() {
		return c
	}
	out := make([]*Filter, 0, len(c.filters))
	for _, f := range c.filters {
		if o.Find(f) < 0 {
			out = append(out, f)
		}
	}
	switch len(out) {
	case len(c.filters):
		return c
	case 0:
		return emptyChain
	}
	return &Chain{filters: out}
}

// Equal reports whether both chains hold the same filters in the same order.
func (c *Chain) Equal(o *Chain) bool {
	if c == o {
		return true
	}
	if len(c.filters) != len(o.filters) {
		return false
	}
	for i := range c.filters {
		if c.filters[i] != o.filters[i] {
			return false
		}
	}
	return true
}

// DeriveTable adds to t every (type, op) any filter of c has a callback for.
func (c *Chain) DeriveTable(t *OpTable) {
	for _, f := range c.filters {
		cbs := f.cbs.Load()
		if cbs == nil {
			continue
		}
		for typ := range cbs {
			for op := range cbs[typ] {
				if cb := cbs[typ][op]; cb.pre != nil || cb.post != nil {
					t.inc(ObjectType(typ), OpID(op))
				}
			}
		}
	}
}
