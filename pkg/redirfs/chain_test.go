package redirfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFilter(name string, priority int, seq uint64) *Filter {
	return &Filter{name: name, priority: priority, seq: seq, drained: make(chan struct{})}
}

func names(c *Chain) []string {
	var out []string
	for _, f := range c.filters {
		out = append(out, f.name)
	}
	return out
}

func TestChain_AddOrdersByPriorityThenRegistration(t *testing.T) {
	a := testFilter("a", 10, 1)
	b := testFilter("b", 5, 2)
	c := testFilter("c", 10, 3)

	chain := NewChain(c, a, b)
	assert.Equal(t, []string{"b", "a", "c"}, names(chain))

	same := chain.Add(a)
	assert.Same(t, chain, same)
}

func TestChain_RemoveReturnsEmptySingleton(t *testing.T) {
	a := testFilter("a", 0, 1)
	b := testFilter("b", 0, 2)

	chain := NewChain(a, b)
	chain = chain.Remove(a)
	assert.Equal(t, []string{"b"}, names(chain))

	empty := chain.Remove(b)
	assert.Same(t, EmptyChain(), empty)
	assert.True(t, empty.Empty())

	assert.Same(t, empty, empty.Remove(a))
}

func TestChain_JoinDeduplicatesAndKeepsOrder(t *testing.T) {
	a := testFilter("a", 1, 1)
	b := testFilter("b", 2, 2)
	c := testFilter("c", 3, 3)

	joined := NewChain(a, c).Join(NewChain(b, c))
	assert.Equal(t, []string{"a", "b", "c"}, names(joined))

	x := NewChain(a, b)
	assert.Same(t, x, x.Join(NewChain(a)))
	assert.Same(t, x, x.Join(EmptyChain()))
}

func TestChain_Diff(t *testing.T) {
	a := testFilter("a", 1, 1)
	b := testFilter("b", 2, 2)
	c := testFilter("c", 3, 3)

	all := NewChain(a, b, c)
	assert.Equal(t, []string{"a", "c"}, names(all.Diff(NewChain(b))))
	assert.Same(t, EmptyChain(), all.Diff(all))
	assert.Same(t, all, all.Diff(EmptyChain()))
}

func TestChain_Algebra(t *testing.T) {
	a := testFilter("a", 1, 1)
	b := testFilter("b", 1, 2)
	c := testFilter("c", 0, 3)
	x, y := NewChain(a, c), NewChain(b)

	// join(a, b) == join(b, a)
	assert.True(t, x.Join(y).Equal(y.Join(x)))
	// diff(join(a, b), b) == a when a and b are disjoint
	assert.True(t, x.Join(y).Diff(y).Equal(x))
	// remove(add(c, f), f) == c when f was absent
	assert.True(t, x.Add(b).Remove(b).Equal(x))
	assert.False(t, x.Equal(y))
}

func TestChain_DeriveTable(t *testing.T) {
	a := testFilter("a", 0, 1)
	b := testFilter("b", 0, 2)
	noop := func(*Context, *Args) Status { return Continue }

	ta, err := buildCallbacks([]OpInfo{{Type: TypeReg, Op: OpFileRead, Pre: noop}})
	require.NoError(t, err)
	a.cbs.Store(ta)
	tb, err := buildCallbacks(append(ForAllTypes(OpFileRead, nil, func(*Context, *Args) {}),
		OpInfo{Type: TypeDir, Op: OpInodeLookup, Pre: noop}))
	require.NoError(t, err)
	b.cbs.Store(tb)

	var table OpTable
	NewChain(a, b).DeriveTable(&table)
	assert.Equal(t, 2, table.Count(TypeReg, OpFileRead))
	assert.Equal(t, 1, table.Count(TypeDir, OpFileRead))
	assert.Equal(t, 1, table.Count(TypeDir, OpInodeLookup))
	assert.Equal(t, 0, table.Count(TypeReg, OpFileWrite))
	assert.False(t, table.Interested(TypeLink, OpInodeLookup))
}

func TestBuildCallbacks_RejectsOutOfRange(t *testing.T) {
	_, err := buildCallbacks([]OpInfo{{Type: numTypes, Op: OpFileRead}})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = buildCallbacks([]OpInfo{{Type: TypeReg, Op: numOps}})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("file.read")
	require.NoError(t, err)
	assert.Equal(t, OpFileRead, op)
	assert.Equal(t, CategoryFile, op.Category())
	assert.Equal(t, CategoryInode, OpInodePermission.Category())
	assert.Equal(t, CategoryDentry, OpDentryIput.Category())

	_, err = ParseOp("file.mmap")
	assert.ErrorIs(t, err, ErrInvalidFilter)
}
