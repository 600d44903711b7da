package redirfs

import (
	"os"

	"github.com/jingkaihe/redirfs/pkg/vfs"
)

// Params are the normalised arguments of an intercepted call. Which fields
// are set depends on Op. Pre-callbacks may rewrite them; the real operation
// sees the values left by the last filter that wrote them.
type Params struct {
	Dentry    *vfs.Dentry
	NewDentry *vfs.Dentry
	Dir       *vfs.Inode
	NewDir    *vfs.Inode
	Inode     *vfs.Inode
	File      *vfs.File

	Mode   os.FileMode
	Mask   int
	Target string
	Buf    []byte
	Offset int64
	Whence int
	Attr   vfs.SetAttr
}

// Result carries the outcome of the call. A pre-callback that returns Stop
// fills it in place of the real operation.
type Result struct {
	Err     error
	N       int
	Offset  int64
	Valid   bool
	Attr    vfs.Attr
	Entries []vfs.DirEntry
}

// Args is the bundle every callback of one intercepted call shares.
type Args struct {
	Type ObjectType
	Op   OpID
	Args Params
	Rv   Result
}

// Path is the namespace path of the object the call is about, or "" when it
// has none.
func (a *Args) Path() string {
	p := &a.Args
	switch {
	case p.Dentry != nil:
		return p.Dentry.Path()
	case p.File != nil:
		return p.File.Dentry().Path()
	case p.Inode != nil:
		if aliases := p.Inode.Aliases(); len(aliases) > 0 {
			return aliases[0].Path()
		}
	}
	return ""
}

// Context is the per-call dispatch state.
type Context struct {
	chain    *Chain
	idx      int
	idxStart int
	ran      []bool
	data     map[*Filter]any
}

// Data returns what f stored for the current call with SetData.
func (c *Context) Data(f *Filter) any {
	return c.data[f]
}

// SetData lets a pre-callback hand a value to its own post-callback.
func (c *Context) SetData(f *Filter, v any) {
	if c.data == nil {
		c.data = make(map[*Filter]any)
	}
	c.data[f] = v
}

// Index is the position in the chain of the filter being called.
func (c *Context) Index() int { return c.idx }

// Chain is the chain the call is running through.
func (c *Context) Chain() *Chain { return c.chain }

// precall runs the pre-callbacks in chain order. It returns Stop when a
// filter short-circuited the call; idx is then the stopping filter.
func precall(ctx *Context, args *Args) Status {
	filters := ctx.chain.filters
	ctx.ran = make([]bool, len(filters))
	for ctx.idx = ctx.idxStart; ctx.idx < len(filters); ctx.idx++ {
		f := filters[ctx.idx]
		if !f.Active() {
			continue
		}
		ctx.ran[ctx.idx] = true
		cb := f.callbacks(args.Type, args.Op)
		if cb.pre == nil {
			continue
		}
		if cb.pre(ctx, args) == Stop {
			return Stop
		}
	}
	ctx.idx = len(filters) - 1
	return Continue
}

// postcall runs the post-callbacks in reverse, starting from the highest
// filter precall reached. Filters that were skipped on the way in are
// skipped on the way out.
func postcall(ctx *Context, args *Args) {
	filters := ctx.chain.filters
	for ; ctx.idx >= ctx.idxStart; ctx.idx-- {
		if !ctx.ran[ctx.idx] {
			continue
		}
		if cb := filters[ctx.idx].callbacks(args.Type, args.Op); cb.post != nil {
			cb.post(ctx, args)
		}
	}
}

// run dispatches args through the chain of info around real.
func run(info *Info, args *Args, real func(*Args)) {
	if info == nil || !info.ops.Interested(args.Type, args.Op) {
		real(args)
		return
	}
	ctx := &Context{chain: info.chain}
	if precall(ctx, args) == Continue {
		real(args)
	}
	postcall(ctx, args)
}
