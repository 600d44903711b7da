// Package rules compiles declarative interception rules into a redirfs
// filter. Before-phase rules can veto an operation or rewrite a write
// payload; after-phase rules observe results.
package rules

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/api"
	"github.com/jingkaihe/redirfs/pkg/redirfs"
)

type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

type Action string

const (
	ActionAllow       Action = "allow"
	ActionBlock       Action = "block"
	ActionMutateWrite Action = "mutate_write"
)

type Rule struct {
	Name        string
	Phase       Phase
	Ops         []redirfs.OpID
	Types       []redirfs.ObjectType
	PathPattern string
	Action      Action
	ActionFunc  func(ctx context.Context, req Request) Action

	// Errno is returned by blocked operations. Zero means EPERM.
	Errno syscall.Errno

	MutateWriteFunc MutateWriteFunc
	MutateWrite     []byte

	// AfterFunc runs for after-phase rules once the operation completed.
	AfterFunc func(ctx context.Context, req Request, result Result)
	// Async runs AfterFunc on the rule set's worker instead of inline.
	Async bool
}

// Request describes an intercepted operation.
type Request struct {
	Op      redirfs.OpID
	Type    redirfs.ObjectType
	Path    string
	NewPath string
	Mode    os.FileMode
	Offset  int64
	Data    []byte
}

type Result struct {
	Err   error
	Bytes int
}

// MutateWriteFunc computes replacement bytes for a write operation.
// Returning an error fails the intercepted write.
type MutateWriteFunc func(ctx context.Context, req MutateWriteRequest) ([]byte, error)

// MutateWriteRequest contains metadata for write mutation decisions.
type MutateWriteRequest struct {
	Path   string
	Offset int64
	Size   int
	Mode   os.FileMode
}

type compiled struct {
	Rule
	ops   map[redirfs.OpID]bool
	types map[redirfs.ObjectType]bool
}

func (c *compiled) match(req *Request) bool {
	if len(c.ops) > 0 && !c.ops[req.Op] {
		return false
	}
	if len(c.types) > 0 && !c.types[req.Type] {
		return false
	}
	if c.PathPattern == "" {
		return true
	}
	return doublestar.MatchUnvalidated(c.PathPattern, req.Path)
}

type task struct {
	rule   *compiled
	req    Request
	result Result
}

// Set is a compiled rule set. One Set backs one registered filter.
type Set struct {
	rules []*compiled
	ops   []redirfs.OpID

	filter atomic.Pointer[redirfs.Filter]

	eventMu sync.RWMutex
	eventFn func(req Request, result Result)

	queue   chan task
	closed  atomic.Bool
	closeWg sync.WaitGroup
	tasksWg sync.WaitGroup
	once    sync.Once
}

// New compiles rules. Unknown phases fall back to before and unknown actions
// to allow.
func New(rules []Rule) (*Set, error) {
	s := &Set{queue: make(chan task, 128)}
	seen := make(map[redirfs.OpID]bool)
	for _, r := range rules {
		r.Phase = normalizePhase(r.Phase)
		r.Action = normalizeAction(r.Action)
		if r.PathPattern != "" && !doublestar.ValidatePattern(r.PathPattern) {
			return nil, errx.With(ErrInvalidRule, ": bad path pattern %q", r.PathPattern)
		}
		if r.Phase == PhaseBefore && r.Action == ActionAllow && r.ActionFunc == nil {
			continue
		}
		if r.Phase == PhaseAfter && r.AfterFunc == nil {
			continue
		}
		c := &compiled{Rule: r, ops: make(map[redirfs.OpID]bool), types: make(map[redirfs.ObjectType]bool)}
		for _, op := range r.Ops {
			c.ops[op] = true
		}
		for _, t := range r.Types {
			c.types[t] = true
		}
		ops := r.Ops
		if len(ops) == 0 {
			ops = redirfs.AllOps()
		}
		for _, op := range ops {
			if !seen[op] {
				seen[op] = true
				s.ops = append(s.ops, op)
			}
		}
		s.rules = append(s.rules, c)
	}

	s.closeWg.Add(1)
	go s.run()
	return s, nil
}

// FromConfig parses configured rules.
func FromConfig(cfgs []api.RuleConfig) ([]Rule, error) {
	out := make([]Rule, 0, len(cfgs))
	for i, c := range cfgs {
		r := Rule{
			Name:        c.Name,
			Phase:       Phase(c.Phase),
			PathPattern: c.Path,
			Action:      Action(c.Action),
		}
		if c.MutateWrite != "" {
			r.MutateWrite = []byte(c.MutateWrite)
		}
		for _, name := range c.Ops {
			op, err := redirfs.ParseOp(name)
			if err != nil {
				return nil, errx.With(ErrInvalidRule, ": rules[%d]: %w", i, err)
			}
			r.Ops = append(r.Ops, op)
		}
		for _, name := range c.Types {
			t, err := redirfs.ParseObjectType(name)
			if err != nil {
				return nil, errx.With(ErrInvalidRule, ": rules[%d]: %w", i, err)
			}
			r.Types = append(r.Types, t)
		}
		out = append(out, r)
	}
	return out, nil
}

// Register registers the rule set as a filter called name.
func (s *Set) Register(e *redirfs.Engine, name string, priority int, active bool) (*redirfs.Filter, error) {
	f, err := e.Register(redirfs.FilterInfo{
		Name:     name,
		Priority: priority,
		Owner:    "rules",
		Active:   active,
		Ops:      s.Ops(),
	})
	if err != nil {
		return nil, err
	}
	s.filter.Store(f)
	return f, nil
}

// Ops returns the callbacks of the rule set for every operation a rule can
// match.
func (s *Set) Ops() []redirfs.OpInfo {
	var out []redirfs.OpInfo
	for _, op := range s.ops {
		out = append(out, redirfs.ForAllTypes(op, s.pre, s.post)...)
	}
	return out
}

func (s *Set) SetEventFunc(fn func(req Request, result Result)) {
	if s == nil {
		return
	}
	s.eventMu.Lock()
	s.eventFn = fn
	s.eventMu.Unlock()
}

type mutated struct{ origLen int }

func (s *Set) pre(ctx *redirfs.Context, args *redirfs.Args) redirfs.Status {
	req := requestOf(args)
	for _, r := range s.rules {
		if r.Phase != PhaseBefore || !r.match(&req) {
			continue
		}
		action := r.Action
		if r.ActionFunc != nil {
			action = normalizeAction(r.ActionFunc(context.Background(), req))
		}
		switch action {
		case ActionBlock:
			args.Rv.Err = r.errno()
			return redirfs.Stop
		case ActionMutateWrite:
			if req.Op != redirfs.OpFileWrite {
				continue
			}
			data, err := r.mutate(req)
			if err != nil {
				args.Rv.Err = err
				return redirfs.Stop
			}
			if data == nil {
				continue
			}
			if f := s.filter.Load(); f != nil {
				if _, ok := ctx.Data(f).(mutated); !ok {
					ctx.SetData(f, mutated{origLen: len(args.Args.Buf)})
				}
			}
			args.Args.Buf = data
			req.Data = data
		}
	}
	return redirfs.Continue
}

func (s *Set) post(ctx *redirfs.Context, args *redirfs.Args) {
	if f := s.filter.Load(); f != nil {
		if m, ok := ctx.Data(f).(mutated); ok && args.Rv.Err == nil && args.Rv.N == len(args.Args.Buf) {
			args.Rv.N = m.origLen
		}
	}
	if s.closed.Load() {
		return
	}

	req := requestOf(args)
	result := Result{Err: args.Rv.Err, Bytes: args.Rv.N}
	for _, r := range s.rules {
		if r.Phase != PhaseAfter || !r.match(&req) {
			continue
		}
		if r.Async {
			s.tasksWg.Add(1)
			select {
			case s.queue <- task{rule: r, req: req, result: result}:
			default:
				s.tasksWg.Done()
			}
			continue
		}
		r.AfterFunc(context.Background(), req, result)
	}
	s.emitEvent(req, result)
}

// Wait blocks until queued after-callbacks ran.
func (s *Set) Wait() {
	if s == nil {
		return
	}
	s.tasksWg.Wait()
}

func (s *Set) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.closed.Store(true)
		s.tasksWg.Wait()
		close(s.queue)
		s.closeWg.Wait()
	})
}

func (s *Set) run() {
	defer s.closeWg.Done()
	for t := range s.queue {
		t.rule.AfterFunc(context.Background(), t.req, t.result)
		s.tasksWg.Done()
	}
}

func (s *Set) emitEvent(req Request, result Result) {
	s.eventMu.RLock()
	fn := s.eventFn
	s.eventMu.RUnlock()
	if fn == nil {
		return
	}
	fn(req, result)
}

func (c *compiled) errno() error {
	if c.Errno != 0 {
		return c.Errno
	}
	return syscall.EPERM
}

func (c *compiled) mutate(req Request) ([]byte, error) {
	if c.MutateWriteFunc != nil {
		data, err := c.MutateWriteFunc(context.Background(), MutateWriteRequest{
			Path:   req.Path,
			Offset: req.Offset,
			Size:   len(req.Data),
			Mode:   req.Mode,
		})
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}
	if len(c.MutateWrite) > 0 {
		return append([]byte(nil), c.MutateWrite...), nil
	}
	return nil, nil
}

func requestOf(args *redirfs.Args) Request {
	p := &args.Args
	req := Request{Op: args.Op, Type: args.Type, Path: args.Path(), Mode: p.Mode, Offset: p.Offset}
	if p.NewDentry != nil {
		req.NewPath = p.NewDentry.Path()
	}
	if args.Op == redirfs.OpFileWrite {
		req.Data = p.Buf
		if in := p.File.Inode(); in != nil {
			req.Mode = in.Mode()
		}
	}
	return req
}

func normalizePhase(phase Phase) Phase {
	switch strings.ToLower(string(phase)) {
	case string(PhaseAfter):
		return PhaseAfter
	default:
		return PhaseBefore
	}
}

func normalizeAction(action Action) Action {
	switch strings.ToLower(string(action)) {
	case string(ActionBlock):
		return ActionBlock
	case string(ActionMutateWrite):
		return ActionMutateWrite
	default:
		return ActionAllow
	}
}
