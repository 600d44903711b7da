// Package audit is a filter that writes one structured log record per
// intercepted operation.
package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jingkaihe/redirfs/pkg/redirfs"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

type Options struct {
	Logger *slog.Logger
	Level  slog.Level
	// Ops restricts the audited operations. Empty means all.
	Ops []redirfs.OpID
}

type Auditor struct {
	logger *slog.Logger
	level  slog.Level
	ops    []redirfs.OpID
	filter atomic.Pointer[redirfs.Filter]
}

func New(opts Options) *Auditor {
	a := &Auditor{logger: opts.Logger, level: opts.Level, ops: opts.Ops}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if len(a.ops) == 0 {
		a.ops = redirfs.AllOps()
	}
	return a
}

func (a *Auditor) Register(e *redirfs.Engine, name string, priority int, active bool) (*redirfs.Filter, error) {
	a.logger = a.logger.With("filter", name)
	var ops []redirfs.OpInfo
	for _, op := range a.ops {
		ops = append(ops, redirfs.ForAllTypes(op, a.pre, a.post)...)
	}
	f, err := e.Register(redirfs.FilterInfo{
		Name:     name,
		Priority: priority,
		Owner:    "audit",
		Active:   active,
		Ops:      ops,
		Events: redirfs.FilterOps{
			Activated:   func(*redirfs.Filter) { a.logger.Info("audit activated") },
			Deactivated: func(*redirfs.Filter) { a.logger.Info("audit deactivated") },
			PathAdded: func(_ *redirfs.Filter, p redirfs.PathDescriptor) {
				a.logger.Info("audit path added", "path", p.Path, "flags", p.Flags.String())
			},
			PathRemoved: func(_ *redirfs.Filter, p redirfs.PathDescriptor) {
				a.logger.Info("audit path removed", "path", p.Path)
			},
			Moved: func(_ *redirfs.Filter, _ *vfs.Dentry, from, to string) {
				a.logger.Log(context.Background(), a.level, "vfs move", "from", from, "to", to)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	a.filter.Store(f)
	return f, nil
}

func (a *Auditor) pre(ctx *redirfs.Context, _ *redirfs.Args) redirfs.Status {
	if f := a.filter.Load(); f != nil {
		ctx.SetData(f, time.Now())
	}
	return redirfs.Continue
}

func (a *Auditor) post(ctx *redirfs.Context, args *redirfs.Args) {
	if !a.logger.Enabled(context.Background(), a.level) {
		return
	}
	attrs := []any{
		"op", args.Op.String(),
		"type", args.Type.String(),
		"path", args.Path(),
	}
	if args.Args.NewDentry != nil {
		attrs = append(attrs, "new_path", args.Args.NewDentry.Path())
	}
	switch args.Op {
	case redirfs.OpFileRead, redirfs.OpFileWrite:
		attrs = append(attrs, "offset", args.Args.Offset, "bytes", args.Rv.N)
	}
	if f := a.filter.Load(); f != nil {
		if start, ok := ctx.Data(f).(time.Time); ok {
			attrs = append(attrs, "duration", time.Since(start))
		}
	}
	if args.Rv.Err != nil {
		attrs = append(attrs, "error", args.Rv.Err)
	}
	a.logger.Log(context.Background(), a.level, "vfs op", attrs...)
}

// ParseLevel maps a configured level name to a slog level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	err := l.UnmarshalText([]byte(s))
	return l, err
}
