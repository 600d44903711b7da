// Package opstats is a filter that exports Prometheus metrics for the
// operations it intercepts.
package opstats

import (
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jingkaihe/redirfs/pkg/redirfs"
)

type Stats struct {
	name string
	ops  []redirfs.OpID

	opsTotal   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
	bytesTotal *prometheus.CounterVec

	filter atomic.Pointer[redirfs.Filter]
}

// New creates the collectors for a filter called name on reg. Empty ops
// means every operation.
func New(reg prometheus.Registerer, name string, ops []redirfs.OpID) *Stats {
	if len(ops) == 0 {
		ops = redirfs.AllOps()
	}
	labels := prometheus.Labels{"filter": name}
	factory := promauto.With(reg)
	return &Stats{
		name: name,
		ops:  ops,
		opsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redirfs_ops_total",
				Help:        "Intercepted operations by operation, object type and result",
				ConstLabels: labels,
			},
			[]string{"op", "type", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "redirfs_op_duration_seconds",
				Help:        "Time spent between the filter's pre and post callbacks",
				ConstLabels: labels,
				Buckets:     []float64{.00001, .0001, .001, .01, .1, 1},
			},
			[]string{"op"},
		),
		inFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "redirfs_ops_in_flight",
				Help:        "Operations between pre and post callbacks",
				ConstLabels: labels,
			},
			[]string{"op"},
		),
		bytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redirfs_bytes_total",
				Help:        "Bytes moved by intercepted reads and writes",
				ConstLabels: labels,
			},
			[]string{"direction"},
		),
	}
}

func (s *Stats) Register(e *redirfs.Engine, priority int, active bool) (*redirfs.Filter, error) {
	var ops []redirfs.OpInfo
	for _, op := range s.ops {
		ops = append(ops, redirfs.ForAllTypes(op, s.pre, s.post)...)
	}
	f, err := e.Register(redirfs.FilterInfo{
		Name:     s.name,
		Priority: priority,
		Owner:    "opstats",
		Active:   active,
		Ops:      ops,
	})
	if err != nil {
		return nil, err
	}
	s.filter.Store(f)
	return f, nil
}

func (s *Stats) pre(ctx *redirfs.Context, args *redirfs.Args) redirfs.Status {
	s.inFlight.WithLabelValues(args.Op.String()).Inc()
	if f := s.filter.Load(); f != nil {
		ctx.SetData(f, time.Now())
	}
	return redirfs.Continue
}

func (s *Stats) post(ctx *redirfs.Context, args *redirfs.Args) {
	op := args.Op.String()
	s.inFlight.WithLabelValues(op).Dec()
	s.opsTotal.WithLabelValues(op, args.Type.String(), result(args.Rv.Err)).Inc()
	if f := s.filter.Load(); f != nil {
		if start, ok := ctx.Data(f).(time.Time); ok {
			s.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}
	if args.Rv.Err == nil && args.Rv.N > 0 {
		switch args.Op {
		case redirfs.OpFileRead:
			s.bytesTotal.WithLabelValues("read").Add(float64(args.Rv.N))
		case redirfs.OpFileWrite:
			s.bytesTotal.WithLabelValues("write").Add(float64(args.Rv.N))
		}
	}
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno.Error()
	}
	return "error"
}

// RegisterEngine exports gauges describing e itself.
func RegisterEngine(reg prometheus.Registerer, e *redirfs.Engine) {
	factory := promauto.With(reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "redirfs_records",
		Help: "Live shadow records",
	}, func() float64 { return float64(e.Records()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "redirfs_filters",
		Help: "Registered filters",
	}, func() float64 { return float64(len(e.Filters())) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "redirfs_paths",
		Help: "Bound paths",
	}, func() float64 { return float64(len(e.ListPaths(nil))) })
}
