// Package daemon assembles a filtered namespace from configuration: the VFS
// and its mounts, the interception engine, the configured filters and paths,
// and the surfaces that expose them.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/api"
	"github.com/jingkaihe/redirfs/pkg/control"
	"github.com/jingkaihe/redirfs/pkg/filters/audit"
	"github.com/jingkaihe/redirfs/pkg/filters/opstats"
	"github.com/jingkaihe/redirfs/pkg/filters/rules"
	"github.com/jingkaihe/redirfs/pkg/fusefs"
	"github.com/jingkaihe/redirfs/pkg/redirfs"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

type Daemon struct {
	config   *api.Config
	logger   *slog.Logger
	vfs      *vfs.VFS
	engine   *redirfs.Engine
	registry *prometheus.Registry
	ruleSets []*rules.Set

	stopControl func()
	metricsSrv  *http.Server
	fuseSrv     *fuse.Server
}

// New builds the namespace, registers every configured filter and applies the
// configured paths. Nothing is served until Start.
func New(config *api.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	d := &Daemon{config: config, logger: logger, registry: prometheus.NewRegistry()}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	root, err := createProvider(config.Backing)
	if err != nil {
		return nil, err
	}
	d.vfs, err = vfs.New(vfs.NewProviderFS("root", root), vfs.Options{Logger: logger.With("component", "vfs")})
	if err != nil {
		return nil, errx.Wrap(ErrBuildNamespace, err)
	}

	// The engine is created before mounts so it observes every superblock.
	mode, err := redirfs.ParseHookMode(config.HookMode)
	if err != nil {
		return nil, errx.Wrap(api.ErrInvalidConfig, err)
	}
	d.engine, err = redirfs.New(d.vfs, redirfs.Options{
		HookMode:   mode,
		Logger:     logger.With("component", "redirfs"),
		MaxRecords: config.MaxRecords,
	})
	if err != nil {
		return nil, errx.Wrap(ErrBuildNamespace, err)
	}

	if err := d.mountAll(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.registerFilters(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.applyPaths(); err != nil {
		d.Close()
		return nil, err
	}
	opstats.RegisterEngine(d.registry, d.engine)
	return d, nil
}

func (d *Daemon) VFS() *vfs.VFS                  { return d.vfs }
func (d *Daemon) Engine() *redirfs.Engine        { return d.engine }
func (d *Daemon) Registry() *prometheus.Registry { return d.registry }
func (d *Daemon) Config() *api.Config            { return d.config }

func createProvider(b api.BackingConfig) (vfs.Provider, error) {
	switch b.Type {
	case "", "memory":
		if b.Readonly {
			return vfs.NewReadonlyProvider(vfs.NewMemoryProvider()), nil
		}
		return vfs.NewMemoryProvider(), nil
	case "realfs":
		info, err := os.Stat(b.HostPath)
		if err != nil {
			return nil, errx.Wrap(ErrBackingPath, err)
		}
		if !info.IsDir() {
			return nil, errx.With(ErrBackingPath, ": %s is not a directory", b.HostPath)
		}
		p := vfs.NewRealFSProvider(b.HostPath)
		if b.Readonly {
			return vfs.NewReadonlyProvider(p), nil
		}
		return p, nil
	case "overlay":
		if _, err := os.Stat(b.HostPath); err != nil {
			return nil, errx.Wrap(ErrBackingPath, err)
		}
		lower := vfs.NewReadonlyProvider(vfs.NewRealFSProvider(b.HostPath))
		return vfs.NewOverlayProvider(vfs.NewMemoryProvider(), lower), nil
	}
	return nil, errx.With(api.ErrInvalidConfig, ": unknown backing type %q", b.Type)
}

func (d *Daemon) mountAll() error {
	for _, m := range d.config.Mounts {
		p, err := createProvider(m.Backing)
		if err != nil {
			return err
		}
		if err := mkdirAll(d.vfs, m.Path); err != nil {
			return errx.With(ErrMount, " %s: %w", m.Path, err)
		}
		name := m.Backing.Type + ":" + m.Path
		if err := d.vfs.Mount(m.Path, vfs.NewProviderFS(name, p)); err != nil {
			return errx.With(ErrMount, " %s: %w", m.Path, err)
		}
	}
	return nil
}

// mkdirAll creates the directories along path through the VFS.
func mkdirAll(v *vfs.VFS, path string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(filepath.Clean(path), "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		if err := v.Mkdir(cur, 0755); err != nil && !errors.Is(err, syscall.EEXIST) {
			return err
		}
	}
	return nil
}

func parseOps(names []string) ([]redirfs.OpID, error) {
	var ops []redirfs.OpID
	for _, name := range names {
		op, err := redirfs.ParseOp(name)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (d *Daemon) registerFilters() error {
	for _, fc := range d.config.Filters {
		if err := d.registerFilter(fc); err != nil {
			return errx.With(ErrRegisterFilter, " %s: %w", fc.Name, err)
		}
	}
	return nil
}

func (d *Daemon) registerFilter(fc api.FilterConfig) error {
	ops, err := parseOps(fc.Ops)
	if err != nil {
		return err
	}
	active := !fc.Inactive

	switch fc.Kind {
	case api.FilterKindRules:
		rs, err := rules.FromConfig(fc.Rules)
		if err != nil {
			return err
		}
		set, err := rules.New(rs)
		if err != nil {
			return err
		}
		logger := d.logger.With("filter", fc.Name)
		set.SetEventFunc(func(req rules.Request, res rules.Result) {
			attrs := []any{"op", req.Op.String(), "path", req.Path, "bytes", res.Bytes}
			if res.Err != nil {
				attrs = append(attrs, "error", res.Err)
			}
			logger.Debug("rule matched", attrs...)
		})
		if _, err := set.Register(d.engine, fc.Name, fc.Priority, active); err != nil {
			set.Close()
			return err
		}
		d.ruleSets = append(d.ruleSets, set)

	case api.FilterKindAudit:
		level, err := audit.ParseLevel(fc.Level)
		if err != nil {
			return err
		}
		a := audit.New(audit.Options{Logger: d.logger, Level: level, Ops: ops})
		if _, err := a.Register(d.engine, fc.Name, fc.Priority, active); err != nil {
			return err
		}

	case api.FilterKindOpStats:
		s := opstats.New(d.registry, fc.Name, ops)
		if _, err := s.Register(d.engine, fc.Priority, active); err != nil {
			return err
		}

	default:
		return errx.With(api.ErrInvalidConfig, ": unknown filter kind %q", fc.Kind)
	}
	d.logger.Info("filter registered", "filter", fc.Name, "kind", fc.Kind, "priority", fc.Priority, "active", active)
	return nil
}

func (d *Daemon) applyPaths() error {
	for _, pc := range d.config.Paths {
		f, err := d.engine.FindFilter(pc.Filter)
		if err != nil {
			return err
		}
		flags := redirfs.PathInclude
		if pc.Flags != "" {
			if flags, err = redirfs.ParsePathFlags(pc.Flags); err != nil {
				return err
			}
		}
		if _, err := d.engine.AddPath(redirfs.PathInfo{Path: pc.Path, Mount: pc.Mount, Filter: f, Flags: flags}); err != nil {
			return errx.With(ErrApplyPath, " %s: %w", pc.Path, err)
		}
	}
	return nil
}

// Start serves the control socket and, when configured, the metrics endpoint
// and the FUSE mount.
func (d *Daemon) Start(ctx context.Context) error {
	sock := d.config.GetControlSocket()
	if err := os.MkdirAll(filepath.Dir(sock), 0755); err != nil {
		return errx.Wrap(ErrControl, err)
	}
	stop, err := control.NewServer(d.engine, d.logger).ServeUDSBackground(sock)
	if err != nil {
		return errx.Wrap(ErrControl, err)
	}
	d.stopControl = stop
	d.logger.Info("control socket listening", "socket", sock)

	if addr := d.config.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
		d.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("metrics server stopped", "error", err)
			}
		}()
		d.logger.Info("metrics endpoint listening", "addr", addr)
	}

	if mp := d.config.FUSE.Mountpoint; mp != "" {
		srv, err := fusefs.Mount(d.vfs, mp, fusefs.Options{
			AllowOther: d.config.FUSE.AllowOther,
			Debug:      d.config.FUSE.Debug,
		})
		if err != nil {
			return err
		}
		d.fuseSrv = srv
		d.logger.Info("fuse mounted", "mountpoint", mp)
	}
	return nil
}

// Wait blocks until ctx is done or the FUSE mount goes away.
func (d *Daemon) Wait(ctx context.Context) {
	if d.fuseSrv == nil {
		<-ctx.Done()
		return
	}
	done := make(chan struct{})
	go func() {
		d.fuseSrv.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Close tears everything down in reverse order. Errors are collected and
// the first is returned.
func (d *Daemon) Close() error {
	var errs []error
	if d.fuseSrv != nil {
		if err := d.fuseSrv.Unmount(); err != nil {
			errs = append(errs, errx.Wrap(ErrUnmount, err))
		}
		d.fuseSrv = nil
	}
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
		d.metricsSrv = nil
	}
	if d.stopControl != nil {
		d.stopControl()
		d.stopControl = nil
	}
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range d.ruleSets {
		s.Close()
	}
	d.ruleSets = nil

	if len(errs) > 0 {
		d.logger.Warn("cleanup errors", "errors", errs)
		return errs[0]
	}
	return nil
}
