package control

import (
	"errors"
	"log/slog"
	"net"
	"os"

	"github.com/jingkaihe/redirfs/internal/errx"
	"github.com/jingkaihe/redirfs/pkg/redirfs"
)

type Server struct {
	engine *redirfs.Engine
	logger *slog.Logger
}

func NewServer(e *redirfs.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, logger: logger.With("component", "control")}
}

func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.HandleConnection(conn)
	}
}

// HandleConnection serves requests on conn until the peer hangs up or sends
// a malformed frame.
func (s *Server) HandleConnection(conn net.Conn) {
	defer conn.Close()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			return
		}
		resp := s.dispatch(&req)
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	s.logger.Debug("control request", "op", req.Op, "filter", req.Filter, "path", req.Path, "id", req.ID)

	switch req.Op {
	case OpListFilters:
		var out []FilterStatus
		for _, f := range s.engine.Filters() {
			out = append(out, FilterStatus{
				Name:     f.Name(),
				ID:       f.ID().String(),
				Owner:    f.Owner(),
				Priority: f.Priority(),
				Active:   f.Active(),
				Paths:    len(s.engine.ListPaths(f)),
			})
		}
		return &Response{Filters: out}

	case OpActivate, OpDeactivate:
		f, err := s.engine.FindFilter(req.Filter)
		if err != nil {
			return errorResponse(err)
		}
		if req.Op == OpActivate {
			f.Activate()
		} else {
			f.Deactivate()
		}
		return &Response{}

	case OpAddPath:
		f, err := s.engine.FindFilter(req.Filter)
		if err != nil {
			return errorResponse(err)
		}
		flags := redirfs.PathInclude
		if req.Flags != "" {
			if flags, err = redirfs.ParsePathFlags(req.Flags); err != nil {
				return errorResponse(err)
			}
		}
		id, err := s.engine.AddPath(redirfs.PathInfo{Path: req.Path, Mount: req.Mount, Filter: f, Flags: flags})
		if err != nil {
			return errorResponse(err)
		}
		return &Response{ID: id}

	case OpRemovePath:
		if err := s.engine.RemovePath(req.ID); err != nil {
			return errorResponse(err)
		}
		return &Response{}

	case OpListPaths:
		var f *redirfs.Filter
		if req.Filter != "" {
			var err error
			if f, err = s.engine.FindFilter(req.Filter); err != nil {
				return errorResponse(err)
			}
		}
		return &Response{Paths: s.engine.ListPaths(f)}

	case OpStatus:
		return &Response{Status: &Status{
			HookMode: s.engine.HookMode().String(),
			Records:  s.engine.Records(),
			Filters:  len(s.engine.Filters()),
			Paths:    len(s.engine.ListPaths(nil)),
		}}

	default:
		return errorResponse(errx.With(ErrBadRequest, ": unknown op %d", req.Op))
	}
}

func errorResponse(err error) *Response {
	return &Response{Code: codeOf(err), Err: err.Error()}
}

// ServeUDS serves on a unix socket, replacing a stale socket file.
func (s *Server) ServeUDS(socketPath string) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ServeUDSBackground starts serving on a unix socket in a goroutine and
// returns a function that stops it.
func (s *Server) ServeUDSBackground(socketPath string) (stop func(), err error) {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			s.logger.Warn("control server stopped", "error", err)
		}
	}()

	return func() {
		listener.Close()
		os.Remove(socketPath)
	}, nil
}
