// Package status serves run health and metrics over HTTP.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ei12134/monitor/pkg/core"
	"github.com/ei12134/monitor/pkg/metrics"
)

// Source reports the state of the run being served.
type Source interface {
	State() core.RunState
	Counts() (active, total int)
}

// Server exposes /healthz and /metrics.
type Server struct {
	addr   string
	router *chi.Mux
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New returns a server for src. m may be nil, in which case /metrics is 404.
func New(addr string, src Source, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		active, total := src.Counts()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "state=%s active=%d total=%d\n", src.State(), active, total)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return &Server{addr: addr, router: r, logger: logger}
}

// Router returns the underlying router, useful for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve handles requests until ctx is done, then shuts down with a one
// second timeout. Listen is called first if it has not been.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		ctxTo, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxTo); err != nil {
			s.logger.Warn("status server shutdown", "err", err)
		}
	}()

	s.logger.Info("status server listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return err
}
