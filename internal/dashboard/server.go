// Package dashboard serves a read-only JSON view of live sessions and the
// execution audit log for operators.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/splicer/internal/audit"
	"github.com/zulandar/splicer/internal/session"
)

// SessionLister reports the sessions currently open.
type SessionLister interface {
	Snapshots() []session.Snapshot
	Snapshot(owner string) (session.Snapshot, bool)
}

// ExecutionReader reads the audit log.
type ExecutionReader interface {
	Recent(ctx context.Context, owner string, limit int) ([]audit.Execution, error)
	CountByKind(ctx context.Context, since time.Time) (map[string]int64, error)
}

// Opts holds configuration for the dashboard server.
type Opts struct {
	Sessions   SessionLister
	Executions ExecutionReader // optional; execution routes return 503 without it
	Bind       string          // defaults to 127.0.0.1
	Port       int
	Out        io.Writer
}

// Server is the dashboard HTTP server.
type Server struct {
	sessions   SessionLister
	executions ExecutionReader
	addr       string
	out        io.Writer
	router     *gin.Engine
	started    time.Time

	// pollInterval and heartbeat pace the event stream.
	pollInterval time.Duration
	heartbeat    time.Duration
}

// New builds the dashboard server. It does not listen until Run.
func New(opts Opts) (*Server, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("dashboard: session lister is required")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("dashboard: port must be positive, got %d", opts.Port)
	}
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		sessions:     opts.Sessions,
		executions:   opts.Executions,
		addr:         net.JoinHostPort(opts.Bind, strconv.Itoa(opts.Port)),
		out:          opts.Out,
		router:       router,
		started:      time.Now(),
		pollInterval: 3 * time.Second,
		heartbeat:    15 * time.Second,
	}
	registerRoutes(router, s)
	return s, nil
}

// Handler returns the routes, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dashboard: listen %s: %w", s.addr, err)
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if s.out != nil {
		fmt.Fprintf(s.out, "Dashboard running at http://%s\n", ln.Addr())
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
