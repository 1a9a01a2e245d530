// Package health serves the liveness endpoint polled by the hosting platform.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// AliveText is the static body answered on every liveness route.
	AliveText = "I'm alive"

	defaultPort            = "10000"
	defaultShutdownTimeout = 5 * time.Second
	readHeaderTimeout      = 5 * time.Second
)

// Config configures the liveness server.
type Config struct {
	// Addr is the listen address; empty means ":$PORT", or ":10000" without PORT.
	Addr string
	// ShutdownTimeout bounds graceful shutdown after the run context ends.
	ShutdownTimeout time.Duration
}

// DefaultAddr derives the listen address from the PORT environment variable.
func DefaultAddr() string {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = defaultPort
	}

	return ":" + port
}

// Server answers liveness probes until its run context ends.
type Server struct {
	cfg    Config
	logger *slog.Logger
	engine *gin.Engine
}

// NewServer builds a liveness server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "health"),
		engine: newRouter(),
	}
}

func newRouter() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	alive := func(c *gin.Context) {
		c.String(http.StatusOK, AliveText)
	}
	for _, path := range []string{"/", "/healthz"} {
		engine.GET(path, alive)
		engine.HEAD(path, alive)
	}

	return engine
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// Run listens on the configured address until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.cfg.Addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve answers on listener until ctx ends. The listener is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.InfoContext(ctx, "liveness server listening", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("health shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health serve: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health serve: %w", err)
	}
}
