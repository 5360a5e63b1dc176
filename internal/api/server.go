package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ipa-tuura/internal/config"
	"github.com/isometry/ipa-tuura/internal/logging"
)

// Server runs the HTTP API with graceful shutdown.
type Server struct {
	server       *http.Server
	config       config.ServerConfig
	shutdownOnce sync.Once
}

// NewServer creates a stopped server for handler.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		config: cfg,
	}
}

// Start listens on the configured address and blocks until ctx is cancelled
// or the listener fails. Request contexts derive from ctx so they carry its
// logger.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	baseCtx := context.WithoutCancel(ctx)
	s.server.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errChan := make(chan error, 1)
	go func() {
		tflog.SubsystemInfo(ctx, logging.SubsystemAPI, "API server listening", map[string]any{
			"addr": ln.Addr().String(),
		})
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		tflog.SubsystemInfo(ctx, logging.SubsystemAPI, "API server shutdown signal received", nil)
		shutdownCtx, cancel := context.WithTimeout(baseCtx, s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop shuts the server down gracefully. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			tflog.SubsystemError(ctx, logging.SubsystemAPI, "API server shutdown error", map[string]any{
				"error": err.Error(),
			})
			return
		}
		tflog.SubsystemInfo(ctx, logging.SubsystemAPI, "API server stopped gracefully", nil)
	})
	return shutdownErr
}
