// Package server runs the inkwell HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/victorgomez09/inkwell/internal/config"
	"github.com/victorgomez09/inkwell/internal/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Server owns the HTTP listener of the API.
type Server struct {
	config config.Server
	http   *http.Server
	logger *zap.Logger
}

// New prepares the listener. TLS material is loaded here so a bad
// certificate fails startup instead of the first handshake.
func New(cfg config.Server, handler http.Handler, zLog *zap.Logger) (*Server, error) {
	if zLog == nil {
		zLog = zap.NewNop()
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     logger.StdLogger(zLog.Named("http"), zapcore.WarnLevel),
	}

	if cfg.TLS.Enabled {
		tc, err := tlsConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		srv.TLSConfig = tc
	}

	return &Server{config: cfg, http: srv, logger: zLog}, nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "http"
	if s.http.TLSConfig != nil {
		scheme = "https"
	}
	s.logger.Info("Server started",
		zap.String("scheme", strings.ToUpper(scheme)),
		zap.String("listen_on", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.http.TLSConfig != nil {
			err = s.http.ServeTLS(ln, "", "")
		} else {
			err = s.http.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("Error starting server", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Server stopped gracefully")
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
