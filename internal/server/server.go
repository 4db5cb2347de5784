// SPDX-License-Identifier: MIT

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nvplatform/gateway/internal/log"
)

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	srv *http.Server
}

// New builds the listener for the assembled handler.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}
}

// Start serves until ctx is canceled, then drains. The error is nil on a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	logger := log.WithComponent("server")
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", s.srv.Addr).Msg("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info().Msg("http server stopped")
		return nil
	}
}
