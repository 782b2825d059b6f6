package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// HTTPServer is satisfied by *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Service runs an HTTP server under the scheduler's supervisor.
type Service struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewService wraps server. A non-positive shutdownTimeout means 10s.
func NewService(server HTTPServer, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Service{server: server, shutdownTimeout: shutdownTimeout}
}

// WithLogging registers the http subsystem on ctx. LDAPSYNC_LOG_HTTP
// overrides its level.
func WithLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, SubsystemHTTP, tflog.WithLevelFromEnv("LDAPSYNC_LOG_HTTP"))
}

// Serve runs the server until ctx is done, then shuts it down gracefully.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// ctx is already canceled
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		tflog.SubsystemDebug(ctx, SubsystemHTTP, "HTTP server stopped")
		return ctx.Err()
	}
}

func (s *Service) String() string {
	return "http-server"
}
