package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns a mux serving the default registry at path and a liveness
// probe at /healthz
func Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// HTTPServer is the part of *http.Server the service drives
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Server runs the metrics endpoint as a supervised service
type Server struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewServer creates a metrics server listening on addr
func NewServer(addr, path string) *Server {
	return NewServerWith(&http.Server{
		Addr:              addr,
		Handler:           Handler(path),
		ReadHeaderTimeout: 10 * time.Second,
	}, 10*time.Second)
}

// NewServerWith wraps an existing server
func NewServerWith(server HTTPServer, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve blocks until ctx is cancelled or the listener fails
func (s *Server) Serve(ctx context.Context) error {
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
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) String() string {
	return "metrics-server"
}
