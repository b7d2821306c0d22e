package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	RecordBackupDeleted("manual")
	handler := Handler("/metrics")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stateguard_backups_deleted_total")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeHTTPServer struct {
	mu       sync.Mutex
	listen   error
	stopped  chan struct{}
	shutdown bool
}

func newFakeHTTPServer(listen error) *fakeHTTPServer {
	return &fakeHTTPServer{listen: listen, stopped: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listen != nil {
		return f.listen
	}
	<-f.stopped
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	close(f.stopped)
	return nil
}

func TestServer_ShutsDownOnCancel(t *testing.T) {
	fake := newFakeHTTPServer(nil)
	server := NewServerWith(fake, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.shutdown)
	assert.Equal(t, "metrics-server", server.String())
}

func TestServer_ListenFailure(t *testing.T) {
	server := NewServerWith(newFakeHTTPServer(errors.New("address already in use")), time.Second)

	err := server.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
}
