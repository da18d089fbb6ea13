package httpadapter_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-ingest-service/internal/adapter/httpadapter"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestOpsServer_Healthz(t *testing.T) {
	srv := httpadapter.NewOpsServer(":0", &mockReadiness{}, slog.Default())
	assert.Equal(t, http.StatusOK, get(t, srv, "/healthz").Code)
}

func TestOpsServer_Readyz(t *testing.T) {
	ready := &mockReadiness{}
	srv := httpadapter.NewOpsServer(":0", ready, slog.Default())
	assert.Equal(t, http.StatusOK, get(t, srv, "/readyz").Code)

	ready.err = errors.New("forwarder is not consuming")
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/readyz").Code)
}

func TestOpsServer_Metrics(t *testing.T) {
	srv := httpadapter.NewOpsServer(":0", &mockReadiness{}, slog.Default())
	rec := get(t, srv, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestOpsServer_UnknownPath(t *testing.T) {
	srv := httpadapter.NewOpsServer(":0", &mockReadiness{}, slog.Default())
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/weather").Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := httpadapter.NewServer("127.0.0.1:0", http.NotFoundHandler(), slog.Default())

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
