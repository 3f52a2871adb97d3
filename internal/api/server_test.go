package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/api"
	"github.com/eshaffer321/ynab-sync/internal/api/dto"
	"github.com/eshaffer321/ynab-sync/internal/application/service"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote/remotetest"
)

const testToken = "api-token"

// newTestApp wires an App to a seeded fake remote and returns it with the
// demo budget id.
func newTestApp(t *testing.T) (*service.App, *remotetest.Server, string) {
	t.Helper()

	srv := remotetest.NewServer(remotetest.Options{AccessToken: testToken})
	t.Cleanup(srv.Close)
	budgetID := srv.Seed()

	dir := t.TempDir()
	cfg := &config.Config{
		Remote: config.RemoteConfig{
			BaseURL:      srv.URL(),
			AccessToken:  testToken,
			Timeout:      5 * time.Second,
			FetchRetries: 1,
		},
		Storage: config.StorageConfig{
			DatabasePath: filepath.Join(dir, "sync.db"),
			CacheDir:     filepath.Join(dir, "cache"),
		},
		Observability: config.ObservabilityConfig{
			Logging: config.LoggingConfig{Level: "error", Format: "text"},
		},
	}
	cfg.ApplyDefaults()

	app, err := service.NewApp(cfg, service.AppOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	return app, srv, budgetID
}

func newTestServer(t *testing.T) (*api.Server, *service.App, string) {
	t.Helper()
	app, _, budgetID := newTestApp(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return api.NewServer(api.DefaultConfig(), app.Engine, logger), app, budgetID
}

func TestServer_HealthEndpoint(t *testing.T) {
	server, app, budgetID := newTestServer(t)
	require.NoError(t, app.Engine.Open(context.Background(), budgetID))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var response dto.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, 1, response.OpenBudgets)
}

func TestServer_BudgetRoutes(t *testing.T) {
	server, _, budgetID := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/budgets/" + budgetID + "/view", http.StatusOK},
		{http.MethodGet, "/api/budgets/" + budgetID + "/view?month=nope", http.StatusBadRequest},
		{http.MethodGet, "/api/budgets/" + budgetID + "/status", http.StatusOK},
		{http.MethodGet, "/api/budgets/" + budgetID + "/operations", http.StatusOK},
		{http.MethodGet, "/api/budgets/" + budgetID + "/notices", http.StatusOK},
		{http.MethodGet, "/api/runs", http.StatusOK},
		{http.MethodGet, "/api/runs/999", http.StatusNotFound},
		{http.MethodGet, "/api/runs/abc", http.StatusBadRequest},
		{http.MethodPost, "/api/notices/missing/ack", http.StatusNotFound},
		{http.MethodGet, "/api/budgets/" + budgetID + "/refresh", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/orders", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			server.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_ClosedEngine(t *testing.T) {
	server, app, budgetID := newTestServer(t)
	require.NoError(t, app.Engine.Close())

	req := httptest.NewRequest(http.MethodGet, "/api/budgets/"+budgetID+"/view", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("sets CORS headers for allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rec := httptest.NewRecorder()

		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("handles OPTIONS preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", "GET")
		rec := httptest.NewRecorder()

		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestServer_ServeAndShutdown(t *testing.T) {
	server, _, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.NoError(t, <-done)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	server, _, _ := newTestServer(t)
	assert.NoError(t, server.Shutdown(context.Background()))
}
