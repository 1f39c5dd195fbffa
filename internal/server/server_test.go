package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/monitoring/health"
	"github.com/envrun/envrun/internal/monitoring/metrics"
	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/internal/runner"
	"github.com/envrun/envrun/internal/server"
	"github.com/envrun/envrun/internal/version"
)

const serverTestProject = `[envrun]
envlist = ok

[testenv]
description = base environment

[testenv:ok]
commands = sh -c "true"

[testenv:extra]
description = not part of the default selection
commands = sh -c "true"
`

func newTestService(t *testing.T) *runner.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "envrun.ini")
	require.NoError(t, os.WriteFile(path, []byte(serverTestProject), 0o644))

	proj, err := project.Load(path)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Defaults.Parallel = 1
	cfg.Defaults.CommandTimeout = time.Minute
	cfg.Defaults.WorkDirName = ".envrun"
	cfg.Docker.PullPolicy = "missing"

	return runner.NewService(proj, cfg, nil, nil)
}

func newTestHandlers(svc *runner.Service) (*server.Handlers, *health.HealthChecker) {
	checker := health.NewHealthChecker(time.Hour, nil, nil)
	system := metrics.NewSystemMetricsCollector(time.Hour)
	return server.NewHandlers(svc, checker, system), checker
}

func TestHealthEndpoint(t *testing.T) {
	h, checker := newTestHandlers(newTestService(t))
	router := server.NewRouter(h, server.NewHub())

	checker.SetComponent("watcher", health.StatusOK, "watching 3 directories")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp struct {
		Status     string                             `json:"status"`
		Components map[string]*health.ComponentHealth `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Contains(t, resp.Components, "watcher")
	assert.Equal(t, health.StatusOK, resp.Components["watcher"].Status)

	checker.SetComponent("history", health.StatusError, "database gone")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestListEnvs(t *testing.T) {
	svc := newTestService(t)
	h, _ := newTestHandlers(svc)
	router := server.NewRouter(h, server.NewHub())

	_, err := svc.Run(context.Background(), runner.RunOptions{Envs: []string{"ok"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/envs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var envs []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Runtime     string `json:"runtime"`
		Default     bool   `json:"default"`
		LastStatus  string `json:"last_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envs))
	require.Len(t, envs, 2)

	assert.Equal(t, "ok", envs[0].Name)
	assert.Equal(t, "local", envs[0].Runtime)
	assert.True(t, envs[0].Default)
	assert.Equal(t, "passed", envs[0].LastStatus)

	assert.Equal(t, "extra", envs[1].Name)
	assert.Equal(t, "not part of the default selection", envs[1].Description)
	assert.False(t, envs[1].Default)
	assert.Empty(t, envs[1].LastStatus)
}

func TestLatestReport(t *testing.T) {
	svc := newTestService(t)
	h, _ := newTestHandlers(svc)
	router := server.NewRouter(h, server.NewHub())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	want, err := svc.Run(context.Background(), runner.RunOptions{Envs: []string{"ok"}})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want.ID, got.ID)
	require.Len(t, got.Envs, 1)
	assert.Equal(t, models.RunStatusPassed, got.Envs[0].Status)
}

func TestStatusEndpoint(t *testing.T) {
	svc := newTestService(t)
	h, _ := newTestHandlers(svc)
	router := server.NewRouter(h, server.NewHub())

	want, err := svc.Run(context.Background(), runner.RunOptions{Envs: []string{"ok"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Version     string  `json:"version"`
		StartedAt   string  `json:"started_at"`
		UptimeSecs  int64   `json:"uptime_seconds"`
		MemoryBytes int64   `json:"memory_bytes"`
		CPUPercent  float64 `json:"cpu_percent"`
		LastRunID   string  `json:"last_run_id"`
		LastRunPass *bool   `json:"last_run_passed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, version.Version, resp.Version)
	_, err = time.Parse(time.RFC3339, resp.StartedAt)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, resp.UptimeSecs, int64(0))
	assert.GreaterOrEqual(t, resp.MemoryBytes, int64(0))
	assert.Equal(t, want.ID, resp.LastRunID)
	require.NotNil(t, resp.LastRunPass)
	assert.True(t, *resp.LastRunPass)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := newTestService(t)
	h, _ := newTestHandlers(svc)
	router := server.NewRouter(h, server.NewHub())

	_, err := svc.Run(context.Background(), runner.RunOptions{Envs: []string{"ok"}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "env_runs_total")
	assert.Contains(t, body, "runs_total")
	assert.Contains(t, body, "http_request_active")
}

func TestWebsocketEvents(t *testing.T) {
	h, _ := newTestHandlers(newTestService(t))
	hub := server.NewHub()
	hub.Start()
	t.Cleanup(hub.Stop)

	ts := httptest.NewServer(server.NewRouter(h, hub))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the hub a moment to register the new client.
	time.Sleep(100 * time.Millisecond)

	sent := models.NewEvent(models.EventRunStarted)
	sent.RunID = "run-123"
	hub.Publish(sent)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got models.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.EventRunStarted, got.Type)
	assert.Equal(t, "run-123", got.RunID)
}

func TestServerStartStop(t *testing.T) {
	h, _ := newTestHandlers(newTestService(t))
	hub := server.NewHub()
	hub.Start()
	t.Cleanup(hub.Stop)

	srv := server.NewServer("127.0.0.1:0", h, hub)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
