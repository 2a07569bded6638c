package ops

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberfell/hearthgate/internal/health"
	"github.com/emberfell/hearthgate/pkg/config"
)

type staticCheck struct{ err error }

func (c staticCheck) HealthCheck(context.Context) error { return c.err }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, checker *health.Checker) *httptest.Server {
	t.Helper()

	cfg := config.OpsConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}
	server := httptest.NewServer(New(cfg, checker, testLogger()).Handler())
	t.Cleanup(server.Close)

	return server
}

func TestServer_Healthz(t *testing.T) {
	server := newTestServer(t, health.NewChecker(testLogger()))

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "ok"}`, string(body))
}

func TestServer_ReadyzHealthy(t *testing.T) {
	checker := health.NewChecker(testLogger())
	checker.AddCheck("upstream", staticCheck{})

	server := newTestServer(t, checker)

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"upstream": "OK"}`, string(body))
}

func TestServer_ReadyzDegraded(t *testing.T) {
	checker := health.NewChecker(testLogger())
	checker.AddCheck("upstream", staticCheck{})
	checker.AddCheck("redis", staticCheck{err: errors.New("connection refused")})

	server := newTestServer(t, checker)

	resp, err := http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "connection refused")
	assert.Contains(t, string(body), `"upstream":"OK"`)
}

func TestServer_Metrics(t *testing.T) {
	server := newTestServer(t, health.NewChecker(testLogger()))

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
