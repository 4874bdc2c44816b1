package botwarden

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestFacadeSupervisor(t *testing.T) {
	requireUnix(t)
	hb := filepath.Join(t.TempDir(), "hb.json")
	statusFile := filepath.Join(t.TempDir(), "status.json")
	s, err := New(Config{
		Worker: Spec{Name: "facade", Command: "sleep 30.123", StartGrace: 100 * time.Millisecond, StopGrace: time.Second},
	},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithChecks(HeartbeatCheck{Path: hb}),
		WithStatusFile(statusFile),
	)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Shutdown(ctx) }()

	v, err := s.Poll(ctx)
	require.NoError(t, err)
	// missing heartbeat is one soft failure, not yet confirmed
	assert.False(t, v.Unhealthy())
	assert.Equal(t, 1, v.SoftFailures)

	rec := httptest.NewRecorder()
	NewStatusHandler(s, "/api", "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"worker":"facade"`)

	_, err = os.Stat(statusFile)
	assert.NoError(t, err)
}

func TestFacadeConfigError(t *testing.T) {
	_, err := New(Config{})
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "worker.command", ce.Field)
}

func TestRegisterMetrics(t *testing.T) {
	require.NoError(t, RegisterMetrics(prometheus.NewRegistry()))
	require.NoError(t, RegisterMetricsDefault())
}
