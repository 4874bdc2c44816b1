package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("bot")
	IncRestart("bot", "liveness")
	IncRestart("bot", "liveness")
	IncRestartFailure("bot", "launch")
	IncLaunchFailure("bot")
	AddOrphansKilled("bot", 2)
	SetWorkerUp("bot", true)
	ObserveCheck("bot", "heartbeat", false, 0.01)
	SetHealthStatus("bot", "cooldown")
	SetConsecutiveUnhealthy("bot", 2)
	SetRestartsInWindow("bot", 5)
	ObservePoll("bot", 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(workerRestarts.WithLabelValues("bot", "liveness")))
	assert.Equal(t, 2.0, testutil.ToFloat64(orphansKilled.WithLabelValues("bot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(healthStatus.WithLabelValues("bot", "cooldown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(healthStatus.WithLabelValues("bot", "healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(checkResults.WithLabelValues("bot", "heartbeat", "unhealthy")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"botwarden_worker_starts_total":                     false,
		"botwarden_worker_restarts_total":                   false,
		"botwarden_supervisor_health_status":                false,
		"botwarden_supervisor_restarts_in_window":           false,
		"botwarden_check_duration_seconds":                  false,
		"botwarden_supervisor_consecutive_unhealthy_cycles": false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for n, ok := range want {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerForServesText(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "demo_total", Help: "demo"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "demo_total 1"), string(b))
}

func TestProcessSamplerSelf(t *testing.T) {
	s := NewProcessSampler("self")
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))
	require.NoError(t, s.RegisterMetrics(reg))

	m, err := s.Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), m.PID)
	assert.Greater(t, m.MemoryRSS, uint64(0))
	assert.Equal(t, m, s.Last())
	assert.Greater(t, testutil.ToFloat64(s.memoryMB.WithLabelValues("self")), 0.0)

	_, err = s.Sample(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(s.memoryMB.WithLabelValues("self")))
}
