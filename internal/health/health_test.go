package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/botwarden/pkg/heartbeat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcCheck struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context) (string, error)
}

func (f funcCheck) Name() string                              { return f.name }
func (funcCheck) Kind() Kind                                  { return KindCommand }
func (f funcCheck) Timeout() time.Duration                    { return f.timeout }
func (f funcCheck) Probe(ctx context.Context) (string, error) { return f.fn(ctx) }

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func TestRunTimeoutYieldsUnhealthySignal(t *testing.T) {
	slow := funcCheck{name: "slow", timeout: 30 * time.Millisecond, fn: func(ctx context.Context) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	}}
	start := time.Now()
	sig := Run(context.Background(), slow, time.Second, nil)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "Run must not wait for the probe")
	assert.False(t, sig.Healthy)
	var te *TimeoutError
	require.True(t, errors.As(sig.Err, &te), "err=%v", sig.Err)
	assert.Equal(t, "slow", te.Check)
	assert.Equal(t, 30*time.Millisecond, te.Timeout)
}

func TestRunRecoversPanic(t *testing.T) {
	boom := funcCheck{name: "boom", fn: func(context.Context) (string, error) { panic("kaput") }}
	sig := Run(context.Background(), boom, time.Second, nil)
	assert.False(t, sig.Healthy)
	var pe *PanicError
	require.True(t, errors.As(sig.Err, &pe))
	assert.Equal(t, "kaput", pe.Value)
	assert.Contains(t, sig.ErrString(), "panicked")
}

func TestRunCanceledByCallerIsNotAnObservation(t *testing.T) {
	blocking := funcCheck{name: "http", fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	sig := Run(ctx, blocking, time.Second, nil)
	assert.True(t, sig.Canceled)
	assert.False(t, sig.Healthy)
	assert.ErrorIs(t, sig.Err, context.Canceled)
	var te *TimeoutError
	assert.False(t, errors.As(sig.Err, &te))

	// a probe that already answered keeps its result
	quick := funcCheck{name: "quick", fn: func(context.Context) (string, error) { return "ok", nil }}
	sig = Run(context.Background(), quick, time.Second, nil)
	assert.True(t, sig.Healthy)
	assert.False(t, sig.Canceled)

	// an overrun is still a timeout, not a cancellation
	slow := funcCheck{name: "slow", timeout: 20 * time.Millisecond, fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	sig = Run(context.Background(), slow, time.Second, nil)
	assert.False(t, sig.Canceled)
	require.True(t, errors.As(sig.Err, &te))
}

func TestGatherKeepsOrderAndRunsConcurrently(t *testing.T) {
	var checks []Check
	for i := 0; i < 5; i++ {
		i := i
		checks = append(checks, funcCheck{name: fmt.Sprintf("c%d", i), fn: func(context.Context) (string, error) {
			time.Sleep(100 * time.Millisecond)
			if i%2 == 1 {
				return "", errors.New("odd")
			}
			return "ok", nil
		}})
	}
	fixed := time.Unix(1_700_000_000, 0)
	start := time.Now()
	sigs := Gather(context.Background(), checks, time.Second, func() time.Time { return fixed })
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	require.Len(t, sigs, 5)
	for i, s := range sigs {
		assert.Equal(t, fmt.Sprintf("c%d", i), s.Name)
		assert.Equal(t, i%2 == 0, s.Healthy)
		assert.Equal(t, fixed, s.ObservedAt)
	}
}

func TestProcessCheck(t *testing.T) {
	alive := Process{Detector: DetectorFunc{Fn: func() bool { return true }, Desc: "pid:1"}}
	msg, err := alive.Probe(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "pid:1", msg)

	dead := Process{Detector: DetectorFunc{Fn: func() bool { return false }}}
	_, err = dead.Probe(context.Background())
	assert.ErrorIs(t, err, ErrProcessDead)

	_, err = Process{}.Probe(context.Background())
	assert.ErrorIs(t, err, ErrProcessDead)

	assert.True(t, Signal{Kind: KindProcess}.Hard())
	assert.False(t, Signal{Kind: KindHeartbeat}.Hard())
}

func TestHeartbeatCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hb.json")
	now := time.Unix(1_700_000_000, 0)
	hb := Heartbeat{Path: path, MaxAge: 120 * time.Second, Now: func() time.Time { return now }}

	_, err := hb.Probe(context.Background())
	assert.ErrorContains(t, err, "missing")

	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	_, err = hb.Probe(context.Background())
	assert.Error(t, err)

	write := func(age time.Duration, status string) {
		require.NoError(t, heartbeat.Write(path, heartbeat.Record{Timestamp: heartbeat.Stamp(now.Add(-age)), Status: status}))
	}

	write(30*time.Second, heartbeat.StatusRunning)
	_, err = hb.Probe(context.Background())
	assert.NoError(t, err)

	write(121*time.Second, heartbeat.StatusRunning)
	_, err = hb.Probe(context.Background())
	assert.ErrorContains(t, err, "stale")

	write(time.Second, heartbeat.StatusError)
	_, err = hb.Probe(context.Background())
	assert.ErrorContains(t, err, "error")

	hb.ErrorStatuses = []string{"degraded"}
	_, err = hb.Probe(context.Background())
	assert.NoError(t, err, "custom error statuses replace the default")
}

func TestHTTPCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","bot_connected":true}`))
	})
	mux.HandleFunc("/disconnected", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"connected":false,"healthy":true}`))
	})
	mux.HandleFunc("/nofields", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":true}`))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	probe := func(path string) error {
		sig := Run(context.Background(), HTTP{URL: srv.URL + path, CheckTimeout: 100 * time.Millisecond}, time.Second, nil)
		return sig.Err
	}
	assert.NoError(t, probe("/ok"))
	assert.ErrorContains(t, probe("/disconnected"), "connected=false")
	assert.Error(t, probe("/nofields"))
	assert.ErrorContains(t, probe("/garbage"), "malformed")
	assert.ErrorContains(t, probe("/down"), "503")

	var te *TimeoutError
	assert.True(t, errors.As(probe("/slow"), &te))

	closed := httptest.NewServer(mux)
	url := closed.URL
	closed.Close()
	_, err := HTTP{URL: url + "/ok"}.Probe(context.Background())
	assert.Error(t, err, "connection refused must be unhealthy")
}

func TestLogScanOnlyNewBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	require.NoError(t, os.WriteFile(path, []byte("starting\nIncompleteReadError\n"), 0o600))

	ls := NewLogScan("errors", path, []string{"IncompleteReadError", "This event loop is already running"})

	_, err := ls.Probe(context.Background())
	assert.ErrorContains(t, err, "IncompleteReadError")

	// nothing appended: the old match is not reported again
	_, err = ls.Probe(context.Background())
	assert.NoError(t, err)

	appendTo(t, path, "all good\n")
	_, err = ls.Probe(context.Background())
	assert.NoError(t, err)

	appendTo(t, path, "RuntimeError: This event loop is already running\n")
	_, err = ls.Probe(context.Background())
	assert.ErrorContains(t, err, "event loop")

	// truncation resets the cursor
	require.NoError(t, os.WriteFile(path, []byte("IncompleteReadError\n"), 0o600))
	_, err = ls.Probe(context.Background())
	assert.Error(t, err)
}

func TestLogScanIdleFileAndTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.log")
	require.NoError(t, os.WriteFile(path, []byte("IncompleteReadError\n"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	ls := NewLogScan("", path, []string{"IncompleteReadError"})
	_, err := ls.Probe(context.Background())
	assert.NoError(t, err, "files idle beyond the window are not rescanned on startup")

	// matches before the tail window are ignored
	tailPath := filepath.Join(dir, "tail.log")
	content := "IncompleteReadError\n" + string(make([]byte, 64))
	require.NoError(t, os.WriteFile(tailPath, []byte(content), 0o600))
	tailScan := &LogScan{Path: tailPath, Patterns: []string{"IncompleteReadError"}, TailBytes: 32}
	_, err = tailScan.Probe(context.Background())
	assert.NoError(t, err)

	_, err = NewLogScan("", filepath.Join(dir, "absent.log"), []string{"x"}).Probe(context.Background())
	assert.NoError(t, err)
}

func TestCommandCheck(t *testing.T) {
	requireUnix(t)
	_, err := Command{Command: "true"}.Probe(context.Background())
	assert.NoError(t, err)

	msg, err := Command{Command: "sh -c 'echo nope; exit 2'"}.Probe(context.Background())
	assert.EqualError(t, err, "exit status 2")
	assert.Equal(t, "nope", msg)

	sig := Run(context.Background(), Command{Command: "sleep 5", CheckTimeout: 50 * time.Millisecond}, time.Second, nil)
	assert.False(t, sig.Healthy)
	var te *TimeoutError
	assert.True(t, errors.As(sig.Err, &te))
}

func appendTo(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
