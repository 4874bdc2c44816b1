package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loykin/botwarden/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

// uniqueSleep returns a sleep command whose argument doubles as a signature
// no other process on the machine carries.
func uniqueSleep() string {
	return fmt.Sprintf("sleep %d.%03d", 300+time.Now().UnixNano()%1000, os.Getpid()%1000)
}

func TestBuildCommand(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		in   string
		args []string
	}{
		{"python bot.py --fast", []string{"python", "bot.py", "--fast"}},
		{"sh -c 'echo hi > /dev/null'", []string{"/bin/sh", "-c", "echo hi > /dev/null"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
		{"", []string{"/bin/true"}},
	}
	for _, c := range cases {
		cmd := Spec{Command: c.in}.BuildCommand()
		assert.Equal(t, c.args, cmd.Args, c.in)
	}
}

func TestOrphanSignature(t *testing.T) {
	assert.Equal(t, "python bot.py", Spec{Command: " python bot.py "}.OrphanSignature())
	assert.Equal(t, "bot.py", Spec{Command: "python bot.py", Signature: "bot.py"}.OrphanSignature())
	assert.Equal(t, "python bot.py", Spec{Command: "sh -c 'python bot.py'"}.OrphanSignature())
	assert.Equal(t, "", Spec{Command: "ab"}.OrphanSignature())
}

func TestLaunchAndTerminate(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "bot.pid")
	w := NewWorker(Spec{Name: "bot", Command: uniqueSleep(), PIDFile: pidfile, StopGrace: time.Second}, nil)

	h, err := w.Launch(context.Background())
	require.NoError(t, err)
	require.Greater(t, h.PID, 0)
	assert.True(t, w.Alive(h))

	pid, meta, err := ReadPIDFile(pidfile)
	require.NoError(t, err)
	assert.Equal(t, h.PID, pid)
	assert.Equal(t, w.Spec().Command, meta.Command)

	require.NoError(t, w.Terminate(context.Background(), h))
	assert.True(t, h.Exited())
	assert.False(t, w.Alive(h))
	if _, err := os.Stat(pidfile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after terminate, stat err=%v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	requireUnix(t)
	w := NewWorker(Spec{
		Name:      "stubborn",
		Command:   "sh -c 'trap \"\" TERM; while true; do sleep 0.05; done'",
		StopGrace: 200 * time.Millisecond,
	}, nil)
	h, err := w.Launch(context.Background())
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, w.Terminate(context.Background(), h))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, w.Alive(h))
}

func TestHandleExitCode(t *testing.T) {
	requireUnix(t)
	w := NewWorker(Spec{Name: "fail", Command: "sh -c 'exit 3'"}, nil)
	h, err := w.Launch(context.Background())
	require.NoError(t, err)
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("process did not exit")
	}
	assert.Equal(t, 3, h.ExitCode())
	assert.Error(t, h.ExitErr())
	assert.False(t, w.Alive(h))
}

func TestLaunchWritesOutput(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	w := NewWorker(Spec{
		Name:    "chatty",
		Command: "sh -c 'echo out; echo err 1>&2'",
		Env:     []string{"BOTWARDEN_TEST=1"},
		Output:  logger.OutputConfig{Dir: dir},
	}, nil)
	h, err := w.Launch(context.Background())
	require.NoError(t, err)
	<-h.Done()

	out, err := os.ReadFile(filepath.Join(dir, "chatty.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out))
	errOut, err := os.ReadFile(filepath.Join(dir, "chatty.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(errOut))
}

func TestLaunchMissingBinary(t *testing.T) {
	requireUnix(t)
	w := NewWorker(Spec{Command: "/nonexistent/definitely-not-here"}, nil)
	_, err := w.Launch(context.Background())
	require.Error(t, err)
}

func TestCleanupOrphansSparesKept(t *testing.T) {
	requireUnix(t)
	sig := uniqueSleep()
	w := NewWorker(Spec{Name: "bot", Command: sig, StopGrace: time.Second}, nil)

	tracked, err := w.Launch(context.Background())
	require.NoError(t, err)
	defer func() { _ = w.Terminate(context.Background(), tracked) }()

	parts := strings.Fields(sig)
	stray := exec.Command(parts[0], parts[1:]...)
	require.NoError(t, stray.Start())
	strayDone := make(chan struct{})
	go func() { _ = stray.Wait(); close(strayDone) }()

	killed, err := w.CleanupOrphans(context.Background(), tracked.PID)
	require.NoError(t, err)
	assert.Equal(t, []int{stray.Process.Pid}, killed)

	select {
	case <-strayDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("stray process not terminated")
	}
	assert.True(t, w.Alive(tracked), "tracked worker must survive orphan cleanup")
}

func TestFindMatchingRejectsShortSignature(t *testing.T) {
	_, err := FindMatching(context.Background(), "ab")
	assert.Error(t, err)
}
