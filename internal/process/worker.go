package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"
)

// reapWait bounds how long Terminate waits after SIGKILL.
const reapWait = 2 * time.Second

// Worker launches and terminates the process described by a Spec.
type Worker struct {
	spec Spec
	log  *slog.Logger
}

func NewWorker(spec Spec, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	spec = spec.withDefaults()
	return &Worker{spec: spec, log: log.With("worker", spec.Name)}
}

func (w *Worker) Spec() Spec { return w.spec }

// Launch starts the worker in its own process group and returns without
// waiting for the start grace period.
func (w *Worker) Launch(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := w.spec.BuildCommand()
	if w.spec.WorkDir != "" {
		cmd.Dir = w.spec.WorkDir
	}
	if len(w.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), w.spec.Env...)
	}
	setProcessGroup(cmd)

	outW, errW, err := w.spec.Output.Writers(w.spec.Name)
	if err != nil {
		return nil, err
	}
	// nil streams go to the null device
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return nil, fmt.Errorf("start %q: %w", w.spec.Command, err)
	}
	h := &Handle{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Command:   w.spec.Command,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	h.attach(outW)
	h.attach(errW)
	go h.monitor()

	if w.spec.PIDFile != "" {
		if err := WritePIDFile(w.spec.PIDFile, h.PID, w.spec.Command); err != nil {
			w.log.Warn("write pid file", "path", w.spec.PIDFile, "error", err)
		}
	}
	w.log.Debug("worker launched", "pid", h.PID, "command", w.spec.Command)
	return h, nil
}

// Alive reports whether the handle's process still runs. Zombies are dead.
func (w *Worker) Alive(h *Handle) bool {
	if h == nil || h.Exited() {
		return false
	}
	return pidAlive(h.PID)
}

// Terminate sends SIGTERM to the worker's process group, escalates to SIGKILL
// after the stop grace and waits for the process to be reaped.
func (w *Worker) Terminate(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	defer w.removePIDFile()
	if h.Exited() {
		// the leader is gone but children may linger in its group
		_ = killGroup(h.PID)
		return nil
	}
	if err := terminateGroup(h.PID); err != nil {
		w.log.Warn("sigterm failed", "pid", h.PID, "error", err)
	}
	t := time.NewTimer(w.spec.StopGrace)
	defer t.Stop()
	select {
	case <-h.Done():
		_ = killGroup(h.PID)
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	w.log.Warn("worker ignored sigterm, killing", "pid", h.PID, "grace", w.spec.StopGrace)
	if err := killGroup(h.PID); err != nil {
		return fmt.Errorf("kill pid %d: %w", h.PID, err)
	}
	select {
	case <-h.Done():
		return nil
	case <-time.After(reapWait):
		return fmt.Errorf("pid %d still running after SIGKILL", h.PID)
	}
}

// CleanupOrphans terminates stray processes matching the worker signature,
// sparing the pids in keep. It returns the pids it signalled.
func (w *Worker) CleanupOrphans(ctx context.Context, keep ...int) ([]int, error) {
	var killed []int
	if pid := w.recordedPID(keep); pid > 0 {
		w.log.Warn("worker from pid file still running", "pid", pid, "pid_file", w.spec.PIDFile)
		_ = terminateGroup(pid)
		if !waitGone(ctx, pid, w.spec.StopGrace) {
			_ = killGroup(pid)
		}
		killed = append(killed, pid)
		keep = append(keep, pid)
	}
	sig := w.spec.OrphanSignature()
	if sig == "" {
		return killed, nil
	}
	pids, err := KillMatching(ctx, sig, w.spec.StopGrace, keep...)
	return append(killed, pids...), err
}

// recordedPID returns the pid stored in the pid file when that process is
// still the one that wrote it and is not in keep.
func (w *Worker) recordedPID(keep []int) int {
	if w.spec.PIDFile == "" {
		return 0
	}
	alive, err := PIDFileDetector{PIDFile: w.spec.PIDFile}.Alive()
	if err != nil || !alive {
		return 0
	}
	pid, _, err := ReadPIDFile(w.spec.PIDFile)
	if err != nil || pid == os.Getpid() || slices.Contains(keep, pid) {
		return 0
	}
	return pid
}

func waitGone(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-time.After(orphanPoll):
		}
	}
	return !pidAlive(pid)
}

func (w *Worker) removePIDFile() {
	if w.spec.PIDFile != "" {
		_ = os.Remove(w.spec.PIDFile)
	}
}

func closeAll(cs ...io.WriteCloser) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
