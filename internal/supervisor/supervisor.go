// Package supervisor keeps one worker process alive. It polls the worker
// through a set of health checks, debounces the results and restarts the
// worker under a sliding-window rate limit with back-off between failed
// attempts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/process"
)

// Restart triggers, used as the metrics label and in logs.
const (
	TriggerLiveness  = "liveness"
	TriggerUnhealthy = "unhealthy"
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

type restartRequest struct {
	reason  string
	trigger string
}

// Supervisor owns the worker's lifecycle. Poll, Restart and the loop are
// serialized by a cycle mutex; Status and Stop may be called from any
// goroutine.
type Supervisor struct {
	cfg        Config
	launcher   Launcher
	checks     []health.Check
	clock      policy.Clock
	log        *slog.Logger
	recorder   *history.Recorder
	sampler    *metrics.ProcessSampler
	statusFile string
	startedAt  time.Time

	// guarded by cycleMu
	cycleMu       sync.Mutex
	handle        *process.Handle
	debouncer     *policy.Debouncer
	ledger        *policy.Ledger
	backoff       *policy.Backoff
	restarts      int
	failures      int
	cycles        int64
	lastVerdict   *policy.Verdict
	lastStatus    policy.Status
	cooldown      bool
	lastErr       error
	lastErrAt     time.Time
	lastRestartAt time.Time
	lastCause     string

	requests chan restartRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	running  atomic.Bool

	statusMu sync.RWMutex
	status   Status
}

// New validates cfg and builds a supervisor. Without WithLauncher the worker
// is run by a process.Worker built from cfg.Worker.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:      cfg,
		clock:    policy.SystemClock{},
		requests: make(chan restartRequest, 1),
		stopCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.launcher == nil {
		s.launcher = process.NewWorker(cfg.Worker, s.log)
	}
	s.log = s.log.With("component", "supervisor", "worker", cfg.Worker.Name)
	s.debouncer = policy.NewDebouncer(cfg.Policy)
	s.ledger = policy.NewLedger(cfg.MaxRestarts, cfg.RestartWindow, s.clock)
	s.backoff = policy.NewBackoff(cfg.BackoffInitial, cfg.BackoffMax)
	s.startedAt = s.clock.Now()
	s.publish()
	return s, nil
}

func (s *Supervisor) Config() Config { return s.cfg }

// Handle returns the tracked worker, nil when none is running.
func (s *Supervisor) Handle() *process.Handle {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.handle
}

// Start launches the worker and waits for the start grace period. It fails
// with *LaunchError when the worker cannot be started or exits early.
func (s *Supervisor) Start(ctx context.Context) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.publish()
	if s.stopped.Load() {
		return ErrStopped
	}
	if old := s.handle; old != nil {
		if s.launcher.Alive(old) {
			return ErrAlreadyRunning
		}
		_ = s.launcher.Terminate(ctx, old)
		s.handle = nil
	}
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	cmd := s.cfg.Worker.Command
	h, err := s.launcher.Launch(ctx)
	if err != nil {
		return s.launchFailed(ctx, &LaunchError{Command: cmd, ExitCode: -1, Err: err})
	}

	t := time.NewTimer(s.cfg.Worker.StartGrace)
	defer t.Stop()
	select {
	case <-h.Done():
		exitErr := h.ExitErr()
		if exitErr == nil {
			exitErr = errors.New("exited during start grace")
		}
		_ = s.launcher.Terminate(ctx, h)
		return s.launchFailed(ctx, &LaunchError{Command: cmd, ExitCode: h.ExitCode(), Err: exitErr})
	case <-ctx.Done():
		_ = s.launcher.Terminate(context.WithoutCancel(ctx), h)
		return s.launchFailed(ctx, &LaunchError{Command: cmd, ExitCode: -1, Err: ctx.Err()})
	case <-t.C:
	}
	if !s.launcher.Alive(h) {
		_ = s.launcher.Terminate(ctx, h)
		return s.launchFailed(ctx, &LaunchError{Command: cmd, ExitCode: h.ExitCode(), Err: errors.New("not running after start grace")})
	}

	s.handle = h
	metrics.IncStart(s.cfg.Worker.Name)
	metrics.SetWorkerUp(s.cfg.Worker.Name, true)
	s.log.Info("worker started", "pid", h.PID, "grace", s.cfg.Worker.StartGrace)
	s.record(ctx, history.EventStart, h.PID, "", nil)
	return nil
}

func (s *Supervisor) launchFailed(ctx context.Context, err *LaunchError) error {
	metrics.IncLaunchFailure(s.cfg.Worker.Name)
	metrics.SetWorkerUp(s.cfg.Worker.Name, false)
	s.log.Error("worker launch failed", "command", err.Command, "exit_code", err.ExitCode, "error", err.Err)
	s.setErr(err)
	s.record(ctx, history.EventLaunchFailed, 0, "", err)
	return err
}

// Poll runs one evaluation cycle and restarts the worker when the verdict is
// unhealthy and the restart limit allows it. The returned error is the
// restart's, if one was attempted and failed, or ctx's when the cycle was
// interrupted.
func (s *Supervisor) Poll(ctx context.Context) (policy.Verdict, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return s.pollLocked(ctx)
}

func (s *Supervisor) pollLocked(ctx context.Context) (policy.Verdict, error) {
	began := time.Now()
	name := s.cfg.Worker.Name
	s.cycles++
	h := s.handle

	checks := make([]health.Check, 0, len(s.checks)+1)
	checks = append(checks, s.livenessCheck(h))
	checks = append(checks, s.checks...)
	signals := health.Gather(ctx, checks, s.cfg.CheckTimeout, s.clock.Now)
	if err := ctx.Err(); err != nil {
		// interrupted: nothing was observed, so nothing is judged
		s.log.Debug("poll interrupted", "error", err)
		return policy.Verdict{Status: s.lastStatus, Incomplete: true, Consecutive: s.debouncer.Consecutive(), At: s.clock.Now()}, err
	}
	for _, sig := range signals {
		metrics.ObserveCheck(name, sig.Name, sig.Healthy, sig.Duration.Seconds())
		if !sig.Healthy {
			s.log.Warn("health check failed", "signal", sig)
		}
	}

	v := s.debouncer.Evaluate(signals, s.clock.Now())
	s.lastVerdict = &v
	metrics.SetConsecutiveUnhealthy(name, v.Consecutive)
	s.sample(ctx, h)

	var err error
	switch v.Status {
	case policy.StatusUnhealthy:
		if s.lastStatus != policy.StatusUnhealthy {
			s.record(ctx, history.EventUnhealthy, pidOf(h), v.Reason, nil)
		}
		err = s.actOnUnhealthy(ctx, v)
	case policy.StatusDegraded:
		s.log.Info("worker degraded", "reason", v.Reason, "consecutive", v.Consecutive)
	default:
		if v.Degraded {
			s.log.Info("soft checks failing below quorum", "reason", v.Reason)
		}
	}
	s.lastStatus = v.Status
	s.refreshCooldown(ctx)
	s.publish()
	metrics.ObservePoll(name, time.Since(began).Seconds())
	return v, err
}

func (s *Supervisor) actOnUnhealthy(ctx context.Context, v policy.Verdict) error {
	if s.stopped.Load() || ctx.Err() != nil {
		return nil
	}
	trigger := TriggerUnhealthy
	if v.HardFailure {
		trigger = TriggerLiveness
	}
	if !s.ledger.Allow() {
		s.refreshCooldown(ctx)
		s.log.Warn("restart suppressed during cooldown", "reason", v.Reason, "until", s.ledger.NextAllowed())
		return nil
	}
	if now := s.clock.Now(); !s.backoff.Ready(now) {
		s.log.Info("restart deferred by backoff", "reason", v.Reason, "until", s.backoff.Until())
		return nil
	}
	return s.restartLocked(ctx, v.Reason, trigger)
}

// Restart terminates the worker, cleans up orphans and starts a new worker.
// It is not subject to the restart limit; RequestRestart is.
func (s *Supervisor) Restart(ctx context.Context, reason string) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.publish()
	if s.stopped.Load() {
		return ErrStopped
	}
	err := s.restartLocked(ctx, reason, TriggerManual)
	s.refreshCooldown(ctx)
	return err
}

func (s *Supervisor) restartLocked(ctx context.Context, reason, trigger string) error {
	name := s.cfg.Worker.Name
	s.log.Warn("restarting worker", "reason", reason, "trigger", trigger, "pid", pidOf(s.handle))

	if old := s.handle; old != nil {
		// the stop grace is honoured even when ctx ends mid-restart
		if err := s.launcher.Terminate(context.WithoutCancel(ctx), old); err != nil {
			return s.restartFailed(ctx, &RestartError{Stage: StageTerminate, Err: err})
		}
		s.handle = nil
		metrics.SetWorkerUp(name, false)
		s.record(ctx, history.EventStop, old.PID, reason, old.ExitErr())
	}

	killed, err := s.launcher.CleanupOrphans(ctx)
	if len(killed) > 0 {
		s.log.Warn("terminated orphan workers", "pids", killed)
		metrics.AddOrphansKilled(name, len(killed))
	}
	if err != nil {
		return s.restartFailed(ctx, &RestartError{Stage: StageOrphans, Err: err})
	}

	if err := s.startLocked(ctx); err != nil {
		return s.restartFailed(ctx, &RestartError{Stage: StageLaunch, Err: err})
	}

	s.ledger.Record()
	s.restarts++
	s.debouncer.Reset()
	s.backoff.Reset()
	s.lastRestartAt = s.clock.Now()
	s.lastCause = reason
	metrics.IncRestart(name, trigger)
	metrics.SetRestartsInWindow(name, s.ledger.Count())
	s.log.Info("worker restarted", "pid", s.handle.PID, "restarts_in_window", s.ledger.Count(), "max", s.ledger.Max())
	s.record(ctx, history.EventRestart, s.handle.PID, reason, nil)
	return nil
}

func (s *Supervisor) restartFailed(ctx context.Context, err *RestartError) error {
	s.failures++
	delay := s.backoff.Failed(s.clock.Now())
	metrics.IncRestartFailure(s.cfg.Worker.Name, err.Stage)
	s.log.Error("worker restart failed", "stage", err.Stage, "error", err.Err, "retry_in", delay)
	s.setErr(err)
	s.record(ctx, history.EventRestartFailed, pidOf(s.handle), err.Stage, err)
	return err
}

// refreshCooldown moves in and out of cooldown as the ledger fills and the
// window rolls over.
func (s *Supervisor) refreshCooldown(ctx context.Context) {
	full := !s.ledger.Allow()
	switch {
	case full && !s.cooldown:
		s.cooldown = true
		until := s.ledger.NextAllowed()
		s.log.Warn("restart limit reached, entering cooldown",
			"max", s.ledger.Max(), "window", s.ledger.Window(), "until", until)
		s.record(ctx, history.EventCooldown, pidOf(s.handle), fmt.Sprintf("%d restarts within %s", s.ledger.Count(), s.ledger.Window()), nil)
	case !full && s.cooldown:
		s.cooldown = false
		s.log.Info("cooldown over, restarts allowed again")
	}
}

// RequestRestart queues a restart for the loop. Queued restarts count
// against the restart limit and are refused during cooldown.
func (s *Supervisor) RequestRestart(reason, trigger string) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	select {
	case s.requests <- restartRequest{reason: reason, trigger: trigger}:
		s.log.Info("restart requested", "reason", reason, "trigger", trigger)
		return nil
	default:
		return ErrRestartPending
	}
}

func (s *Supervisor) handleRequest(ctx context.Context, req restartRequest) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.publish()
	if s.stopped.Load() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.ledger.Allow() {
		s.refreshCooldown(ctx)
		return fmt.Errorf("%s restart refused: %w", req.trigger, ErrCooldown)
	}
	err := s.restartLocked(ctx, req.reason, req.trigger)
	s.refreshCooldown(ctx)
	return err
}

// RunForever starts the worker if needed and polls it every interval until
// Stop is called or ctx is done. Cancelling ctx is the same as calling Stop.
// Errors and panics of a single cycle are logged and never end the loop. The
// worker is terminated gracefully on return.
func (s *Supervisor) RunForever(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor loop already running")
	}
	defer s.running.Store(false)
	defer func() { _ = s.Shutdown(context.WithoutCancel(ctx)) }()
	stopOnCancel := context.AfterFunc(ctx, s.Stop)
	defer stopOnCancel()

	s.log.Info("supervisor loop started", "interval", interval)
	s.cycle("start", func() error {
		if s.Handle() != nil {
			return nil
		}
		return s.Start(ctx)
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case req := <-s.requests:
			s.cycle(req.trigger+" restart", func() error { return s.handleRequest(ctx, req) })
		case <-ticker.C:
			s.cycle("poll", func() error {
				_, err := s.Poll(ctx)
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		}
	}
}

func (s *Supervisor) cycle(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor cycle panicked", "cycle", name, "panic", r, "stack", string(debug.Stack()))
			s.cycleMu.Lock()
			s.setErr(fmt.Errorf("%s panicked: %v", name, r))
			s.publish()
			s.cycleMu.Unlock()
		}
	}()
	if err := fn(); err != nil {
		s.log.Error("supervisor cycle failed", "cycle", name, "error", err)
	}
}

// Stop asks the loop to exit. It only sets a flag and closes a channel, so it
// is safe to call from a signal handling goroutine, and more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
}

func (s *Supervisor) Stopped() bool { return s.stopped.Load() }

// Done is closed by Stop.
func (s *Supervisor) Done() <-chan struct{} { return s.stopCh }

// Shutdown stops the supervisor and terminates the worker gracefully.
// RunForever calls it on exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Stop()
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	defer s.publish()
	h := s.handle
	if h == nil {
		return nil
	}
	err := s.launcher.Terminate(ctx, h)
	s.handle = nil
	metrics.SetWorkerUp(s.cfg.Worker.Name, false)
	s.log.Info("worker stopped", "pid", h.PID, "uptime", h.Uptime().Round(time.Second))
	s.record(ctx, history.EventStop, h.PID, "supervisor stopped", err)
	return err
}

// Status returns the latest snapshot.
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	st.PendingRestart = len(s.requests) > 0
	if s.stopped.Load() {
		st.State = StateStopped
	}
	return st
}

func (s *Supervisor) livenessCheck(h *process.Handle) health.Check {
	desc := "no worker"
	if h != nil {
		desc = fmt.Sprintf("pid:%d", h.PID)
	}
	return health.Process{Detector: health.DetectorFunc{
		Fn:   func() bool { return h != nil && s.launcher.Alive(h) },
		Desc: desc,
	}}
}

func (s *Supervisor) sample(ctx context.Context, h *process.Handle) {
	if s.sampler == nil {
		return
	}
	pid := 0
	if h != nil && !h.Exited() {
		pid = h.PID
	}
	if _, err := s.sampler.Sample(ctx, pid); err != nil {
		s.log.Debug("resource sample failed", "pid", pid, "error", err)
	}
}

func (s *Supervisor) setErr(err error) {
	s.lastErr = err
	s.lastErrAt = s.clock.Now()
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, pid int, reason string, err error) {
	if s.recorder.Len() == 0 {
		return
	}
	e := history.NewEvent(typ, s.cfg.Worker.Name, s.clock.Now())
	e.PID = pid
	e.Reason = reason
	if err != nil {
		e.Error = err.Error()
	}
	e.Restarts = s.ledger.Count()
	s.recorder.Record(ctx, e)
}

// publish rebuilds the status snapshot. Callers hold cycleMu.
func (s *Supervisor) publish() {
	now := s.clock.Now()
	name := s.cfg.Worker.Name
	st := Status{
		State:                StateStarting,
		Worker:               name,
		Command:              s.cfg.Worker.Command,
		StartedAt:            s.startedAt,
		Uptime:               now.Sub(s.startedAt).Seconds(),
		UpdatedAt:            now,
		Restarts:             s.restarts,
		RestartFailures:      s.failures,
		RestartsInWindow:     s.ledger.Count(),
		MaxRestarts:          s.ledger.Max(),
		RestartWindow:        s.ledger.Window().String(),
		RecentRestarts:       s.ledger.Recent(),
		LastRestartAt:        s.lastRestartAt,
		LastRestartCause:     s.lastCause,
		Cooldown:             s.cooldown,
		Cycles:               s.cycles,
		ConsecutiveUnhealthy: s.debouncer.Consecutive(),
	}
	if h := s.handle; h != nil {
		st.PID = h.PID
		st.WorkerStartedAt = h.StartedAt
		st.WorkerUptime = h.Uptime().Seconds()
	}
	if s.cooldown {
		st.CooldownUntil = s.ledger.NextAllowed()
	}
	if s.backoff.Failures() > 0 {
		st.BackoffUntil = s.backoff.Until()
	}
	if v := s.lastVerdict; v != nil {
		vc := *v
		st.LastVerdict = &vc
		st.Signals = signalStatuses(v.Signals)
		st.State = string(v.Status)
	}
	if s.cooldown {
		st.State = StateCooldown
	}
	if s.stopped.Load() {
		st.State = StateStopped
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.LastErrorAt = s.lastErrAt
	}

	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()

	metrics.SetHealthStatus(name, st.State)
	metrics.SetRestartsInWindow(name, st.RestartsInWindow)
	if s.statusFile != "" {
		if err := WriteStatusFile(s.statusFile, st); err != nil {
			s.log.Warn("write status file", "path", s.statusFile, "error", err)
		}
	}
}

func pidOf(h *process.Handle) int {
	if h == nil {
		return 0
	}
	return h.PID
}
