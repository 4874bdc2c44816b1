package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/policy"
)

// Supervisor states reported in Status.State. The verdict statuses
// (healthy, degraded, unhealthy) are used as-is.
const (
	StateStarting = "starting"
	StateCooldown = "cooldown"
	StateStopped  = "stopped"
)

// SignalStatus is the exported form of one health signal.
type SignalStatus struct {
	Name       string        `json:"name"`
	Kind       health.Kind   `json:"kind"`
	Healthy    bool          `json:"healthy"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	ObservedAt time.Time     `json:"observed_at"`
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State     string    `json:"state"`
	Worker    string    `json:"worker"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	Uptime    float64   `json:"uptime_seconds"`
	UpdatedAt time.Time `json:"updated_at"`

	PID             int       `json:"pid,omitempty"`
	WorkerStartedAt time.Time `json:"worker_started_at,omitempty"`
	WorkerUptime    float64   `json:"worker_uptime_seconds,omitempty"`

	Restarts         int         `json:"restarts"`
	RestartFailures  int         `json:"restart_failures"`
	RestartsInWindow int         `json:"restarts_in_window"`
	MaxRestarts      int         `json:"max_restarts"`
	RestartWindow    string      `json:"restart_window"`
	RecentRestarts   []time.Time `json:"recent_restarts,omitempty"`
	LastRestartAt    time.Time   `json:"last_restart_at,omitempty"`
	LastRestartCause string      `json:"last_restart_reason,omitempty"`

	Cooldown       bool      `json:"cooldown"`
	CooldownUntil  time.Time `json:"cooldown_until,omitempty"`
	BackoffUntil   time.Time `json:"backoff_until,omitempty"`
	PendingRestart bool      `json:"pending_restart"`

	Cycles               int64           `json:"cycles"`
	ConsecutiveUnhealthy int             `json:"consecutive_unhealthy"`
	LastVerdict          *policy.Verdict `json:"last_verdict,omitempty"`
	Signals              []SignalStatus  `json:"signals,omitempty"`

	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

func signalStatuses(sigs []health.Signal) []SignalStatus {
	out := make([]SignalStatus, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, SignalStatus{
			Name:       s.Name,
			Kind:       s.Kind,
			Healthy:    s.Healthy,
			Message:    s.Message,
			Error:      s.ErrString(),
			Duration:   s.Duration,
			ObservedAt: s.ObservedAt,
		})
	}
	return out
}

// WriteStatusFile writes st as indented JSON, replacing path atomically.
func WriteStatusFile(path string, st Status) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatusFile loads a snapshot written by WriteStatusFile.
func ReadStatusFile(path string) (Status, error) {
	var st Status
	b, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("parse status file: %w", err)
	}
	return st, nil
}
