package client

import "time"

// Status mirrors the supervisor's status snapshot.
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

	Cycles               int64          `json:"cycles"`
	ConsecutiveUnhealthy int            `json:"consecutive_unhealthy"`
	LastVerdict          *Verdict       `json:"last_verdict,omitempty"`
	Signals              []SignalStatus `json:"signals,omitempty"`

	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Verdict is the outcome of the last health evaluation.
type Verdict struct {
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	Incomplete   bool      `json:"incomplete,omitempty"`
	HardFailure  bool      `json:"hard_failure"`
	SoftFailures int       `json:"soft_failures"`
	Consecutive  int       `json:"consecutive"`
	Failing      []string  `json:"failing,omitempty"`
	At           time.Time `json:"at"`
}

// SignalStatus is one check result.
type SignalStatus struct {
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Healthy    bool          `json:"healthy"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	ObservedAt time.Time     `json:"observed_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
