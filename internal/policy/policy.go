// Package policy turns per-cycle health signals into restart decisions:
// quorum and confirmation debouncing, a sliding-window restart ledger and
// back-off between failed attempts.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/botwarden/internal/health"
)

const (
	DefaultSoftQuorum    = 1
	DefaultConfirmCycles = 3
)

// Status is the outcome of one cycle.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Verdict aggregates one cycle's signals.
type Verdict struct {
	Status       Status          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Degraded     bool            `json:"degraded,omitempty"` // soft checks failing, no restart due yet
	Incomplete   bool            `json:"incomplete,omitempty"`
	HardFailure  bool            `json:"hard_failure"`
	SoftFailures int             `json:"soft_failures"`
	Consecutive  int             `json:"consecutive"`
	Failing      []string        `json:"failing,omitempty"`
	Signals      []health.Signal `json:"-"`
	At           time.Time       `json:"at"`
}

// Unhealthy reports whether the verdict calls for a restart.
func (v Verdict) Unhealthy() bool { return v.Status == StatusUnhealthy }

// Config holds the debounce thresholds.
type Config struct {
	SoftQuorum    int // unhealthy soft signals needed for a cycle to count
	ConfirmCycles int // consecutive counting cycles before a restart
}

func (c Config) withDefaults() Config {
	if c.SoftQuorum <= 0 {
		c.SoftQuorum = DefaultSoftQuorum
	}
	if c.ConfirmCycles <= 0 {
		c.ConfirmCycles = DefaultConfirmCycles
	}
	return c
}

// Debouncer applies the quorum and confirmation rules across cycles.
// A dead process is condemned immediately; soft failures must reach the
// quorum for ConfirmCycles consecutive cycles. Not safe for concurrent use.
type Debouncer struct {
	cfg         Config
	consecutive int
}

func NewDebouncer(cfg Config) *Debouncer { return &Debouncer{cfg: cfg.withDefaults()} }

func (d *Debouncer) Config() Config { return d.cfg }

// Consecutive is the current run of soft-failure cycles.
func (d *Debouncer) Consecutive() int { return d.consecutive }

// Reset clears the run, typically after a successful restart.
func (d *Debouncer) Reset() { d.consecutive = 0 }

// Evaluate folds one cycle's signals into a verdict. Soft failures below the
// quorum leave the verdict healthy with Degraded set. A cycle with canceled
// signals is Incomplete: it never condemns the worker and leaves the run of
// failing cycles as it was.
func (d *Debouncer) Evaluate(signals []health.Signal, at time.Time) Verdict {
	v := Verdict{Signals: signals, At: at}
	for _, s := range signals {
		if s.Canceled {
			v.Incomplete = true
			continue
		}
		if s.Healthy {
			continue
		}
		v.Failing = append(v.Failing, s.Name)
		if s.Hard() {
			v.HardFailure = true
		} else {
			v.SoftFailures++
		}
	}

	if v.Incomplete {
		v.Status = StatusHealthy
		if len(v.Failing) > 0 {
			v.Status = StatusDegraded
			v.Degraded = true
			v.Reason = fmt.Sprintf("%s failing in an interrupted cycle", strings.Join(v.Failing, ", "))
		}
		v.Consecutive = d.consecutive
		return v
	}

	switch {
	case v.HardFailure:
		v.Status = StatusUnhealthy
		v.Reason = "process not running"
	case v.SoftFailures >= d.cfg.SoftQuorum:
		d.consecutive++
		if d.consecutive >= d.cfg.ConfirmCycles {
			v.Status = StatusUnhealthy
			v.Reason = fmt.Sprintf("%s failing for %d consecutive cycles", strings.Join(v.Failing, ", "), d.consecutive)
		} else {
			v.Status = StatusDegraded
			v.Degraded = true
			v.Reason = fmt.Sprintf("%s failing (%d/%d)", strings.Join(v.Failing, ", "), d.consecutive, d.cfg.ConfirmCycles)
		}
	default:
		d.consecutive = 0
		v.Status = StatusHealthy
		if v.SoftFailures > 0 {
			v.Degraded = true
			v.Reason = fmt.Sprintf("%s failing below quorum %d", strings.Join(v.Failing, ", "), d.cfg.SoftQuorum)
		}
	}
	v.Consecutive = d.consecutive
	return v
}
