// Package health implements the independent signals a supervisor polls to
// decide whether its worker is healthy.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultTimeout bounds a check that does not declare its own timeout.
const DefaultTimeout = 5 * time.Second

// Kind classifies the source of a signal.
type Kind string

const (
	KindProcess   Kind = "process"
	KindHeartbeat Kind = "heartbeat"
	KindHTTP      Kind = "http"
	KindLogScan   Kind = "logscan"
	KindCommand   Kind = "command"
)

// Check is one pluggable health strategy. Probe returns a short detail
// message and a nil error when healthy; a non-nil error means unhealthy.
// Implementations must be safe for concurrent use and should honour ctx.
type Check interface {
	Name() string
	Kind() Kind
	Probe(ctx context.Context) (string, error)
}

// Timeouter is implemented by checks with their own timeout.
type Timeouter interface {
	Timeout() time.Duration
}

// Signal is the outcome of one check in one cycle.
type Signal struct {
	Kind       Kind          `json:"kind"`
	Name       string        `json:"name"`
	Healthy    bool          `json:"healthy"`
	ObservedAt time.Time     `json:"observed_at"`
	Message    string        `json:"message,omitempty"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"duration"`
	// Canceled marks a probe cut short by the caller's context. It carries
	// no observation of the worker.
	Canceled bool `json:"canceled,omitempty"`
}

// Hard reports whether the signal alone is enough to condemn the worker.
func (s Signal) Hard() bool { return s.Kind == KindProcess }

// ErrString is the signal's error text, or "".
func (s Signal) ErrString() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// LogValue renders the signal compactly in structured logs.
func (s Signal) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.String("kind", string(s.Kind)),
		slog.Bool("healthy", s.Healthy),
	}
	if s.Message != "" {
		attrs = append(attrs, slog.String("msg", s.Message))
	}
	if s.Err != nil {
		attrs = append(attrs, slog.String("error", s.Err.Error()))
	}
	if s.Canceled {
		attrs = append(attrs, slog.Bool("canceled", true))
	}
	return slog.GroupValue(attrs...)
}

// TimeoutError is carried by the signal of a check that overran its timeout.
type TimeoutError struct {
	Check   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("health check %q timed out after %s", e.Check, e.Timeout)
}

// PanicError is carried by the signal of a check that panicked.
type PanicError struct {
	Check string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("health check %q panicked: %v", e.Check, e.Value)
}

func timeoutOf(c Check, def time.Duration) time.Duration {
	if t, ok := c.(Timeouter); ok && t.Timeout() > 0 {
		return t.Timeout()
	}
	if def <= 0 {
		return DefaultTimeout
	}
	return def
}

// Run executes a single check under its timeout. A panic or overrun yields an
// unhealthy signal instead of propagating. When ctx itself ends first the
// signal is marked Canceled.
func Run(ctx context.Context, c Check, def time.Duration, now func() time.Time) Signal {
	if now == nil {
		now = time.Now
	}
	timeout := timeoutOf(c, def)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		msg string
		err error
	}
	// buffered so an abandoned probe can still finish and exit
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: &PanicError{Check: c.Name(), Value: r, Stack: debug.Stack()}}
			}
		}()
		msg, err := c.Probe(cctx)
		ch <- result{msg: msg, err: err}
	}()

	sig := Signal{Kind: c.Kind(), Name: c.Name()}
	select {
	case r := <-ch:
		sig.Message = r.msg
		sig.Err = r.err
		switch {
		case r.err == nil:
		case ctx.Err() != nil:
			sig.Err = ctx.Err()
			sig.Canceled = true
		case cctx.Err() == context.DeadlineExceeded:
			// a probe that returns late with ctx's error still timed out
			sig.Err = &TimeoutError{Check: c.Name(), Timeout: timeout}
		}
	case <-cctx.Done():
		if ctx.Err() != nil {
			sig.Err = ctx.Err()
			sig.Canceled = true
		} else {
			sig.Err = &TimeoutError{Check: c.Name(), Timeout: timeout}
		}
	}
	sig.Healthy = sig.Err == nil
	sig.Duration = time.Since(start)
	sig.ObservedAt = now()
	return sig
}

// Gather runs every check concurrently and returns their signals in the
// order of checks. It returns once each check has finished or timed out.
func Gather(ctx context.Context, checks []Check, def time.Duration, now func() time.Time) []Signal {
	out := make([]Signal, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			out[i] = Run(ctx, c, def, now)
		}(i, c)
	}
	wg.Wait()
	return out
}
