package policy

import (
	"sync"
	"time"
)

const (
	DefaultMaxRestarts   = 5
	DefaultRestartWindow = time.Hour
)

// Ledger is a sliding-window record of successful restarts. Entries older
// than the window are pruned before every check.
type Ledger struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	clock   Clock
	entries []time.Time
}

func NewLedger(max int, window time.Duration, clock Clock) *Ledger {
	if max <= 0 {
		max = DefaultMaxRestarts
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{max: max, window: window, clock: clock}
}

func (l *Ledger) Max() int              { return l.max }
func (l *Ledger) Window() time.Duration { return l.window }

// prune drops entries at or beyond the window. Callers hold mu.
func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.entries) && !l.entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}

// Allow reports whether another restart fits in the window.
func (l *Ledger) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.entries) < l.max
}

// Record notes a successful restart at the current time.
func (l *Ledger) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.prune(now)
	l.entries = append(l.entries, now)
}

// Count returns the number of restarts inside the window.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.entries)
}

// Recent returns a copy of the restarts inside the window, oldest first.
func (l *Ledger) Recent() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return append([]time.Time(nil), l.entries...)
}

// NextAllowed returns when the window will admit another restart, or the
// zero time if it already does.
func (l *Ledger) NextAllowed() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	if len(l.entries) < l.max {
		return time.Time{}
	}
	return l.entries[len(l.entries)-l.max].Add(l.window)
}
