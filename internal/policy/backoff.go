package policy

import "time"

const (
	DefaultBackoffInitial = 10 * time.Second
	DefaultBackoffMax     = 5 * time.Minute
)

// Backoff spaces out restart attempts after failures. The delay doubles
// with every consecutive failure up to Max. Not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	failures int
	until    time.Time
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Failed registers a failed attempt at now and returns the delay before the
// next one.
func (b *Backoff) Failed(now time.Time) time.Duration {
	d := b.Initial
	for i := 0; i < b.failures && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.failures++
	b.until = now.Add(d)
	return d
}

// Ready reports whether an attempt may be made at now.
func (b *Backoff) Ready(now time.Time) bool { return !now.Before(b.until) }

// Until is the earliest time of the next attempt; zero when not backing off.
func (b *Backoff) Until() time.Time { return b.until }

func (b *Backoff) Failures() int { return b.failures }

func (b *Backoff) Reset() {
	b.failures = 0
	b.until = time.Time{}
}
