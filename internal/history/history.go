package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of supervisor event.
type EventType string

const (
	EventStart         EventType = "start"
	EventStop          EventType = "stop"
	EventRestart       EventType = "restart"
	EventRestartFailed EventType = "restart_failed"
	EventLaunchFailed  EventType = "launch_failed"
	EventUnhealthy     EventType = "unhealthy"
	EventCooldown      EventType = "cooldown"
)

// Event is one supervisor event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"`
	PID        int       `json:"pid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Restarts   int       `json:"restarts"` // successful restarts inside the current window
}

// NewEvent stamps a new event with a random id.
func NewEvent(typ EventType, worker string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, Worker: worker, OccurredAt: at.UTC()}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds each sink delivery made by a Recorder.
const DefaultSendTimeout = 3 * time.Second

// Recorder fans events out to every sink. Delivery is best effort: failures
// are logged and never returned to the caller.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log, timeout: DefaultSendTimeout}
}

// Len is the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Record delivers e to all sinks concurrently and waits for them.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r.Len() == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, s := range r.sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
			defer cancel()
			if err := s.Send(sctx, e); err != nil {
				r.log.Warn("history sink failed", "event", e.Type, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
