// Package heartbeat reads and writes the JSON heartbeat file a supervised
// worker refreshes to prove it is making progress.
//
// The file holds one object:
//
//	{"timestamp": 1718000000.25, "status": "running", "pid": 4242, "uptime": 61.5}
//
// timestamp is Unix epoch seconds. Workers in any language can produce it;
// Go workers can use Beater.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Well-known statuses.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusError    = "error"
	StatusStopped  = "stopped"
)

// ErrNoTimestamp is returned by Read for records without a usable timestamp.
var ErrNoTimestamp = errors.New("heartbeat: missing timestamp")

type Record struct {
	Timestamp float64          `json:"timestamp"`
	Status    string           `json:"status"`
	PID       int              `json:"pid,omitempty"`
	Uptime    float64          `json:"uptime,omitempty"`
	Counters  map[string]int64 `json:"counters,omitempty"`
}

// Time converts Timestamp to a time.Time.
func (r Record) Time() time.Time {
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Age is how old the record is at now. Records from the future have age 0.
func (r Record) Age(now time.Time) time.Duration {
	age := now.Sub(r.Time())
	if age < 0 {
		return 0
	}
	return age
}

// Stamp returns epoch seconds for t in the file's representation.
func Stamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Write replaces the heartbeat file atomically so readers never observe a
// partially written record.
func Write(path string, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func Read(path string) (Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("heartbeat: parse %s: %w", path, err)
	}
	if r.Timestamp <= 0 {
		return Record{}, ErrNoTimestamp
	}
	return r, nil
}

// Beater refreshes a heartbeat file on an interval until its context ends,
// then writes a final "stopped" record.
type Beater struct {
	Path     string
	Interval time.Duration

	mu       sync.Mutex
	status   string
	started  time.Time
	counters map[string]int64
}

func NewBeater(path string, interval time.Duration) *Beater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Beater{Path: path, Interval: interval, status: StatusStarting, counters: map[string]int64{}}
}

// SetStatus changes the status reported from the next beat on.
func (b *Beater) SetStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// Inc bumps a named counter carried in the record.
func (b *Beater) Inc(name string) {
	b.mu.Lock()
	b.counters[name]++
	b.mu.Unlock()
}

// Beat writes one record now.
func (b *Beater) Beat() error {
	now := time.Now()
	b.mu.Lock()
	if b.started.IsZero() {
		b.started = now
	}
	r := Record{
		Timestamp: Stamp(now),
		Status:    b.status,
		PID:       os.Getpid(),
		Uptime:    now.Sub(b.started).Seconds(),
	}
	if len(b.counters) > 0 {
		r.Counters = make(map[string]int64, len(b.counters))
		for k, v := range b.counters {
			r.Counters[k] = v
		}
	}
	b.mu.Unlock()
	return Write(b.Path, r)
}

// Run beats immediately and then every Interval. Write errors are returned
// only if the very first beat fails.
func (b *Beater) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.status == StatusStarting {
		b.status = StatusRunning
	}
	b.mu.Unlock()
	if err := b.Beat(); err != nil {
		return err
	}
	t := time.NewTicker(b.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.SetStatus(StatusStopped)
			_ = b.Beat()
			return nil
		case <-t.C:
			_ = b.Beat()
		}
	}
}
