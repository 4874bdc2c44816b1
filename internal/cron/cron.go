// Package cron runs supervisor jobs on cron schedules, such as a nightly
// worker restart.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts five or six fields (seconds optional) and descriptors such
// as "@daily" or "@every 6h".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a named function fired on Schedule. A tick that arrives while the
// previous run is still going is skipped.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Validate checks the job fields and parses the schedule.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no function", j.Name)
	}
	return ValidateSchedule(j.Schedule)
}

// ValidateSchedule reports whether expr is a schedule the Scheduler accepts.
func ValidateSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("cron schedule is required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// slogAdapter lets robfig/cron log through slog.
type slogAdapter struct{ log *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.log.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.log.Error(msg, append(keysAndValues, "error", err)...)
}

// Scheduler owns a robfig cron instance.
type Scheduler struct {
	mu      sync.Mutex
	c       *cron.Cron
	log     *slog.Logger
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler in loc (time.Local when nil).
func NewScheduler(log *slog.Logger, loc *time.Location) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	log = log.With("component", "cron")
	adapter := slogAdapter{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		log:     log,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("cron job %s already registered", job.Name)
	}
	id, err := s.c.AddFunc(job.Schedule, func() {
		s.log.Info("cron job fired", "job", job.Name)
		if err := job.Run(s.ctx); err != nil {
			s.log.Warn("cron job failed", "job", job.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id
	return nil
}

// Next returns the next activation of the named job, zero when unknown or
// when the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.c.Entry(id).Next
}

// Start begins firing jobs. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
}

// Stop prevents new runs and waits for running ones up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	s.cancel()
	if !started {
		return nil
	}
	select {
	case <-s.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
