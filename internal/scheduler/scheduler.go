// Package scheduler runs background jobs on cron schedules. Time comes
// from an injected clock so job timing can be tested without waiting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/metrics"
)

var (
	ErrUnknownJob   = errors.New("scheduler: unknown job")
	ErrDuplicateJob = errors.New("scheduler: job already registered")
)

// JobFunc does one run of a job and reports how many items it handled.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       JobFunc
	next     time.Time
}

// Scheduler runs registered jobs one at a time on a single loop.
type Scheduler struct {
	clock   clock.Clock
	logger  *slog.Logger
	mu      sync.Mutex
	jobs    []*job
	runMu   sync.Mutex // serializes job runs, including RunNow
	stop    chan struct{}
	running atomic.Bool
}

// New creates a scheduler.
func New(c clock.Clock, logger *slog.Logger) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		clock:  c,
		logger: logger,
		stop:   make(chan struct{}, 1),
	}
}

// Add registers a job under a standard five-field cron spec or a
// descriptor such as @hourly or @every 10m.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return ErrDuplicateJob
		}
	}
	s.jobs = append(s.jobs, &job{name: name, spec: spec, schedule: sched, fn: fn})
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	now := s.clock.Now()
	s.mu.Lock()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
		s.logger.Info("job scheduled", "job", j.name, "spec", j.spec, "next", j.next)
	}
	s.mu.Unlock()

	for {
		wake, ok := s.earliest()
		var timer <-chan time.Time
		if ok {
			timer = s.clock.After(wake.Sub(s.clock.Now()))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer:
			s.runDue(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	j := s.find(name)
	if j == nil {
		return 0, ErrUnknownJob
	}
	return s.run(ctx, j)
}

// Next returns when a job will run next. It is zero until Start.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) find(name string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j
		}
	}
	return nil
}

func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at time.Time
	for _, j := range s.jobs {
		if j.next.IsZero() {
			continue
		}
		if at.IsZero() || j.next.Before(at) {
			at = j.next
		}
	}
	return at, !at.IsZero()
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.IsZero() && !j.next.After(now) {
			due = append(due, j)
			j.next = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.run(ctx, j)
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) (n int, err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled job", "job", j.name, "panic", fmt.Sprint(r))
			metrics.SchedulerRunsTotal.WithLabelValues(j.name, "panic").Inc()
			n, err = 0, fmt.Errorf("scheduler: job %s panicked: %v", j.name, r)
		}
	}()

	n, err = j.fn(ctx)
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", j.name, "error", err)
		metrics.SchedulerRunsTotal.WithLabelValues(j.name, "error").Inc()
		return n, err
	}
	metrics.SchedulerRunsTotal.WithLabelValues(j.name, "ok").Inc()
	if n > 0 {
		s.logger.Info("scheduled job finished", "job", j.name, "count", n, "took", s.clock.Now().Sub(start))
	}
	return n, nil
}
