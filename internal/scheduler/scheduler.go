// Package scheduler fires periodic jobs without overlap.
//
// A firing that arrives while the job's handler is still running is skipped.
// If anything was skipped, exactly one catch-up invocation follows as soon as
// the handler returns, however many firings were missed.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/metrics"
)

// Handler is the work a job performs on every firing.
type Handler func(ctx context.Context) error

// Job describes one periodic job.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart fires the job once as soon as the scheduler starts.
	RunOnStart bool
	Handler    Handler
}

// Stats are the counters of one job.
type Stats struct {
	Runs     int64     `json:"runs"`
	Skipped  int64     `json:"skipped"`
	CatchUps int64     `json:"catch_ups"`
	Errors   int64     `json:"errors"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	Interval string    `json:"interval"`
}

type job struct {
	Job

	mu       sync.Mutex
	busy     bool
	missed   bool
	stats    Stats
	interval time.Duration
	reset    chan time.Duration
}

// Scheduler owns a set of independent periodic jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	running bool

	loopCtx    context.Context
	stopLoops  context.CancelFunc
	handlerCtx context.Context
	abort      context.CancelFunc
	loops      sync.WaitGroup
	inflight   sync.WaitGroup

	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records firings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New returns an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*job),
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs added after Start begin ticking immediately.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Handler == nil {
		return fmt.Errorf("job %s: handler is required", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("job %s already registered", j.Name)
	}
	jb := &job{Job: j, interval: j.Interval, reset: make(chan time.Duration, 1)}
	jb.stats.Interval = j.Interval.String()
	s.jobs[j.Name] = jb
	if s.running {
		s.startLoop(jb)
	}
	return nil
}

// Start begins ticking every job. Handlers run detached from ctx cancellation;
// cancel ctx or call Stop to end the loops, and use Stop to wait for handlers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.loopCtx, s.stopLoops = context.WithCancel(ctx)
	s.handlerCtx, s.abort = context.WithCancel(context.WithoutCancel(ctx))

	for _, name := range s.namesLocked() {
		s.startLoop(s.jobs[name])
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop ends all loops and waits for in-flight handlers. If ctx expires first,
// handlers are canceled and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopLoops()
	abort := s.abort
	s.mu.Unlock()

	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		abort()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		abort()
		s.logger.Warn("scheduler stop timed out, canceled in-flight handlers", "error", ctx.Err())
		return ctx.Err()
	}
}

// SetInterval changes a job's cadence. The next firing is one new interval from now.
func (s *Scheduler) SetInterval(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	jb, ok := s.job(name)
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	jb.mu.Lock()
	if jb.interval == d {
		jb.mu.Unlock()
		return nil
	}
	jb.interval = d
	jb.stats.Interval = d.String()
	jb.mu.Unlock()

	// Keep only the latest pending reset.
	select {
	case <-jb.reset:
	default:
	}
	jb.reset <- d
	s.logger.Info("job interval changed", "job", name, "interval", d.String())
	return nil
}

// Trigger fires a job now, following the same overlap rules as a tick.
func (s *Scheduler) Trigger(name string) error {
	jb, ok := s.job(name)
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return fmt.Errorf("scheduler is not running")
	}
	s.fire(jb)
	return nil
}

// Stats returns the counters of a job.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	jb, ok := s.job(name)
	if !ok {
		return Stats{}, false
	}
	jb.mu.Lock()
	defer jb.mu.Unlock()
	st := jb.stats
	st.Running = jb.busy
	return st, true
}

// Jobs returns registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namesLocked()
}

func (s *Scheduler) namesLocked() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) job(name string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jb, ok := s.jobs[name]
	return jb, ok
}

// startLoop must be called with s.mu held.
func (s *Scheduler) startLoop(jb *job) {
	ctx := s.loopCtx
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		if jb.RunOnStart {
			s.fire(jb)
		}

		jb.mu.Lock()
		interval := jb.interval
		jb.mu.Unlock()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case d := <-jb.reset:
				ticker.Reset(d)
			case <-ticker.C:
				s.fire(jb)
			}
		}
	}()
}

// fire starts the handler unless it is already running, in which case the
// firing is recorded as skipped and a catch-up is owed.
func (s *Scheduler) fire(jb *job) {
	jb.mu.Lock()
	if jb.busy {
		jb.missed = true
		jb.stats.Skipped++
		jb.mu.Unlock()
		s.metrics.RecordJobFiring(jb.Name, "skipped")
		s.logger.Debug("job still running, skipping firing", "job", jb.Name)
		return
	}
	jb.busy = true
	jb.mu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		jb.mu.Lock()
		jb.busy = false
		jb.mu.Unlock()
		return
	}
	ctx := s.handlerCtx
	stopping := s.loopCtx
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		catchUp := false
		for {
			s.invoke(ctx, jb, catchUp)

			// No catch-up once Stop has been called.
			jb.mu.Lock()
			if !jb.missed || ctx.Err() != nil || stopping.Err() != nil {
				jb.missed = false
				jb.busy = false
				jb.mu.Unlock()
				return
			}
			jb.missed = false
			jb.stats.CatchUps++
			jb.mu.Unlock()
			catchUp = true
		}
	}()
}

func (s *Scheduler) invoke(ctx context.Context, jb *job, catchUp bool) {
	outcome := "run"
	if catchUp {
		outcome = "catch_up"
	}
	start := s.now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panic: %v", r)
			}
		}()
		return jb.Handler(ctx)
	}()

	jb.mu.Lock()
	jb.stats.Runs++
	jb.stats.LastRun = start
	if err != nil {
		jb.stats.Errors++
		jb.stats.LastErr = err.Error()
	} else {
		jb.stats.LastErr = ""
	}
	jb.mu.Unlock()

	s.metrics.RecordJobFiring(jb.Name, outcome)
	if err != nil {
		s.metrics.RecordJobFiring(jb.Name, "error")
		s.logger.Error("job failed", "job", jb.Name, "error", err, "duration", s.now().Sub(start).String())
		return
	}
	s.logger.Debug("job finished", "job", jb.Name, "catch_up", catchUp, "duration", s.now().Sub(start).String())
}
