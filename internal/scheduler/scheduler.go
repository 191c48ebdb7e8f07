// Package scheduler runs the periodic sweeps of the service on cron specs:
// the stuck-task reaper, the outbox purge and the expiring-verification scan.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"accredit/pkg/requestcontext"
)

// JobFunc is one sweep. The ctx carries the fire time as the request clock.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	run  JobFunc
}

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]job
	ctx  context.Context
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		now:    time.Now,
		jobs:   make(map[string]job),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Add registers fn under name. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	if spec == "" {
		s.logger.Info("scheduled job disabled", "job", name)
		return nil
	}
	if fn == nil {
		return errors.New("job function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := job{name: name, spec: spec, run: fn}
	if _, err := s.cron.AddFunc(spec, func() { s.fire(j) }); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = j
	return nil
}

// Trigger runs the named job immediately on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.execute(ctx, j)
}

// Run starts the cron loop and blocks until ctx is cancelled and every
// running job has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) fire(j job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if err := s.execute(ctx, j); err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed", "job", j.name, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, j job) error {
	start := s.now()
	err := j.run(requestcontext.WithTime(ctx, start))
	s.logger.DebugContext(ctx, "scheduled job finished",
		"job", j.name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return err
}

// Period returns the gap between two consecutive firings of spec. Sweeps use
// it as their look-back window so consecutive runs neither overlap nor leave
// gaps.
func Period(spec string, from time.Time) (time.Duration, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	first := sched.Next(from)
	return sched.Next(first).Sub(first), nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
