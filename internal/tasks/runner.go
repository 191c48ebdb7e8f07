package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/requestcontext"
)

// Handler runs one task. Returning a RetryError schedules the task again
// after its delay, a PermanentError or an invariant violation kills it, and
// any other error is retried with Backoff.
type Handler func(ctx context.Context, t Task) error

type Runner struct {
	store       Store
	logger      *slog.Logger
	metrics     *Metrics
	workers     int
	poll        time.Duration
	lease       time.Duration
	budget      time.Duration
	maxAttempts int
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithLease sets how long a claimed task is owned before the reaper hands it
// to another worker.
func WithLease(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.lease = d
		}
	}
}

// WithHandlerBudget bounds a single handler invocation.
func WithHandlerBudget(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.budget = d
		}
	}
}

// WithMaxAttempts caps generic retries. Handlers that track their own retry
// budget return PermanentError before this is reached.
func WithMaxAttempts(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(store Store, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	r := &Runner{
		store:       store,
		logger:      slog.Default(),
		workers:     4,
		poll:        time.Second,
		lease:       2 * time.Minute,
		budget:      30 * time.Second,
		maxAttempts: 25,
		now:         time.Now,
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register binds name to h. Registering a name twice replaces the handler.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Enqueue schedules name for key at runAt.
func (r *Runner) Enqueue(ctx context.Context, name, key string, payload any, runAt time.Time) (Task, error) {
	t, err := New(name, key, payload, runAt, r.now())
	if err != nil {
		return Task{}, err
	}
	stored, err := r.store.Enqueue(ctx, t)
	if err != nil {
		return Task{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	r.metrics.IncEnqueued(name)
	return stored, nil
}

// Run polls with the configured number of workers until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(r.poll)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					for {
						n, err := r.RunOnce(ctx, 1)
						if err != nil && ctx.Err() == nil {
							r.logger.WarnContext(ctx, "task poll failed", "error", err)
						}
						if n == 0 || ctx.Err() != nil {
							break
						}
					}
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce claims up to limit due tasks and runs them in order. It returns
// the number of tasks run.
func (r *Runner) RunOnce(ctx context.Context, limit int) (int, error) {
	claimed, err := r.store.ClaimDue(ctx, r.now(), limit, r.lease)
	if err != nil {
		return 0, fmt.Errorf("claim due tasks: %w", err)
	}
	for _, t := range claimed {
		r.process(ctx, t)
	}
	return len(claimed), nil
}

// Drain runs due tasks until none are left. Tasks rescheduled into the
// future are not waited for.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx, r.workers)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Reap returns tasks with an expired lease to the queue.
func (r *Runner) Reap(ctx context.Context) (int, error) {
	n, err := r.store.ReleaseExpired(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("release expired tasks: %w", err)
	}
	if n > 0 {
		r.logger.WarnContext(ctx, "released tasks with expired lease", "count", n)
	}
	return n, nil
}

func (r *Runner) process(ctx context.Context, t Task) {
	start := r.now()
	h, ok := r.handler(t.Name)
	if !ok {
		r.logger.ErrorContext(ctx, "no handler registered for task",
			"task_id", t.ID.String(),
			"task_name", t.Name,
		)
		r.finish(ctx, t, r.store.Dead(ctx, t.ID, "no handler registered", r.now()), "dead", start)
		return
	}

	hctx, cancel := context.WithTimeout(requestcontext.WithTime(ctx, start), r.budget)
	err := h(hctx, t)
	cancel()

	now := r.now()
	if err == nil {
		r.finish(ctx, t, r.store.Complete(ctx, t.ID, now), "done", start)
		return
	}

	var retry *RetryError
	var permanent *PermanentError
	switch {
	case errors.As(err, &permanent), dErrors.HasCode(err, dErrors.CodeInvariantViolation):
		r.logger.ErrorContext(ctx, "task failed permanently",
			"task_id", t.ID.String(),
			"task_name", t.Name,
			"key", t.Key,
			"error", err,
		)
		r.finish(ctx, t, r.store.Dead(ctx, t.ID, err.Error(), now), "dead", start)
	case t.Attempt+1 >= r.maxAttempts:
		r.logger.ErrorContext(ctx, "task exhausted its attempts",
			"task_id", t.ID.String(),
			"task_name", t.Name,
			"attempt", t.Attempt,
			"error", err,
		)
		r.finish(ctx, t, r.store.Dead(ctx, t.ID, err.Error(), now), "dead", start)
	default:
		delay := Backoff(t.Attempt)
		if errors.As(err, &retry) {
			delay = retry.Delay
		}
		r.logger.WarnContext(ctx, "task will be retried",
			"task_id", t.ID.String(),
			"task_name", t.Name,
			"attempt", t.Attempt,
			"delay", delay,
			"error", err,
		)
		r.finish(ctx, t, r.store.Retry(ctx, t.ID, now.Add(delay), err.Error(), now), "retry", start)
	}
}

func (r *Runner) finish(ctx context.Context, t Task, storeErr error, outcome string, start time.Time) {
	r.metrics.ObserveRun(t.Name, outcome, r.now().Sub(start))
	if storeErr != nil {
		r.logger.ErrorContext(ctx, "failed to record task outcome",
			"task_id", t.ID.String(),
			"task_name", t.Name,
			"outcome", outcome,
			"error", storeErr,
		)
	}
}
