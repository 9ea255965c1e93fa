package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/task"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultClient (exponential, 1s base, uncapped).
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(s *Scheduler) { s.hooks = r }
}

// WithNotifier sets the observer for the user-visible terminal failure
// signal. Defaults to a logger-backed notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithSleep substitutes the inter-retry wait. Tests inject a recorder
// here to verify the backoff schedule without wall-clock delays.
func WithSleep(fn func(d time.Duration)) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// Notifier receives the user-visible signal for every terminal task
// failure, after the OnFailure continuation has run.
type Notifier interface {
	NotifyFailure(ctx context.Context, t *task.Task, err error)
}

// NotifierFunc is an adapter to use a plain function as a Notifier.
type NotifierFunc func(ctx context.Context, t *task.Task, err error)

// NotifyFailure implements Notifier.
func (f NotifierFunc) NotifyFailure(ctx context.Context, t *task.Task, err error) {
	f(ctx, t, err)
}

// logNotifier is the default Notifier: a generic structured log entry so
// terminal failures are never silently discarded.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) NotifyFailure(_ context.Context, t *task.Task, err error) {
	n.logger.Error("operation failed after retries",
		slog.String("task_id", t.ID.String()),
		slog.String("category", string(t.Category)),
		slog.Int("attempts", t.Attempt+1),
		slog.String("error", err.Error()),
	)
}
