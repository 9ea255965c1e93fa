// Package hook defines the lifecycle hook system for Conveyor.
// Hooks are notified of engine events (task started, completed, failed,
// delivery attempted, sweep finished) and can react to them — audit
// trails, metrics, user-facing notifications.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/task"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle (client engine)
// ──────────────────────────────────────────────────

// TaskStarted is called when the scheduler begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskRetrying is called when a task fails with attempt budget remaining.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) error
}

// TaskFailed is called when a task fails terminally (budget exhausted or
// cleared before execution).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, err error) error
}

// ──────────────────────────────────────────────────
// Delivery lifecycle (server engine)
// ──────────────────────────────────────────────────

// DeliveryAttempted is called after each send attempt for a delivery
// record, with the record already updated to reflect the outcome.
type DeliveryAttempted interface {
	OnDeliveryAttempted(ctx context.Context, rec *delivery.Record, attemptErr error) error
}

// SweepCompleted is called at the end of each retry sweep invocation.
type SweepCompleted interface {
	OnSweepCompleted(ctx context.Context, processed, succeeded, failed, exhausted int) error
}
