package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/task"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type deliveryAttemptedEntry struct {
	name string
	hook DeliveryAttempted
}

type sweepCompletedEntry struct {
	name string
	hook SweepCompleted
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle event.
	taskStarted       []taskStartedEntry
	taskCompleted     []taskCompletedEntry
	taskRetrying      []taskRetryingEntry
	taskFailed        []taskFailedEntry
	deliveryAttempted []deliveryAttemptedEntry
	sweepCompleted    []sweepCompletedEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if th, ok := h.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, th})
	}
	if th, ok := h.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, th})
	}
	if th, ok := h.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, th})
	}
	if th, ok := h.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, th})
	}
	if dh, ok := h.(DeliveryAttempted); ok {
		r.deliveryAttempted = append(r.deliveryAttempted, deliveryAttemptedEntry{name, dh})
	}
	if sh, ok := h.(SweepCompleted); ok {
		r.sweepCompleted = append(r.sweepCompleted, sweepCompletedEntry{name, sh})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// EmitTaskStarted notifies all hooks that implement TaskStarted.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskStarted {
		if err := e.hook.OnTaskStarted(ctx, t); err != nil {
			r.logHookError("OnTaskStarted", e.name, err)
		}
	}
}

// EmitTaskCompleted notifies all hooks that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all hooks that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t, attempt, delay); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all hooks that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, taskErr error) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, taskErr); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitDeliveryAttempted notifies all hooks that implement DeliveryAttempted.
func (r *Registry) EmitDeliveryAttempted(ctx context.Context, rec *delivery.Record, attemptErr error) {
	for _, e := range r.deliveryAttempted {
		if err := e.hook.OnDeliveryAttempted(ctx, rec, attemptErr); err != nil {
			r.logHookError("OnDeliveryAttempted", e.name, err)
		}
	}
}

// EmitSweepCompleted notifies all hooks that implement SweepCompleted.
func (r *Registry) EmitSweepCompleted(ctx context.Context, processed, succeeded, failed, exhausted int) {
	for _, e := range r.sweepCompleted {
		if err := e.hook.OnSweepCompleted(ctx, processed, succeeded, failed, exhausted); err != nil {
			r.logHookError("OnSweepCompleted", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate to the
// engine: a broken observer must not break execution.
func (r *Registry) logHookError(event, name string, err error) {
	r.logger.Warn("hook error",
		slog.String("event", event),
		slog.String("hook", name),
		slog.String("error", err.Error()),
	)
}
