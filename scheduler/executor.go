package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/conveyorhq/conveyor/task"
)

// execute runs one task to its per-pick outcome: terminal success,
// terminal failure, or re-insertion for retry. The loop does not pick
// the next task until this returns, which is the at-most-one-executing
// guarantee. There is no per-task timeout; a hung action stalls the
// loop — an acknowledged limitation of this engine.
func (s *Scheduler) execute(t *task.Task) {
	ctx := context.Background()

	s.hooks.EmitTaskStarted(ctx, t)

	start := time.Now()
	result, err := s.runAction(ctx, t)
	elapsed := time.Since(start)

	if err == nil {
		s.hooks.EmitTaskCompleted(ctx, t, elapsed)
		s.logger.Debug("task completed",
			slog.String("task_id", t.ID.String()),
			slog.String("category", string(t.Category)),
			slog.Int("attempt", t.Attempt),
			slog.Duration("elapsed", elapsed),
		)
		t.OnSuccess(result)
		return
	}

	if t.AttemptsLeft() {
		retry := t.Retry()
		delay := s.backoff.Delay(retry.Attempt)

		s.hooks.EmitTaskRetrying(ctx, retry, retry.Attempt, delay)
		s.logger.Info("task scheduled for retry",
			slog.String("task_id", retry.ID.String()),
			slog.String("category", string(retry.Category)),
			slog.Int("attempt", retry.Attempt),
			slog.Int("max_attempts", retry.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		s.reinsertFront(retry)
		s.sleep(delay)
		return
	}

	// Retry budget exhausted: the failure crosses the boundary to
	// business logic and is never silently dropped.
	s.hooks.EmitTaskFailed(ctx, t, err)
	s.logger.Warn("task failed after exhausting attempts",
		slog.String("task_id", t.ID.String()),
		slog.String("category", string(t.Category)),
		slog.Int("attempts", t.Attempt+1),
		slog.String("error", err.Error()),
	)
	t.OnFailure(err)
	s.notifier.NotifyFailure(ctx, t, err)
}

// runAction invokes the task's action, converting panics into errors so
// a misbehaving callback cannot kill the loop.
func (s *Scheduler) runAction(ctx context.Context, t *task.Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.logger.Error("task action panicked",
				slog.String("task_id", t.ID.String()),
				slog.String("category", string(t.Category)),
				slog.Any("panic", r),
				slog.String("stack", stack),
			)
			err = fmt.Errorf("panic in task %s: %v", t.ID.String(), r)
		}
	}()
	return t.Action(ctx)
}
