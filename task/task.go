package task

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// Priority is the ordinal execution rank of a task. Higher values are
// picked before lower ones; within one tier order is FIFO.
type Priority int

// Priority tiers, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category groups tasks by the resource domain they mutate. Categories
// are used only for bulk cancellation (Scheduler.Clear), never for
// ordering.
type Category string

// The fixed category set.
const (
	CategoryAuth    Category = "auth"
	CategoryContent Category = "content"
	CategoryTeam    Category = "team"
	CategoryAdmin   Category = "admin"
)

// Action is the opaque side-effecting callback a task carries. It returns
// the task's result on success or an error to trigger the retry policy.
type Action func(ctx context.Context) (any, error)

// Task is one unit of retryable work. A task is removed from the pending
// set the instant it is picked for execution; if it must retry, a copy
// with the incremented attempt counter is re-inserted — the scheduler
// never mutates a pending task in place.
type Task struct {
	ID       id.TaskID
	Category Category
	Priority Priority

	// Attempt starts at 0 and strictly increases by 1 per execution.
	Attempt     int
	MaxAttempts int

	Action    Action
	OnSuccess func(result any)
	OnFailure func(err error)

	SubmittedAt time.Time

	// Seq preserves FIFO order within a priority tier. Assigned by the
	// scheduler: positive and ascending at submission, negative and
	// descending for retries so a retried task sorts to the front of
	// its tier.
	Seq int64
}

// Retry returns a copy of the task with the attempt counter incremented.
func (t *Task) Retry() *Task {
	next := *t
	next.Attempt++
	return &next
}

// AttemptsLeft reports whether the task may execute again after a failure.
func (t *Task) AttemptsLeft() bool {
	return t.Attempt+1 < t.MaxAttempts
}
