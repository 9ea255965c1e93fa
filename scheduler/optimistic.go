package scheduler

import (
	"fmt"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/task"
)

// Compensation is the pair of state changes around an optimistic
// submission: Apply runs tentatively before the task is queued, and
// Rollback undoes it if the task fails terminally. Both are required —
// the rollback is a reviewable part of every optimistic call site, not
// an afterthought.
type Compensation struct {
	Apply    func()
	Rollback func()
}

// SubmitOptimistic runs the three-phase optimistic mutation protocol:
// apply the tentative state, submit the task, and on any terminal
// failure (retry budget exhausted, cleared, or scheduler stopped) run
// the compensating rollback before the caller's OnFailure continuation.
func SubmitOptimistic(s *Scheduler, category task.Category, c Compensation, action task.Action, opts ...task.Option) (*task.Future[any], error) {
	if c.Apply == nil || c.Rollback == nil {
		return nil, fmt.Errorf("%w: optimistic submission requires both apply and rollback", conveyor.ErrInvalidOptions)
	}

	c.Apply()

	opts = append(opts, func(o *task.Options) {
		userFailure := o.OnFailure
		o.OnFailure = func(err error) {
			c.Rollback()
			if userFailure != nil {
				userFailure(err)
			}
		}
	})

	future, err := s.Submit(category, action, opts...)
	if err != nil {
		// The task never entered the queue; undo the tentative state.
		c.Rollback()
		return nil, err
	}
	return future, nil
}
