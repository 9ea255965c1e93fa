package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/task"
)

// Scheduler holds the pending task set and drains it through a single
// execution loop. Create one with New; a zero Scheduler is not usable.
type Scheduler struct {
	backoff  backoff.Strategy
	hooks    *hook.Registry
	notifier Notifier
	logger   *slog.Logger

	// sleep waits between a failed attempt and the next pick. It is a
	// field so tests can substitute a recorder; the default waits on a
	// timer but returns early on Stop.
	sleep func(d time.Duration)

	mu      sync.Mutex
	pending []*task.Task
	// seq numbers fresh submissions; frontSeq numbers retries so they
	// sort ahead of everything already in their tier.
	seq      int64
	frontSeq int64
	// running is the in-flight guard flag: true while a drain loop owns
	// the pending set.
	running bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler ready to accept submissions.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		backoff:  backoff.DefaultClient(),
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		frontSeq: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hooks == nil {
		s.hooks = hook.NewRegistry(s.logger)
	}
	if s.notifier == nil {
		s.notifier = logNotifier{logger: s.logger}
	}
	if s.sleep == nil {
		s.sleep = s.interruptibleSleep
	}
	return s
}

// Submit enqueues an action for serialized execution and returns a
// future for its terminal outcome. Validation failures are returned
// synchronously and the task never enters the queue. The queue is
// unbounded by design; expected volume is low.
func (s *Scheduler) Submit(category task.Category, action task.Action, opts ...task.Option) (*task.Future[any], error) {
	if action == nil {
		return nil, conveyor.ErrNilAction
	}

	o := task.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts %d, must be >= 1", conveyor.ErrInvalidOptions, o.MaxAttempts)
	}
	if o.Priority < task.PriorityLow || o.Priority > task.PriorityCritical {
		return nil, fmt.Errorf("%w: unknown priority %d", conveyor.ErrInvalidOptions, o.Priority)
	}

	future, resolve := task.NewFuture[any]()
	userSuccess, userFailure := o.OnSuccess, o.OnFailure

	t := &task.Task{
		ID:          id.NewTaskID(),
		Category:    category,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		Action:      action,
		SubmittedAt: time.Now().UTC(),
	}
	t.OnSuccess = func(result any) {
		resolve(result, nil)
		if userSuccess != nil {
			userSuccess(result)
		}
	}
	t.OnFailure = func(err error) {
		resolve(nil, err)
		if userFailure != nil {
			userFailure(err)
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, conveyor.ErrSchedulerStopped
	}
	s.seq++
	t.Seq = s.seq
	s.pending = append(s.pending, t)

	// Start the drain loop if it is idle. The guard flag keeps a second
	// loop from ever starting.
	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.drain()
	}
	s.mu.Unlock()

	return future, nil
}

// Run submits a typed action and returns a typed future. The scheduler
// itself stays payload-agnostic; the closure carries the result type.
func Run[T any](s *Scheduler, category task.Category, fn func(ctx context.Context) (T, error), opts ...task.Option) (*task.Future[T], error) {
	future, resolve := task.NewFuture[T]()

	action := func(ctx context.Context) (any, error) {
		return fn(ctx)
	}

	// Wrap whatever continuations the caller set so the typed future
	// resolves alongside them.
	opts = append(opts, func(o *task.Options) {
		userSuccess, userFailure := o.OnSuccess, o.OnFailure
		o.OnSuccess = func(result any) {
			v, _ := result.(T)
			resolve(v, nil)
			if userSuccess != nil {
				userSuccess(result)
			}
		}
		o.OnFailure = func(err error) {
			var zero T
			resolve(zero, err)
			if userFailure != nil {
				userFailure(err)
			}
		}
	})

	if _, err := s.Submit(category, action, opts...); err != nil {
		return nil, err
	}
	return future, nil
}

// Clear removes pending tasks, optionally filtered to the given
// categories (no arguments clears everything). A task already executing
// finishes normally. Cleared tasks fail their futures with
// conveyor.ErrTaskCleared. Returns the number of tasks removed.
func (s *Scheduler) Clear(categories ...task.Category) int {
	match := func(t *task.Task) bool {
		if len(categories) == 0 {
			return true
		}
		for _, c := range categories {
			if t.Category == c {
				return true
			}
		}
		return false
	}

	s.mu.Lock()
	var kept, removed []*task.Task
	for _, t := range s.pending {
		if match(t) {
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	s.pending = kept
	s.mu.Unlock()

	// Continuations run outside the lock: they are arbitrary user code.
	for _, t := range removed {
		t.OnFailure(conveyor.ErrTaskCleared)
		s.logger.Debug("task cleared",
			slog.String("task_id", t.ID.String()),
			slog.String("category", string(t.Category)),
		)
	}
	return len(removed)
}

// Pending returns the number of tasks waiting to execute.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop rejects further submissions, waits for the in-flight task to
// finish (bounded by the context deadline), and fails all remaining
// pending tasks with conveyor.ErrSchedulerStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out with a task still running")
	}

	s.mu.Lock()
	remaining := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range remaining {
		t.OnFailure(conveyor.ErrSchedulerStopped)
	}
	if len(remaining) > 0 {
		s.logger.Info("scheduler stopped with pending tasks discarded",
			slog.Int("discarded", len(remaining)),
		)
	}
	return nil
}

// drain is the single execution loop. It owns the pending set for the
// duration of each pick and exits — clearing the guard flag — when the
// set is empty or the scheduler stops.
func (s *Scheduler) drain() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			s.finishLoop()
			return
		default:
		}

		t, ok := s.next()
		if !ok {
			return
		}
		s.execute(t)
	}
}

// next pops the highest-priority, earliest-arrived pending task. When
// the set is empty it clears the guard flag and reports false, ending
// the loop.
func (s *Scheduler) next() (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || len(s.pending) == 0 {
		s.running = false
		return nil, false
	}

	// Stable sort: priority descending, arrival order within a tier.
	// Retried tasks carry negative seq so they lead their tier.
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].Priority != s.pending[j].Priority {
			return s.pending[i].Priority > s.pending[j].Priority
		}
		return s.pending[i].Seq < s.pending[j].Seq
	})

	t := s.pending[0]
	s.pending = s.pending[1:]
	return t, true
}

// reinsertFront returns a retrying task to the front of its priority
// tier, ahead of same-tier work that arrived earlier or arrives later.
func (s *Scheduler) reinsertFront(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontSeq--
	t.Seq = s.frontSeq
	s.pending = append(s.pending, t)
}

// finishLoop clears the guard flag on an early exit path.
func (s *Scheduler) finishLoop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// interruptibleSleep waits the backoff delay but returns early on Stop.
func (s *Scheduler) interruptibleSleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.stopCh:
	}
}
