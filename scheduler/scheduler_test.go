package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/scheduler"
	"github.com/conveyorhq/conveyor/task"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestScheduler returns a scheduler with no real backoff sleeps.
func newTestScheduler(t *testing.T, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	opts = append([]scheduler.Option{
		scheduler.WithLogger(quietLogger()),
		scheduler.WithSleep(func(time.Duration) {}),
	}, opts...)
	s := scheduler.New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// orderRecorder collects execution order across the loop goroutine.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) add(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *orderRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// noop returns an action that records its name and succeeds.
func noop(rec *orderRecorder, name string) task.Action {
	return func(context.Context) (any, error) {
		rec.add(name)
		return name, nil
	}
}

func TestSubmit_ValidationFailures(t *testing.T) {
	s := newTestScheduler(t)

	if _, err := s.Submit(task.CategoryTeam, nil); !errors.Is(err, conveyor.ErrNilAction) {
		t.Errorf("nil action error = %v, want ErrNilAction", err)
	}

	ok := func(context.Context) (any, error) { return nil, nil }

	if _, err := s.Submit(task.CategoryTeam, ok, task.WithMaxAttempts(0)); !errors.Is(err, conveyor.ErrInvalidOptions) {
		t.Errorf("zero max attempts error = %v, want ErrInvalidOptions", err)
	}
	if _, err := s.Submit(task.CategoryTeam, ok, task.WithPriority(task.Priority(99))); !errors.Is(err, conveyor.ErrInvalidOptions) {
		t.Errorf("bogus priority error = %v, want ErrInvalidOptions", err)
	}
}

func TestSubmit_ResolvesFuture(t *testing.T) {
	s := newTestScheduler(t)

	f, err := s.Submit(task.CategoryContent, func(context.Context) (any, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got != 7 {
		t.Errorf("result = %v, want 7", got)
	}
}

// Higher priority executes first regardless of submission order, when
// both are pending simultaneously.
func TestPriorityPreemptsEarlierArrival(t *testing.T) {
	s := newTestScheduler(t)
	rec := &orderRecorder{}

	// Block the loop so the later submissions pile up as pending.
	release := make(chan struct{})
	blocker, err := s.Submit(task.CategoryAdmin, func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	fNormal, _ := s.Submit(task.CategoryContent, noop(rec, "normal"))
	fHigh, _ := s.Submit(task.CategoryContent, noop(rec, "high"), task.WithPriority(task.PriorityHigh))
	fCritical, _ := s.Submit(task.CategoryContent, noop(rec, "critical"), task.WithPriority(task.PriorityCritical))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range []*task.Future[any]{blocker, fNormal, fHigh, fCritical} {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("task did not finish: %v", err)
		}
	}

	want := []string{"critical", "high", "normal"}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

// Within one priority tier, order is FIFO.
func TestFIFOWithinTier(t *testing.T) {
	s := newTestScheduler(t)
	rec := &orderRecorder{}

	release := make(chan struct{})
	_, err := s.Submit(task.CategoryAdmin, func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	var futures []*task.Future[any]
	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		f, _ := s.Submit(task.CategoryContent, noop(rec, name), task.WithPriority(task.PriorityHigh))
		futures = append(futures, f)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("task did not finish: %v", err)
		}
	}

	got := rec.get()
	for i, name := range names {
		if got[i] != name {
			t.Fatalf("execution order = %v, want %v", got, names)
		}
	}
}

// Backoff delays follow 2^n seconds for the client engine.
func TestBackoffScheduleBetweenRetries(t *testing.T) {
	var mu sync.Mutex
	var delays []time.Duration

	s := scheduler.New(
		scheduler.WithLogger(quietLogger()),
		scheduler.WithSleep(func(d time.Duration) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		}),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	f, err := s.Submit(task.CategoryTeam, func(context.Context) (any, error) {
		return nil, errors.New("always fails")
	}, task.WithMaxAttempts(4))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err == nil {
		t.Fatal("expected terminal failure")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("recorded delays %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
		if i > 0 && delays[i] < delays[i-1] {
			t.Errorf("delay[%d] = %v decreased below %v", i, delays[i], delays[i-1])
		}
	}
}

// A retried task goes to the front of its tier, ahead of same-tier work
// submitted earlier and later.
func TestRetryReinsertsAtFrontOfTier(t *testing.T) {
	s := newTestScheduler(t)
	rec := &orderRecorder{}

	release := make(chan struct{})
	_, err := s.Submit(task.CategoryAdmin, func(context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}

	failures := 0
	var failMu sync.Mutex
	flaky, _ := s.Submit(task.CategoryContent, func(context.Context) (any, error) {
		failMu.Lock()
		defer failMu.Unlock()
		rec.add("flaky")
		if failures == 0 {
			failures++
			return nil, errors.New("first attempt fails")
		}
		return nil, nil
	}, task.WithMaxAttempts(2))
	other, _ := s.Submit(task.CategoryContent, noop(rec, "other"))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := flaky.Wait(ctx); err != nil {
		t.Fatalf("flaky task failed terminally: %v", err)
	}
	if _, err := other.Wait(ctx); err != nil {
		t.Fatalf("other task failed: %v", err)
	}

	// flaky runs, fails, retries ahead of "other", then other runs.
	want := []string{"flaky", "flaky", "other"}
	got := rec.get()
	if len(got) != len(want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
}

// Clear removes only pending tasks of the given category; an executing
// task still completes.
func TestClearByCategory(t *testing.T) {
	s := newTestScheduler(t)
	rec := &orderRecorder{}

	started := make(chan struct{})
	release := make(chan struct{})
	executing, err := s.Submit(task.CategoryTeam, func(context.Context) (any, error) {
		close(started)
		<-release
		rec.add("executing")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	content, _ := s.Submit(task.CategoryContent, noop(rec, "content"))
	team, _ := s.Submit(task.CategoryTeam, noop(rec, "team-pending"))

	if removed := s.Clear(task.CategoryTeam); removed != 1 {
		t.Errorf("Clear removed %d tasks, want 1", removed)
	}

	// The cleared pending task fails with ErrTaskCleared.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := team.Wait(ctx); !errors.Is(err, conveyor.ErrTaskCleared) {
		t.Errorf("cleared task error = %v, want ErrTaskCleared", err)
	}

	close(release)

	// The in-flight team task and the content task both complete.
	if _, err := executing.Wait(ctx); err != nil {
		t.Errorf("executing task failed: %v", err)
	}
	if _, err := content.Wait(ctx); err != nil {
		t.Errorf("content task failed: %v", err)
	}

	got := rec.get()
	for _, name := range got {
		if name == "team-pending" {
			t.Error("cleared task still executed")
		}
	}
}

func TestClearAll(t *testing.T) {
	s := newTestScheduler(t)

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Submit(task.CategoryAdmin, func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	a, _ := s.Submit(task.CategoryAuth, func(context.Context) (any, error) { return nil, nil })
	b, _ := s.Submit(task.CategoryContent, func(context.Context) (any, error) { return nil, nil })

	if removed := s.Clear(); removed != 2 {
		t.Errorf("Clear() removed %d, want 2", removed)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range []*task.Future[any]{a, b} {
		if _, err := f.Wait(ctx); !errors.Is(err, conveyor.ErrTaskCleared) {
			t.Errorf("cleared task error = %v, want ErrTaskCleared", err)
		}
	}
}

func TestRunTypedFuture(t *testing.T) {
	s := newTestScheduler(t)

	f, err := scheduler.Run(s, task.CategoryContent, func(context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("result = %q, want %q", got, "hello")
	}
}

func TestStopRejectsSubmissionsAndFailsPending(t *testing.T) {
	s := scheduler.New(
		scheduler.WithLogger(quietLogger()),
		scheduler.WithSleep(func(time.Duration) {}),
	)

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Submit(task.CategoryAdmin, func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	pending, _ := s.Submit(task.CategoryContent, func(context.Context) (any, error) { return nil, nil })

	stopDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		close(stopDone)
	}()

	// Stop waits for the running task; release it.
	close(release)
	<-stopDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, conveyor.ErrSchedulerStopped) {
		t.Errorf("pending task error = %v, want ErrSchedulerStopped", err)
	}

	if _, err := s.Submit(task.CategoryContent, func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, conveyor.ErrSchedulerStopped) {
		t.Errorf("post-stop Submit error = %v, want ErrSchedulerStopped", err)
	}
}
