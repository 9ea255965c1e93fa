package task

// Options configures per-task behavior such as priority, attempt budget,
// and terminal continuations.
type Options struct {
	// Priority determines pick ordering. Higher tiers run first.
	Priority Priority

	// MaxAttempts is the total execution budget, including the first
	// attempt. Once Attempt reaches it the task is terminally failed.
	MaxAttempts int

	// OnSuccess is invoked exactly once with the action's result after
	// a terminal success. Optional.
	OnSuccess func(result any)

	// OnFailure is invoked exactly once with the terminal error after
	// the attempt budget is exhausted (or the task is cleared). Optional.
	OnFailure func(err error)
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Priority:    PriorityNormal,
		MaxAttempts: 2,
	}
}

// Option is a functional option for configuring a task submission.
type Option func(*Options)

// WithPriority sets the task priority tier.
func WithPriority(p Priority) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithMaxAttempts sets the total execution budget, including the first
// attempt.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithOnSuccess sets the terminal success continuation.
func WithOnSuccess(fn func(result any)) Option {
	return func(o *Options) {
		o.OnSuccess = fn
	}
}

// WithOnFailure sets the terminal failure continuation.
func WithOnFailure(fn func(err error)) Option {
	return func(o *Options) {
		o.OnFailure = fn
	}
}
