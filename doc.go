// Package conveyor provides a reliable task-execution engine: a priority
// queue that accepts side-effecting operations, executes them one at a
// time, and retries failures with exponential backoff up to a bounded
// attempt budget.
//
// The engine ships in two deployments that share one design:
//
//   - The client engine (package scheduler) keeps tasks in memory and
//     serializes execution through a single loop, so dependent mutations
//     against shared downstream state cannot race.
//   - The server engine (packages delivery and sweep) persists a durable
//     Delivery Record per outbound send and re-attempts eligible records
//     from a periodic, stateless sweep, surviving process restarts.
//
// Both deployments share the backoff package, so the retry curve cannot
// drift between them — only the base delay and cap are tuned per side.
//
// # Quick Start
//
//	s := scheduler.New()
//	defer s.Stop(ctx)
//
//	f, err := scheduler.Run(s, task.CategoryTeam, func(ctx context.Context) (int64, error) {
//	    return repo.UpdateCreditLimit(ctx, orgID, limit)
//	}, task.WithPriority(task.PriorityHigh))
//	if err != nil {
//	    return err
//	}
//
//	updated, err := f.Wait(ctx)
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package conveyor
