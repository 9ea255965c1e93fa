// Package scheduler provides the client-side task-execution engine — an
// in-memory priority queue drained by a single loop that executes one
// task at a time and retries failures with exponential backoff.
//
// Serialized execution is the core ordering guarantee: dependent
// mutations against the same downstream resource cannot race. Multiple
// independent Scheduler instances (one per logical resource domain) may
// run concurrently with each other; only within one instance is
// execution serialized.
//
// The pending set and the in-flight guard flag are the only mutable
// shared state; they are owned by the scheduler struct and updated
// atomically relative to the single drain loop. Submitting while the
// loop is idle starts it; submitting while it is busy only appends to
// the pending set — no duplicate loops can run.
package scheduler
