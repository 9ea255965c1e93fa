// Package task defines the in-memory unit of retryable work processed by
// the scheduler: an opaque action with a priority, a resource category,
// and a bounded attempt budget. Tasks live only in memory; they are
// created at submission and discarded once their terminal outcome has
// fired its continuation.
package task
