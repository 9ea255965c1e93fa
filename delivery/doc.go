// Package delivery defines the durable, database-resident analogue of a
// task's outcome for an outbound email send. A Record is created at the
// moment of the first send attempt, survives process restarts, and is
// mutated in place by the retry sweep until it reaches a terminal status.
package delivery
