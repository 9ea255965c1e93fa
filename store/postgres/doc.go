// Package postgres implements delivery.Store on PostgreSQL using pgx/v5.
//
// The claim guard is a single conditional UPDATE: the retry counter is
// incremented only when the row still carries the status and counter the
// sweeper observed at selection time, so concurrent sweepers can share a
// database without double-sending. The due-records query is served by a
// partial index over failed rows with a retry schedule.
//
// Schema migrations are embedded in the binary and applied by Migrate,
// tracked in the conveyor_migrations table.
package postgres
