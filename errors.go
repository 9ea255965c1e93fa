package conveyor

import "errors"

var (
	// Store errors.
	ErrStoreClosed     = errors.New("conveyor: store closed")
	ErrMigrationFailed = errors.New("conveyor: migration failed")

	// Not found errors.
	ErrDeliveryNotFound = errors.New("conveyor: delivery record not found")

	// Conflict errors.
	ErrDeliveryExists = errors.New("conveyor: delivery record already exists")
	ErrClaimLost      = errors.New("conveyor: delivery record claimed concurrently")

	// State errors.
	ErrInvalidTransition = errors.New("conveyor: invalid status transition")

	// Scheduler errors.
	ErrSchedulerStopped = errors.New("conveyor: scheduler stopped")
	ErrTaskCleared      = errors.New("conveyor: task cleared before execution")
	ErrNilAction        = errors.New("conveyor: task action must not be nil")
	ErrInvalidOptions   = errors.New("conveyor: invalid task options")
)
