package delivery

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// ListOpts controls pagination and filtering for record list queries.
type ListOpts struct {
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
	// Status filters by record status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for delivery records. The
// ledger is the shared state of the server engine; implementations rely
// on their backend's transactional guarantees for the conditional
// operations.
type Store interface {
	// CreateDelivery persists a new record.
	CreateDelivery(ctx context.Context, r *Record) error

	// GetDelivery retrieves a record by ID.
	GetDelivery(ctx context.Context, recordID id.DeliveryID) (*Record, error)

	// UpdateDelivery persists changes to an existing record.
	UpdateDelivery(ctx context.Context, r *Record) error

	// ListDueDeliveries returns records eligible for sweep pickup at the
	// given instant: status failed, next_retry_at <= now, and retry
	// budget remaining. Ordered by next_retry_at ascending.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// ClaimDelivery atomically increments the retry counter of a record
	// iff it is still failed with the expected retry count, and returns
	// the claimed record. This is the update-then-check guard that keeps
	// two sweep invocations from double-sending the same record: the
	// loser of the race observes conveyor.ErrClaimLost and skips it.
	ClaimDelivery(ctx context.Context, recordID id.DeliveryID, expectedRetryCount int) (*Record, error)

	// SetDeliveryStatus applies an externally driven status transition
	// (the provider's delivered/bounced webhook). Invalid transitions
	// are rejected with conveyor.ErrInvalidTransition.
	SetDeliveryStatus(ctx context.Context, recordID id.DeliveryID, status Status, providerResponse string) error

	// ListDeliveries returns records matching the given options.
	ListDeliveries(ctx context.Context, opts ListOpts) ([]*Record, error)

	// CountDeliveries returns the number of records with the given
	// status. An empty status counts all records.
	CountDeliveries(ctx context.Context, status Status) (int64, error)
}
