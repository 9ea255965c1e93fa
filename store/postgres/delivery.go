package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/id"
)

const deliveryColumns = `
	id, invitation_id, recipient, status, retry_count, max_retries,
	next_retry_at, provider_response, last_error, created_at, updated_at`

// CreateDelivery persists a new record.
func (s *Store) CreateDelivery(ctx context.Context, r *delivery.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_deliveries (
			id, invitation_id, recipient, status, retry_count, max_retries,
			next_retry_at, provider_response, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID.String(), r.InvitationID, r.Recipient, string(r.Status),
		r.RetryCount, r.MaxRetries, r.NextRetryAt,
		r.ProviderResponse, r.LastError, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrDeliveryExists
		}
		return fmt.Errorf("conveyor/postgres: create delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a record by ID.
func (s *Store) GetDelivery(ctx context.Context, recordID id.DeliveryID) (*delivery.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM conveyor_deliveries WHERE id = $1`,
		recordID.String(),
	)

	r, err := scanDelivery(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get delivery: %w", err)
	}
	return r, nil
}

// UpdateDelivery persists changes to an existing record.
func (s *Store) UpdateDelivery(ctx context.Context, r *delivery.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_deliveries SET
			invitation_id = $2, recipient = $3, status = $4,
			retry_count = $5, max_retries = $6, next_retry_at = $7,
			provider_response = $8, last_error = $9, updated_at = $10
		WHERE id = $1`,
		r.ID.String(), r.InvitationID, r.Recipient, string(r.Status),
		r.RetryCount, r.MaxRetries, r.NextRetryAt,
		r.ProviderResponse, r.LastError, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrDeliveryNotFound
	}
	return nil
}

// ListDueDeliveries returns records eligible for sweep pickup, oldest
// schedule first. The partial index on (status, next_retry_at) serves
// this query directly.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*delivery.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM conveyor_deliveries
		WHERE status = 'failed'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		  AND retry_count < max_retries
		ORDER BY next_retry_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list due deliveries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// ClaimDelivery atomically increments the retry counter iff the record
// is still failed with the expected retry count. The conditional UPDATE
// is the whole guard; a concurrent claimer's UPDATE matches zero rows.
func (s *Store) ClaimDelivery(ctx context.Context, recordID id.DeliveryID, expectedRetryCount int) (*delivery.Record, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_deliveries
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count = $2
		RETURNING `+deliveryColumns,
		recordID.String(), expectedRetryCount,
	)

	r, err := scanDelivery(row)
	if err == nil {
		return r, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/postgres: claim delivery: %w", err)
	}

	// Zero rows: either the record is gone or someone else claimed it.
	var exists bool
	if checkErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_deliveries WHERE id = $1)`,
		recordID.String(),
	).Scan(&exists); checkErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim delivery: %w", checkErr)
	}
	if !exists {
		return nil, conveyor.ErrDeliveryNotFound
	}
	return nil, conveyor.ErrClaimLost
}

// SetDeliveryStatus applies an externally driven status transition under
// a row lock so concurrent webhooks cannot interleave.
func (s *Store) SetDeliveryStatus(ctx context.Context, recordID id.DeliveryID, status delivery.Status, providerResponse string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: set delivery status: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM conveyor_deliveries WHERE id = $1 FOR UPDATE`,
		recordID.String(),
	).Scan(&current)
	if err != nil {
		if isNoRows(err) {
			return conveyor.ErrDeliveryNotFound
		}
		return fmt.Errorf("conveyor/postgres: set delivery status: %w", err)
	}

	if !delivery.ValidTransition(delivery.Status(current), status) {
		return conveyor.ErrInvalidTransition
	}

	if providerResponse != "" {
		_, err = tx.Exec(ctx, `
			UPDATE conveyor_deliveries
			SET status = $2, provider_response = $3, updated_at = NOW()
			WHERE id = $1`,
			recordID.String(), string(status), providerResponse,
		)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE conveyor_deliveries
			SET status = $2, updated_at = NOW()
			WHERE id = $1`,
			recordID.String(), string(status),
		)
	}
	if err != nil {
		return fmt.Errorf("conveyor/postgres: set delivery status: %w", err)
	}

	return tx.Commit(ctx)
}

// ListDeliveries returns records matching the given options, newest first.
func (s *Store) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if opts.Status != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+deliveryColumns+`
			FROM conveyor_deliveries
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`,
			string(opts.Status), limit, opts.Offset,
		)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+deliveryColumns+`
			FROM conveyor_deliveries
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`,
			limit, opts.Offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list deliveries: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// CountDeliveries returns the number of records with the given status.
func (s *Store) CountDeliveries(ctx context.Context, status delivery.Status) (int64, error) {
	var (
		n   int64
		err error
	)
	if status != "" {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM conveyor_deliveries WHERE status = $1`,
			string(status),
		).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM conveyor_deliveries`,
		).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count deliveries: %w", err)
	}
	return n, nil
}

// scanDelivery scans a single delivery row.
func scanDelivery(row pgx.Row) (*delivery.Record, error) {
	var (
		r         delivery.Record
		idStr     string
		statusStr string
	)
	err := row.Scan(
		&idStr, &r.InvitationID, &r.Recipient, &statusStr,
		&r.RetryCount, &r.MaxRetries, &r.NextRetryAt,
		&r.ProviderResponse, &r.LastError, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = delivery.Status(statusStr)

	parsedID, parseErr := id.ParseDeliveryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse delivery id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID

	return &r, nil
}

// collectDeliveries collects all records from query rows.
func collectDeliveries(rows pgx.Rows) ([]*delivery.Record, error) {
	var records []*delivery.Record
	for rows.Next() {
		r, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan delivery row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate delivery rows: %w", err)
	}
	return records, nil
}
