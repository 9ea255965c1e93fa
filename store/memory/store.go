package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/id"
)

var _ delivery.Store = (*Store)(nil)

// Store is a fully in-memory implementation of delivery.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu      sync.RWMutex
	records map[string]*delivery.Record
	closed  bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		records: make(map[string]*delivery.Record),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close marks the store closed. Subsequent calls fail with ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CreateDelivery persists a new record.
func (m *Store) CreateDelivery(_ context.Context, r *delivery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return conveyor.ErrStoreClosed
	}

	key := r.ID.String()
	if _, exists := m.records[key]; exists {
		return conveyor.ErrDeliveryExists
	}
	cp := *r
	m.records[key] = &cp
	return nil
}

// GetDelivery retrieves a record by ID.
func (m *Store) GetDelivery(_ context.Context, recordID id.DeliveryID) (*delivery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, conveyor.ErrStoreClosed
	}

	r, ok := m.records[recordID.String()]
	if !ok {
		return nil, conveyor.ErrDeliveryNotFound
	}
	cp := *r
	return &cp, nil
}

// UpdateDelivery persists changes to an existing record.
func (m *Store) UpdateDelivery(_ context.Context, r *delivery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return conveyor.ErrStoreClosed
	}

	key := r.ID.String()
	if _, ok := m.records[key]; !ok {
		return conveyor.ErrDeliveryNotFound
	}
	cp := *r
	m.records[key] = &cp
	return nil
}

// ListDueDeliveries returns records eligible for sweep pickup, ordered by
// next_retry_at ascending.
func (m *Store) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]*delivery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, conveyor.ErrStoreClosed
	}

	due := make([]*delivery.Record, 0)
	for _, r := range m.records {
		if !r.Eligible(now) {
			continue
		}
		cp := *r
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ClaimDelivery atomically increments the retry counter iff the record is
// still failed with the expected retry count. The loser of a concurrent
// claim observes ErrClaimLost.
func (m *Store) ClaimDelivery(_ context.Context, recordID id.DeliveryID, expectedRetryCount int) (*delivery.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, conveyor.ErrStoreClosed
	}

	r, ok := m.records[recordID.String()]
	if !ok {
		return nil, conveyor.ErrDeliveryNotFound
	}
	if r.Status != delivery.StatusFailed || r.RetryCount != expectedRetryCount {
		return nil, conveyor.ErrClaimLost
	}
	r.RetryCount++
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	return &cp, nil
}

// SetDeliveryStatus applies an externally driven status transition.
func (m *Store) SetDeliveryStatus(_ context.Context, recordID id.DeliveryID, status delivery.Status, providerResponse string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return conveyor.ErrStoreClosed
	}

	r, ok := m.records[recordID.String()]
	if !ok {
		return conveyor.ErrDeliveryNotFound
	}
	if !delivery.ValidTransition(r.Status, status) {
		return conveyor.ErrInvalidTransition
	}
	r.Status = status
	if providerResponse != "" {
		r.ProviderResponse = providerResponse
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ListDeliveries returns records matching the given options, newest first.
func (m *Store) ListDeliveries(_ context.Context, opts delivery.ListOpts) ([]*delivery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, conveyor.ErrStoreClosed
	}

	out := make([]*delivery.Record, 0, len(m.records))
	for _, r := range m.records {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*delivery.Record{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountDeliveries returns the number of records with the given status.
func (m *Store) CountDeliveries(_ context.Context, status delivery.Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, conveyor.ErrStoreClosed
	}

	if status == "" {
		return int64(len(m.records)), nil
	}
	var n int64
	for _, r := range m.records {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}
