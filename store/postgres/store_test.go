package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/delivery"
)

// newTestStore connects to the database named by CONVEYOR_TEST_DATABASE_URL
// and skips the test when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CONVEYOR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CONVEYOR_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(context.Background(), `TRUNCATE conveyor_deliveries`)
		s.Close()
	})

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func seedFailed(t *testing.T, s *Store, recipient string, retryCount, maxRetries int, nextRetryAt time.Time) *delivery.Record {
	t.Helper()
	rec := delivery.New("inv_1", recipient, maxRetries)
	rec.Status = delivery.StatusFailed
	rec.RetryCount = retryCount
	if retryCount < maxRetries {
		at := nextRetryAt
		rec.NextRetryAt = &at
	}
	if err := s.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return rec
}

func TestCreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := delivery.New("inv_42", "a@example.com", 3)
	if err := s.CreateDelivery(ctx, rec); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if err := s.CreateDelivery(ctx, rec); !errors.Is(err, conveyor.ErrDeliveryExists) {
		t.Errorf("duplicate create err = %v, want ErrDeliveryExists", err)
	}

	got, err := s.GetDelivery(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Recipient != "a@example.com" || got.Status != delivery.StatusQueued {
		t.Errorf("got %+v", got)
	}

	got.MarkSent("msg_9", time.Now().UTC())
	if err := s.UpdateDelivery(ctx, got); err != nil {
		t.Fatalf("UpdateDelivery: %v", err)
	}

	got2, err := s.GetDelivery(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got2.Status != delivery.StatusSent || got2.ProviderResponse != "msg_9" {
		t.Errorf("after update: %+v", got2)
	}
}

func TestListDueDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	earlier := seedFailed(t, s, "earlier@example.com", 0, 3, now.Add(-time.Hour))
	seedFailed(t, s, "later@example.com", 0, 3, now.Add(-time.Minute))
	seedFailed(t, s, "future@example.com", 0, 3, now.Add(time.Hour))
	seedFailed(t, s, "exhausted@example.com", 3, 3, now.Add(-time.Hour))

	due, err := s.ListDueDeliveries(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDueDeliveries: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != earlier.ID {
		t.Errorf("due[0] = %s, want oldest schedule first", due[0].Recipient)
	}
}

func TestClaimDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := seedFailed(t, s, "a@example.com", 1, 3, time.Now().UTC().Add(-time.Minute))

	claimed, err := s.ClaimDelivery(ctx, rec.ID, 1)
	if err != nil {
		t.Fatalf("ClaimDelivery: %v", err)
	}
	if claimed.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", claimed.RetryCount)
	}

	if _, err := s.ClaimDelivery(ctx, rec.ID, 1); !errors.Is(err, conveyor.ErrClaimLost) {
		t.Errorf("stale claim err = %v, want ErrClaimLost", err)
	}

	missing := delivery.New("inv_1", "x@example.com", 3)
	if _, err := s.ClaimDelivery(ctx, missing.ID, 0); !errors.Is(err, conveyor.ErrDeliveryNotFound) {
		t.Errorf("missing claim err = %v, want ErrDeliveryNotFound", err)
	}
}

func TestClaimDeliveryConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := seedFailed(t, s, "a@example.com", 0, 5, time.Now().UTC().Add(-time.Minute))

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimDelivery(ctx, rec.ID, 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d claimers won, want exactly 1", wins)
	}
}

func TestSetDeliveryStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := delivery.New("inv_1", "a@example.com", 3)
	rec.MarkSent("msg_1", time.Now().UTC())
	if err := s.CreateDelivery(ctx, rec); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}

	if err := s.SetDeliveryStatus(ctx, rec.ID, delivery.StatusDelivered, "webhook"); err != nil {
		t.Fatalf("SetDeliveryStatus: %v", err)
	}
	if err := s.SetDeliveryStatus(ctx, rec.ID, delivery.StatusBounced, ""); !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestListAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := delivery.New("inv_1", fmt.Sprintf("r%d@example.com", i), 3)
		if err := s.CreateDelivery(ctx, rec); err != nil {
			t.Fatalf("CreateDelivery: %v", err)
		}
	}

	queued, err := s.ListDeliveries(ctx, delivery.ListOpts{Status: delivery.StatusQueued})
	if err != nil {
		t.Fatalf("ListDeliveries: %v", err)
	}
	if len(queued) != 3 {
		t.Errorf("len(queued) = %d, want 3", len(queued))
	}

	n, err := s.CountDeliveries(ctx, delivery.StatusQueued)
	if err != nil {
		t.Fatalf("CountDeliveries: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}
