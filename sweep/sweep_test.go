package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/send"
	"github.com/conveyorhq/conveyor/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider replays a fixed result (or transport error) and records
// every payload it saw.
type stubProvider struct {
	mu   sync.Mutex
	res  *send.Result
	err  error
	sent []*send.Payload
}

func (p *stubProvider) Send(_ context.Context, payload *send.Payload) (*send.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, payload)
	if p.err != nil {
		return nil, p.err
	}
	return p.res, nil
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func acceptingProvider() *stubProvider {
	return &stubProvider{res: &send.Result{OK: true, ProviderID: "msg_123", StatusCode: 200}}
}

func rejectingProvider(code int) *stubProvider {
	return &stubProvider{res: &send.Result{OK: false, StatusCode: code, ErrorMessage: "rejected"}}
}

func staticSource() PayloadSource {
	return PayloadSourceFunc(func(_ context.Context, rec *delivery.Record) (*send.Payload, error) {
		return &send.Payload{To: rec.Recipient, Subject: "You're invited", Body: "join us"}, nil
	})
}

func newTestSweeper(t *testing.T, store delivery.Store, provider send.Provider, opts ...Option) *Sweeper {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithBackoff(backoff.NewExponential(5*time.Minute, 4*time.Hour)),
	}
	s, err := New(store, provider, staticSource(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// dueRecord seeds a failed record whose retry schedule has come due.
func dueRecord(t *testing.T, s *memory.Store, recipient string, retryCount, maxRetries int, at time.Time) *delivery.Record {
	t.Helper()
	rec := delivery.New("inv_1", recipient, maxRetries)
	rec.Status = delivery.StatusFailed
	rec.RetryCount = retryCount
	rec.NextRetryAt = &at
	if err := s.CreateDelivery(context.Background(), rec); err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	return rec
}

func TestNewValidation(t *testing.T) {
	provider := acceptingProvider()
	store := memory.New()

	if _, err := New(nil, provider, staticSource()); !errors.Is(err, conveyor.ErrInvalidOptions) {
		t.Errorf("nil store err = %v, want ErrInvalidOptions", err)
	}
	if _, err := New(store, nil, staticSource()); !errors.Is(err, conveyor.ErrInvalidOptions) {
		t.Errorf("nil provider err = %v, want ErrInvalidOptions", err)
	}
	if _, err := New(store, provider, nil); !errors.Is(err, conveyor.ErrInvalidOptions) {
		t.Errorf("nil source err = %v, want ErrInvalidOptions", err)
	}
	if _, err := New(store, provider, staticSource(), WithMaxRetries(0)); !errors.Is(err, conveyor.ErrInvalidOptions) {
		t.Errorf("zero max retries err = %v, want ErrInvalidOptions", err)
	}
}

func TestSendFirstAttemptAccepted(t *testing.T) {
	store := memory.New()
	provider := acceptingProvider()
	s := newTestSweeper(t, store, provider)

	rec, err := s.Send(context.Background(), "inv_7", "a@example.com", &send.Payload{To: "a@example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.Status != delivery.StatusSent {
		t.Errorf("Status = %s, want sent", rec.Status)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil on sent record", rec.NextRetryAt)
	}
	if rec.ProviderResponse != "msg_123" {
		t.Errorf("ProviderResponse = %q", rec.ProviderResponse)
	}

	stored, err := store.GetDelivery(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if stored.Status != delivery.StatusSent {
		t.Errorf("persisted Status = %s, want sent", stored.Status)
	}
}

func TestSendFirstAttemptRetryableFailure(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	s := newTestSweeper(t, store, rejectingProvider(503), WithClock(func() time.Time { return now }))

	rec, err := s.Send(context.Background(), "inv_7", "a@example.com", &send.Payload{To: "a@example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.Status != delivery.StatusFailed {
		t.Fatalf("Status = %s, want failed", rec.Status)
	}
	if rec.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (no retries consumed yet)", rec.RetryCount)
	}
	if rec.NextRetryAt == nil {
		t.Fatal("NextRetryAt = nil, want first retry scheduled")
	}
	if got, want := *rec.NextRetryAt, now.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got, want)
	}
}

func TestSendPermanentRejection(t *testing.T) {
	store := memory.New()
	s := newTestSweeper(t, store, rejectingProvider(400))

	rec, err := s.Send(context.Background(), "inv_7", "a@example.com", &send.Payload{To: "a@example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.Status != delivery.StatusFailed {
		t.Fatalf("Status = %s, want failed", rec.Status)
	}
	if rec.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil: 400 is not retryable", rec.NextRetryAt)
	}
	if !rec.Terminal() {
		t.Error("record not terminal after permanent rejection")
	}
}

func TestRunProcessesOnlyDueRecords(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	provider := acceptingProvider()
	s := newTestSweeper(t, store, provider, WithClock(func() time.Time { return now }))

	var due []*delivery.Record
	for i := 0; i < 3; i++ {
		due = append(due, dueRecord(t, store, fmt.Sprintf("due%d@example.com", i), 0, 3, now.Add(-time.Minute)))
	}
	future := dueRecord(t, store, "future@example.com", 0, 3, now.Add(time.Hour))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 3 || sum.Success != 3 || sum.Failed != 0 || sum.MaxRetriesExceeded != 0 {
		t.Errorf("summary = %+v, want 3 processed / 3 success", sum)
	}
	if provider.calls() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.calls())
	}

	for _, rec := range due {
		got, _ := store.GetDelivery(context.Background(), rec.ID)
		if got.Status != delivery.StatusSent {
			t.Errorf("%s Status = %s, want sent", got.Recipient, got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("%s RetryCount = %d, want 1", got.Recipient, got.RetryCount)
		}
	}

	// The future-scheduled record was not touched.
	got, _ := store.GetDelivery(context.Background(), future.ID)
	if got.Status != delivery.StatusFailed || got.RetryCount != 0 {
		t.Errorf("future record touched: status=%s retries=%d", got.Status, got.RetryCount)
	}
}

func TestRunReschedulesRetryableFailure(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	s := newTestSweeper(t, store, rejectingProvider(503), WithClock(func() time.Time { return now }))

	rec := dueRecord(t, store, "a@example.com", 0, 3, now.Add(-time.Minute))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 1 {
		t.Errorf("summary = %+v, want 1 processed / 1 failed", sum)
	}
	if len(sum.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", sum.Errors)
	}

	got, _ := store.GetDelivery(context.Background(), rec.ID)
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.NextRetryAt == nil {
		t.Fatal("NextRetryAt = nil, want rescheduled")
	}
	// Second failure in the schedule doubles the base delay.
	if want := now.Add(10 * time.Minute); !got.NextRetryAt.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, want)
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	s := newTestSweeper(t, store, rejectingProvider(503), WithClock(func() time.Time { return now }))

	rec := dueRecord(t, store, "a@example.com", 2, 3, now.Add(-time.Minute))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 1 || sum.MaxRetriesExceeded != 1 || sum.Failed != 0 {
		t.Errorf("summary = %+v, want 1 processed / 1 max retries exceeded", sum)
	}

	got, _ := store.GetDelivery(context.Background(), rec.ID)
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	if got.NextRetryAt != nil {
		t.Errorf("NextRetryAt = %v, want nil on exhausted record", got.NextRetryAt)
	}
	if !got.Terminal() {
		t.Error("record not terminal after final retry")
	}

	// Exhausted records are never selected again.
	sum, err = s.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if sum.Processed != 0 {
		t.Errorf("second run processed %d, want 0", sum.Processed)
	}
}

func TestRunPerRecordErrorDoesNotAbortBatch(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	provider := acceptingProvider()

	broken := dueRecord(t, store, "broken@example.com", 0, 3, now.Add(-3*time.Minute))
	dueRecord(t, store, "ok1@example.com", 0, 3, now.Add(-2*time.Minute))
	dueRecord(t, store, "ok2@example.com", 0, 3, now.Add(-time.Minute))

	source := PayloadSourceFunc(func(_ context.Context, rec *delivery.Record) (*send.Payload, error) {
		if rec.ID == broken.ID {
			return nil, errors.New("invitation revoked")
		}
		return &send.Payload{To: rec.Recipient}, nil
	})
	s, err := New(store, provider, source,
		WithLogger(quietLogger()),
		WithBackoff(backoff.NewExponential(5*time.Minute, 0)),
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 3 || sum.Success != 2 || sum.Failed != 1 {
		t.Errorf("summary = %+v, want 3 processed / 2 success / 1 failed", sum)
	}
	if len(sum.Errors) != 1 {
		t.Fatalf("Errors = %v, want one entry", sum.Errors)
	}

	// The broken record stays on its retry schedule.
	got, _ := store.GetDelivery(context.Background(), broken.ID)
	if got.Status != delivery.StatusFailed || got.NextRetryAt == nil {
		t.Errorf("broken record: status=%s nextRetryAt=%v", got.Status, got.NextRetryAt)
	}
}

func TestRunTransportErrorReschedules(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	provider := &stubProvider{err: errors.New("connection refused")}
	s := newTestSweeper(t, store, provider, WithClock(func() time.Time { return now }))

	rec := dueRecord(t, store, "a@example.com", 0, 5, now.Add(-time.Minute))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 {
		t.Errorf("summary = %+v, want 1 failed", sum)
	}
	got, _ := store.GetDelivery(context.Background(), rec.ID)
	if got.LastError != "connection refused" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.NextRetryAt == nil {
		t.Error("transport error not rescheduled")
	}
}

// lostClaimStore simulates a concurrent sweeper winning the claim for
// one specific record.
type lostClaimStore struct {
	delivery.Store
	lostID id.DeliveryID
}

func (s *lostClaimStore) ClaimDelivery(ctx context.Context, recordID id.DeliveryID, expected int) (*delivery.Record, error) {
	if recordID == s.lostID {
		return nil, conveyor.ErrClaimLost
	}
	return s.Store.ClaimDelivery(ctx, recordID, expected)
}

func TestRunSkipsLostClaims(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	mem := memory.New()
	provider := acceptingProvider()

	lost := dueRecord(t, mem, "lost@example.com", 0, 3, now.Add(-2*time.Minute))
	dueRecord(t, mem, "won@example.com", 0, 3, now.Add(-time.Minute))

	store := &lostClaimStore{Store: mem, lostID: lost.ID}
	s := newTestSweeper(t, store, provider, WithClock(func() time.Time { return now }))

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The lost record is another sweeper's problem, not an error here.
	if sum.Processed != 1 || sum.Success != 1 || len(sum.Errors) != 0 {
		t.Errorf("summary = %+v, want 1 processed / 1 success / no errors", sum)
	}
	if provider.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls())
	}
}

func TestRunHonorsBatchSize(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	store := memory.New()
	provider := acceptingProvider()
	s := newTestSweeper(t, store, provider,
		WithClock(func() time.Time { return now }),
		WithBatchSize(2))

	for i := 0; i < 5; i++ {
		dueRecord(t, store, fmt.Sprintf("r%d@example.com", i), 0, 3, now.Add(-time.Minute))
	}

	sum, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 2 {
		t.Errorf("Processed = %d, want batch-limited 2", sum.Processed)
	}
}
