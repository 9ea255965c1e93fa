package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/send"
)

// DefaultMaxRetries is the retry budget stamped on new records when no
// override is configured.
const DefaultMaxRetries = 5

// DefaultBatchSize bounds how many due records one sweep run selects.
const DefaultBatchSize = 100

// PayloadSource reconstructs the outbound message for a ledger record.
// The ledger stores delivery state, not message content; on retry the
// payload is rebuilt from the business entity the record points at.
type PayloadSource interface {
	Payload(ctx context.Context, rec *delivery.Record) (*send.Payload, error)
}

// PayloadSourceFunc is an adapter to use a plain function as a PayloadSource.
type PayloadSourceFunc func(ctx context.Context, rec *delivery.Record) (*send.Payload, error)

// Payload implements PayloadSource.
func (f PayloadSourceFunc) Payload(ctx context.Context, rec *delivery.Record) (*send.Payload, error) {
	return f(ctx, rec)
}

// Summary reports the outcome of one sweep run.
type Summary struct {
	SweepID   id.SweepID    `json:"sweep_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Processed counts records this run claimed and attempted.
	Processed int `json:"processed"`
	// Success counts attempts the provider accepted.
	Success int `json:"success"`
	// Failed counts attempts that failed with retry budget remaining.
	Failed int `json:"failed"`
	// MaxRetriesExceeded counts records that became terminal this run.
	MaxRetriesExceeded int `json:"max_retries_exceeded"`
	// Errors carries one entry per record-level error. A non-empty list
	// does not mean the run failed; the sweep always finishes its batch.
	Errors []string `json:"errors,omitempty"`
}

// Sweeper creates delivery records, makes send attempts, and retries
// failed records on their backoff schedule.
type Sweeper struct {
	store    delivery.Store
	provider send.Provider
	source   PayloadSource

	backoff    backoff.Strategy
	limiter    *rate.Limiter
	hooks      *hook.Registry
	logger     *slog.Logger
	maxRetries int
	batchSize  int
	now        func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultSweep (exponential, 5m base, 4h cap).
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Sweeper) { s.backoff = b }
}

// WithRateLimit throttles outbound send attempts so a large backlog
// cannot burst through provider quotas.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Sweeper) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHooks sets the lifecycle hook registry.
func WithHooks(r *hook.Registry) Option {
	return func(s *Sweeper) { s.hooks = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithMaxRetries sets the retry budget stamped on new records.
func WithMaxRetries(n int) Option {
	return func(s *Sweeper) { s.maxRetries = n }
}

// WithBatchSize bounds how many due records one run selects.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithClock substitutes the time source. Tests pin this.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper over the given ledger store, send provider, and
// payload source.
func New(store delivery.Store, provider send.Provider, source PayloadSource, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", conveyor.ErrInvalidOptions)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: nil provider", conveyor.ErrInvalidOptions)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: nil payload source", conveyor.ErrInvalidOptions)
	}

	s := &Sweeper{
		store:      store,
		provider:   provider,
		source:     source,
		backoff:    backoff.DefaultSweep(),
		hooks:      hook.NewRegistry(nil),
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		batchSize:  DefaultBatchSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries < 1 {
		return nil, fmt.Errorf("%w: max retries must be at least 1", conveyor.ErrInvalidOptions)
	}
	return s, nil
}

// Send creates a ledger record for the given business entity and makes
// its first send attempt. Record creation and first attempt happen
// together; there is no separate enqueue step. The returned record
// carries the attempt outcome: sent, or failed with a retry schedule.
// The error is non-nil only when the ledger itself could not be written.
func (s *Sweeper) Send(ctx context.Context, invitationID, recipient string, payload *send.Payload) (*delivery.Record, error) {
	rec := delivery.New(invitationID, recipient, s.maxRetries)
	if err := s.store.CreateDelivery(ctx, rec); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}

	attemptErr := s.attempt(ctx, rec, payload)
	if attemptErr != nil {
		s.logger.Warn("initial send attempt failed",
			slog.String("delivery_id", rec.ID.String()),
			slog.String("recipient", recipient),
			slog.Any("error", attemptErr))
	}
	if err := s.store.UpdateDelivery(ctx, rec); err != nil {
		return rec, fmt.Errorf("update delivery: %w", err)
	}
	return rec, nil
}

// Run executes one sweep: select due records, claim each against
// concurrent sweepers, re-send, and write outcomes back. Per-record
// errors are captured into the Summary and never abort the batch.
func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	start := s.now()
	sum := &Summary{
		SweepID:   id.NewSweepID(),
		StartedAt: start,
	}

	due, err := s.store.ListDueDeliveries(ctx, start, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("sweep interrupted: %v", ctx.Err()))
			break
		}
		s.processRecord(ctx, rec, sum)
	}

	sum.Duration = s.now().Sub(start)
	s.hooks.EmitSweepCompleted(ctx, sum.Processed, sum.Success, sum.Failed, sum.MaxRetriesExceeded)
	s.logger.Info("sweep completed",
		slog.String("sweep_id", sum.SweepID.String()),
		slog.Int("processed", sum.Processed),
		slog.Int("success", sum.Success),
		slog.Int("failed", sum.Failed),
		slog.Int("max_retries_exceeded", sum.MaxRetriesExceeded),
		slog.Int("errors", len(sum.Errors)),
		slog.Duration("duration", sum.Duration))
	return sum, nil
}

// processRecord claims and retries a single due record, folding the
// outcome into the summary.
func (s *Sweeper) processRecord(ctx context.Context, rec *delivery.Record, sum *Summary) {
	claimed, err := s.store.ClaimDelivery(ctx, rec.ID, rec.RetryCount)
	if err != nil {
		if errors.Is(err, conveyor.ErrClaimLost) {
			// Another sweeper got there first. Not an error.
			s.logger.Debug("delivery claimed elsewhere",
				slog.String("delivery_id", rec.ID.String()))
			return
		}
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: claim: %v", rec.ID, err))
		return
	}
	sum.Processed++

	payload, err := s.source.Payload(ctx, claimed)
	if err != nil {
		// The payload could not be rebuilt right now. Treated as a
		// retryable attempt so the schedule keeps moving.
		s.writeFailure(claimed, "", fmt.Sprintf("payload source: %v", err))
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: payload source: %v", claimed.ID, err))
		s.persistOutcome(ctx, claimed, sum)
		s.hooks.EmitDeliveryAttempted(ctx, claimed, err)
		return
	}

	attemptErr := s.attempt(ctx, claimed, payload)
	if attemptErr != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", claimed.ID, attemptErr))
	}
	s.persistOutcome(ctx, claimed, sum)
}

// attempt makes one send attempt for the record and writes the outcome
// into it. The same path serves first sends and sweep retries, so the
// ledger history reads identically for both. The returned error is the
// attempt's failure, if any; the record always holds a valid outcome.
func (s *Sweeper) attempt(ctx context.Context, rec *delivery.Record, payload *send.Payload) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.writeFailure(rec, "", fmt.Sprintf("rate limit wait: %v", err))
			s.hooks.EmitDeliveryAttempted(ctx, rec, err)
			return err
		}
	}

	res, err := s.provider.Send(ctx, payload)
	now := s.now()

	switch {
	case err != nil:
		// Transport errors are always retryable.
		s.writeFailure(rec, "", err.Error())
		s.hooks.EmitDeliveryAttempted(ctx, rec, err)
		return err

	case res.OK:
		rec.MarkSent(res.ProviderID, now)
		s.hooks.EmitDeliveryAttempted(ctx, rec, nil)
		return nil

	case send.Retryable(res.StatusCode):
		resp := fmt.Sprintf("%d %s", res.StatusCode, res.ErrorMessage)
		s.writeFailure(rec, resp, res.ErrorMessage)
		attemptErr := fmt.Errorf("provider rejected send: %s", resp)
		s.hooks.EmitDeliveryAttempted(ctx, rec, attemptErr)
		return attemptErr

	default:
		// Permanent rejection. No retry no matter the budget.
		resp := fmt.Sprintf("%d %s", res.StatusCode, res.ErrorMessage)
		rec.MarkPermanentlyFailed(resp, res.ErrorMessage, now)
		attemptErr := fmt.Errorf("provider permanently rejected send: %s", resp)
		s.hooks.EmitDeliveryAttempted(ctx, rec, attemptErr)
		return attemptErr
	}
}

// writeFailure records a retryable failure with the next attempt
// scheduled by the backoff policy. MarkFailed turns it terminal instead
// once the retry budget is spent.
func (s *Sweeper) writeFailure(rec *delivery.Record, providerResponse, errMsg string) {
	now := s.now()
	next := now.Add(s.backoff.Delay(rec.RetryCount + 1))
	rec.MarkFailed(providerResponse, errMsg, next, now)
}

// persistOutcome writes the record back and folds its final state into
// the summary counters.
func (s *Sweeper) persistOutcome(ctx context.Context, rec *delivery.Record, sum *Summary) {
	if err := s.store.UpdateDelivery(ctx, rec); err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: update: %v", rec.ID, err))
		return
	}

	switch {
	case rec.Status == delivery.StatusSent:
		sum.Success++
	case rec.Status == delivery.StatusFailed && rec.NextRetryAt != nil:
		sum.Failed++
	default:
		// Terminal failure: budget spent, or a permanent rejection.
		sum.MaxRetriesExceeded++
		s.logger.Warn("delivery terminally failed",
			slog.String("delivery_id", rec.ID.String()),
			slog.String("recipient", rec.Recipient),
			slog.Int("retry_count", rec.RetryCount),
			slog.String("last_error", rec.LastError))
	}
}
