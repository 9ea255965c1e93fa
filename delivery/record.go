package delivery

import (
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// Status represents the lifecycle state of a delivery record.
type Status string

const (
	// StatusQueued means the record exists but no attempt has finished yet.
	StatusQueued Status = "queued"
	// StatusSent means the provider accepted the message.
	StatusSent Status = "sent"
	// StatusDelivered means the provider confirmed delivery (webhook-driven).
	StatusDelivered Status = "delivered"
	// StatusBounced means the provider reported a bounce (webhook-driven).
	StatusBounced Status = "bounced"
	// StatusFailed means the last attempt failed. The record is retryable
	// while NextRetryAt is set and terminal once it is nil.
	StatusFailed Status = "failed"
)

// ValidTransition reports whether a record may move from one status to
// another. The sent → delivered/bounced transitions are driven by the
// external provider's status webhook; everything else is driven by the
// engine itself.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusSent || to == StatusFailed
	case StatusFailed:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusBounced
	case StatusDelivered, StatusBounced:
		return false
	default:
		return false
	}
}

// Record is one durable delivery ledger entry. The engine treats the
// referenced business entity and the recipient as opaque payloads.
type Record struct {
	ID id.DeliveryID `json:"id"`

	// InvitationID references the business entity that triggered the
	// send. Opaque to the engine; the sweep hands it back to the
	// PayloadSource to reconstruct the message.
	InvitationID string `json:"invitation_id"`

	Recipient string `json:"recipient"`
	Status    Status `json:"status"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// NextRetryAt is when the sweep may pick this record up again.
	// Nil means no further retry is scheduled (terminal state).
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// ProviderResponse holds the opaque diagnostic payload from the
	// last attempt.
	ProviderResponse string `json:"provider_response,omitempty"`
	LastError        string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a queued record for the given business entity and recipient.
func New(invitationID, recipient string, maxRetries int) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:           id.NewDeliveryID(),
		InvitationID: invitationID,
		Recipient:    recipient,
		Status:       StatusQueued,
		MaxRetries:   maxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MarkSent records a provider-accepted attempt. Sent records never carry
// a retry schedule.
func (r *Record) MarkSent(providerResponse string, now time.Time) {
	r.Status = StatusSent
	r.ProviderResponse = providerResponse
	r.LastError = ""
	r.NextRetryAt = nil
	r.UpdatedAt = now
}

// MarkFailed records a failed attempt. While retry budget remains the
// record is scheduled for nextRetryAt; once RetryCount has reached
// MaxRetries it becomes terminal with no retry schedule, and no sweep
// will select it again.
func (r *Record) MarkFailed(providerResponse, errMsg string, nextRetryAt time.Time, now time.Time) {
	r.Status = StatusFailed
	r.ProviderResponse = providerResponse
	r.LastError = errMsg
	r.UpdatedAt = now

	if r.RetryCount >= r.MaxRetries {
		r.NextRetryAt = nil
		return
	}
	at := nextRetryAt
	r.NextRetryAt = &at
}

// MarkPermanentlyFailed records a non-retryable rejection: the provider
// classified the failure as permanent, so no retry is scheduled no
// matter how much budget remains.
func (r *Record) MarkPermanentlyFailed(providerResponse, errMsg string, now time.Time) {
	r.Status = StatusFailed
	r.ProviderResponse = providerResponse
	r.LastError = errMsg
	r.NextRetryAt = nil
	r.UpdatedAt = now
}

// Terminal reports whether the record has reached a state no sweep will
// act on.
func (r *Record) Terminal() bool {
	switch r.Status {
	case StatusSent, StatusDelivered, StatusBounced:
		return true
	case StatusFailed:
		return r.NextRetryAt == nil
	default:
		return false
	}
}

// Eligible reports whether the record qualifies for sweep pickup at the
// given instant: a retryable failure whose schedule has come due.
func (r *Record) Eligible(now time.Time) bool {
	return r.Status == StatusFailed &&
		r.NextRetryAt != nil &&
		!r.NextRetryAt.After(now) &&
		r.RetryCount < r.MaxRetries
}
