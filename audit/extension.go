package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/task"
)

// Compile-time interface checks.
var (
	_ hook.Hook              = (*Extension)(nil)
	_ hook.TaskStarted       = (*Extension)(nil)
	_ hook.TaskCompleted     = (*Extension)(nil)
	_ hook.TaskRetrying      = (*Extension)(nil)
	_ hook.TaskFailed        = (*Extension)(nil)
	_ hook.DeliveryAttempted = (*Extension)(nil)
	_ hook.SweepCompleted    = (*Extension)(nil)
)

// Recorder is the interface audit backends must implement. It is
// defined locally so this package does not depend on any particular
// audit store — callers inject their backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Conveyor lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements hook.Hook.
func (e *Extension) Name() string { return "audit" }

// OnTaskStarted implements hook.TaskStarted.
func (e *Extension) OnTaskStarted(ctx context.Context, t *task.Task) error {
	return e.record(ctx, ActionTaskStarted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"category", string(t.Category),
		"priority", t.Priority.String(),
		"attempt", t.Attempt,
	)
}

// OnTaskCompleted implements hook.TaskCompleted.
func (e *Extension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	return e.record(ctx, ActionTaskCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"category", string(t.Category),
		"priority", t.Priority.String(),
		"attempt", t.Attempt,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnTaskRetrying implements hook.TaskRetrying.
func (e *Extension) OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) error {
	return e.record(ctx, ActionTaskRetrying, SeverityWarning, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, nil,
		"category", string(t.Category),
		"attempt", attempt,
		"max_attempts", t.MaxAttempts,
		"delay_ms", delay.Milliseconds(),
	)
}

// OnTaskFailed implements hook.TaskFailed.
func (e *Extension) OnTaskFailed(ctx context.Context, t *task.Task, taskErr error) error {
	return e.record(ctx, ActionTaskFailed, SeverityCritical, OutcomeFailure,
		ResourceTask, t.ID.String(), CategoryTask, taskErr,
		"category", string(t.Category),
		"attempt", t.Attempt,
		"max_attempts", t.MaxAttempts,
	)
}

// OnDeliveryAttempted implements hook.DeliveryAttempted. A record that
// just became terminal is emitted as delivery.exhausted with critical
// severity; all other attempts as delivery.attempted.
func (e *Extension) OnDeliveryAttempted(ctx context.Context, rec *delivery.Record, attemptErr error) error {
	action := ActionDeliveryAttempted
	severity := SeverityInfo
	outcome := OutcomeSuccess
	if attemptErr != nil {
		severity = SeverityWarning
		outcome = OutcomeFailure
	}
	if rec.Status == delivery.StatusFailed && rec.Terminal() {
		action = ActionDeliveryExhausted
		severity = SeverityCritical
	}
	return e.record(ctx, action, severity, outcome,
		ResourceDelivery, rec.ID.String(), CategoryDelivery, attemptErr,
		"invitation_id", rec.InvitationID,
		"recipient", rec.Recipient,
		"status", string(rec.Status),
		"retry_count", rec.RetryCount,
		"max_retries", rec.MaxRetries,
	)
}

// OnSweepCompleted implements hook.SweepCompleted.
func (e *Extension) OnSweepCompleted(ctx context.Context, processed, succeeded, failed, exhausted int) error {
	severity := SeverityInfo
	if exhausted > 0 {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionSweepCompleted, severity, OutcomeSuccess,
		ResourceSweep, "", CategorySweep, nil,
		"processed", processed,
		"success", succeeded,
		"failed", failed,
		"max_retries_exceeded", exhausted,
	)
}

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
