// Package audit is a Conveyor hook that bridges engine lifecycle events
// to an audit trail backend.
//
// Every task, delivery, and sweep lifecycle event is emitted as a
// structured audit event through the [Recorder] interface. The hook
// assigns severity levels (info for normal operations, warning for
// retries, critical for terminal failures) and rich metadata (category,
// attempt counts, recipients, errors).
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionTaskFailed,
//	        audit.ActionDeliveryExhausted,
//	    ),
//	)
package audit
