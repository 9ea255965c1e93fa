package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionTaskStarted       = "task.started"
	ActionTaskCompleted     = "task.completed"
	ActionTaskRetrying      = "task.retrying"
	ActionTaskFailed        = "task.failed"
	ActionDeliveryAttempted = "delivery.attempted"
	ActionDeliveryExhausted = "delivery.exhausted"
	ActionSweepCompleted    = "sweep.completed"
)

// Audit event categories group related actions.
const (
	CategoryTask     = "conveyor.task"
	CategoryDelivery = "conveyor.delivery"
	CategorySweep    = "conveyor.sweep"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceTask     = "task"
	ResourceDelivery = "delivery_record"
	ResourceSweep    = "sweep"
)

// AllActions returns every action this hook can emit.
func AllActions() []string {
	return []string{
		ActionTaskStarted,
		ActionTaskCompleted,
		ActionTaskRetrying,
		ActionTaskFailed,
		ActionDeliveryAttempted,
		ActionDeliveryExhausted,
		ActionSweepCompleted,
	}
}
