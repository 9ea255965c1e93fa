package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyorhq/conveyor/delivery"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/task"
)

// meterName is the instrumentation scope name for conveyor metrics.
const meterName = "github.com/conveyorhq/conveyor"

// Compile-time interface checks.
var (
	_ hook.Hook              = (*MetricsHook)(nil)
	_ hook.TaskStarted       = (*MetricsHook)(nil)
	_ hook.TaskCompleted     = (*MetricsHook)(nil)
	_ hook.TaskRetrying      = (*MetricsHook)(nil)
	_ hook.TaskFailed        = (*MetricsHook)(nil)
	_ hook.DeliveryAttempted = (*MetricsHook)(nil)
	_ hook.SweepCompleted    = (*MetricsHook)(nil)
)

// MetricsHook records engine lifecycle metrics using OTel instruments.
//
// Instruments:
//   - conveyor.task.duration (Float64Histogram): execution time in seconds,
//     with attributes: category, priority, status ("ok" or "error")
//   - conveyor.task.executions (Int64Counter): total terminal outcomes
//   - conveyor.task.retries (Int64Counter): scheduled retries
//   - conveyor.delivery.attempts (Int64Counter): send attempts by status
//   - conveyor.sweep.records (Int64Counter): sweep outcomes by result
type MetricsHook struct {
	taskDuration     metric.Float64Histogram
	taskExecutions   metric.Int64Counter
	taskRetries      metric.Int64Counter
	deliveryAttempts metric.Int64Counter
	sweepRecords     metric.Int64Counter
}

// NewMetricsHook creates a MetricsHook using the global OTel MeterProvider.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook with the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	// Create instruments once at construction time. OTel instruments are
	// safe for concurrent use. On error, the API returns noop instruments
	// so the hook degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"conveyor.task.duration",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"conveyor.task.executions",
		metric.WithDescription("Total number of terminal task outcomes"),
		metric.WithUnit("{execution}"),
	)
	_ = eErr

	retries, rErr := meter.Int64Counter(
		"conveyor.task.retries",
		metric.WithDescription("Total number of scheduled task retries"),
		metric.WithUnit("{retry}"),
	)
	_ = rErr

	attempts, aErr := meter.Int64Counter(
		"conveyor.delivery.attempts",
		metric.WithDescription("Total number of delivery send attempts"),
		metric.WithUnit("{attempt}"),
	)
	_ = aErr

	records, sErr := meter.Int64Counter(
		"conveyor.sweep.records",
		metric.WithDescription("Delivery records processed by retry sweeps"),
		metric.WithUnit("{record}"),
	)
	_ = sErr

	return &MetricsHook{
		taskDuration:     duration,
		taskExecutions:   executions,
		taskRetries:      retries,
		deliveryAttempts: attempts,
		sweepRecords:     records,
	}
}

// Name implements hook.Hook.
func (m *MetricsHook) Name() string { return "observability-metrics" }

// OnTaskStarted implements hook.TaskStarted. Start events carry no
// instrument of their own; durations are recorded at completion.
func (m *MetricsHook) OnTaskStarted(_ context.Context, _ *task.Task) error {
	return nil
}

// OnTaskCompleted implements hook.TaskCompleted.
func (m *MetricsHook) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	attrs := metric.WithAttributes(
		attribute.String("category", string(t.Category)),
		attribute.String("priority", t.Priority.String()),
		attribute.String("status", "ok"),
	)
	m.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.taskExecutions.Add(ctx, 1, attrs)
	return nil
}

// OnTaskRetrying implements hook.TaskRetrying.
func (m *MetricsHook) OnTaskRetrying(ctx context.Context, t *task.Task, _ int, _ time.Duration) error {
	m.taskRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(t.Category)),
		attribute.String("priority", t.Priority.String()),
	))
	return nil
}

// OnTaskFailed implements hook.TaskFailed.
func (m *MetricsHook) OnTaskFailed(ctx context.Context, t *task.Task, _ error) error {
	m.taskExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(t.Category)),
		attribute.String("priority", t.Priority.String()),
		attribute.String("status", "error"),
	))
	return nil
}

// OnDeliveryAttempted implements hook.DeliveryAttempted.
func (m *MetricsHook) OnDeliveryAttempted(ctx context.Context, rec *delivery.Record, _ error) error {
	m.deliveryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(rec.Status)),
	))
	return nil
}

// OnSweepCompleted implements hook.SweepCompleted.
func (m *MetricsHook) OnSweepCompleted(ctx context.Context, _, succeeded, failed, exhausted int) error {
	m.sweepRecords.Add(ctx, int64(succeeded), metric.WithAttributes(attribute.String("result", "succeeded")))
	m.sweepRecords.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("result", "failed")))
	m.sweepRecords.Add(ctx, int64(exhausted), metric.WithAttributes(attribute.String("result", "max_retries_exceeded")))
	return nil
}
