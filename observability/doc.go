// Package observability provides a hook that records engine lifecycle
// metrics through OpenTelemetry. Register it on a scheduler or sweeper
// hook registry to track execution counts, durations, retries, and sweep
// outcomes. If no MeterProvider is configured globally, the OTel API
// falls back to noop instruments and the hook has zero overhead.
package observability
