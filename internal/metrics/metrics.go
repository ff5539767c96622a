// Package metrics exposes runtime counters via OpenTelemetry. Instruments are
// created against the global meter and start exporting once telemetry.Init
// installs a real provider.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "github.com/dwsmith1983/auditlane"

var meter = otel.Meter(scope)

var (
	AuditsRequested    = counter("auditlane.audits.requested", "Audit runs admitted")
	AuditsCompleted    = counter("auditlane.audits.completed", "Audit runs completed")
	AuditsFailed       = counter("auditlane.audits.failed", "Audit runs failed")
	AuditsCancelled    = counter("auditlane.audits.cancelled", "Audit runs cancelled")
	Conflicts          = counter("auditlane.conflicts", "Uniqueness conflicts surfaced to callers")
	JobsEnqueued       = counter("auditlane.jobs.enqueued", "Jobs accepted by the broker")
	JobsFailed         = counter("auditlane.jobs.failed", "Jobs the broker rejected or workers failed")
	BlobsWritten       = counter("auditlane.blobs.written", "Blobs uploaded to the backend")
	BlobsDeduplicated  = counter("auditlane.blobs.deduplicated", "Blob puts satisfied by an existing row")
	FindingTransitions = counter("auditlane.findings.transitions", "Finding lifecycle transitions by kind")
	AlertsDispatched   = counter("auditlane.alerts.dispatched", "Alerts delivered to sinks")
	AlertsFailed       = counter("auditlane.alerts.failed", "Alert deliveries that failed")
	StuckRuns          = counter("auditlane.watchdog.stuck_runs", "Stuck audit runs terminated by the watchdog")
)

func counter(name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{count}"))
	if err != nil {
		otel.Handle(err)
	}
	return c
}

// Inc adds one to c with optional string attributes given as key/value pairs.
func Inc(ctx context.Context, c metric.Int64Counter, kv ...string) {
	Add(ctx, c, 1, kv...)
}

// Add adds n to c with optional string attributes given as key/value pairs.
func Add(ctx context.Context, c metric.Int64Counter, n int64, kv ...string) {
	if c == nil || n == 0 {
		return
	}
	if len(kv) == 0 {
		c.Add(ctx, n)
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
