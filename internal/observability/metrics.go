package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Skip reasons.
const (
	ReasonPending     = "pending"
	ReasonNotPossible = "not_possible"
	ReasonLimit       = "limit"
	ReasonDone        = "done"
)

// Metrics holds the conversion counters. A nil *Metrics records nothing.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	SubmissionsTotal    metric.Int64Counter
	SubmissionFailures  metric.Int64Counter
	UnitsSkipped        metric.Int64Counter
	SubmitDuration      metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates the metrics on a private registry and returns the handler
// serving it.
func NewMetrics() (*Metrics, http.Handler, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("crunchy")
	m := &Metrics{meter: meter, provider: provider, registry: reg}

	m.SubmissionsTotal, err = meter.Int64Counter(
		"crunchy_submissions_total",
		metric.WithDescription("Total number of conversion jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionFailures, err = meter.Int64Counter(
		"crunchy_submission_failures_total",
		metric.WithDescription("Total number of units that failed to convert"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UnitsSkipped, err = meter.Int64Counter(
		"crunchy_units_skipped_total",
		metric.WithDescription("Total number of units skipped"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmitDuration, err = meter.Float64Histogram(
		"crunchy_submit_duration_seconds",
		metric.WithDescription("Time spent handing a job to the scheduler"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"crunchy_http_requests_total",
		metric.WithDescription("Total number of status API requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"crunchy_http_request_duration_seconds",
		metric.WithDescription("Status API latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// WriteTextfile writes the current values in the Prometheus text format, for
// node_exporter's textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// RecordSubmission records one submitted job and how long submission took.
func (m *Metrics) RecordSubmission(ctx context.Context, direction string, dryRun bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.Add(ctx, 1, metric.WithAttributes(directionAttr(direction), dryRunAttr(dryRun)))
	m.SubmitDuration.Record(ctx, durationSeconds, metric.WithAttributes(directionAttr(direction)))
}

// RecordFailure records a unit that failed.
func (m *Metrics) RecordFailure(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.SubmissionFailures.Add(ctx, 1, metric.WithAttributes(directionAttr(direction)))
}

// RecordSkip records a unit that was skipped.
func (m *Metrics) RecordSkip(ctx context.Context, direction, reason string) {
	if m == nil {
		return
	}
	m.UnitsSkipped.Add(ctx, 1, metric.WithAttributes(directionAttr(direction), reasonAttr(reason)))
}

// RecordHTTPRequest records one status API request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), statusAttr(statusCode))
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
}
