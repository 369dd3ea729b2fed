package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkflowMetrics defines the interface for recording workflow execution metrics.
// Implementations track job outcomes, attempt durations, and queue deliveries.
type WorkflowMetrics interface {
	// RecordJobOutcome records one finished pipeline run.
	// Outcome examples: "completed", "waiting_for_event", "failed", "retrying", "cancelled"
	RecordJobOutcome(ctx context.Context, workflowType, outcome string)

	// RecordJobDuration records the duration of one execution attempt.
	// Duration is recorded in seconds as a histogram for percentile calculations.
	RecordJobDuration(ctx context.Context, workflowType string, duration time.Duration, outcome string)

	// RecordDelivery records one consumed queue delivery.
	// Result examples: "acked", "nacked"
	RecordDelivery(ctx context.Context, queue, result string)
}

// workflowMetrics implements WorkflowMetrics using OpenTelemetry metrics.
type workflowMetrics struct {
	jobCounter      metric.Int64Counter
	durationHisto   metric.Float64Histogram
	deliveryCounter metric.Int64Counter
}

// NewWorkflowMetrics creates a new WorkflowMetrics implementation using the provided meter provider.
// The namespace parameter is used as a prefix for all metric names (e.g., "jobflow").
// Returns error if meters cannot be initialized.
func NewWorkflowMetrics(meterProvider metric.MeterProvider, namespace string) (WorkflowMetrics, error) {
	meter := meterProvider.Meter(namespace)

	jobCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_jobs_total", namespace),
		metric.WithDescription("Total number of finished workflow job runs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job counter: %w", err)
	}

	durationHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_job_duration_seconds", namespace),
		metric.WithDescription("Duration of workflow job execution attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	deliveryCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_deliveries_total", namespace),
		metric.WithDescription("Total number of consumed queue deliveries"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery counter: %w", err)
	}

	return &workflowMetrics{
		jobCounter:      jobCounter,
		durationHisto:   durationHisto,
		deliveryCounter: deliveryCounter,
	}, nil
}

// RecordJobOutcome increments the job counter with workflow_type and outcome labels.
func (w *workflowMetrics) RecordJobOutcome(ctx context.Context, workflowType, outcome string) {
	w.jobCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("workflow_type", workflowType),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordJobDuration records the attempt duration in seconds with workflow_type and outcome labels.
func (w *workflowMetrics) RecordJobDuration(
	ctx context.Context,
	workflowType string,
	duration time.Duration,
	outcome string,
) {
	w.durationHisto.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("workflow_type", workflowType),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordDelivery increments the delivery counter with queue and result labels.
func (w *workflowMetrics) RecordDelivery(ctx context.Context, queue, result string) {
	w.deliveryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("result", result),
		),
	)
}

// NoOpWorkflowMetrics is a no-op implementation of WorkflowMetrics for when metrics are disabled.
type NoOpWorkflowMetrics struct{}

// NewNoOpWorkflowMetrics creates a no-op WorkflowMetrics implementation.
func NewNoOpWorkflowMetrics() WorkflowMetrics {
	return &NoOpWorkflowMetrics{}
}

// RecordJobOutcome does nothing when metrics are disabled.
func (n *NoOpWorkflowMetrics) RecordJobOutcome(ctx context.Context, workflowType, outcome string) {
	// No-op
}

// RecordJobDuration does nothing when metrics are disabled.
func (n *NoOpWorkflowMetrics) RecordJobDuration(
	ctx context.Context,
	workflowType string,
	duration time.Duration,
	outcome string,
) {
	// No-op
}

// RecordDelivery does nothing when metrics are disabled.
func (n *NoOpWorkflowMetrics) RecordDelivery(ctx context.Context, queue, result string) {
	// No-op
}
