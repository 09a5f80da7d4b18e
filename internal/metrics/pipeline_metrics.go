package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("event-relay")

// PipelineMetrics provides metrics collection for outbox publishing and event consumption.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	outboxPublishedCounter  metric.Int64Counter
	outboxFailedCounter     metric.Int64Counter
	outboxCycleHistogram    metric.Float64Histogram
	outboxSweptCounter      metric.Int64Counter
	consumerAckedCounter    metric.Int64Counter
	consumerRetriedCounter  metric.Int64Counter
	consumerParkedCounter   metric.Int64Counter
	handlerDurationHist     metric.Float64Histogram
	handlersActiveGauge     metric.Int64UpDownCounter
	brokerReconnectsCounter metric.Int64Counter
}

// NewPipelineMetrics creates a collector on the global meter provider
func NewPipelineMetrics() (*PipelineMetrics, error) {
	return NewPipelineMetricsWithMeter(meter)
}

// NewPipelineMetricsWithMeter creates a collector on m
func NewPipelineMetricsWithMeter(m metric.Meter) (*PipelineMetrics, error) {
	var pm PipelineMetrics
	var err error

	if pm.outboxPublishedCounter, err = m.Int64Counter(
		"outbox.events.published",
		metric.WithDescription("Outbox events published to the broker"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if pm.outboxFailedCounter, err = m.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Outbox publish attempts that failed"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if pm.outboxCycleHistogram, err = m.Float64Histogram(
		"outbox.cycle.duration",
		metric.WithDescription("Duration of one outbox poll cycle in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if pm.outboxSweptCounter, err = m.Int64Counter(
		"outbox.events.swept",
		metric.WithDescription("Published outbox rows removed by the retention sweep"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if pm.consumerAckedCounter, err = m.Int64Counter(
		"consumer.messages.acked",
		metric.WithDescription("Messages handled successfully"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if pm.consumerRetriedCounter, err = m.Int64Counter(
		"consumer.messages.retried",
		metric.WithDescription("Messages sent to the waiting room for another attempt"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if pm.consumerParkedCounter, err = m.Int64Counter(
		"consumer.messages.parked",
		metric.WithDescription("Messages moved to the parking lot after exhausting retries"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if pm.handlerDurationHist, err = m.Float64Histogram(
		"consumer.handler.duration",
		metric.WithDescription("Duration of handler execution in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if pm.handlersActiveGauge, err = m.Int64UpDownCounter(
		"consumer.handlers.active",
		metric.WithDescription("Number of handler invocations in flight"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if pm.brokerReconnectsCounter, err = m.Int64Counter(
		"broker.reconnects",
		metric.WithDescription("Consumer reconnect attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	return &pm, nil
}

// RecordOutboxPublished records an event accepted by the broker
func (pm *PipelineMetrics) RecordOutboxPublished(ctx context.Context, eventType string) {
	if pm == nil {
		return
	}
	pm.outboxPublishedCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event.type", eventType)),
	)
}

// RecordOutboxFailed records a failed publish attempt
func (pm *PipelineMetrics) RecordOutboxFailed(ctx context.Context, eventType, errorType string) {
	if pm == nil {
		return
	}
	pm.outboxFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("error.type", errorType),
		),
	)
}

// RecordOutboxCycle records one poll cycle over the pending or failed rows
func (pm *PipelineMetrics) RecordOutboxCycle(ctx context.Context, phase string, claimed int, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.outboxCycleHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.Bool("empty", claimed == 0),
		),
	)
}

// RecordOutboxSwept records rows removed by the retention sweep
func (pm *PipelineMetrics) RecordOutboxSwept(ctx context.Context, count int64) {
	if pm == nil || count == 0 {
		return
	}
	pm.outboxSweptCounter.Add(ctx, count)
}

// HandlerStarted marks a handler invocation in flight
func (pm *PipelineMetrics) HandlerStarted(ctx context.Context, queue string) {
	if pm == nil {
		return
	}
	pm.handlersActiveGauge.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordAcked records a handled message
func (pm *PipelineMetrics) RecordAcked(ctx context.Context, queue string, duration time.Duration) {
	pm.recordOutcome(ctx, queue, "acked", duration)
}

// RecordRetried records a message sent to the waiting room
func (pm *PipelineMetrics) RecordRetried(ctx context.Context, queue string, duration time.Duration) {
	pm.recordOutcome(ctx, queue, "retried", duration)
}

// RecordParked records a message moved to the parking lot
func (pm *PipelineMetrics) RecordParked(ctx context.Context, queue string, duration time.Duration) {
	pm.recordOutcome(ctx, queue, "parked", duration)
}

func (pm *PipelineMetrics) recordOutcome(ctx context.Context, queue, outcome string, duration time.Duration) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("queue", queue))
	switch outcome {
	case "acked":
		pm.consumerAckedCounter.Add(ctx, 1, attrs)
	case "retried":
		pm.consumerRetriedCounter.Add(ctx, 1, attrs)
	case "parked":
		pm.consumerParkedCounter.Add(ctx, 1, attrs)
	}

	pm.handlerDurationHist.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("outcome", outcome),
		),
	)
	pm.handlersActiveGauge.Add(ctx, -1, attrs)
}

// RecordReconnect records a consumer reconnect attempt
func (pm *PipelineMetrics) RecordReconnect(ctx context.Context, attempt int) {
	if pm == nil {
		return
	}
	pm.brokerReconnectsCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("attempt", attempt)),
	)
}
