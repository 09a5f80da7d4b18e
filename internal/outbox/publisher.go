package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/metrics"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

// ClaimStore is the part of Store the publisher drives
type ClaimStore interface {
	FindPending(ctx context.Context, tx pgx.Tx, limit int) ([]models.OutboxEvent, error)
	FindFailedForRetry(ctx context.Context, tx pgx.Tx, maxAttempts, limit int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// EventProducer sends one message to the broker
type EventProducer interface {
	Publish(ctx context.Context, routingKey string, msg broker.Message) error
	Close() error
}

// ErrPublisherStopped is returned by Start after Stop
var ErrPublisherStopped = errors.New("outbox publisher stopped")

// PublishError indicates a row could not be handed to the broker
type PublishError struct {
	EventID uuid.UUID
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing event %s: %v", e.EventID, e.Err)
}
func (e *PublishError) Unwrap() error { return e.Err }

// ClaimError indicates the batch could not be read or committed
type ClaimError struct {
	Phase string
	Err   error
}

func (e *ClaimError) Error() string { return fmt.Sprintf("outbox %s cycle: %v", e.Phase, e.Err) }
func (e *ClaimError) Unwrap() error { return e.Err }

const (
	phasePending = "pending"
	phaseRetry   = "retry"
)

// CycleResult counts what one RunOnce did
type CycleResult struct {
	Claimed   int
	Published int
	Failed    int
}

func (r CycleResult) add(o CycleResult) CycleResult {
	return CycleResult{
		Claimed:   r.Claimed + o.Claimed,
		Published: r.Published + o.Published,
		Failed:    r.Failed + o.Failed,
	}
}

// Publisher drains the outbox table to the broker on a fixed interval.
// Several publishers may run against the same table; row locks keep each row
// owned by one publisher per cycle.
type Publisher struct {
	db       database.TxBeginner
	store    ClaimStore
	producer EventProducer

	batchSize      int
	pollInterval   time.Duration
	publishTimeout time.Duration
	maxAttempts    int

	logger  *zap.Logger
	metrics *metrics.PipelineMetrics
	tracer  trace.Tracer
	now     func() time.Time

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithBatchSize sets the number of rows claimed per cycle. Default is 50.
func WithBatchSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets the time between cycles. Default is 1 second.
func WithPollInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithPublishTimeout bounds each broker publish. Default is 5 seconds.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.publishTimeout = d
		}
	}
}

// WithMaxAttempts sets how many failed publishes a row may accumulate before
// it is no longer retried. Default is 5.
func WithMaxAttempts(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

func WithMetrics(m *metrics.PipelineMetrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher creates a publisher. Call Start to begin polling.
func NewPublisher(db database.TxBeginner, store ClaimStore, producer EventProducer, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		db:             db,
		store:          store,
		producer:       producer,
		batchSize:      50,
		pollInterval:   time.Second,
		publishTimeout: 5 * time.Second,
		maxAttempts:    5,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("outbox-publisher"),
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the poll loop. Calling Start on a running publisher has no effect.
func (p *Publisher) Start() error {
	if p.stopped.Load() {
		return ErrPublisherStopped
	}
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	p.wg.Add(1)
	go p.loop()

	p.logger.Info("outbox publisher started",
		zap.Int("batch_size", p.batchSize),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Int("max_attempts", p.maxAttempts),
	)
	return nil
}

// IsRunning reports whether the poll loop is active
func (p *Publisher) IsRunning() bool {
	return p.started.Load() && !p.stopped.Load()
}

// Stop prevents new cycles, waits for the running one to finish and closes the
// producer. ctx bounds the wait.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("outbox publisher stop: %w", ctx.Err())
	}

	closeErr := p.producer.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close producer: %w", closeErr)
	}

	p.logger.Info("outbox publisher stopped")
	return errors.Join(waitErr, closeErr)
}

func (p *Publisher) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		// A cycle in progress runs to completion even if Stop is called meanwhile.
		if _, err := p.RunOnce(context.Background()); err != nil {
			p.logger.Error("outbox cycle failed", zap.Error(err))
		}

		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one retry pass over failed rows and one pass over pending
// rows. Failed rows are visited first so a row that fails during this call is
// not attempted again until the next tick.
func (p *Publisher) RunOnce(ctx context.Context) (CycleResult, error) {
	retry, retryErr := p.runPhase(ctx, phaseRetry)
	pending, pendingErr := p.runPhase(ctx, phasePending)
	return pending.add(retry), errors.Join(pendingErr, retryErr)
}

func (p *Publisher) runPhase(ctx context.Context, phase string) (CycleResult, error) {
	start := p.now()

	ctx, span := p.tracer.Start(ctx, "OutboxPublisher."+phase)
	defer span.End()

	var result CycleResult
	err := database.WithTx(ctx, p.db, func(tx pgx.Tx) error {
		events, err := p.claim(ctx, tx, phase)
		if err != nil {
			return err
		}
		result.Claimed = len(events)

		for i := range events {
			event := &events[i]

			if pubErr := p.publishEvent(ctx, event); pubErr != nil {
				logging.Warn(ctx, p.logger, "failed to publish outbox event",
					zap.String("event_id", event.ID.String()),
					zap.String("event_type", event.EventType),
					zap.Int("failed_attempts", event.FailedAttempts+1),
					zap.Error(pubErr),
				)
				p.metrics.RecordOutboxFailed(ctx, event.EventType, errorType(pubErr))

				if err := p.store.MarkFailed(ctx, tx, event.ID); err != nil {
					return err
				}
				result.Failed++

				if event.FailedAttempts+1 >= p.maxAttempts {
					logging.Error(ctx, p.logger, "outbox event exhausted publish attempts",
						zap.String("event_id", event.ID.String()),
						zap.String("event_type", event.EventType),
						zap.Int("max_attempts", p.maxAttempts),
					)
				}
				continue
			}

			if err := p.store.MarkPublished(ctx, tx, event.ID); err != nil {
				return err
			}
			result.Published++
			p.metrics.RecordOutboxPublished(ctx, event.EventType)
		}

		return nil
	})

	p.metrics.RecordOutboxCycle(ctx, phase, result.Claimed, p.now().Sub(start))
	span.SetAttributes(
		attribute.Int("outbox.claimed", result.Claimed),
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.failed", result.Failed),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// The transaction rolled back, so none of the marks were kept.
		return CycleResult{Claimed: result.Claimed}, &ClaimError{Phase: phase, Err: err}
	}

	if result.Claimed > 0 {
		logging.Debug(ctx, p.logger, "outbox cycle complete",
			zap.String("phase", phase),
			zap.Int("claimed", result.Claimed),
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed),
		)
	}

	return result, nil
}

func (p *Publisher) claim(ctx context.Context, tx pgx.Tx, phase string) ([]models.OutboxEvent, error) {
	if phase == phaseRetry {
		return p.store.FindFailedForRetry(ctx, tx, p.maxAttempts, p.batchSize)
	}
	return p.store.FindPending(ctx, tx, p.batchSize)
}

func (p *Publisher) publishEvent(ctx context.Context, event *models.OutboxEvent) error {
	body, err := json.Marshal(p.envelope(ctx, event))
	if err != nil {
		return &PublishError{EventID: event.ID, Err: fmt.Errorf("encode envelope: %w", err)}
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	headers := amqp.Table{"workspace-id": event.WorkspaceID.String()}
	if event.ChannelID != nil {
		headers["channel-id"] = event.ChannelID.String()
	}

	err = p.producer.Publish(pubCtx, event.EventType, broker.Message{
		MessageID: event.ID.String(),
		Type:      event.EventType,
		Body:      body,
		Headers:   headers,
	})
	if err != nil {
		return &PublishError{EventID: event.ID, Err: err}
	}
	return nil
}

func (p *Publisher) envelope(ctx context.Context, event *models.OutboxEvent) models.EventEnvelope[json.RawMessage] {
	meta := event.Metadata
	if meta.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			meta.TraceID = sc.TraceID().String()
		}
	}

	data := event.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	return models.EventEnvelope[json.RawMessage]{
		EventID:       event.ID.String(),
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     p.now().UTC(),
		Version:       models.EnvelopeVersion,
		Metadata:      meta,
		Data:          data,
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, broker.ErrConfirmTimeout):
		return "timeout"
	case errors.Is(err, broker.ErrPublishNacked):
		return "nacked"
	case broker.IsTransient(err):
		return "broker_unavailable"
	default:
		return "publish_error"
	}
}
