// Package consumer runs typed event handlers against RabbitMQ queues.
//
// Each EventConsumer owns three queues. A failed delivery is rejected from the
// main queue into a waiting room, expires there after a TTL and dead-letters
// back into main. The broker counts those round trips in the x-death header;
// once a message has been through the waiting room MaxRetries times, the next
// failure moves it to the parking lot with diagnostic headers.
//
// Order is not preserved across retries: a retried message re-enters the main
// queue behind anything published while it was waiting.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/metrics"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

// Headers added to parked messages
const (
	HeaderFailureReason    = "failure-reason"
	HeaderFailureTimestamp = "failure-timestamp"
	HeaderOriginalQueue    = "original-queue"
	HeaderTotalRetries     = "total-retries"
)

// Handler processes one event. A nil return acks the delivery; any error
// sends it through the retry path. Handlers may see the same event more than
// once and must be idempotent.
type Handler[T any] func(ctx context.Context, event *models.EventEnvelope[T]) error

// Config describes one consumer
type Config struct {
	Exchange       string
	EventType      string
	QueuePrefix    string
	MaxRetries     int
	WaitingRoomTTL time.Duration
	Prefetch       int

	// ParkTimeout bounds the parking lot publish. Default is 5 seconds.
	ParkTimeout time.Duration
}

func (c *Config) validate() error {
	var errs []error
	if c.Exchange == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	if c.EventType == "" {
		errs = append(errs, errors.New("event type is required"))
	}
	if c.QueuePrefix == "" {
		errs = append(errs, errors.New("queue prefix is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if c.WaitingRoomTTL <= 0 {
		errs = append(errs, errors.New("waiting room ttl must be positive"))
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = 5 * time.Second
	}
	return errors.Join(errs...)
}

// Runner is what the Orchestrator needs from a consumer, independent of its
// payload type
type Runner interface {
	Name() string
	// Setup declares the consumer's queues and bindings on ch
	Setup(ch broker.Channel) error
	// Start registers the consumer on ch and begins handling deliveries
	Start(ctx context.Context, ch broker.Channel) error
	// Stop cancels the registration and waits for in-flight handlers, bounded by ctx
	Stop(ctx context.Context) error
}

// EventConsumer decodes envelopes carrying a T and hands them to a Handler
type EventConsumer[T any] struct {
	cfg     Config
	queues  broker.QueueNames
	handler Handler[T]

	logger  *zap.Logger
	metrics *metrics.PipelineMetrics
	tracer  trace.Tracer
	now     func() time.Time

	mu      sync.Mutex
	tag     string
	ch      broker.Channel
	workers *sync.WaitGroup
}

var _ Runner = (*EventConsumer[struct{}])(nil)

// Option configures an EventConsumer
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.PipelineMetrics
	now     func() time.Time
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source used for failure timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a consumer for cfg.EventType. Prefetch defaults to 10.
func New[T any](cfg Config, handler Handler[T], opts ...Option) (*EventConsumer[T], error) {
	if handler == nil {
		return nil, errors.New("consumer: handler is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("consumer %s: %w", cfg.QueuePrefix, err)
	}

	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &EventConsumer[T]{
		cfg:     cfg,
		queues:  broker.QueueNamesFor(cfg.QueuePrefix),
		handler: handler,
		logger: o.logger.With(
			zap.String("consumer", cfg.QueuePrefix),
			zap.String("event_type", cfg.EventType),
		),
		metrics: o.metrics,
		tracer:  otel.Tracer("event-consumer"),
		now:     o.now,
	}, nil
}

func (c *EventConsumer[T]) Name() string { return c.cfg.QueuePrefix }

// Queues returns the queue triple backing this consumer
func (c *EventConsumer[T]) Queues() broker.QueueNames { return c.queues }

func (c *EventConsumer[T]) Setup(ch broker.Channel) error {
	return broker.DeclareRetryTopology(ch, broker.RetryTopology{
		Exchange:       c.cfg.Exchange,
		RoutingKey:     c.cfg.EventType,
		Queues:         c.queues,
		WaitingRoomTTL: c.cfg.WaitingRoomTTL,
	})
}

func (c *EventConsumer[T]) Start(ctx context.Context, ch broker.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tag != "" {
		return fmt.Errorf("consumer %s: %w", c.cfg.QueuePrefix, ErrAlreadyRunning)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch for %s: %w", c.queues.Main, err)
	}

	tag := c.queues.Main + "-" + uuid.NewString()
	deliveries, err := ch.Consume(c.queues.Main, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queues.Main, err)
	}

	workers := &sync.WaitGroup{}
	c.tag, c.ch, c.workers = tag, ch, workers

	// In-flight handlers finish even when the caller's context ends.
	handlerCtx := context.WithoutCancel(ctx)
	for i := 0; i < c.cfg.Prefetch; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range deliveries {
				c.handle(handlerCtx, ch, d)
			}
		}()
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queues.Main),
		zap.Int("prefetch", c.cfg.Prefetch),
		zap.Int("max_retries", c.cfg.MaxRetries),
	)
	return nil
}

func (c *EventConsumer[T]) Stop(ctx context.Context) error {
	c.mu.Lock()
	tag, ch, workers := c.tag, c.ch, c.workers
	c.tag, c.ch, c.workers = "", nil, nil
	c.mu.Unlock()

	if tag == "" {
		return nil
	}

	var cancelErr error
	if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		cancelErr = fmt.Errorf("failed to cancel %s: %w", tag, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		workers.Wait()
	}()

	select {
	case <-done:
		c.logger.Info("consumer stopped", zap.String("queue", c.queues.Main))
		return cancelErr
	case <-ctx.Done():
		return errors.Join(cancelErr, fmt.Errorf("waiting for %s handlers: %w", c.queues.Main, ctx.Err()))
	}
}

func (c *EventConsumer[T]) handle(ctx context.Context, ch broker.Channel, d amqp.Delivery) {
	start := c.now()

	ctx = broker.ExtractTrace(ctx, d.Headers)
	ctx, span := c.tracer.Start(ctx, c.queues.Main+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.queues.Main),
			attribute.String("messaging.message.id", d.MessageId),
		),
	)
	defer span.End()

	c.metrics.HandlerStarted(ctx, c.queues.Main)

	logger := c.logger.With(zap.String("message_id", d.MessageId))

	event, err := c.decode(d.Body)
	if err == nil {
		logger = logger.With(
			zap.String("event_id", event.EventID),
			zap.String("correlation_id", event.Metadata.CorrelationID),
			zap.String("user_id", event.Metadata.UserID),
		)
		err = c.invoke(logging.WithContext(ctx, logger), event)
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logging.Error(ctx, logger, "failed to ack message", zap.Error(ackErr))
		}
		c.metrics.RecordAcked(ctx, c.queues.Main, c.now().Sub(start))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.fail(ctx, ch, d, logger, err, start)
}

func (c *EventConsumer[T]) decode(body []byte) (*models.EventEnvelope[T], error) {
	var event models.EventEnvelope[T]
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if event.EventID == "" {
		return nil, fmt.Errorf("%w: missing eventId", ErrMalformedEnvelope)
	}
	return &event, nil
}

func (c *EventConsumer[T]) invoke(ctx context.Context, event *models.EventEnvelope[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.handler(ctx, event)
}

// fail decides between another waiting room round trip and the parking lot
func (c *EventConsumer[T]) fail(ctx context.Context, ch broker.Channel, d amqp.Delivery, logger *zap.Logger, cause error, start time.Time) {
	retries := broker.DeathCount(d.Headers, c.queues.WaitingRoom)

	if retries < c.cfg.MaxRetries {
		logging.Warn(ctx, logger, "handler failed, scheduling retry",
			zap.Int("retry", retries+1),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Error(cause),
		)
		c.retry(ctx, d, logger, start)
		return
	}

	if err := c.park(ctx, ch, d, cause, retries); err != nil {
		logging.Error(ctx, logger, "failed to park message, scheduling retry instead",
			zap.Error(err),
			zap.NamedError("cause", cause),
		)
		c.retry(ctx, d, logger, start)
		return
	}

	if err := d.Ack(false); err != nil {
		logging.Error(ctx, logger, "failed to ack parked message", zap.Error(err))
	}
	logging.Error(ctx, logger, "message moved to parking lot",
		zap.String("parking_lot", c.queues.ParkingLot),
		zap.Int("total_retries", retries),
		zap.Error(cause),
	)
	c.metrics.RecordParked(ctx, c.queues.Main, c.now().Sub(start))
}

func (c *EventConsumer[T]) retry(ctx context.Context, d amqp.Delivery, logger *zap.Logger, start time.Time) {
	if err := d.Nack(false, false); err != nil {
		logging.Error(ctx, logger, "failed to nack message", zap.Error(err))
	}
	c.metrics.RecordRetried(ctx, c.queues.Main, c.now().Sub(start))
}

func (c *EventConsumer[T]) park(ctx context.Context, ch broker.Channel, d amqp.Delivery, cause error, retries int) error {
	headers := make(amqp.Table, len(d.Headers)+4)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderFailureReason] = cause.Error()
	headers[HeaderFailureTimestamp] = c.now().UTC().Format(time.RFC3339)
	headers[HeaderOriginalQueue] = c.queues.Main
	headers[HeaderTotalRetries] = int64(retries)

	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ParkTimeout)
	defer cancel()

	return ch.PublishWithContext(ctx, broker.DefaultExchange, c.queues.ParkingLot, false, false, amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Type:          d.Type,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	})
}
