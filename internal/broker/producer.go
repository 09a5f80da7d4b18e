package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/backoff"
	"github.com/bizmatters/collab/event-relay/internal/logging"
)

const (
	DefaultConfirmTimeout = 5 * time.Second

	confirmChannelBuffer = 1
	contentTypeJSON      = "application/json"
)

// Message is one event ready for the wire
type Message struct {
	MessageID string
	Type      string
	Body      []byte
	Headers   amqp.Table
	Timestamp time.Time
}

// ProducerConfig configures a Producer
type ProducerConfig struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration

	// Redial bounds how often a broken connection is re-dialed
	Redial backoff.Policy
}

// ProducerOption customizes a Producer
type ProducerOption func(*Producer)

// WithDialer replaces the amqp091 dialer
func WithDialer(d Dialer) ProducerOption {
	return func(p *Producer) { p.dial = d }
}

// WithProducerLogger sets the producer logger
func WithProducerLogger(logger *zap.Logger) ProducerOption {
	return func(p *Producer) { p.logger = logger }
}

// WithConnectionListener is called whenever the producer connection goes up or down
func WithConnectionListener(fn func(connected bool)) ProducerOption {
	return func(p *Producer) { p.onConnState = fn }
}

// WithBreakerSettings overrides the publish circuit breaker settings
func WithBreakerSettings(settings gobreaker.Settings) ProducerOption {
	return func(p *Producer) { p.breakerSettings = &settings }
}

// Producer publishes persistent JSON messages to the event exchange with
// publisher confirms. The connection is dialed lazily and re-dialed after a
// failure no sooner than the Redial policy allows. After Connect a background
// monitor also watches the connection, so the reported state follows the
// broker even when nothing is being published.
type Producer struct {
	cfg             ProducerConfig
	dial            Dialer
	logger          *zap.Logger
	onConnState     func(bool)
	breakerSettings *gobreaker.Settings
	breaker         *gobreaker.CircuitBreaker

	mu          sync.Mutex
	conn        Connection
	ch          Channel
	confirms    chan amqp.Confirmation
	chClosed    chan *amqp.Error
	connClosed  chan *amqp.Error
	gen         uint64
	connected   bool
	closed      bool
	monitoring  bool
	dialAttempt int
	nextDial    time.Time
	now         func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewProducer creates a producer. No connection is opened until Connect or the first Publish.
func NewProducer(cfg ProducerConfig, opts ...ProducerOption) *Producer {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.Redial.Base <= 0 {
		cfg.Redial = backoff.Policy{Base: time.Second, Cap: 30 * time.Second}
	}

	p := &Producer{
		cfg:    cfg,
		dial:   Dial,
		logger: zap.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	settings := gobreaker.Settings{
		Name:        "rabbitmq-producer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	if p.breakerSettings != nil {
		settings = *p.breakerSettings
	}
	p.breaker = gobreaker.NewCircuitBreaker(settings)

	return p
}

// Connect dials eagerly, declares the exchange and starts the connection
// monitor. A failed dial is returned, but the monitor keeps redialing on the
// Redial policy until Close.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}

	_, _, err := p.ensureChannelLocked(ctx, true)

	if !p.monitoring {
		p.monitoring = true
		p.wg.Add(1)
		go p.monitor(context.WithoutCancel(ctx))
	}
	return err
}

// monitor marks the producer disconnected as soon as the broker closes the
// connection or channel and redials while disconnected
func (p *Producer) monitor(ctx context.Context) {
	defer p.wg.Done()

	for {
		connClosed, chClosed, gen, retryIn, ok := p.watchState(ctx)
		if !ok {
			return
		}

		if retryIn > 0 {
			timer := time.NewTimer(retryIn)
			select {
			case <-p.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		var (
			what    string
			amqpErr *amqp.Error
		)
		select {
		case <-p.stop:
			return
		case amqpErr = <-connClosed:
			what = "connection"
		case amqpErr = <-chClosed:
			what = "channel"
		}
		p.handleClose(ctx, gen, what, amqpErr)
	}
}

// watchState redials when a dial is due. It returns the close notifications
// of the live connection, or how long to wait before the next dial.
func (p *Producer) watchState(ctx context.Context) (connClosed, chClosed <-chan *amqp.Error, gen uint64, retryIn time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, 0, 0, false
	}

	if p.ch == nil {
		if wait := p.nextDial.Sub(p.now()); wait > 0 {
			return nil, nil, 0, wait, true
		}
		if _, _, err := p.ensureChannelLocked(ctx, false); err != nil {
			return nil, nil, 0, max(p.nextDial.Sub(p.now()), time.Millisecond), true
		}
	}

	return p.connClosed, p.chClosed, p.gen, 0, true
}

// handleClose drops the connection identified by gen unless a publish has
// already replaced it
func (p *Producer) handleClose(ctx context.Context, gen uint64, what string, amqpErr *amqp.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.ch == nil || p.gen != gen {
		return
	}

	logging.Warn(ctx, p.logger, "producer lost broker "+what, zap.Any("reason", amqpErr))
	p.resetLocked()
}

// Publish sends msg with the routing key and waits for the broker confirm
func (p *Producer) Publish(ctx context.Context, routingKey string, msg Message) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, routingKey, msg)
	})
	return err
}

func (p *Producer) publish(ctx context.Context, routingKey string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProducerClosed
	}

	ch, confirms, err := p.ensureChannelLocked(ctx, false)
	if err != nil {
		return err
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = p.now().UTC()
	}

	publishing := amqp.Publishing{
		Headers:      InjectTrace(ctx, cloneTable(msg.Headers)),
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Type:         msg.Type,
		Timestamp:    timestamp,
		Body:         msg.Body,
	}

	if err := ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, publishing); err != nil {
		p.resetLocked()
		return fmt.Errorf("%w: publish: %w", ErrNotConnected, err)
	}

	if err := p.waitForConfirm(ctx, confirms); err != nil {
		// A missing confirm desynchronizes the confirm stream, so start over
		// on a fresh channel.
		if !errors.Is(err, ErrPublishNacked) {
			p.resetLocked()
		}
		return err
	}

	return nil
}

func (p *Producer) waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation) error {
	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return fmt.Errorf("%w: confirm stream closed", ErrNotConnected)
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConfirmTimeout, ctx.Err())
	}
}

// ensureChannelLocked returns a live confirm-mode channel, dialing if needed.
// force skips the redial rate limit.
func (p *Producer) ensureChannelLocked(ctx context.Context, force bool) (Channel, chan amqp.Confirmation, error) {
	if p.ch != nil {
		select {
		case amqpErr := <-p.chClosed:
			logging.Warn(ctx, p.logger, "producer channel closed", zap.Any("reason", amqpErr))
			p.resetLocked()
		default:
			return p.ch, p.confirms, nil
		}
	}

	if !force && p.now().Before(p.nextDial) {
		return nil, nil, fmt.Errorf("%w: next redial at %s", ErrNotConnected, p.nextDial.Format(time.RFC3339))
	}

	if err := p.dialLocked(); err != nil {
		p.nextDial = p.now().Add(p.cfg.Redial.Delay(p.dialAttempt))
		p.dialAttempt++
		logging.Warn(ctx, p.logger, "producer failed to connect to broker",
			zap.Int("attempt", p.dialAttempt),
			zap.Time("next_dial", p.nextDial),
			zap.Error(err),
		)
		return nil, nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	p.dialAttempt = 0
	p.nextDial = time.Time{}
	p.setConnectedLocked(true)
	logging.Info(ctx, p.logger, "producer connected to broker", zap.String("exchange", p.cfg.Exchange))

	return p.ch, p.confirms, nil
}

func (p *Producer) dialLocked() error {
	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable confirm mode: %w", err)
	}

	if err := DeclareExchange(ch, p.cfg.Exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.conn = conn
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	p.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.gen++

	return nil
}

func (p *Producer) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.ch = nil
	p.conn = nil
	p.confirms = nil
	p.chClosed = nil
	p.connClosed = nil
	p.setConnectedLocked(false)
}

func (p *Producer) setConnectedLocked(connected bool) {
	if p.connected == connected {
		return
	}
	p.connected = connected
	if p.onConnState != nil {
		p.onConnState(connected)
	}
}

// IsConnected reports whether the producer currently holds a live channel
func (p *Producer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Close stops the monitor and releases the channel and connection. Publish
// fails afterwards.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	p.ch = nil
	p.conn = nil
	p.chClosed = nil
	p.connClosed = nil
	p.setConnectedLocked(false)
	p.mu.Unlock()

	p.wg.Wait()
	return errors.Join(errs...)
}

func cloneTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t)+2)
	for k, v := range t {
		out[k] = v
	}
	return out
}
