package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/backoff"
	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/health"
	"github.com/bizmatters/collab/event-relay/internal/metrics"
)

// State is the connection state of an Orchestrator
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateExhausted is terminal; the process needs a restart to reconnect
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OrchestratorConfig controls connection supervision
type OrchestratorConfig struct {
	URL      string
	Exchange string

	// MaxReconnectAttempts is the number of consecutive failed connection
	// attempts tolerated. A failed dial or topology setup counts as one. A
	// dropped connection does not count, so the first reconnect after a drop
	// is always tried.
	MaxReconnectAttempts int
	Reconnect            backoff.Policy

	// CloseTimeout bounds each shutdown step. Default is 10 seconds.
	CloseTimeout time.Duration
}

// Orchestrator owns the consumer side broker connection and one channel
// shared by every registered consumer. It redeclares the topology and restarts
// all consumers after each reconnect.
type Orchestrator struct {
	cfg       OrchestratorConfig
	dial      broker.Dialer
	health    health.Reporter
	logger    *zap.Logger
	metrics   *metrics.PipelineMetrics
	sleep     func(ctx context.Context, d time.Duration) error
	consumers []Runner

	state   atomic.Int32
	running atomic.Bool

	// mu guards conn, ch and consumers before Run
	mu   sync.Mutex
	conn broker.Connection
	ch   broker.Channel

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithDialer replaces the amqp091 dialer
func WithDialer(d broker.Dialer) OrchestratorOption {
	return func(o *Orchestrator) { o.dial = d }
}

// WithHealth reports connectivity to r
func WithHealth(r health.Reporter) OrchestratorOption {
	return func(o *Orchestrator) { o.health = r }
}

func WithOrchestratorLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithOrchestratorMetrics(m *metrics.PipelineMetrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleep replaces the backoff wait
func WithSleep(fn func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = fn }
}

type nopReporter struct{}

func (nopReporter) SetPublisherConnected(bool) {}
func (nopReporter) SetConsumerConnected(bool) {}
func (nopReporter) MarkConsumerExhausted() {}

func NewOrchestrator(cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}

	o := &Orchestrator{
		cfg:     cfg,
		dial:    broker.Dial,
		health:  nopReporter{},
		logger:  zap.NewNop(),
		sleep:   backoff.Sleep,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a consumer. It fails with ErrAlreadyRunning once Run has
// started and is safe to call concurrently with Run.
func (o *Orchestrator) Register(r Runner) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running.Load() {
		return fmt.Errorf("register %s: %w", r.Name(), ErrAlreadyRunning)
	}
	o.consumers = append(o.consumers, r)
	return nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
}

// Run connects and keeps the consumers running until ctx is done or Close is
// called, both of which return nil. It returns ErrReconnectExhausted when the
// failure budget is spent.
func (o *Orchestrator) Run(ctx context.Context) error {
	select {
	case <-o.closing:
		return ErrClosed
	default:
	}
	// Registrations happen before this point or are refused.
	o.mu.Lock()
	started := o.running.CompareAndSwap(false, true)
	o.mu.Unlock()
	if !started {
		return ErrAlreadyRunning
	}
	defer close(o.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	// failures is the exhaustion budget; attempt indexes the backoff delay
	failures, attempt := 0, 0
	for {
		o.setState(StateConnecting)

		connClosed, chClosed, err := o.connect(ctx)
		dropped := err == nil
		if err == nil {
			failures, attempt = 0, 0
			o.setState(StateConnected)
			o.health.SetConsumerConnected(true)
			o.logger.Info("consumer connected to broker", zap.Int("consumers", len(o.consumers)))

			err = o.wait(ctx, connClosed, chClosed)
			if err == nil {
				o.shutdown()
				return nil
			}
			o.logger.Warn("broker connection lost", zap.Error(err))
		} else if ctx.Err() == nil {
			o.logger.Warn("failed to connect to broker", zap.Error(err), zap.Int("failures", failures+1))
		}

		o.teardown()
		o.setState(StateDisconnected)
		o.health.SetConsumerConnected(false)

		if ctx.Err() != nil {
			return nil
		}

		if !dropped {
			failures++
		}
		if failures >= o.cfg.MaxReconnectAttempts {
			o.setState(StateExhausted)
			o.health.MarkConsumerExhausted()
			o.logger.Error("giving up on broker reconnect",
				zap.Int("failures", failures),
				zap.Error(err),
			)
			return fmt.Errorf("%w after %d consecutive failures: %w", ErrReconnectExhausted, failures, err)
		}

		delay := o.cfg.Reconnect.Delay(attempt)
		attempt++
		o.metrics.RecordReconnect(ctx, attempt)
		o.logger.Info("scheduling broker reconnect",
			zap.Int("attempt", attempt),
			zap.Int("failures", failures),
			zap.Duration("delay", delay),
		)

		if err := o.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// connect dials, opens the shared channel, declares the exchange and starts
// every consumer from scratch
func (o *Orchestrator) connect(ctx context.Context) (<-chan *amqp.Error, <-chan *amqp.Error, error) {
	conn, err := o.dial(o.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}

	raw, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	ch := broker.NewSerializedChannel(raw)

	// Separate channels: the connection and the channel each close their own.
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	o.mu.Lock()
	o.conn, o.ch = conn, ch
	o.mu.Unlock()

	if err := broker.DeclareExchange(ch, o.cfg.Exchange); err != nil {
		return nil, nil, err
	}

	for _, r := range o.consumers {
		if err := r.Setup(ch); err != nil {
			return nil, nil, fmt.Errorf("setup %s: %w", r.Name(), err)
		}
		if err := r.Start(ctx, ch); err != nil {
			return nil, nil, fmt.Errorf("start %s: %w", r.Name(), err)
		}
	}

	return connClosed, chClosed, nil
}

// wait blocks until the connection drops, returning the cause, or until a
// shutdown is requested, returning nil
func (o *Orchestrator) wait(ctx context.Context, connClosed, chClosed <-chan *amqp.Error) error {
	select {
	case <-ctx.Done():
		return nil
	case amqpErr := <-connClosed:
		return closeCause("connection", amqpErr)
	case amqpErr := <-chClosed:
		return closeCause("channel", amqpErr)
	}
}

func closeCause(what string, amqpErr *amqp.Error) error {
	if amqpErr == nil {
		return fmt.Errorf("%s closed: %w", what, broker.ErrNotConnected)
	}
	return fmt.Errorf("%s closed: %w", what, amqpErr)
}

// teardown stops consumers and drops the connection after a failure
func (o *Orchestrator) teardown() {
	for _, r := range o.consumers {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CloseTimeout)
		if err := r.Stop(ctx); err != nil {
			o.logger.Debug("consumer stop after connection loss", zap.String("consumer", r.Name()), zap.Error(err))
		}
		cancel()
	}
	o.closeResources()
}

// shutdown is the graceful path: consumers are cancelled and drained before
// the channel and connection close
func (o *Orchestrator) shutdown() {
	o.logger.Info("stopping consumers")
	for _, r := range o.consumers {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CloseTimeout)
		if err := r.Stop(ctx); err != nil {
			o.logger.Warn("consumer did not stop cleanly", zap.String("consumer", r.Name()), zap.Error(err))
		}
		cancel()
	}
	o.closeResources()
	o.setState(StateDisconnected)
	o.health.SetConsumerConnected(false)
	o.logger.Info("consumer orchestrator stopped")
}

func (o *Orchestrator) closeResources() {
	o.mu.Lock()
	conn, ch := o.conn, o.ch
	o.conn, o.ch = nil, nil
	o.mu.Unlock()

	if ch != nil {
		if err := o.bounded(ch.Close); err != nil && !errors.Is(err, amqp.ErrClosed) {
			o.logger.Warn("failed to close channel", zap.Error(err))
		}
	}
	if conn != nil {
		if err := o.bounded(conn.Close); err != nil && !errors.Is(err, amqp.ErrClosed) {
			o.logger.Warn("failed to close connection", zap.Error(err))
		}
	}
}

func (o *Orchestrator) bounded(fn func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(o.cfg.CloseTimeout):
		return fmt.Errorf("close timed out after %s", o.cfg.CloseTimeout)
	}
}

// Close requests a graceful shutdown and waits for Run to return, bounded by
// ctx. In-flight handlers are not interrupted. Calling Close more than once is safe.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() { close(o.closing) })

	if !o.running.Load() {
		return nil
	}

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer orchestrator close: %w", ctx.Err())
	}
}
