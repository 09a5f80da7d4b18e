// Package brokertest provides in-memory broker fakes for unit tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bizmatters/collab/event-relay/internal/broker"
)

// Published is one message captured by a Channel
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// QueueDecl is one captured QueueDeclare call
type QueueDecl struct {
	Name    string
	Durable bool
	Args    amqp.Table
}

// Binding is one captured QueueBind call
type Binding struct {
	Queue    string
	Key      string
	Exchange string
}

// ExchangeDecl is one captured ExchangeDeclare call
type ExchangeDecl struct {
	Name    string
	Kind    string
	Durable bool
}

// Channel records every call and lets tests inject failures
type Channel struct {
	mu sync.Mutex

	Exchanges  []ExchangeDecl
	Queues     []QueueDecl
	Bindings   []Binding
	Published  []Published
	Prefetch   int
	Cancelled  []string
	Consumers  map[string]chan amqp.Delivery
	Closed     bool
	ConfirmsOn bool

	PublishErr  error
	DeclareErr  error
	ConsumeErr  error
	ConfirmErr  error
	NackPublish bool
	DropConfirm bool

	confirms     []chan amqp.Confirmation
	closeNotify  []chan *amqp.Error
	deliveryTag  uint64
	closeOnce    sync.Once
}

var _ broker.Channel = (*Channel)(nil)

func NewChannel() *Channel {
	return &Channel{Consumers: map[string]chan amqp.Delivery{}}
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return c.DeclareErr
	}
	c.Exchanges = append(c.Exchanges, ExchangeDecl{Name: name, Kind: kind, Durable: durable})
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.Queues = append(c.Queues, QueueDecl{Name: name, Durable: durable, Args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Bindings = append(c.Bindings, Binding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	deliveries := make(chan amqp.Delivery, 64)
	c.Consumers[consumer] = deliveries
	return deliveries, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Closed {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.Published = append(c.Published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})

	if c.ConfirmsOn && !c.DropConfirm {
		c.deliveryTag++
		for _, ch := range c.confirms {
			ch <- amqp.Confirmation{DeliveryTag: c.deliveryTag, Ack: !c.NackPublish}
		}
	}
	return nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cancelled = append(c.Cancelled, consumer)
	if deliveries, ok := c.Consumers[consumer]; ok {
		close(deliveries)
		delete(c.Consumers, consumer)
	}
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConfirmErr != nil {
		return c.ConfirmErr
	}
	c.ConfirmsOn = true
	return nil
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = append(c.confirms, confirm)
	return confirm
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

// Break simulates a broker-side channel close carrying err
func (c *Channel) Break(err *amqp.Error) {
	c.shutdown(err)
}

func (c *Channel) shutdown(err *amqp.Error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.Closed = true
		for _, ch := range c.closeNotify {
			if err != nil {
				ch <- err
			}
			close(ch)
		}
		for tag, deliveries := range c.Consumers {
			close(deliveries)
			delete(c.Consumers, tag)
		}
	})
}

// Deliver pushes a delivery to the named consumer
func (c *Channel) Deliver(consumer string, d amqp.Delivery) bool {
	c.mu.Lock()
	deliveries, ok := c.Consumers[consumer]
	c.mu.Unlock()
	if !ok {
		return false
	}
	deliveries <- d
	return true
}

// ConsumerTags lists the active consumer tags
func (c *Channel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.Consumers))
	for tag := range c.Consumers {
		tags = append(tags, tag)
	}
	return tags
}

// PublishedMessages returns a copy of the captured publishes
func (c *Channel) PublishedMessages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.Published...)
}

// SetPublishErr changes the injected publish error
func (c *Channel) SetPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PublishErr = err
}

// IsClosed reports whether Close or Break was called
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

// Connection hands out Channels and records closes
type Connection struct {
	mu          sync.Mutex
	Channels    []*Channel
	ChannelErr  error
	closed      bool
	closeNotify []chan *amqp.Error
	closeOnce   sync.Once
}

var _ broker.Connection = (*Connection)(nil)

func NewConnection() *Connection {
	return &Connection{}
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	ch := NewChannel()
	c.Channels = append(c.Channels, ch)
	return ch, nil
}

// LastChannel returns the most recently opened channel
func (c *Connection) LastChannel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Channels) == 0 {
		return nil
	}
	return c.Channels[len(c.Channels)-1]
}

func (c *Connection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop simulates a broker restart: the connection and its channels close with err
func (c *Connection) Drop(err *amqp.Error) {
	c.shutdown(err)
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		notify := c.closeNotify
		channels := append([]*Channel(nil), c.Channels...)
		c.mu.Unlock()

		for _, ch := range notify {
			if err != nil {
				ch <- err
			}
			close(ch)
		}
		for _, ch := range channels {
			ch.shutdown(err)
		}
	})
}

// Dialer hands out scripted connections. Each call pops the next result;
// when the script is exhausted Fallback is used.
type Dialer struct {
	mu       sync.Mutex
	script   []DialResult
	Fallback DialResult
	Calls    int
	Conns    []*Connection
}

// DialResult is one scripted dial outcome
type DialResult struct {
	Err error
}

// ErrDialRefused is the default scripted dial failure
var ErrDialRefused = errors.New("dial tcp: connection refused")

func NewDialer(script ...DialResult) *Dialer {
	return &Dialer{script: script}
}

// Dial satisfies broker.Dialer
func (d *Dialer) Dial(string) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++

	result := d.Fallback
	if len(d.script) > 0 {
		result = d.script[0]
		d.script = d.script[1:]
	}
	if result.Err != nil {
		return nil, result.Err
	}

	conn := NewConnection()
	d.Conns = append(d.Conns, conn)
	return conn, nil
}

// SetFallback changes the result used once the script runs out
func (d *Dialer) SetFallback(r DialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Fallback = r
}

// CallCount returns the number of dial attempts
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Calls
}

// LastConn returns the most recent successful connection
func (d *Dialer) LastConn() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// Acknowledger records ack/nack decisions on a delivery
type Acknowledger struct {
	mu       sync.Mutex
	Acks     int
	Nacks    int
	Rejects  int
	Requeued int
	AckErr   error
	done     chan struct{}
	once     sync.Once
}

func NewAcknowledger() *Acknowledger {
	return &Acknowledger{done: make(chan struct{})}
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks++
	a.finish()
	return a.AckErr
}

func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacks++
	if requeue {
		a.Requeued++
	}
	a.finish()
	return a.AckErr
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Rejects++
	if requeue {
		a.Requeued++
	}
	a.finish()
	return a.AckErr
}

func (a *Acknowledger) finish() {
	a.once.Do(func() { close(a.done) })
}

// Done is closed after the first ack, nack or reject
func (a *Acknowledger) Done() <-chan struct{} {
	return a.done
}

// Counts returns acks, nacks and requeues
func (a *Acknowledger) Counts() (acks, nacks, requeued int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Acks, a.Nacks, a.Requeued
}

// XDeath builds an x-death header recording count rejections out of queue
func XDeath(queue string, count int64) amqp.Table {
	return amqp.Table{
		"x-death": []interface{}{
			amqp.Table{
				"queue":        queue,
				"reason":       "expired",
				"count":        count,
				"exchange":     "",
				"routing-keys": []interface{}{queue},
			},
		},
	}
}
