package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by producers and consumers
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the services need
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial connects to RabbitMQ with amqp091
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

// SerializedChannel guards a shared channel so declares, consume
// registration and publishes from concurrent handlers never interleave.
type SerializedChannel struct {
	mu sync.Mutex
	ch Channel
}

func NewSerializedChannel(ch Channel) *SerializedChannel {
	if sc, ok := ch.(*SerializedChannel); ok {
		return sc
	}
	return &SerializedChannel{ch: ch}
}

func (s *SerializedChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (s *SerializedChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (s *SerializedChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.QueueBind(name, key, exchange, noWait, args)
}

func (s *SerializedChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Qos(prefetchCount, prefetchSize, global)
}

func (s *SerializedChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (s *SerializedChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (s *SerializedChannel) Cancel(consumer string, noWait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Cancel(consumer, noWait)
}

func (s *SerializedChannel) Confirm(noWait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Confirm(noWait)
}

func (s *SerializedChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	return s.ch.NotifyPublish(confirm)
}

func (s *SerializedChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return s.ch.NotifyClose(c)
}

func (s *SerializedChannel) Close() error {
	return s.ch.Close()
}
