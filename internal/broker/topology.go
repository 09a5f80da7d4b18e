package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeKindTopic = "topic"

	// DefaultExchange routes by queue name
	DefaultExchange = ""

	headerDeadLetterExchange   = "x-dead-letter-exchange"
	headerDeadLetterRoutingKey = "x-dead-letter-routing-key"
	headerMessageTTL           = "x-message-ttl"
)

// DeclareExchange declares the durable topic exchange every event is published to
func DeclareExchange(ch Channel, name string) error {
	if err := ch.ExchangeDeclare(name, ExchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// QueueNames is the queue triple backing one consumer
type QueueNames struct {
	Main        string
	WaitingRoom string
	ParkingLot  string
}

// QueueNamesFor derives the queue triple from a consumer prefix
func QueueNamesFor(prefix string) QueueNames {
	main := prefix + "_queue"
	return QueueNames{
		Main:        main,
		WaitingRoom: main + "_waiting_room",
		ParkingLot:  main + "_parking_lot",
	}
}

// RetryTopology describes the queues and bindings for one event type
type RetryTopology struct {
	Exchange       string
	RoutingKey     string
	Queues         QueueNames
	WaitingRoomTTL time.Duration
}

// DeclareRetryTopology declares main, waiting room and parking lot queues and
// binds main to the exchange. A rejected message on main dead-letters into the
// waiting room, expires after the TTL and dead-letters back into main.
func DeclareRetryTopology(ch Channel, t RetryTopology) error {
	mainArgs := amqp.Table{
		headerDeadLetterExchange:   DefaultExchange,
		headerDeadLetterRoutingKey: t.Queues.WaitingRoom,
	}
	if _, err := ch.QueueDeclare(t.Queues.Main, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queues.Main, err)
	}

	waitingArgs := amqp.Table{
		headerMessageTTL:           t.WaitingRoomTTL.Milliseconds(),
		headerDeadLetterExchange:   DefaultExchange,
		headerDeadLetterRoutingKey: t.Queues.Main,
	}
	if _, err := ch.QueueDeclare(t.Queues.WaitingRoom, true, false, false, false, waitingArgs); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queues.WaitingRoom, err)
	}

	if _, err := ch.QueueDeclare(t.Queues.ParkingLot, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queues.ParkingLot, err)
	}

	if err := ch.QueueBind(t.Queues.Main, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", t.Queues.Main, t.Exchange, err)
	}

	return nil
}
