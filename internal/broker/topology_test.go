package broker_test

import (
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/broker/brokertest"
)

func TestQueueNamesFor(t *testing.T) {
	names := broker.QueueNamesFor("channel_deleted")

	assert.Equal(t, "channel_deleted_queue", names.Main)
	assert.Equal(t, "channel_deleted_queue_waiting_room", names.WaitingRoom)
	assert.Equal(t, "channel_deleted_queue_parking_lot", names.ParkingLot)
}

func TestDeclareExchange(t *testing.T) {
	ch := brokertest.NewChannel()

	require.NoError(t, broker.DeclareExchange(ch, "collab.events"))
	require.NoError(t, broker.DeclareExchange(ch, "collab.events"))

	require.Len(t, ch.Exchanges, 2)
	assert.Equal(t, brokertest.ExchangeDecl{Name: "collab.events", Kind: "topic", Durable: true}, ch.Exchanges[0])
}

func TestDeclareRetryTopology(t *testing.T) {
	ch := brokertest.NewChannel()
	names := broker.QueueNamesFor("channel_deleted")

	err := broker.DeclareRetryTopology(ch, broker.RetryTopology{
		Exchange:       "collab.events",
		RoutingKey:     "channel.deleted",
		Queues:         names,
		WaitingRoomTTL: 15 * time.Second,
	})
	require.NoError(t, err)

	require.Len(t, ch.Queues, 3)
	for _, q := range ch.Queues {
		assert.True(t, q.Durable, q.Name)
	}

	t.Run("main dead-letters into the waiting room", func(t *testing.T) {
		main := ch.Queues[0]
		assert.Equal(t, names.Main, main.Name)
		assert.Equal(t, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": names.WaitingRoom,
		}, main.Args)
	})

	t.Run("waiting room expires back into main", func(t *testing.T) {
		waiting := ch.Queues[1]
		assert.Equal(t, names.WaitingRoom, waiting.Name)
		assert.Equal(t, amqp.Table{
			"x-message-ttl":             int64(15000),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": names.Main,
		}, waiting.Args)
	})

	t.Run("parking lot is plain", func(t *testing.T) {
		parking := ch.Queues[2]
		assert.Equal(t, names.ParkingLot, parking.Name)
		assert.Nil(t, parking.Args)
	})

	t.Run("only main is bound", func(t *testing.T) {
		require.Len(t, ch.Bindings, 1)
		assert.Equal(t, brokertest.Binding{Queue: names.Main, Key: "channel.deleted", Exchange: "collab.events"}, ch.Bindings[0])
	})
}

func TestDeclareRetryTopology_Error(t *testing.T) {
	ch := brokertest.NewChannel()
	ch.DeclareErr = errors.New("PRECONDITION_FAILED")

	err := broker.DeclareRetryTopology(ch, broker.RetryTopology{Queues: broker.QueueNamesFor("x")})
	assert.ErrorContains(t, err, "x_queue")
}

func TestSerializedChannel_Wraps(t *testing.T) {
	inner := brokertest.NewChannel()
	sc := broker.NewSerializedChannel(inner)

	assert.Same(t, sc, broker.NewSerializedChannel(sc))
	require.NoError(t, broker.DeclareExchange(sc, "ex"))
	assert.Len(t, inner.Exchanges, 1)
}
