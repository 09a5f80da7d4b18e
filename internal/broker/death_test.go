package broker

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseXDeath(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		assert.Nil(t, ParseXDeath(nil))
		assert.Nil(t, ParseXDeath(amqp.Table{"other": "x"}))
	})

	t.Run("wrong header type", func(t *testing.T) {
		assert.Nil(t, ParseXDeath(amqp.Table{"x-death": "not-a-list"}))
	})

	t.Run("records from both queues", func(t *testing.T) {
		headers := amqp.Table{
			"x-death": []interface{}{
				amqp.Table{
					"queue":        "orders_queue_waiting_room",
					"reason":       "expired",
					"count":        int64(2),
					"exchange":     "",
					"routing-keys": []interface{}{"orders_queue_waiting_room"},
				},
				amqp.Table{
					"queue":  "orders_queue",
					"reason": "rejected",
					"count":  int32(3),
				},
				"garbage",
			},
		}

		records := ParseXDeath(headers)
		require.Len(t, records, 2)

		assert.Equal(t, DeathRecord{
			Queue:       "orders_queue_waiting_room",
			Reason:      "expired",
			Count:       2,
			RoutingKeys: []string{"orders_queue_waiting_room"},
		}, records[0])
		assert.Equal(t, int64(3), records[1].Count)
		assert.Equal(t, "rejected", records[1].Reason)
	})
}

func TestDeathCount(t *testing.T) {
	headers := amqp.Table{
		"x-death": []interface{}{
			amqp.Table{"queue": "a_queue", "count": int64(4)},
			amqp.Table{"queue": "a_queue_waiting_room", "count": int64(1)},
		},
	}

	assert.Equal(t, 1, DeathCount(headers, "a_queue_waiting_room"))
	assert.Equal(t, 4, DeathCount(headers, "a_queue"))
	assert.Equal(t, 0, DeathCount(headers, "b_queue"))
	assert.Equal(t, 0, DeathCount(nil, "a_queue"))
}

func TestIntField_MissingCount(t *testing.T) {
	records := ParseXDeath(amqp.Table{"x-death": []interface{}{amqp.Table{"queue": "q"}}})
	require.Len(t, records, 1)
	assert.Zero(t, records[0].Count)
}
