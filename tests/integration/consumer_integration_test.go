//go:build integration

package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/backoff"
	"github.com/bizmatters/collab/event-relay/internal/broker"
	"github.com/bizmatters/collab/event-relay/internal/consumer"
	"github.com/bizmatters/collab/event-relay/internal/messages"
	"github.com/bizmatters/collab/event-relay/internal/models"
	"github.com/bizmatters/collab/event-relay/internal/outbox"
	"github.com/bizmatters/collab/event-relay/internal/workspace"
	"github.com/bizmatters/collab/event-relay/tests/helpers"
)

func queuePrefix(name string) string {
	return "it_" + name + "_" + uuid.NewString()[:8]
}

func startOrchestrator(t *testing.T, url string, runners ...consumer.Runner) *consumer.Orchestrator {
	t.Helper()

	orch := consumer.NewOrchestrator(consumer.OrchestratorConfig{
		URL:                  url,
		Exchange:             testExchange,
		MaxReconnectAttempts: 3,
		Reconnect:            backoff.Policy{Base: 100 * time.Millisecond, Cap: time.Second},
		CloseTimeout:         5 * time.Second,
	})
	for _, r := range runners {
		require.NoError(t, orch.Register(r))
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, orch.Close(ctx))
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return orch.State() == consumer.StateConnected },
		10*time.Second, 20*time.Millisecond)
	return orch
}

func publish(t *testing.T, ch *amqp.Channel, body []byte) {
	t.Helper()
	err := ch.PublishWithContext(context.Background(), testExchange, models.EventTypeChannelDeleted, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	require.NoError(t, err)
}

func TestConsumerIntegration_ParksAfterRetryBudget(t *testing.T) {
	url := helpers.NewTestBroker(t)
	probe := helpers.OpenChannel(t, url)

	var attempts atomic.Int32
	c, err := consumer.New(consumer.Config{
		Exchange:       testExchange,
		EventType:      models.EventTypeChannelDeleted,
		QueuePrefix:    queuePrefix("parking"),
		MaxRetries:     2,
		WaitingRoomTTL: 200 * time.Millisecond,
		Prefetch:       1,
	}, func(context.Context, *models.EventEnvelope[models.ChannelDeletedPayload]) error {
		attempts.Add(1)
		return errors.New("search index unavailable")
	})
	require.NoError(t, err)

	startOrchestrator(t, url, c)

	body := helpers.ChannelDeletedEnvelope(t, uuid.New(), uuid.New())
	publish(t, probe, body)

	d, ok := helpers.WaitForMessage(t, probe, c.Queues().ParkingLot, 15*time.Second)
	require.True(t, ok, "message never parked")

	assert.Equal(t, int32(3), attempts.Load(), "first delivery plus two retries")
	assert.Equal(t, body, d.Body)
	assert.Equal(t, int64(2), d.Headers[consumer.HeaderTotalRetries])
	assert.Equal(t, c.Queues().Main, d.Headers[consumer.HeaderOriginalQueue])
	assert.Contains(t, d.Headers[consumer.HeaderFailureReason], "search index unavailable")

	main, err := probe.QueueDeclarePassive(c.Queues().Main, true, false, false, false, nil)
	require.NoError(t, err)
	assert.Zero(t, main.Messages)
}

func TestConsumerIntegration_RecoversOnRetry(t *testing.T) {
	url := helpers.NewTestBroker(t)
	probe := helpers.OpenChannel(t, url)

	const ttl = 500 * time.Millisecond

	var attempts atomic.Int32
	calls := make(chan time.Time, 4)
	handled := make(chan struct{})
	c, err := consumer.New(consumer.Config{
		Exchange:       testExchange,
		EventType:      models.EventTypeChannelDeleted,
		QueuePrefix:    queuePrefix("recover"),
		MaxRetries:     3,
		WaitingRoomTTL: ttl,
	}, func(context.Context, *models.EventEnvelope[models.ChannelDeletedPayload]) error {
		calls <- time.Now()
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		close(handled)
		return nil
	})
	require.NoError(t, err)

	startOrchestrator(t, url, c)
	publish(t, probe, helpers.ChannelDeletedEnvelope(t, uuid.New(), uuid.New()))

	select {
	case <-handled:
	case <-time.After(10 * time.Second):
		t.Fatal("message was not redelivered from the waiting room")
	}

	first, second := <-calls, <-calls
	assert.GreaterOrEqual(t, second.Sub(first), ttl-20*time.Millisecond,
		"redelivery must wait out the waiting room TTL")

	_, parked := helpers.WaitForMessage(t, probe, c.Queues().ParkingLot, 500*time.Millisecond)
	assert.False(t, parked)
}

// TestConsumerIntegration_ChannelDeletionPurgesMessages drives the full path:
// delete through the service, relay through the outbox, purge in the worker.
func TestConsumerIntegration_ChannelDeletionPurgesMessages(t *testing.T) {
	db := helpers.NewTestDatabase(t)
	url := helpers.NewTestBroker(t)
	ctx := context.Background()

	workspaceID := db.CreateTestWorkspace(t, "acme")
	doomed := db.CreateTestChannel(t, workspaceID, "doomed")
	kept := db.CreateTestChannel(t, workspaceID, "kept")
	db.CreateTestMessages(t, workspaceID, doomed, 25)
	db.CreateTestMessages(t, workspaceID, kept, 5)

	c, err := consumer.New(consumer.Config{
		Exchange:       testExchange,
		EventType:      models.EventTypeChannelDeleted,
		QueuePrefix:    queuePrefix("purge"),
		MaxRetries:     3,
		WaitingRoomTTL: 200 * time.Millisecond,
	}, messages.ChannelDeletedHandler(messages.NewPurger(db.Pool), zap.NewNop()))
	require.NoError(t, err)
	startOrchestrator(t, url, c)

	store := outbox.NewStore(db.Pool)
	producer := broker.NewProducer(broker.ProducerConfig{URL: url, Exchange: testExchange})
	publisher := outbox.NewPublisher(db.Pool, store, producer,
		outbox.WithPollInterval(50*time.Millisecond),
		outbox.WithMaxAttempts(3),
	)
	require.NoError(t, publisher.Start())
	t.Cleanup(func() { _ = publisher.Stop(context.Background()) })

	svc := workspace.NewService(db.Pool, store, zap.NewNop())
	require.NoError(t, svc.DeleteChannel(ctx, workspaceID, doomed, "user-1"))

	require.Eventually(t, func() bool { return db.CountMessages(t, doomed) == 0 },
		10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 5, db.CountMessages(t, kept))
	assert.Equal(t, 1, db.CountOutboxEvents(t, "published"))

	// Replaying the same event is a no-op for the purge.
	probe := helpers.OpenChannel(t, url)
	publish(t, probe, helpers.ChannelDeletedEnvelope(t, workspaceID, doomed))
	require.Eventually(t, func() bool {
		q, err := probe.QueueDeclarePassive(c.Queues().Main, true, false, false, false, nil)
		return err == nil && q.Messages == 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 5, db.CountMessages(t, kept))

	_, parked := helpers.WaitForMessage(t, probe, c.Queues().ParkingLot, 300*time.Millisecond)
	assert.False(t, parked)
}
