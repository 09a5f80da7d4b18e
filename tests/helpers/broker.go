package helpers

import (
	"context"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

const rabbitMQImage = "rabbitmq:3-management-alpine"

// NewTestBroker returns TEST_RABBITMQ_URL, or the AMQP URL of a disposable
// RabbitMQ container when it is unset
func NewTestBroker(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_RABBITMQ_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	container, err := tcrabbit.Run(ctx,
		rabbitMQImage,
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start RabbitMQ container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: Failed to terminate RabbitMQ container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("Failed to get AMQP URL: %v", err)
	}
	return url
}

// OpenChannel dials url and returns a raw channel for assertions. Both are
// closed through t.Cleanup.
func OpenChannel(t *testing.T, url string) *amqp.Channel {
	t.Helper()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("Failed to dial RabbitMQ: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("Failed to open channel: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// WaitForMessage polls queue until a message arrives or timeout passes
func WaitForMessage(t *testing.T, ch *amqp.Channel, queue string, timeout time.Duration) (amqp.Delivery, bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d, ok, err := ch.Get(queue, true)
		if err != nil {
			t.Fatalf("Failed to get from %s: %v", queue, err)
		}
		if ok {
			return d, true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return amqp.Delivery{}, false
}
