package broker

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTracePropagation_RoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectTrace(ctx, nil)
	require.Contains(t, headers, "traceparent")

	extracted := ExtractTrace(context.Background(), headers)
	remote := trace.SpanContextFromContext(extracted)

	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
}

func TestHeaderCarrier(t *testing.T) {
	carrier := HeaderCarrier(amqp.Table{"a": "1", "n": int64(2)})

	assert.Equal(t, "1", carrier.Get("a"))
	assert.Equal(t, "", carrier.Get("n"))
	assert.ElementsMatch(t, []string{"a", "n"}, carrier.Keys())

	carrier.Set("b", "2")
	assert.Equal(t, "2", carrier.Get("b"))
}

func TestExtractTrace_EmptyHeaders(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractTrace(ctx, nil))
}
