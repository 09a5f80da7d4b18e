package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracer(t *testing.T) {
	ctx := context.Background()

	t.Run("none exporter installs propagator only", func(t *testing.T) {
		shutdown, err := InitTracer(ctx, Config{ServiceName: "test", Exporter: ExporterNone})
		require.NoError(t, err)
		assert.NoError(t, shutdown(ctx))

		fields := otel.GetTextMapPropagator().Fields()
		assert.Contains(t, fields, "traceparent")
	})

	t.Run("stdout exporter", func(t *testing.T) {
		shutdown, err := InitTracer(ctx, Config{ServiceName: "test", Exporter: ExporterStdout})
		require.NoError(t, err)
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := InitTracer(ctx, Config{Exporter: "zipkin"})
		assert.Error(t, err)
	})
}

func TestInitMeter(t *testing.T) {
	ctx := context.Background()

	t.Run("provider without exporter", func(t *testing.T) {
		shutdown, err := InitMeter(ctx, Config{ServiceName: "test", Exporter: ExporterStdout})
		require.NoError(t, err)

		counter, err := otel.Meter("test").Int64Counter("test.counter")
		require.NoError(t, err)
		counter.Add(ctx, 1)

		assert.NoError(t, shutdown(ctx))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := InitMeter(ctx, Config{Exporter: "zipkin"})
		assert.Error(t, err)
	})
}
