package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func serve(t *testing.T, s *Status, db Pinger, path string) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	s.RegisterRoutes(router, db)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestStatus_Readiness(t *testing.T) {
	t.Run("consumer process waits for consumer connection", func(t *testing.T) {
		s := NewStatus(WithConsumer())
		assert.False(t, s.Ready())

		s.SetConsumerConnected(true)
		assert.True(t, s.Ready())

		s.SetConsumerConnected(false)
		assert.False(t, s.Ready())
		assert.True(t, s.Healthy(), "a disconnect alone is not unhealthy")
	})

	t.Run("publisher process ignores consumer state", func(t *testing.T) {
		s := NewStatus(WithPublisher())
		s.SetPublisherConnected(true)
		assert.True(t, s.Ready())
	})

	t.Run("exhaustion is permanent", func(t *testing.T) {
		s := NewStatus(WithConsumer())
		s.SetConsumerConnected(true)
		s.MarkConsumerExhausted()

		assert.False(t, s.Healthy())
		assert.False(t, s.Ready())

		s.SetConsumerConnected(true)
		assert.False(t, s.Ready())
		assert.True(t, s.Snapshot().ConsumerExhausted)
	})
}

func TestStatus_Handlers(t *testing.T) {
	t.Run("healthy and ready", func(t *testing.T) {
		s := NewStatus(WithPublisher())
		s.SetPublisherConnected(true)

		code, body := serve(t, s, stubPinger{}, "/health")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", body["status"])

		code, body = serve(t, s, stubPinger{}, "/ready")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, true, body["database"])
	})

	t.Run("database down fails readiness", func(t *testing.T) {
		s := NewStatus()
		code, body := serve(t, s, stubPinger{err: errors.New("down")}, "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, false, body["database"])
	})

	t.Run("exhausted consumer fails health", func(t *testing.T) {
		s := NewStatus(WithConsumer())
		s.MarkConsumerExhausted()

		code, body := serve(t, s, nil, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", body["status"])

		code, body = serve(t, s, nil, "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		components := body["components"].(map[string]any)
		assert.Equal(t, true, components["consumer_exhausted"])
	})
}
