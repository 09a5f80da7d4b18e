package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Reporter receives broker connectivity updates from the publisher and the consumer orchestrator
type Reporter interface {
	SetPublisherConnected(connected bool)
	SetConsumerConnected(connected bool)
	MarkConsumerExhausted()
}

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshot is a point-in-time view of Status
type Snapshot struct {
	PublisherConnected bool `json:"publisher"`
	ConsumerConnected  bool `json:"consumer"`
	ConsumerExhausted  bool `json:"consumer_exhausted"`
}

// Status is an in-memory Reporter backing the /health and /ready endpoints.
// Only the components a process runs take part in readiness.
type Status struct {
	watchPublisher bool
	watchConsumer  bool

	publisherConnected atomic.Bool
	consumerConnected  atomic.Bool
	consumerExhausted  atomic.Bool
}

var _ Reporter = (*Status)(nil)

type Option func(*Status)

// WithPublisher makes readiness depend on the outbox publisher connection
func WithPublisher() Option {
	return func(s *Status) { s.watchPublisher = true }
}

// WithConsumer makes readiness depend on the consumer connection
func WithConsumer() Option {
	return func(s *Status) { s.watchConsumer = true }
}

func NewStatus(opts ...Option) *Status {
	s := &Status{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Status) SetPublisherConnected(connected bool) {
	s.publisherConnected.Store(connected)
}

func (s *Status) SetConsumerConnected(connected bool) {
	s.consumerConnected.Store(connected)
}

// MarkConsumerExhausted latches the permanent unhealthy state after reconnects run out
func (s *Status) MarkConsumerExhausted() {
	s.consumerExhausted.Store(true)
	s.consumerConnected.Store(false)
}

func (s *Status) Snapshot() Snapshot {
	return Snapshot{
		PublisherConnected: s.publisherConnected.Load(),
		ConsumerConnected:  s.consumerConnected.Load(),
		ConsumerExhausted:  s.consumerExhausted.Load(),
	}
}

// Healthy is false only once the consumer has given up reconnecting
func (s *Status) Healthy() bool {
	return !s.consumerExhausted.Load()
}

// Ready reports whether every watched component is connected
func (s *Status) Ready() bool {
	if !s.Healthy() {
		return false
	}
	if s.watchPublisher && !s.publisherConnected.Load() {
		return false
	}
	if s.watchConsumer && !s.consumerConnected.Load() {
		return false
	}
	return true
}

// RegisterRoutes mounts /health and /ready. db may be nil.
func (s *Status) RegisterRoutes(r gin.IRoutes, db Pinger) {
	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler(db))
}

func (s *Status) healthHandler(c *gin.Context) {
	if !s.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "broker reconnect attempts exhausted",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Status) readyHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := s.Snapshot()
		body := gin.H{"components": snapshot}

		databaseOK := true
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			databaseOK = db.Ping(ctx) == nil
			body["database"] = databaseOK
		}

		if !databaseOK || !s.Ready() {
			body["status"] = "not ready"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}

		body["status"] = "ready"
		c.JSON(http.StatusOK, body)
	}
}
