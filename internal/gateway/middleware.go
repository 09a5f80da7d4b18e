package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/auth"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/outbox"
)

// CorrelationHeader carries the request correlation ID in both directions
const CorrelationHeader = "X-Correlation-ID"

// Correlation assigns every request a correlation ID, taken from the request
// header when present. Outbox events staged by the request inherit it, and the
// request-scoped logger carries it.
func Correlation(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Header(CorrelationHeader, id)

		ctx := c.Request.Context()
		meta := outbox.MetadataFrom(ctx)
		meta.CorrelationID = id
		ctx = outbox.WithMetadata(ctx, meta)
		ctx = logging.WithContext(ctx, logging.FromContext(ctx, logger).With(zap.String("correlation_id", id)))

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Actor copies the authenticated user onto the outbox metadata and the
// request logger. It must run after auth.RequireAuth.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(auth.UserIDKey)
		if userID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		meta := outbox.MetadataFrom(ctx)
		meta.UserID = userID
		ctx = outbox.WithMetadata(ctx, meta)
		ctx = logging.WithContext(ctx, logging.FromContext(ctx, zap.NewNop()).With(zap.String("user_id", userID)))

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
