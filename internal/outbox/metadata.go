package outbox

import (
	"context"

	"github.com/bizmatters/collab/event-relay/internal/models"
)

type metadataKey struct{}

// WithMetadata attaches request metadata that Create copies onto events
// staged under ctx
func WithMetadata(ctx context.Context, meta models.EventMetadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, meta)
}

// MetadataFrom returns the metadata stored by WithMetadata
func MetadataFrom(ctx context.Context) models.EventMetadata {
	meta, _ := ctx.Value(metadataKey{}).(models.EventMetadata)
	return meta
}

// mergeMetadata fills the empty fields of dst from src
func mergeMetadata(dst *models.EventMetadata, src models.EventMetadata) {
	if dst.CorrelationID == "" {
		dst.CorrelationID = src.CorrelationID
	}
	if dst.CausationID == "" {
		dst.CausationID = src.CausationID
	}
	if dst.UserID == "" {
		dst.UserID = src.UserID
	}
	if dst.TraceID == "" {
		dst.TraceID = src.TraceID
	}
}
