package helpers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/collab/event-relay/internal/models"
)

// ChannelDeletedEnvelope builds a wire body for a channel.deleted event
func ChannelDeletedEnvelope(t *testing.T, workspaceID, channelID uuid.UUID) []byte {
	t.Helper()

	body, err := json.Marshal(models.EventEnvelope[models.ChannelDeletedPayload]{
		EventID:       uuid.NewString(),
		EventType:     models.EventTypeChannelDeleted,
		AggregateType: models.AggregateTypeChannel,
		AggregateID:   channelID.String(),
		Timestamp:     time.Now().UTC(),
		Version:       models.EnvelopeVersion,
		Metadata:      models.EventMetadata{CorrelationID: "integration-test"},
		Data:          models.ChannelDeletedPayload{WorkspaceID: workspaceID, ChannelID: channelID},
	})
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}
	return body
}
