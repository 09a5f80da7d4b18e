package messages

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/consumer"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

// ChannelPurger deletes the messages of one channel
type ChannelPurger interface {
	DeleteForChannel(ctx context.Context, channelID uuid.UUID) (int64, error)
}

// WorkspacePurger deletes the messages of one workspace
type WorkspacePurger interface {
	DeleteForWorkspace(ctx context.Context, workspaceID uuid.UUID) (int64, error)
}

var errMissingID = errors.New("event payload is missing its id")

// ChannelDeletedHandler purges the messages of a deleted channel
func ChannelDeletedHandler(p ChannelPurger, fallback *zap.Logger) consumer.Handler[models.ChannelDeletedPayload] {
	return func(ctx context.Context, event *models.EventEnvelope[models.ChannelDeletedPayload]) error {
		channelID := event.Data.ChannelID
		if channelID == uuid.Nil {
			return fmt.Errorf("channel.deleted %s: %w", event.EventID, errMissingID)
		}

		deleted, err := p.DeleteForChannel(ctx, channelID)
		if err != nil {
			return err
		}

		logging.Info(ctx, logging.FromContext(ctx, fallback), "purged channel messages",
			zap.String("channel_id", channelID.String()),
			zap.Int64("deleted", deleted),
		)
		return nil
	}
}

// WorkspaceDeletedHandler purges the messages of a deleted workspace
func WorkspaceDeletedHandler(p WorkspacePurger, fallback *zap.Logger) consumer.Handler[models.WorkspaceDeletedPayload] {
	return func(ctx context.Context, event *models.EventEnvelope[models.WorkspaceDeletedPayload]) error {
		workspaceID := event.Data.WorkspaceID
		if workspaceID == uuid.Nil {
			return fmt.Errorf("workspace.deleted %s: %w", event.EventID, errMissingID)
		}

		deleted, err := p.DeleteForWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}

		logging.Info(ctx, logging.FromContext(ctx, fallback), "purged workspace messages",
			zap.String("workspace_id", workspaceID.String()),
			zap.Int64("deleted", deleted),
		)
		return nil
	}
}
