// Package workspace deletes channels and workspaces and announces each
// deletion through the transactional outbox.
package workspace

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/logging"
	"github.com/bizmatters/collab/event-relay/internal/models"
	"github.com/bizmatters/collab/event-relay/internal/outbox"
)

// Service handles workspace and channel lifecycle
type Service struct {
	db     database.TxBeginner
	outbox outbox.Writer
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates a new workspace service
func NewService(db database.TxBeginner, writer outbox.Writer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		outbox: writer,
		logger: logger,
		tracer: otel.Tracer("workspace-service"),
	}
}

// DeleteChannel removes the channel and stages a channel.deleted event in the
// same transaction. It returns database.ErrNotFound when the channel does not
// belong to the workspace.
func (s *Service) DeleteChannel(ctx context.Context, workspaceID, channelID uuid.UUID, actor string) error {
	ctx, span := s.tracer.Start(ctx, "WorkspaceService.DeleteChannel", trace.WithAttributes(
		attribute.String("workspace.id", workspaceID.String()),
		attribute.String("channel.id", channelID.String()),
	))
	defer span.End()

	event, err := outbox.NewEvent(workspaceID, &channelID,
		models.AggregateTypeChannel, channelID.String(), models.EventTypeChannelDeleted,
		models.ChannelDeletedPayload{WorkspaceID: workspaceID, ChannelID: channelID, DeletedBy: actor},
	)
	if err != nil {
		return err
	}

	err = database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM channels WHERE id = $1 AND workspace_id = $2`, channelID, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to delete channel: %w", database.MapError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("channel %s: %w", channelID, database.ErrNotFound)
		}
		return s.outbox.Create(ctx, tx, event)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	logging.Info(ctx, s.logger, "channel deleted",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("channel_id", channelID.String()),
		zap.String("event_id", event.ID.String()),
	)
	return nil
}

// DeleteWorkspace removes the workspace, its channels through the foreign key
// cascade, and stages a workspace.deleted event in the same transaction
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID uuid.UUID, actor string) error {
	ctx, span := s.tracer.Start(ctx, "WorkspaceService.DeleteWorkspace", trace.WithAttributes(
		attribute.String("workspace.id", workspaceID.String()),
	))
	defer span.End()

	event, err := outbox.NewEvent(workspaceID, nil,
		models.AggregateTypeWorkspace, workspaceID.String(), models.EventTypeWorkspaceDeleted,
		models.WorkspaceDeletedPayload{WorkspaceID: workspaceID, DeletedBy: actor},
	)
	if err != nil {
		return err
	}

	err = database.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, workspaceID)
		if err != nil {
			return fmt.Errorf("failed to delete workspace: %w", database.MapError(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("workspace %s: %w", workspaceID, database.ErrNotFound)
		}
		return s.outbox.Create(ctx, tx, event)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	logging.Info(ctx, s.logger, "workspace deleted",
		zap.String("workspace_id", workspaceID.String()),
		zap.String("event_id", event.ID.String()),
	)
	return nil
}
