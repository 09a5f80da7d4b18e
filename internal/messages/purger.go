// Package messages owns the message store side effects triggered by
// workspace events.
package messages

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bizmatters/collab/event-relay/internal/database"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Purger deletes messages in bulk. Deleting an already empty channel or
// workspace returns 0 and no error, so redelivered events are harmless.
type Purger struct {
	db Execer
}

func NewPurger(db Execer) *Purger {
	return &Purger{db: db}
}

// DeleteForChannel removes every message of the channel and returns how many
// were deleted
func (p *Purger) DeleteForChannel(ctx context.Context, channelID uuid.UUID) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM messages WHERE channel_id = $1`, channelID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages for channel %s: %w", channelID, database.MapError(err))
	}
	return tag.RowsAffected(), nil
}

// DeleteForWorkspace removes every message of the workspace
func (p *Purger) DeleteForWorkspace(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM messages WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages for workspace %s: %w", workspaceID, database.MapError(err))
	}
	return tag.RowsAffected(), nil
}
