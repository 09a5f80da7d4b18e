package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

type execCall struct {
	sql  string
	args []any
}

type fakeTx struct {
	pgx.Tx
	rowsAffected int64
	execErr      error
	execs        []execCall
	committed    bool
	rolledBack   bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("DELETE " + strconv.FormatInt(f.rowsAffected, 10)), nil
}

func (f *fakeTx) Commit(context.Context) error {
	if f.committed || f.rolledBack {
		return pgx.ErrTxClosed
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed || f.rolledBack {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	return nil
}

type fakeDB struct{ tx *fakeTx }

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) { return f.tx, nil }

type fakeWriter struct {
	events []*models.OutboxEvent
	txs    []pgx.Tx
	err    error
}

func (f *fakeWriter) Create(_ context.Context, tx pgx.Tx, event *models.OutboxEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	f.txs = append(f.txs, tx)
	return nil
}

func TestDeleteChannel(t *testing.T) {
	workspaceID, channelID := uuid.New(), uuid.New()

	t.Run("stages channel.deleted in the same transaction", func(t *testing.T) {
		tx := &fakeTx{rowsAffected: 1}
		writer := &fakeWriter{}
		svc := NewService(&fakeDB{tx: tx}, writer, nil)

		require.NoError(t, svc.DeleteChannel(context.Background(), workspaceID, channelID, "user-1"))

		assert.True(t, tx.committed)
		require.Len(t, tx.execs, 1)
		assert.Equal(t, []any{channelID, workspaceID}, tx.execs[0].args)

		require.Len(t, writer.events, 1)
		assert.Same(t, tx, writer.txs[0], "outbox row written on the business transaction")

		event := writer.events[0]
		assert.Equal(t, models.EventTypeChannelDeleted, event.EventType)
		assert.Equal(t, models.AggregateTypeChannel, event.AggregateType)
		assert.Equal(t, channelID.String(), event.AggregateID)
		assert.Equal(t, workspaceID, event.WorkspaceID)
		require.NotNil(t, event.ChannelID)
		assert.Equal(t, channelID, *event.ChannelID)

		var payload models.ChannelDeletedPayload
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		assert.Equal(t, models.ChannelDeletedPayload{WorkspaceID: workspaceID, ChannelID: channelID, DeletedBy: "user-1"}, payload)
	})

	t.Run("missing channel writes nothing", func(t *testing.T) {
		tx := &fakeTx{rowsAffected: 0}
		writer := &fakeWriter{}
		svc := NewService(&fakeDB{tx: tx}, writer, nil)

		err := svc.DeleteChannel(context.Background(), workspaceID, channelID, "user-1")

		assert.ErrorIs(t, err, database.ErrNotFound)
		assert.True(t, tx.rolledBack)
		assert.Empty(t, writer.events)
	})

	t.Run("outbox failure rolls back the delete", func(t *testing.T) {
		tx := &fakeTx{rowsAffected: 1}
		writer := &fakeWriter{err: errors.New("insert failed")}
		svc := NewService(&fakeDB{tx: tx}, writer, nil)

		err := svc.DeleteChannel(context.Background(), workspaceID, channelID, "user-1")

		assert.EqualError(t, err, "insert failed")
		assert.False(t, tx.committed)
		assert.True(t, tx.rolledBack)
	})

	t.Run("database failure is mapped", func(t *testing.T) {
		tx := &fakeTx{execErr: errors.New("connection reset")}
		svc := NewService(&fakeDB{tx: tx}, &fakeWriter{}, nil)

		err := svc.DeleteChannel(context.Background(), workspaceID, channelID, "user-1")
		assert.ErrorIs(t, err, database.ErrDatabase)
	})
}

func TestDeleteWorkspace(t *testing.T) {
	workspaceID := uuid.New()

	tx := &fakeTx{rowsAffected: 1}
	writer := &fakeWriter{}
	svc := NewService(&fakeDB{tx: tx}, writer, nil)

	require.NoError(t, svc.DeleteWorkspace(context.Background(), workspaceID, "admin"))
	assert.True(t, tx.committed)

	require.Len(t, writer.events, 1)
	event := writer.events[0]
	assert.Equal(t, models.EventTypeWorkspaceDeleted, event.EventType)
	assert.Equal(t, models.AggregateTypeWorkspace, event.AggregateType)
	assert.Nil(t, event.ChannelID)

	t.Run("missing workspace", func(t *testing.T) {
		tx := &fakeTx{}
		svc := NewService(&fakeDB{tx: tx}, &fakeWriter{}, nil)
		assert.ErrorIs(t, svc.DeleteWorkspace(context.Background(), workspaceID, "admin"), database.ErrNotFound)
	})
}
