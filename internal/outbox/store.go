package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/collab/event-relay/internal/database"
	"github.com/bizmatters/collab/event-relay/internal/models"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer is the hook business code uses to stage an event inside its own transaction
type Writer interface {
	Create(ctx context.Context, tx pgx.Tx, event *models.OutboxEvent) error
}

// Store persists outbox rows in Postgres
type Store struct {
	db     Querier
	tracer trace.Tracer
}

var _ Writer = (*Store)(nil)

// NewStore creates a store. db serves the calls that run outside a publish transaction.
func NewStore(db Querier) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("outbox-store"),
	}
}

const selectColumns = `
	id, workspace_id, channel_id, aggregate_type, aggregate_id, event_type,
	payload, metadata, status, produced_at, published_at, failed_attempts`

// NewEvent builds a pending event with a JSON-encoded payload
func NewEvent(workspaceID uuid.UUID, channelID *uuid.UUID, aggregateType, aggregateID, eventType string, payload any) (*models.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}

	return &models.OutboxEvent{
		ID:            uuid.New(),
		WorkspaceID:   workspaceID,
		ChannelID:     channelID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		Status:        models.OutboxEventStatusPending,
	}, nil
}

// Create inserts event as pending inside tx
func (s *Store) Create(ctx context.Context, tx pgx.Tx, event *models.OutboxEvent) error {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.Create")
	defer span.End()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	mergeMetadata(&event.Metadata, MetadataFrom(ctx))
	if event.Metadata.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			event.Metadata.TraceID = sc.TraceID().String()
		}
	}
	if len(event.Payload) == 0 {
		event.Payload = json.RawMessage("{}")
	}

	span.SetAttributes(
		attribute.String("outbox.event_id", event.ID.String()),
		attribute.String("outbox.event_type", event.EventType),
		attribute.String("outbox.aggregate_type", event.AggregateType),
	)

	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events (
			id, workspace_id, channel_id, aggregate_type, aggregate_id,
			event_type, payload, metadata, status, failed_attempts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0)
		RETURNING produced_at
	`,
		event.ID,
		event.WorkspaceID,
		event.ChannelID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		event.Metadata,
	).Scan(&event.ProducedAt)
	if err != nil {
		return s.fail(span, fmt.Errorf("failed to create outbox event: %w", database.MapError(err)))
	}

	event.Status = models.OutboxEventStatusPending
	event.FailedAttempts = 0
	event.PublishedAt = nil

	return nil
}

// FindPending claims up to limit pending rows, oldest first. Rows locked by
// another transaction are skipped.
func (s *Store) FindPending(ctx context.Context, tx pgx.Tx, limit int) ([]models.OutboxEvent, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.FindPending")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", limit))

	rows, err := tx.Query(ctx, `
		SELECT`+selectColumns+`
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY produced_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to query pending events: %w", database.MapError(err)))
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	return events, nil
}

// FindFailedForRetry claims up to limit failed rows that still have attempts left
func (s *Store) FindFailedForRetry(ctx context.Context, tx pgx.Tx, maxAttempts, limit int) ([]models.OutboxEvent, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.FindFailedForRetry")
	defer span.End()
	span.SetAttributes(
		attribute.Int("batch_size", limit),
		attribute.Int("max_attempts", maxAttempts),
	)

	rows, err := tx.Query(ctx, `
		SELECT`+selectColumns+`
		FROM outbox_events
		WHERE status = 'failed' AND failed_attempts < $1
		ORDER BY produced_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, maxAttempts, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to query failed events: %w", database.MapError(err)))
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	return events, nil
}

// MarkPublished moves a claimed row to its terminal published state
func (s *Store) MarkPublished(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.MarkPublished")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.event_id", id.String()))

	tag, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'published', published_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return s.fail(span, fmt.Errorf("failed to mark event %s published: %w", id, database.MapError(err)))
	}
	if tag.RowsAffected() == 0 {
		return s.fail(span, fmt.Errorf("mark event %s published: %w", id, database.ErrNotFound))
	}
	return nil
}

// MarkFailed records one more failed publish attempt
func (s *Store) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.MarkFailed")
	defer span.End()
	span.SetAttributes(attribute.String("outbox.event_id", id.String()))

	tag, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed', failed_attempts = failed_attempts + 1
		WHERE id = $1
	`, id)
	if err != nil {
		return s.fail(span, fmt.Errorf("failed to mark event %s failed: %w", id, database.MapError(err)))
	}
	if tag.RowsAffected() == 0 {
		return s.fail(span, fmt.Errorf("mark event %s failed: %w", id, database.ErrNotFound))
	}
	return nil
}

// DeleteOldPublished removes published rows whose published_at is before olderThan
func (s *Store) DeleteOldPublished(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.DeleteOldPublished")
	defer span.End()

	tag, err := s.db.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'published' AND published_at < $1
	`, olderThan)
	if err != nil {
		return 0, s.fail(span, fmt.Errorf("failed to delete published events: %w", database.MapError(err)))
	}

	span.SetAttributes(attribute.Int64("outbox.deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// ListExhausted returns failed rows that will never be retried again. Read only.
func (s *Store) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]models.OutboxEvent, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.ListExhausted")
	defer span.End()

	rows, err := s.db.Query(ctx, `
		SELECT`+selectColumns+`
		FROM outbox_events
		WHERE status = 'failed' AND failed_attempts >= $1
		ORDER BY produced_at ASC
		LIMIT $2
	`, maxAttempts, limit)
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("failed to query exhausted events: %w", database.MapError(err)))
	}

	events, err := scanEvents(rows)
	if err != nil {
		return nil, s.fail(span, err)
	}
	return events, nil
}

// CountByStatus returns row counts per status. Exhausted counts failed rows at or past maxAttempts.
func (s *Store) CountByStatus(ctx context.Context, maxAttempts int) (models.OutboxStats, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.CountByStatus")
	defer span.End()

	var stats models.OutboxStats
	err := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'published'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'failed' AND failed_attempts >= $1)
		FROM outbox_events
	`, maxAttempts).Scan(&stats.Pending, &stats.Published, &stats.Failed, &stats.Exhausted)
	if err != nil {
		return stats, s.fail(span, fmt.Errorf("failed to count outbox events: %w", database.MapError(err)))
	}
	return stats, nil
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func scanEvents(rows pgx.Rows) ([]models.OutboxEvent, error) {
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var (
			e      models.OutboxEvent
			status string
		)
		if err := rows.Scan(
			&e.ID,
			&e.WorkspaceID,
			&e.ChannelID,
			&e.AggregateType,
			&e.AggregateID,
			&e.EventType,
			&e.Payload,
			&e.Metadata,
			&status,
			&e.ProducedAt,
			&e.PublishedAt,
			&e.FailedAttempts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Status = models.OutboxEventStatus(status)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", database.MapError(err))
	}
	return events, nil
}
