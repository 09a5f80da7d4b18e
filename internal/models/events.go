package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEventStatus represents the status of an outbox event
type OutboxEventStatus string

const (
	OutboxEventStatusPending   OutboxEventStatus = "pending"
	OutboxEventStatusPublished OutboxEventStatus = "published"
	OutboxEventStatusFailed    OutboxEventStatus = "failed"
)

// OutboxEvent represents an event in the transactional outbox
type OutboxEvent struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	WorkspaceID    uuid.UUID         `json:"workspaceId" db:"workspace_id"`
	ChannelID      *uuid.UUID        `json:"channelId,omitempty" db:"channel_id"`
	AggregateType  string            `json:"aggregateType" db:"aggregate_type"`
	AggregateID    string            `json:"aggregateId" db:"aggregate_id"`
	EventType      string            `json:"eventType" db:"event_type"`
	Payload        json.RawMessage   `json:"payload" db:"payload"`
	Metadata       EventMetadata     `json:"metadata" db:"metadata"`
	Status         OutboxEventStatus `json:"status" db:"status"`
	ProducedAt     time.Time         `json:"producedAt" db:"produced_at"`
	PublishedAt    *time.Time        `json:"publishedAt,omitempty" db:"published_at"`
	FailedAttempts int               `json:"failedAttempts" db:"failed_attempts"`
}

// EventMetadata carries request correlation across services
type EventMetadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	TraceID       string `json:"traceId,omitempty"`
}

// EventEnvelope is the JSON body of every message on the exchange
type EventEnvelope[T any] struct {
	EventID       string        `json:"eventId"`
	EventType     string        `json:"eventType"`
	AggregateType string        `json:"aggregateType"`
	AggregateID   string        `json:"aggregateId"`
	Timestamp     time.Time     `json:"timestamp"`
	Version       int           `json:"version"`
	Metadata      EventMetadata `json:"metadata"`
	Data          T             `json:"data"`
}

// EnvelopeVersion is the current envelope schema version
const EnvelopeVersion = 1

// Event types
const (
	EventTypeChannelDeleted   = "channel.deleted"
	EventTypeWorkspaceDeleted = "workspace.deleted"
)

// Aggregate types
const (
	AggregateTypeChannel   = "channel"
	AggregateTypeWorkspace = "workspace"
)

// ChannelDeletedPayload is the data of a channel.deleted event
type ChannelDeletedPayload struct {
	WorkspaceID uuid.UUID `json:"workspaceId"`
	ChannelID   uuid.UUID `json:"channelId"`
	DeletedBy   string    `json:"deletedBy,omitempty"`
}

// WorkspaceDeletedPayload is the data of a workspace.deleted event
type WorkspaceDeletedPayload struct {
	WorkspaceID uuid.UUID `json:"workspaceId"`
	DeletedBy   string    `json:"deletedBy,omitempty"`
}

// OutboxStats counts outbox rows by status
type OutboxStats struct {
	Pending   int64 `json:"pending"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Exhausted int64 `json:"exhausted"`
}
