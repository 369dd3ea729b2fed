// Package domain defines the transactional outbox entities and types.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxMessageStatus represents the status of an outbox message
type OutboxMessageStatus string

const (
	OutboxMessageStatusPending OutboxMessageStatus = "pending"
	OutboxMessageStatusSent    OutboxMessageStatus = "sent"
	OutboxMessageStatusFailed  OutboxMessageStatus = "failed"
	// OutboxMessageStatusPermanentlyFailed marks a message whose publish
	// retries are exhausted; these rows are alertable, never retried.
	OutboxMessageStatusPermanentlyFailed OutboxMessageStatus = "permanently_failed"
)

// OutboxMessage is a pending outbound broker message, written in the same
// transaction as the business state change that produced it.
type OutboxMessage struct {
	ID uuid.UUID
	// JobID links the message to a workflow job; nil for non-job events.
	JobID         *uuid.UUID
	Exchange      string
	RoutingKey    string
	Payload       json.RawMessage
	Status        OutboxMessageStatus
	Retries       int
	LastError     *string
	LockedBy      *string
	LockedAt      *time.Time
	NextAttemptAt *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
