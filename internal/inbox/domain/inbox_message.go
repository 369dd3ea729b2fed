// Package domain contains the inbox message entity.
//
// The inbox records every broker message id a consumer has seen. Inserting
// the id under a unique constraint before handling the message turns the
// broker's at-least-once delivery into effectively-once processing.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// InboxMessage represents a consumed broker message
type InboxMessage struct {
	MessageID string     `json:"messageId"`
	JobID     *uuid.UUID `json:"jobId,omitempty"`
	Queue     string     `json:"queue"`
	Processed bool       `json:"processed"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}
