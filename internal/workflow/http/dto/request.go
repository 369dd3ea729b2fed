// Package dto provides data transfer objects for HTTP request and response handling.
package dto

import (
	"encoding/json"

	validation "github.com/jellydator/validation"

	customValidation "github.com/allisson/jobflow/internal/validation"
)

// EnqueueJobRequest contains the parameters for enqueueing a workflow job.
type EnqueueJobRequest struct {
	CorrelationID  string          `json:"correlation_id"`
	WorkflowType   string          `json:"workflow_type"`
	HandlerType    string          `json:"handler_type"`
	Payload        json.RawMessage `json:"payload"`
	OrganizationID string          `json:"organization_id"`
	TeamID         string          `json:"team_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Validate checks if the enqueue job request is valid.
func (r *EnqueueJobRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.CorrelationID, validation.Required, customValidation.NotBlank{}),
		validation.Field(&r.WorkflowType, validation.Required, customValidation.Identifier{}),
		validation.Field(&r.HandlerType, validation.Required, customValidation.Identifier{}),
		validation.Field(&r.Payload, validation.Required),
		validation.Field(&r.OrganizationID, validation.Required, validation.Length(36, 36)),
		validation.Field(&r.Priority, validation.Min(0), validation.Max(9)),
		validation.Field(&r.MaxRetries, validation.Min(0), validation.Max(10)),
	)
}
