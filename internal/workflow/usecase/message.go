package usecase

import (
	"github.com/google/uuid"
)

// Broker topology used by the workflow subsystem. Queues are named
// exchange.routingKey by the broker.
const (
	WorkflowExchange      = "workflow"
	JobRoutingKey         = "jobs"
	StageEventsRoutingKey = "stage-events"
)

// JobMessage is the payload of a job delivery on the jobs queue. The payload
// carries only the job id; workers load the authoritative state from the
// database.
type JobMessage struct {
	JobID uuid.UUID `json:"jobId"`
}
