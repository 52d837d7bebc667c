package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventTypeHeartbeat marks keep-alive frames on streaming endpoints. They are
// never published on the bus.
const EventTypeHeartbeat = "heartbeat"

// NotificationEvent is emitted once per job status transition. Delivery is
// at-most-once; late subscribers must read the persisted job first.
type NotificationEvent struct {
	JobID      uuid.UUID       `json:"job_id"`
	OwnerID    string          `json:"owner_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	// Version is the job version the event describes. Timestamps may come
	// from different clocks; versions order events of one job.
	Version    int64           `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventFromJob builds the event describing job's current persisted state.
func EventFromJob(job *Job) NotificationEvent {
	evt := NotificationEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Kind:       job.Kind,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		Result:     job.Result,
		Version:    job.Version,
		Timestamp:  job.UpdatedAt,
	}
	if job.ErrorDetail != nil {
		evt.Error = *job.ErrorDetail
	}
	return evt
}
