// Package jobs runs background work from an in-process priority queue:
// a fixed worker pool, per-type handlers, retry with re-enqueue,
// debounced progress reporting, and pluggable persistence so pending
// work survives restarts.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one unit of background work. Higher Priority values dequeue
// first; equal priorities run in submission order.
type Job struct {
	ID       string         `json:"id"`
	AppID    string         `json:"app_id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int            `json:"priority"`

	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Result holds the handler's return value, wrapped in
	// {"result": v} when the handler did not return a map.
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy via a JSON round-trip, covering the nested
// payload and result maps.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		panic(fmt.Sprintf("jobs: marshaling job %s: %v", j.ID, err))
	}
	var out Job
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("jobs: unmarshaling job %s: %v", j.ID, err))
	}
	return &out
}

// wrapResult normalizes a handler return value into a map payload.
func wrapResult(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

// clampProgress bounds p to [0, 1].
func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
