package models

import "time"

// JobStatus is the lifecycle state of an async job.
// Transitions: queued -> running -> one of the terminal states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// sticky: no later write may overwrite them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// EventType identifies one kind of job event. The set is closed; writes with
// unknown types are rejected at the service layer.
type EventType string

const (
	EventStart         EventType = "start"
	EventStartError    EventType = "start_error"
	EventFinish        EventType = "finish"
	EventFinishError   EventType = "finish_error"
	EventFinishIgnored EventType = "finish_ignored"
	EventCancel        EventType = "cancel"
	EventAIRequest     EventType = "ai_request"
	EventAIResponse    EventType = "ai_response"
	EventAIError       EventType = "ai_error"
	EventAIRetry       EventType = "ai_retry"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
)

// Valid reports whether t belongs to the closed event-type set.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventStartError, EventFinish, EventFinishError, EventFinishIgnored,
		EventCancel, EventAIRequest, EventAIResponse, EventAIError, EventAIRetry,
		EventToolCall, EventToolResult:
		return true
	}
	return false
}

// CreateJobRequest contains fields for creating a new job. SessionID and
// RunID default to the server's own identity when empty.
type CreateJobRequest struct {
	Task        string `json:"task"`
	AgentID     string `json:"agent_id,omitempty"`
	CommandID   string `json:"command_id,omitempty"`
	PayloadJSON string `json:"payload_json,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
}

// JobFilter contains filtering options for listing jobs.
type JobFilter struct {
	SessionID   string    `json:"session_id,omitempty"`
	Status      JobStatus `json:"status,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	AllSessions bool      `json:"all_sessions,omitempty"`
}

// Job is one async sub-agent invocation.
type Job struct {
	ID          string    `json:"id"`
	Status      JobStatus `json:"status"`
	Task        string    `json:"task"`
	AgentID     string    `json:"agent_id,omitempty"`
	CommandID   string    `json:"command_id,omitempty"`
	PayloadJSON string    `json:"payload_json,omitempty"`
	ResultJSON  string    `json:"result_json,omitempty"`
	Error       string    `json:"error,omitempty"`
	SessionID   string    `json:"session_id"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobEvent is one append-only log entry attached to a job.
type JobEvent struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Type        EventType `json:"type"`
	PayloadJSON string    `json:"payload_json,omitempty"`
	SessionID   string    `json:"session_id"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionInfo summarizes one caller session's job activity.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	JobCount     int       `json:"job_count"`
	LastActivity time.Time `json:"last_activity"`
}

// ModelRoute records which model config served a run and why.
type ModelRoute struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id,omitempty"`
	ModelID   string    `json:"model_id"`
	ModelName string    `json:"model_name"`
	BaseURL   string    `json:"base_url,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
