// Package core defines the domain model shared by the run poller, the trace
// reconciler, and the message stores: runs, trace events, task states,
// messages, and sessions.
package core

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle status of a backend job execution.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Active reports whether the status describes a job that is still doing work.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunPending || s == RunRunning
}

// Terminal reports whether the status is final for the job.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// Run represents one backend job execution as reported by the job service.
// Runs are never deleted; a newer poll result for the same JobID supersedes
// the previous one.
type Run struct {
	JobID       string          `json:"job_id"`
	JobName     string          `json:"job_name,omitempty"`
	Status      RunStatus       `json:"status"`
	GroupID     string          `json:"group_id"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// TraceEventType classifies a trace event emitted during a run.
type TraceEventType string

const (
	TraceTaskStarted    TraceEventType = "task_started"
	TraceTaskCompleted  TraceEventType = "task_completed"
	TraceTaskFailed     TraceEventType = "task_failed"
	TraceTaskStatus     TraceEventType = "task_status"
	TraceAgentExecution TraceEventType = "agent_execution"
)

// TaskShaped reports whether events of this type can drive task state.
func (t TraceEventType) TaskShaped() bool {
	switch t {
	case TraceTaskStarted, TraceTaskCompleted, TraceTaskFailed, TraceTaskStatus, TraceAgentExecution:
		return true
	}
	return false
}

// TraceMetadata is the loosely-shaped metadata map attached to a trace
// event. TaskID and FrontendTaskID are the only stable foreign keys the
// backend ever provides, and only sometimes.
type TraceMetadata struct {
	TaskID         string `json:"task_id,omitempty"`
	FrontendTaskID string `json:"frontend_task_id,omitempty"`
	TaskName       string `json:"task_name,omitempty"`
}

// TraceOutput carries the free-form output payload of a trace event.
type TraceOutput struct {
	Text      string          `json:"text,omitempty"`
	ExtraData *TraceExtraData `json:"extra_data,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// TraceExtraData is the nested fallback container inside a trace output.
type TraceExtraData struct {
	TaskName string `json:"task_name,omitempty"`
}

// TraceEvent is one observation emitted during a run. Events are immutable
// once received; the pair (ID, CreatedAt) is the dedup key.
type TraceEvent struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	EventType    TraceEventType `json:"event_type"`
	EventSource  string         `json:"event_source,omitempty"`
	EventContext string         `json:"event_context,omitempty"`
	Metadata     TraceMetadata  `json:"trace_metadata,omitempty"`
	Output       *TraceOutput   `json:"output,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DedupKey returns the key under which this event is consumed exactly once.
func (e TraceEvent) DedupKey() string {
	return e.ID + "|" + e.CreatedAt.UTC().Format(time.RFC3339Nano)
}

// TaskStatus is the canonical UI-facing status of one logical task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskState is the canonical status record for one logical task within a
// run, keyed externally by candidate identifier.
type TaskState struct {
	Status      TaskStatus `json:"status"`
	TaskName    string     `json:"task_name"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// MessageType classifies a displayable record.
type MessageType string

const (
	MessageChat   MessageType = "chat"
	MessageTrace  MessageType = "trace"
	MessageSystem MessageType = "system"
	MessageResult MessageType = "result"
	MessageError  MessageType = "error"
)

// Message is a displayable record appended to a session's log.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	JobID     string      `json:"job_id,omitempty"`
}

// ExecutionStatus is the session-level execution state.
type ExecutionStatus string

const (
	ExecIdle      ExecutionStatus = "idle"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
)

// Session is a logical unit of work, bound to at most one active job.
type Session struct {
	SessionID       string          `json:"session_id"`
	CurrentJobID    string          `json:"current_job_id,omitempty"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`
}
