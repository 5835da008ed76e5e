package monitor

import (
	"github.com/crewdeck/runwatch/internal/core"
)

// NotificationType identifies a push notification from the notification
// bus. Delivery is assumed at-most-once and unreliable; every consumer of a
// notification is idempotent.
type NotificationType string

const (
	NotifyJobCreated   NotificationType = "job_created"
	NotifyJobCompleted NotificationType = "job_completed"
	NotifyJobFailed    NotificationType = "job_failed"
	NotifyJobStopped   NotificationType = "job_stopped"
	NotifyTraceUpdate  NotificationType = "trace_update"
	NotifyForceClear   NotificationType = "force_clear"
)

// Notification is one push-style message from the notification bus.
type Notification struct {
	Type           NotificationType `json:"type"`
	JobID          string           `json:"job_id,omitempty"`
	JobName        string           `json:"job_name,omitempty"`
	GroupID        string           `json:"group_id,omitempty"`
	Status         core.RunStatus   `json:"status,omitempty"`
	Error          string           `json:"error,omitempty"`
	PartialResults string           `json:"partial_results,omitempty"`
	Trace          *core.TraceEvent `json:"trace,omitempty"`
}

// RunTransition describes a run moving from one observed status to a
// terminal one. Emitted exactly once per (job id, status) pair.
type RunTransition struct {
	Run  core.Run
	From core.RunStatus
	To   core.RunStatus
}

// TransitionHandler consumes run transitions detected by the registry.
type TransitionHandler func(RunTransition)
