package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/crewdeck/runwatch/internal/config"
	"github.com/crewdeck/runwatch/internal/core"
	"github.com/crewdeck/runwatch/internal/jobs"
	"github.com/crewdeck/runwatch/internal/logger"
	"github.com/crewdeck/runwatch/internal/store"
)

// RunGetter re-queries one run's details, used to pick up the result
// payload after a completion notification settles.
type RunGetter interface {
	GetRun(ctx context.Context, jobID string) (*core.Run, error)
}

var _ RunGetter = (*jobs.Client)(nil)

// MessageArchiver is the optional persistence hook for messages and
// session labels. *store.Archive satisfies it.
type MessageArchiver interface {
	SaveMessage(ctx context.Context, msg core.Message) error
	SetSessionLabel(ctx context.Context, sessionID, jobName string) error
}

// Controller binds one logical session to at most one active job and
// drives the poller and the reconciler around it. It owns the session
// execution state machine, the safety timeout, and the grace window.
type Controller struct {
	mu sync.Mutex

	sessionID string
	groupID   string

	registry   *Registry
	reconciler *Reconciler
	messages   *store.DedupStore
	runClient  RunGetter
	archive    MessageArchiver
	sched      Scheduler
	cfg        config.SessionConfig
	log        *logger.Logger

	ctx     context.Context
	status  core.ExecutionStatus
	jobID   string
	jobName string

	cancelSafety CancelFunc
	cancelGrace  CancelFunc
	cancelSettle CancelFunc
	settleJobID  string

	subscribers map[int]chan struct{}
	nextSub     int
}

// ControllerDeps wires a Controller's collaborators.
type ControllerDeps struct {
	Registry   *Registry
	Reconciler *Reconciler
	Messages   *store.DedupStore
	RunClient  RunGetter
	Archive    MessageArchiver
	Scheduler  Scheduler
}

// NewController creates a session controller scoped to one tenant.
func NewController(sessionID, groupID string, cfg config.SessionConfig, deps ControllerDeps) *Controller {
	c := &Controller{
		sessionID:   sessionID,
		groupID:     groupID,
		registry:    deps.Registry,
		reconciler:  deps.Reconciler,
		messages:    deps.Messages,
		runClient:   deps.RunClient,
		archive:     deps.Archive,
		sched:       deps.Scheduler,
		cfg:         cfg,
		log:         logger.GetLogger().WithSession(sessionID, ""),
		status:      core.ExecIdle,
		subscribers: make(map[int]chan struct{}),
	}
	c.registry.OnTransition(c.handleTransition)

	// Reconciled trace events become displayable records. The reconciler's
	// processed-set and the stable message id together make this path
	// idempotent across poll and push.
	c.reconciler.SetEventHook(c.appendTraceMessage)
	return c
}

// Start begins run polling for the session's tenant.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.registry.Start(ctx)
}

// Stop halts polling and all session timers.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.clearTimersLocked()
	c.mu.Unlock()
	c.reconciler.Stop()
	c.registry.Stop()
}

// Session returns the current session state.
func (c *Controller) Session() core.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.Session{
		SessionID:       c.sessionID,
		CurrentJobID:    c.jobID,
		ExecutionStatus: c.status,
	}
}

// ViewModel is the consolidated read model served to presentation layers.
type ViewModel struct {
	Session   core.Session              `json:"session"`
	Runs      []core.Run                `json:"runs"`
	Tasks     map[string]core.TaskState `json:"tasks"`
	Messages  []core.Message            `json:"messages"`
	LastError string                    `json:"last_error,omitempty"`
}

// ViewModel assembles the consolidated view of the session.
func (c *Controller) ViewModel() ViewModel {
	session := c.Session()
	return ViewModel{
		Session:   session,
		Runs:      c.registry.Snapshot(),
		Tasks:     c.reconciler.Tasks(),
		Messages:  c.messages.Deduplicated(c.sessionID),
		LastError: c.registry.LastError(),
	}
}

// Subscribe returns a channel that receives a signal whenever the view
// model may have changed, plus a cancel function.
func (c *Controller) Subscribe() (<-chan struct{}, CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan struct{}, 1)
	c.subscribers[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// HandleNotification ingests one push notification. Every branch is
// idempotent; duplicate or late notifications are no-ops.
func (c *Controller) HandleNotification(n Notification) {
	switch n.Type {
	case NotifyJobCreated:
		c.handleJobCreated(n)
	case NotifyJobCompleted:
		c.handleJobCompleted(n.JobID)
	case NotifyJobFailed:
		c.handleJobFailed(n.JobID, n.Error)
	case NotifyJobStopped:
		c.handleJobStopped(n.JobID, n.PartialResults)
	case NotifyTraceUpdate:
		c.handleTraceUpdate(n)
	case NotifyForceClear:
		c.ForceClear()
	default:
		c.log.Debugf("Ignoring notification of unknown type %q", n.Type)
	}
}

// handleJobCreated starts a run for the session. Cross-tenant jobs are
// dropped without any session transition.
func (c *Controller) handleJobCreated(n Notification) {
	if n.GroupID == "" || n.GroupID != c.groupID {
		c.log.Debugf("Ignoring job %s: unresolvable or foreign tenant", n.JobID)
		return
	}

	c.mu.Lock()
	if c.jobID == n.JobID && c.status != core.ExecIdle {
		// Re-entering with the same job id is a no-op from any non-idle
		// state. A duplicate notification arriving after the job ended must
		// not resurrect the session: the registry's processed-set would
		// never re-emit the terminal transition.
		c.mu.Unlock()
		return
	}

	// A settle fetch still pending for the previous job is flushed, not
	// dropped: its result message is emitted before the new job takes over.
	var flushJob string
	if c.cancelSettle != nil {
		c.cancelSettle()
		c.cancelSettle = nil
		flushJob = c.settleJobID
		c.settleJobID = ""
	}

	c.clearTimersLocked()
	c.jobID = n.JobID
	c.jobName = n.JobName
	c.status = core.ExecRunning
	ctx := c.ctx
	jobID := n.JobID

	c.cancelSafety = c.sched.Schedule(c.cfg.SafetyTimeout, func() {
		c.safetyExpire(jobID)
	})
	c.mu.Unlock()

	if flushJob != "" {
		c.emitResultMessage(ctx, flushJob)
	}

	status := n.Status
	if status == "" {
		status = core.RunQueued
	}
	c.registry.SeedRun(core.Run{
		JobID:     n.JobID,
		JobName:   n.JobName,
		Status:    status,
		GroupID:   n.GroupID,
		CreatedAt: c.sched.Now(),
	})
	c.registry.Poke()
	c.reconciler.Bind(ctx, n.JobID)

	if c.archive != nil && n.JobName != "" {
		if err := c.archive.SetSessionLabel(ctx, c.sessionID, n.JobName); err != nil {
			c.log.Warnf("Failed to persist session label: %v", err)
		}
	}

	c.appendMessage(core.MessageSystem, fmt.Sprintf("Execution started: %s", displayName(n.JobName, n.JobID)), n.JobID)
	c.notifyChange()
}

// handleJobCompleted reacts to a completion notification: after a settle
// delay (the backend may still be writing the result), the run is
// re-queried and a single result message is emitted.
func (c *Controller) handleJobCompleted(jobID string) {
	c.registry.Poke()

	if !c.leaveRunning(jobID, core.ExecCompleted) {
		return
	}

	c.mu.Lock()
	ctx := c.ctx
	c.settleJobID = jobID
	c.cancelSettle = c.sched.Schedule(c.cfg.SettleDelay, func() {
		c.mu.Lock()
		c.cancelSettle = nil
		c.settleJobID = ""
		c.mu.Unlock()
		c.emitResultMessage(ctx, jobID)
	})
	c.mu.Unlock()

	c.notifyChange()
}

// handleJobFailed reacts to a failure notification.
func (c *Controller) handleJobFailed(jobID, errText string) {
	c.registry.Poke()

	if !c.leaveRunning(jobID, core.ExecFailed) {
		return
	}

	content := "Execution failed"
	if errText != "" {
		content = fmt.Sprintf("Execution failed: %s", errText)
	}
	c.appendMessage(core.MessageError, content, jobID)
	c.notifyChange()
}

// handleJobStopped reacts to a user-initiated stop.
func (c *Controller) handleJobStopped(jobID, partialResults string) {
	c.registry.Poke()

	if !c.leaveRunning(jobID, core.ExecCompleted) {
		return
	}

	content := "Execution stopped by user"
	if partialResults != "" {
		content = fmt.Sprintf("Execution stopped by user. Partial results:\n%s", partialResults)
	}
	c.appendMessage(core.MessageSystem, content, jobID)
	c.notifyChange()
}

// handleTraceUpdate feeds a pushed trace straight into the reconciler,
// bypassing the polling fetch for lower latency.
func (c *Controller) handleTraceUpdate(n Notification) {
	c.registry.Poke()
	if n.Trace == nil {
		return
	}
	c.reconciler.ApplyTrace(*n.Trace)
	c.notifyChange()
}

// ForceClear unconditionally resets the session to idle and clears all
// timers. Emergency escape hatch.
func (c *Controller) ForceClear() {
	c.mu.Lock()
	c.clearTimersLocked()
	c.jobID = ""
	c.jobName = ""
	c.status = core.ExecIdle
	c.mu.Unlock()

	c.reconciler.Stop()
	c.reconciler.Clear()
	c.notifyChange()
}

// handleTransition consumes terminal transitions detected by the poller.
// The registry's processed-set already guarantees one call per (job id,
// status); the state machine makes a poll-after-push observation a no-op.
func (c *Controller) handleTransition(tr RunTransition) {
	switch tr.To {
	case core.RunCompleted:
		if !c.leaveRunning(tr.Run.JobID, core.ExecCompleted) {
			return
		}
		c.appendMessage(core.MessageResult, resultContent(tr.Run), tr.Run.JobID)
		c.notifyChange()
	case core.RunFailed:
		c.handleJobFailedFromPoll(tr.Run)
	case core.RunStopped:
		if !c.leaveRunning(tr.Run.JobID, core.ExecCompleted) {
			return
		}
		c.appendMessage(core.MessageSystem, "Execution stopped", tr.Run.JobID)
		c.notifyChange()
	}
}

func (c *Controller) handleJobFailedFromPoll(run core.Run) {
	if !c.leaveRunning(run.JobID, core.ExecFailed) {
		return
	}

	content := "Execution failed"
	if run.Error != "" {
		content = fmt.Sprintf("Execution failed: %s", run.Error)
	}
	c.appendMessage(core.MessageError, content, run.JobID)
	c.notifyChange()
}

// safetyExpire force-completes a session stuck in running so the UI never
// deadlocks. Not reported as an error; the job's true terminal status is
// still recoverable on the next poll and will be ignored by the
// processed-set.
func (c *Controller) safetyExpire(jobID string) {
	if !c.leaveRunning(jobID, core.ExecCompleted) {
		return
	}

	c.log.Warnf("Safety timeout reached for job %s, forcing completion", jobID)
	c.appendMessage(core.MessageSystem, "Execution completed", jobID)
	c.notifyChange()
}

// leaveRunning performs the running -> terminal transition for the bound
// job. Returns false when the session is not running that job, which makes
// every terminal path idempotent. On success the trace poller stops and
// task state survives for the grace window so the UI can show final
// per-task outcomes.
func (c *Controller) leaveRunning(jobID string, to core.ExecutionStatus) bool {
	c.mu.Lock()
	if c.status != core.ExecRunning || c.jobID != jobID {
		c.mu.Unlock()
		return false
	}
	c.status = to

	if c.cancelSafety != nil {
		c.cancelSafety()
		c.cancelSafety = nil
	}
	if c.cancelGrace != nil {
		c.cancelGrace()
	}
	c.cancelGrace = c.sched.Schedule(c.cfg.GraceWindow, func() {
		c.reconciler.Clear()
		c.notifyChange()
	})
	c.mu.Unlock()

	c.reconciler.Stop()
	return true
}

// clearTimersLocked cancels the safety timeout, the grace window, and any
// pending settle fetch.
func (c *Controller) clearTimersLocked() {
	if c.cancelSafety != nil {
		c.cancelSafety()
		c.cancelSafety = nil
	}
	if c.cancelGrace != nil {
		c.cancelGrace()
		c.cancelGrace = nil
	}
	if c.cancelSettle != nil {
		c.cancelSettle()
		c.cancelSettle = nil
		c.settleJobID = ""
	}
}

// emitResultMessage re-queries a completed run and appends its result.
func (c *Controller) emitResultMessage(ctx context.Context, jobID string) {
	content := "Execution completed"
	if c.runClient != nil && ctx != nil {
		if run, err := c.runClient.GetRun(ctx, jobID); err != nil {
			c.log.Warnf("Failed to fetch result for %s: %v", jobID, err)
		} else if run != nil {
			content = resultContent(*run)
		}
	}
	c.appendMessage(core.MessageResult, content, jobID)
	c.notifyChange()
}

// appendTraceMessage turns one reconciled trace event into a displayable
// record. The message id is derived from the event id, so the same event
// arriving via poll and push yields one stored message.
func (c *Controller) appendTraceMessage(ev core.TraceEvent) {
	name, ok := resolveTaskName(ev)
	if !ok {
		return
	}

	var content string
	switch ev.EventType {
	case core.TraceTaskStarted:
		content = fmt.Sprintf("Task started: %s", name)
	case core.TraceTaskCompleted:
		content = fmt.Sprintf("Task completed: %s", name)
	case core.TraceTaskFailed:
		content = fmt.Sprintf("Task failed: %s", name)
	default:
		return
	}

	msg := core.Message{
		ID:        "trace-" + ev.ID,
		SessionID: c.sessionID,
		Type:      core.MessageTrace,
		Content:   content,
		Timestamp: ev.CreatedAt,
		JobID:     ev.JobID,
	}
	c.messages.Append(msg)
	c.persistMessage(msg)
	c.notifyChange()
}

// appendMessage creates and stores a displayable record for the session.
func (c *Controller) appendMessage(typ core.MessageType, content, jobID string) {
	msg := core.Message{
		ID:        uuid.NewString(),
		SessionID: c.sessionID,
		Type:      typ,
		Content:   content,
		Timestamp: c.sched.Now(),
		JobID:     jobID,
	}
	c.messages.Append(msg)
	c.persistMessage(msg)
}

func (c *Controller) persistMessage(msg core.Message) {
	if c.archive == nil {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.archive.SaveMessage(ctx, msg); err != nil {
		c.log.Warnf("Failed to archive message %s: %v", msg.ID, err)
	}
}

// notifyChange signals subscribers without blocking.
func (c *Controller) notifyChange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func resultContent(run core.Run) string {
	if len(run.Result) > 0 {
		return fmt.Sprintf("Execution completed: %s", string(run.Result))
	}
	return "Execution completed"
}

func displayName(jobName, jobID string) string {
	if jobName != "" {
		return jobName
	}
	return jobID
}
