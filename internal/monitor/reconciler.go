package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/crewdeck/runwatch/internal/core"
	"github.com/crewdeck/runwatch/internal/jobs"
	"github.com/crewdeck/runwatch/internal/logger"
)

// TraceLister is the slice of the job service client the reconciler needs.
type TraceLister interface {
	ListTraces(ctx context.Context, jobID string) ([]core.TraceEvent, error)
}

var _ TraceLister = (*jobs.Client)(nil)

// Reconciler keeps the canonical task state table for the currently bound
// job in sync with the trace stream. Traces arrive both by polling and by
// push; the (event id, created at) dedup key makes both paths idempotent.
type Reconciler struct {
	mu sync.Mutex

	client   TraceLister
	sched    Scheduler
	interval time.Duration
	log      *logger.Logger

	jobID     string
	processed map[string]struct{}
	tasks     map[string]core.TaskState

	pending CancelFunc
	ctx     context.Context

	onEvent func(core.TraceEvent)
}

// NewReconciler creates a reconciler polling at the given cadence while a
// job is bound.
func NewReconciler(client TraceLister, interval time.Duration, sched Scheduler) *Reconciler {
	return &Reconciler{
		client:    client,
		sched:     sched,
		interval:  interval,
		log:       logger.WithField("component", "reconciler"),
		processed: make(map[string]struct{}),
		tasks:     make(map[string]core.TaskState),
	}
}

// SetEventHook registers a callback invoked once per newly reconciled
// event, after the event has been applied. The hook runs outside the
// reconciler's lock.
func (r *Reconciler) SetEventHook(fn func(core.TraceEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

// Bind points the reconciler at a job and starts trace polling. Re-binding
// the same job is a no-op; a different job clears the previous task state.
func (r *Reconciler) Bind(ctx context.Context, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobID == jobID && r.pending != nil {
		return
	}

	r.jobID = jobID
	r.ctx = ctx
	r.processed = make(map[string]struct{})
	r.tasks = make(map[string]core.TaskState)
	r.armLocked(0)
}

// Stop stops re-arming the trace poll timer and unbinds the job. Task
// state is left in place; the session controller clears it after the grace
// window.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobID = ""
	if r.pending != nil {
		r.pending()
		r.pending = nil
	}
}

// Clear drops all task state.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]core.TaskState)
}

// ApplyTrace feeds one trace event directly into the task state table,
// bypassing the polling fetch. Used by the push notification path.
func (r *Reconciler) ApplyTrace(ev core.TraceEvent) {
	r.mu.Lock()
	if r.jobID == "" || ev.JobID != r.jobID {
		r.mu.Unlock()
		return
	}
	applied := r.applyLocked(ev)
	hook := r.onEvent
	r.mu.Unlock()

	if applied && hook != nil {
		hook(ev)
	}
}

// Tasks returns a snapshot of the task state table.
func (r *Reconciler) Tasks() map[string]core.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]core.TaskState, len(r.tasks))
	for k, v := range r.tasks {
		out[k] = v
	}
	return out
}

// Task looks up the state recorded under one candidate identifier.
func (r *Reconciler) Task(alias string) (core.TaskState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.tasks[alias]
	return state, ok
}

// armLocked cancels any pending trace timer and schedules the next cycle.
func (r *Reconciler) armLocked(d time.Duration) {
	if r.pending != nil {
		r.pending()
	}
	r.pending = r.sched.Schedule(d, r.pollCycle)
}

// pollCycle fetches the bound job's traces, applies them in returned
// order, and re-arms the timer.
func (r *Reconciler) pollCycle() {
	r.mu.Lock()
	jobID := r.jobID
	ctx := r.ctx
	r.mu.Unlock()

	if jobID == "" || ctx == nil || ctx.Err() != nil {
		return
	}

	events, err := r.client.ListTraces(ctx, jobID)

	r.mu.Lock()
	if r.jobID != jobID {
		// Unbound or re-bound while the fetch was in flight; the result is
		// stale, drop it.
		r.mu.Unlock()
		return
	}

	var applied []core.TraceEvent
	if err != nil {
		r.log.Warnf("Trace fetch for %s failed: %v", jobID, err)
	} else {
		for _, ev := range events {
			if r.applyLocked(ev) {
				applied = append(applied, ev)
			}
		}
	}

	r.armLocked(r.interval)
	hook := r.onEvent
	r.mu.Unlock()

	if hook != nil {
		for _, ev := range applied {
			hook(ev)
		}
	}
}

// applyLocked reconciles one event into the task state table, returning
// true when the event was newly applied. Events are consumed exactly once;
// a malformed or unresolvable event is skipped silently.
func (r *Reconciler) applyLocked(ev core.TraceEvent) bool {
	if !ev.EventType.TaskShaped() {
		return false
	}

	key := ev.DedupKey()
	if _, done := r.processed[key]; done {
		return false
	}
	r.processed[key] = struct{}{}

	status, ok := resolveStatus(ev)
	if !ok {
		return false
	}

	name, ok := resolveTaskName(ev)
	if !ok {
		r.log.Debugf("Dropping trace %s: no resolvable task name", ev.ID)
		return false
	}

	candidates := deriveCandidates(ev)
	if len(candidates) == 0 {
		return false
	}

	now := r.sched.Now()
	next := make(map[string]core.TaskState, len(r.tasks)+len(candidates))
	for k, v := range r.tasks {
		next[k] = v
	}

	for _, alias := range candidates {
		existing, known := next[alias]
		if known && existing.Status == status {
			// Repeated identical status is a no-op.
			continue
		}
		if known && status == core.TaskRunning && existing.Status != core.TaskRunning {
			// Terminal statuses never regress to running; only an explicit
			// session reset clears them.
			continue
		}

		state := core.TaskState{
			Status:   status,
			TaskName: name,
		}
		if known {
			// The first-seen start time is never discarded.
			state.StartedAt = existing.StartedAt
			if status != core.TaskRunning {
				state.CompletedAt = existing.CompletedAt
			}
		}

		switch status {
		case core.TaskRunning:
			if state.StartedAt == nil {
				t := now
				state.StartedAt = &t
			}
		case core.TaskCompleted:
			if state.CompletedAt == nil {
				t := now
				state.CompletedAt = &t
			}
		case core.TaskFailed:
			t := now
			state.FailedAt = &t
		}

		next[alias] = state
	}

	r.tasks = next
	return true
}
