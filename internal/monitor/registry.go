package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/crewdeck/runwatch/internal/config"
	"github.com/crewdeck/runwatch/internal/core"
	"github.com/crewdeck/runwatch/internal/jobs"
	"github.com/crewdeck/runwatch/internal/logger"
)

// RunLister is the slice of the job service client the registry needs.
type RunLister interface {
	ListRuns(ctx context.Context, limit, offset int) ([]core.Run, error)
}

var _ RunLister = (*jobs.Client)(nil)

// Registry owns the set of known runs for one tenant and keeps it in sync
// with the job service on an adaptive schedule. It is the single writer of
// the run map; readers get whole-value snapshots.
type Registry struct {
	mu sync.Mutex

	client  RunLister
	groupID string
	cfg     config.PollingConfig
	sched   Scheduler
	log     *logger.Logger

	runs      map[string]core.Run
	processed map[string]struct{}

	lastAttempt time.Time
	lastCreated time.Time
	idleStep    int

	pending CancelFunc
	ctx     context.Context
	started bool
	stopped bool

	lastErr string

	handlers []TransitionHandler
}

// NewRegistry creates a registry scoped to the given tenant.
func NewRegistry(client RunLister, groupID string, cfg config.PollingConfig, sched Scheduler) *Registry {
	return &Registry{
		client:    client,
		groupID:   groupID,
		cfg:       cfg,
		sched:     sched,
		log:       logger.WithField("component", "registry"),
		runs:      make(map[string]core.Run),
		processed: make(map[string]struct{}),
	}
}

// OnTransition registers a handler for run transitions. Handlers run
// synchronously inside the poll cycle, before the next delay is armed, so
// transition effects always precede the following fetch.
func (r *Registry) OnTransition(h TransitionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Start arms the poll loop. The first fetch fires immediately.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stopped = false
	r.ctx = ctx
	r.armLocked(0)
}

// Stop stops re-arming the poll timer. An in-flight fetch is not aborted;
// its result is applied as normal since application is idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.started = false
	if r.pending != nil {
		r.pending()
		r.pending = nil
	}
}

// Poke resets the idle backoff and forces an immediate fetch attempt. Used
// when a push notification arrives. The debounce guard still applies.
func (r *Registry) Poke() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return
	}
	r.idleStep = 0
	r.armLocked(0)
}

// SeedRun records a placeholder run from a job-created notification so the
// UI has something to show before the first poll lands. Runs from a foreign
// or missing tenant are dropped.
func (r *Registry) SeedRun(run core.Run) {
	if run.GroupID == "" || run.GroupID != r.groupID {
		r.log.Debugf("Dropping seed for job %s: unresolvable tenant", run.JobID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if run.Status == "" {
		run.Status = core.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.sched.Now()
	}

	if _, ok := r.runs[run.JobID]; ok {
		// A polled run is more authoritative than a placeholder.
		return
	}

	next := make(map[string]core.Run, len(r.runs)+1)
	for k, v := range r.runs {
		next[k] = v
	}
	next[run.JobID] = run
	r.runs = next
	if run.CreatedAt.After(r.lastCreated) {
		r.lastCreated = run.CreatedAt
	}
}

// Snapshot returns a copy of the known runs.
func (r *Registry) Snapshot() []core.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out
}

// Run returns the known state of one job.
func (r *Registry) Run(jobID string) (core.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[jobID]
	return run, ok
}

// LastError returns the last non-fatal fetch error, empty once a fetch
// succeeds again.
func (r *Registry) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// armLocked cancels any pending poll timer and schedules the next cycle.
func (r *Registry) armLocked(d time.Duration) {
	if r.pending != nil {
		r.pending()
	}
	r.pending = r.sched.Schedule(d, r.pollCycle)
}

// pollCycle runs one fetch attempt and re-arms the timer. It is the only
// writer of the run map.
func (r *Registry) pollCycle() {
	r.mu.Lock()
	if r.stopped || r.ctx == nil || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}

	now := r.sched.Now()
	if now.Sub(r.lastAttempt) < r.cfg.DebounceThreshold {
		// Debounce guard: too soon after the previous attempt, whatever
		// triggered this cycle.
		r.armLocked(r.cfg.DebounceThreshold)
		r.mu.Unlock()
		return
	}
	r.lastAttempt = now
	ctx := r.ctx
	r.mu.Unlock()

	runs, err := r.client.ListRuns(ctx, r.cfg.FetchLimit, 0)

	r.mu.Lock()
	var transitions []RunTransition
	if err != nil {
		r.lastErr = err.Error()
		r.log.Warnf("Run fetch failed: %v", err)
	} else {
		r.lastErr = ""
		transitions = r.mergeLocked(runs)
	}
	handlers := make([]TransitionHandler, len(r.handlers))
	copy(handlers, r.handlers)
	if !r.stopped {
		r.armLocked(r.nextDelayLocked())
	}
	r.mu.Unlock()

	// Handlers run outside the lock; transition detection has already
	// completed for this cycle, so emission order is preserved.
	for _, tr := range transitions {
		for _, h := range handlers {
			h(tr)
		}
	}
}

// mergeLocked folds fetched runs into the registry and returns the
// transitions to emit. Tenant filtering, clock correction, and the
// processed-set guard all happen here.
func (r *Registry) mergeLocked(fetched []core.Run) []RunTransition {
	next := make(map[string]core.Run, len(r.runs)+len(fetched))
	for k, v := range r.runs {
		next[k] = v
	}

	var transitions []RunTransition
	for _, run := range fetched {
		if run.GroupID == "" || run.GroupID != r.groupID {
			// Never display state for a job whose tenant cannot be proven
			// equal to ours.
			continue
		}

		run = correctClock(run)

		prev, known := next[run.JobID]
		next[run.JobID] = run

		if run.CreatedAt.After(r.lastCreated) {
			r.lastCreated = run.CreatedAt
		}

		// The status field is authoritative: a populated error payload on
		// a completed run does not turn it into a failure.
		status := run.Status
		if !status.Terminal() {
			continue
		}
		if known && !prev.Status.Active() {
			continue
		}
		if !known {
			// First sighting already terminal: nothing was watching it.
			r.markProcessedLocked(run.JobID, status)
			continue
		}

		if r.markProcessedLocked(run.JobID, status) {
			transitions = append(transitions, RunTransition{
				Run:  run,
				From: prev.Status,
				To:   status,
			})
		}
	}

	r.runs = next
	return transitions
}

// markProcessedLocked records a (job id, status) pair, returning true the
// first time it is seen.
func (r *Registry) markProcessedLocked(jobID string, status core.RunStatus) bool {
	key := jobID + "|" + string(status)
	if _, seen := r.processed[key]; seen {
		return false
	}
	r.processed[key] = struct{}{}
	return true
}

// nextDelayLocked selects the delay before the next fetch.
func (r *Registry) nextDelayLocked() time.Duration {
	now := r.sched.Now()

	if !r.lastCreated.IsZero() && now.Sub(r.lastCreated) < r.cfg.NewJobWindow {
		r.idleStep = 0
		d := r.cfg.NewJobInterval
		if d < r.cfg.DebounceThreshold {
			d = r.cfg.DebounceThreshold
		}
		return d
	}

	for _, run := range r.runs {
		if run.Status.Active() {
			r.idleStep = 0
			return r.cfg.ActiveInterval
		}
	}

	d := r.cfg.IdleBackoff[r.idleStep]
	if r.idleStep < len(r.cfg.IdleBackoff)-1 {
		r.idleStep++
	}
	return d
}

// correctClock nudges completed_at past created_at so downstream duration
// displays never show non-positive durations.
func correctClock(run core.Run) core.Run {
	if run.CompletedAt == nil {
		return run
	}
	if run.CompletedAt.After(run.CreatedAt) {
		return run
	}
	corrected := run.CreatedAt.Add(time.Second)
	run.CompletedAt = &corrected
	return run
}
