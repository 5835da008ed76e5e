package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/runwatch/internal/config"
	"github.com/crewdeck/runwatch/internal/core"
	"github.com/crewdeck/runwatch/internal/store"
)

// fakeRunGetter serves canned run detail lookups.
type fakeRunGetter struct {
	mu   sync.Mutex
	runs map[string]*core.Run
}

func (f *fakeRunGetter) GetRun(ctx context.Context, jobID string) (*core.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[jobID], nil
}

func (f *fakeRunGetter) set(run core.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runs == nil {
		f.runs = make(map[string]*core.Run)
	}
	f.runs[run.JobID] = &run
}

type sessionHarness struct {
	sched  *FakeScheduler
	lister *fakeRunLister
	traces *fakeTraceLister
	getter *fakeRunGetter
	msgs   *store.DedupStore
	ctrl   *Controller
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		sched:  NewFakeScheduler(testStart),
		lister: &fakeRunLister{},
		traces: &fakeTraceLister{},
		getter: &fakeRunGetter{},
		msgs:   store.NewDedupStore(),
	}

	registry := NewRegistry(h.lister, "G1", testPollingConfig(), h.sched)
	reconciler := NewReconciler(h.traces, 2*time.Second, h.sched)

	cfg := config.SessionConfig{
		SafetyTimeout: 5 * time.Minute,
		GraceWindow:   10 * time.Second,
		SettleDelay:   2 * time.Second,
	}
	h.ctrl = NewController("S1", "G1", cfg, ControllerDeps{
		Registry:   registry,
		Reconciler: reconciler,
		Messages:   h.msgs,
		RunClient:  h.getter,
		Scheduler:  h.sched,
	})
	h.ctrl.Start(context.Background())
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *sessionHarness) messagesOfType(typ core.MessageType) []core.Message {
	var out []core.Message
	for _, msg := range h.msgs.Deduplicated("S1") {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func created(jobID, jobName string) Notification {
	return Notification{
		Type:    NotifyJobCreated,
		JobID:   jobID,
		JobName: jobName,
		GroupID: "G1",
	}
}

func TestSessionHappyPath(t *testing.T) {
	h := newSessionHarness(t)
	h.getter.set(core.Run{
		JobID:  "J1",
		Status: core.RunCompleted,
		Result: json.RawMessage(`"the quarterly report"`),
	})

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))

	session := h.ctrl.Session()
	assert.Equal(t, core.ExecRunning, session.ExecutionStatus)
	assert.Equal(t, "J1", session.CurrentJobID)
	system := h.messagesOfType(core.MessageSystem)
	require.Len(t, system, 1)
	assert.Equal(t, "Execution started: Quarterly analysis", system[0].Content)

	// A pushed trace shows up as task state and as a displayable record.
	ev := trace("e1", "J1", core.TraceTaskStarted, "Research competitors", h.sched.Now())
	h.ctrl.HandleNotification(Notification{Type: NotifyTraceUpdate, JobID: "J1", Trace: &ev})
	vm := h.ctrl.ViewModel()
	state, ok := vm.Tasks["Research competitors"]
	require.True(t, ok)
	assert.Equal(t, core.TaskRunning, state.Status)
	traces := h.messagesOfType(core.MessageTrace)
	require.Len(t, traces, 1)
	assert.Equal(t, "Task started: Research competitors", traces[0].Content)

	// Completion settles, then the result is fetched and emitted once.
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})
	assert.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)
	assert.Empty(t, h.messagesOfType(core.MessageResult), "result waits for the settle delay")

	h.sched.Advance(2 * time.Second)
	results := h.messagesOfType(core.MessageResult)
	require.Len(t, results, 1)
	assert.Equal(t, `Execution completed: "the quarterly report"`, results[0].Content)

	// Late duplicates and the eventual poll observation change nothing.
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})
	h.sched.Advance(10 * time.Minute)
	assert.Len(t, h.messagesOfType(core.MessageResult), 1)
}

func TestSessionSafetyTimeout(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	require.Equal(t, core.ExecRunning, h.ctrl.Session().ExecutionStatus)

	// No terminal signal ever arrives. The safety timeout forces completion
	// rather than leaving the session stuck.
	h.sched.Advance(5 * time.Minute)
	assert.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)

	var forced []core.Message
	for _, msg := range h.messagesOfType(core.MessageSystem) {
		if msg.Content == "Execution completed" {
			forced = append(forced, msg)
		}
	}
	require.Len(t, forced, 1)

	// The real completion arriving afterwards is a no-op.
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})
	h.sched.Advance(time.Minute)
	assert.Empty(t, h.messagesOfType(core.MessageResult))
}

func TestSessionCrossTenantNoise(t *testing.T) {
	h := newSessionHarness(t)

	foreign := created("J9", "Someone else's job")
	foreign.GroupID = "G2"
	h.ctrl.HandleNotification(foreign)

	missing := created("J10", "Tenantless job")
	missing.GroupID = ""
	h.ctrl.HandleNotification(missing)

	session := h.ctrl.Session()
	assert.Equal(t, core.ExecIdle, session.ExecutionStatus)
	assert.Empty(t, session.CurrentJobID)
	assert.Empty(t, h.msgs.Deduplicated("S1"))
}

func TestSessionFailure(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	h.ctrl.HandleNotification(Notification{Type: NotifyJobFailed, JobID: "J1", Error: "model quota exceeded"})

	assert.Equal(t, core.ExecFailed, h.ctrl.Session().ExecutionStatus)
	errs := h.messagesOfType(core.MessageError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Execution failed: model quota exceeded", errs[0].Content)

	// Duplicate failure notifications do not emit again.
	h.ctrl.HandleNotification(Notification{Type: NotifyJobFailed, JobID: "J1", Error: "model quota exceeded"})
	assert.Len(t, h.messagesOfType(core.MessageError), 1)
}

func TestSessionStoppedByUser(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	h.ctrl.HandleNotification(Notification{
		Type:           NotifyJobStopped,
		JobID:          "J1",
		PartialResults: "two of five sections drafted",
	})

	assert.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)

	var stopped []core.Message
	for _, msg := range h.messagesOfType(core.MessageSystem) {
		if strings.HasPrefix(msg.Content, "Execution stopped by user") {
			stopped = append(stopped, msg)
		}
	}
	require.Len(t, stopped, 1)
	assert.Contains(t, stopped[0].Content, "two of five sections drafted")
}

func TestSessionGraceWindow(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	ev := trace("e1", "J1", core.TraceTaskCompleted, "Research competitors", h.sched.Now())
	h.ctrl.HandleNotification(Notification{Type: NotifyTraceUpdate, JobID: "J1", Trace: &ev})
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})

	// Task state survives the grace window so final outcomes stay visible.
	h.sched.Advance(9 * time.Second)
	_, ok := h.ctrl.ViewModel().Tasks["Research competitors"]
	assert.True(t, ok)

	h.sched.Advance(time.Second)
	assert.Empty(t, h.ctrl.ViewModel().Tasks)
}

func TestSessionForceClear(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	ev := trace("e1", "J1", core.TraceTaskStarted, "Research competitors", h.sched.Now())
	h.ctrl.HandleNotification(Notification{Type: NotifyTraceUpdate, JobID: "J1", Trace: &ev})

	h.ctrl.HandleNotification(Notification{Type: NotifyForceClear})

	session := h.ctrl.Session()
	assert.Equal(t, core.ExecIdle, session.ExecutionStatus)
	assert.Empty(t, session.CurrentJobID)
	assert.Empty(t, h.ctrl.ViewModel().Tasks)

	// No timer fires later: the safety timeout was cancelled with the rest.
	h.sched.Advance(10 * time.Minute)
	assert.Equal(t, core.ExecIdle, h.ctrl.Session().ExecutionStatus)
}

func TestSessionPollDetectsCompletion(t *testing.T) {
	// No push notifications after job start; the poller alone detects the
	// terminal transition and emits the result message.
	h := newSessionHarness(t)
	createdAt := testStart.Add(-time.Minute)
	completedAt := testStart.Add(30 * time.Second)
	h.lister.fn = func(call int) ([]core.Run, error) {
		run := runAt("J1", core.RunRunning, createdAt)
		if call >= 2 {
			run.Status = core.RunCompleted
			run.CompletedAt = &completedAt
			run.Result = json.RawMessage(`"done"`)
		}
		return []core.Run{run}, nil
	}

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	h.sched.Advance(time.Minute)

	assert.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)
	results := h.messagesOfType(core.MessageResult)
	require.Len(t, results, 1)
	assert.Equal(t, `Execution completed: "done"`, results[0].Content)

	// A late push duplicate of the completion is a no-op.
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})
	h.sched.Advance(time.Minute)
	assert.Len(t, h.messagesOfType(core.MessageResult), 1)
}

func TestSessionSubscribe(t *testing.T) {
	h := newSessionHarness(t)

	ch, cancel := h.ctrl.Subscribe()
	defer cancel()

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal after job start")
	}
}

func TestSessionDuplicateCreatedAfterCompletion(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})
	require.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)

	// A duplicate created notification for the finished job must not
	// resurrect the session: the poller has already consumed the terminal
	// transition and would never re-emit it.
	h.ctrl.HandleNotification(created("J1", "Quarterly analysis"))
	assert.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)

	var started []core.Message
	for _, msg := range h.messagesOfType(core.MessageSystem) {
		if strings.HasPrefix(msg.Content, "Execution started") {
			started = append(started, msg)
		}
	}
	assert.Len(t, started, 1)

	// The settle fetch from the real completion still lands exactly once.
	h.sched.Advance(2 * time.Second)
	assert.Len(t, h.messagesOfType(core.MessageResult), 1)
}

func TestSessionNewJobFlushesPendingResult(t *testing.T) {
	h := newSessionHarness(t)
	h.getter.set(core.Run{
		JobID:  "J1",
		Status: core.RunCompleted,
		Result: json.RawMessage(`"first report"`),
	})

	h.ctrl.HandleNotification(created("J1", "First job"))
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})

	// The next job arrives inside the settle window; the previous job's
	// result is emitted immediately rather than dropped.
	h.ctrl.HandleNotification(created("J2", "Second job"))
	results := h.messagesOfType(core.MessageResult)
	require.Len(t, results, 1)
	assert.Equal(t, `Execution completed: "first report"`, results[0].Content)
	assert.Equal(t, "J1", results[0].JobID)

	// The cancelled settle timer never fires a duplicate.
	h.sched.Advance(2 * time.Second)
	assert.Len(t, h.messagesOfType(core.MessageResult), 1)
	assert.Equal(t, "J2", h.ctrl.Session().CurrentJobID)
}

func TestSessionRestartAfterCompletion(t *testing.T) {
	h := newSessionHarness(t)

	h.ctrl.HandleNotification(created("J1", "First job"))
	h.ctrl.HandleNotification(Notification{Type: NotifyJobCompleted, JobID: "J1"})
	require.Equal(t, core.ExecCompleted, h.ctrl.Session().ExecutionStatus)

	// A new job re-enters running and rebinds the trace poller.
	h.ctrl.HandleNotification(created("J2", "Second job"))
	session := h.ctrl.Session()
	assert.Equal(t, core.ExecRunning, session.ExecutionStatus)
	assert.Equal(t, "J2", session.CurrentJobID)
}
