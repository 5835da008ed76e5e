package monitor

import (
	"strings"

	"github.com/crewdeck/runwatch/internal/core"
)

// The backend emits human-readable task descriptions rather than stable
// ids, so the reconciler trades precision for recall: it derives many alias
// strings per event and writes task state under all of them. At least one
// alias then matches whatever identifier the presentation layer uses.

// genericContexts are placeholder event contexts that carry no task name;
// the real name has to come from the metadata instead.
var genericContexts = map[string]struct{}{
	"task execution": {},
	"task started":   {},
}

// minTaskNameLen is the shortest event context accepted as a task name.
const minTaskNameLen = 5

// actionWords is the fixed vocabulary of task verbs recognized inside task
// names.
var actionWords = map[string]struct{}{
	"analyze":   {},
	"assess":    {},
	"collect":   {},
	"compile":   {},
	"create":    {},
	"design":    {},
	"develop":   {},
	"draft":     {},
	"evaluate":  {},
	"generate":  {},
	"identify":  {},
	"plan":      {},
	"prepare":   {},
	"research":  {},
	"review":    {},
	"summarize": {},
	"validate":  {},
	"write":     {},
}

// resolveTaskName extracts the task name from a trace event, following the
// fallback chain: event context, metadata task name for generic contexts,
// and finally the output extra data. The second return is false when no
// usable name exists and the event should be dropped.
func resolveTaskName(ev core.TraceEvent) (string, bool) {
	name := strings.TrimSpace(ev.EventContext)

	if _, generic := genericContexts[strings.ToLower(name)]; generic {
		name = strings.TrimSpace(ev.Metadata.TaskName)
		if name == "" {
			return "", false
		}
	}

	if lower := strings.ToLower(name); strings.HasPrefix(lower, "task:") {
		name = strings.TrimSpace(name[len("task:"):])
	}

	if usableTaskName(name) {
		return name, true
	}

	if ev.Output != nil && ev.Output.ExtraData != nil {
		if fallback := strings.TrimSpace(ev.Output.ExtraData.TaskName); usableTaskName(fallback) {
			return fallback, true
		}
	}
	return "", false
}

// usableTaskName rejects empty names, known sentinels, and names too short
// to be meaningful.
func usableTaskName(name string) bool {
	if len(name) < minTaskNameLen {
		return false
	}
	_, generic := genericContexts[strings.ToLower(name)]
	return !generic
}

// deriveCandidates builds the full candidate-identifier set for a trace
// event. It returns nil when the event carries no resolvable task name.
func deriveCandidates(ev core.TraceEvent) []string {
	name, ok := resolveTaskName(ev)
	if !ok {
		return nil
	}

	var out []string
	seen := make(map[string]struct{})
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" {
			return
		}
		if _, dup := seen[c]; dup {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}

	add(name)

	// Stable foreign keys, when present, are the highest-priority aliases.
	add(ev.Metadata.TaskID)
	add(ev.Metadata.FrontendTaskID)

	words := strings.Fields(name)

	// Word prefixes of length 1..5.
	for n := 1; n <= 5 && n <= len(words); n++ {
		prefix := strings.Join(words[:n], " ")
		add(prefix)
		add(strings.ToLower(prefix))
	}

	// Word suffixes of length 1..3.
	for n := 1; n <= 3 && n <= len(words); n++ {
		suffix := strings.Join(words[len(words)-n:], " ")
		add(suffix)
		add(strings.ToLower(suffix))
	}

	// Recognized action verbs, alone and with their following words.
	for i, w := range words {
		lw := strings.ToLower(strings.Trim(w, ".,:;!?"))
		if _, verb := actionWords[lw]; !verb {
			continue
		}
		add(lw)
		if i+1 < len(words) {
			add(strings.ToLower(strings.Join(words[i:i+2], " ")))
		}
		if i+2 < len(words) {
			add(strings.ToLower(strings.Join(words[i:i+3], " ")))
		}
	}

	lower := strings.ToLower(name)
	add(strings.ReplaceAll(lower, " ", "_"))
	add(lower)
	add(strings.ReplaceAll(name, "_", " "))

	return out
}

// resolveStatus maps an event to a task status. The second return is false
// for event types that do not drive task state.
func resolveStatus(ev core.TraceEvent) (core.TaskStatus, bool) {
	switch ev.EventType {
	case core.TraceTaskStarted:
		return core.TaskRunning, true
	case core.TraceTaskCompleted:
		return core.TaskCompleted, true
	case core.TraceTaskFailed:
		return core.TaskFailed, true
	case core.TraceTaskStatus, core.TraceAgentExecution:
		if hasCompletionMarker(ev) {
			return core.TaskCompleted, true
		}
		return core.TaskRunning, true
	}
	return "", false
}

// hasCompletionMarker reports whether the event's textual output contains a
// final-answer marker.
func hasCompletionMarker(ev core.TraceEvent) bool {
	if ev.Output == nil {
		return false
	}
	text := ev.Output.Text
	return strings.Contains(text, "Final Answer:") ||
		strings.Contains(text, "## Final Answer")
}
