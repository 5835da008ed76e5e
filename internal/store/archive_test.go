package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/runwatch/internal/core"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := NewArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchiveSaveAndReplay(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	msgs := []core.Message{
		msg("m1", "Execution started: Quarterly analysis", core.MessageSystem, base),
		msg("m2", "Task started: research", core.MessageTrace, base.Add(time.Second)),
		msg("m3", "Execution completed", core.MessageResult, base.Add(time.Minute)),
	}
	msgs[1].JobID = "J1"
	for _, m := range msgs {
		require.NoError(t, a.SaveMessage(ctx, m))
	}

	got, err := a.ReplaySession(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "m3", got[2].ID)
	assert.Equal(t, "J1", got[1].JobID)
	assert.Empty(t, got[0].JobID)
	assert.Equal(t, core.MessageTrace, got[1].Type)
}

func TestArchiveSaveIsIdempotent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	m := msg("m1", "Execution completed", core.MessageResult, base)
	require.NoError(t, a.SaveMessage(ctx, m))

	m.Content = "changed content, same id"
	require.NoError(t, a.SaveMessage(ctx, m))

	got, err := a.ReplaySession(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Execution completed", got[0].Content)
}

func TestArchiveReplayThroughDedupStore(t *testing.T) {
	// Replaying an archived session into a live dedup store is safe: ids
	// already present are dropped.
	a := newTestArchive(t)
	ctx := context.Background()

	m := msg("m1", "Task started: research", core.MessageTrace, base)
	require.NoError(t, a.SaveMessage(ctx, m))

	s := NewDedupStore()
	s.Append(m)

	archived, err := a.ReplaySession(ctx, "S1")
	require.NoError(t, err)
	s.AppendBatch(archived)

	assert.Len(t, s.Messages("S1"), 1)
}

func TestArchiveSessionLabels(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	label, err := a.SessionLabel(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, label)

	require.NoError(t, a.SetSessionLabel(ctx, "S1", "Quarterly analysis"))
	label, err = a.SessionLabel(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly analysis", label)

	// Re-labeling replaces the previous name.
	require.NoError(t, a.SetSessionLabel(ctx, "S1", "Quarterly analysis v2"))
	label, err = a.SessionLabel(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly analysis v2", label)
}

func TestArchiveListSessions(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.SaveMessage(ctx, msg("m1", "hello", core.MessageChat, base)))
	labeled := msg("m2", "hello", core.MessageChat, base)
	labeled.SessionID = "S2"
	require.NoError(t, a.SaveMessage(ctx, labeled))
	require.NoError(t, a.SetSessionLabel(ctx, "S3", "label only"))

	sessions, err := a.ListSessions(ctx)
	require.NoError(t, err)

	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	assert.ElementsMatch(t, []string{"S1", "S2", "S3"}, ids)
}
