package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.FindActiveSession(ctx, "telegram", "alice")
	require.ErrorIs(t, err, ErrNotFound)

	created, err := s.CreateSession(ctx, "telegram", "alice")
	require.NoError(t, err)
	require.Equal(t, SessionActive, created.State)

	found, err := s.FindActiveSession(ctx, "telegram", "alice")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	require.NoError(t, s.SetSessionState(ctx, created.ID, SessionClosed))
	_, err = s.FindActiveSession(ctx, "telegram", "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInterruptDanglingSessions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a, err := s.CreateSession(ctx, "telegram", "alice")
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "shell", "local")
	require.NoError(t, err)
	require.NoError(t, s.SetSessionState(ctx, b.ID, SessionClosed))

	n, err := s.InterruptDanglingSessions(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.FindActiveSession(ctx, "telegram", "alice")
	require.ErrorIs(t, err, ErrNotFound)
	_ = a
}

func TestMessagesOrderedAndCounted(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.CreateSession(ctx, "shell", "local")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, sess.ID, RoleUser, "first", nil, "")
	require.NoError(t, err)
	tokens := 7
	_, err = s.AppendMessage(ctx, sess.ID, RoleAssistant, "second", &tokens, `{"k":"v"}`)
	require.NoError(t, err)

	msgs, err := s.SessionMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "second", msgs[1].Content)
	require.NotNil(t, msgs[1].OutputToken)
	require.Equal(t, 7, *msgs[1].OutputToken)

	users, err := s.CountMessagesByRole(ctx, sess.ID, RoleUser)
	require.NoError(t, err)
	assistants, err := s.CountMessagesByRole(ctx, sess.ID, RoleAssistant)
	require.NoError(t, err)
	require.GreaterOrEqual(t, users, assistants)
}

func TestQueueDequeueClaimsOldestPending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	empty, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.Nil(t, empty)

	first, err := s.Enqueue(ctx, "work", "payload-1")
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "work", "payload-2")
	require.NoError(t, err)

	entry, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, first, entry.ID)
	require.Equal(t, QueueProcessing, entry.Status)
	require.NotNil(t, entry.LockedUntil)

	// The claimed entry is locked; the next dequeue skips to payload-2.
	next, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, "payload-2", next.Payload)

	require.NoError(t, s.Ack(ctx, entry.ID))
	require.NoError(t, s.Ack(ctx, next.ID))
	none, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestQueueReclaimsExpiredProcessingLock(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Enqueue(ctx, "work", "stale")
	require.NoError(t, err)

	entry, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.Equal(t, id, entry.ID)

	// Simulate a worker that died mid-item: force the lock into the past.
	_, err = s.db.ExecContext(ctx, `UPDATE queue SET locked_until = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), id)
	require.NoError(t, err)

	reclaimed, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, id, reclaimed.ID)
}

func TestQueueFailRetriesThenFailsPermanently(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Enqueue(ctx, "work", "flaky")
	require.NoError(t, err)

	for i := 0; i < defaultMaxAttempts-1; i++ {
		entry, err := s.Dequeue(ctx, "work")
		require.NoError(t, err)
		require.NotNil(t, entry)
		require.NoError(t, s.Fail(ctx, entry.ID))
	}

	entry, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NoError(t, s.Fail(ctx, entry.ID))

	none, err := s.Dequeue(ctx, "work")
	require.NoError(t, err)
	require.Nil(t, none)
	_ = id
}

func TestMemoryKeywordIndexMirroredByTriggers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.InsertMemory(ctx, &Memory{
		Content:    "the user prefers espresso over filter coffee",
		Embedding:  []float32{0.1, 0.2, 0.3},
		Source:     MemoryExplicit,
		Confidence: 0.9,
		Status:     MemoryActive,
	})
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, "espresso", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, id, hits[0].ID)

	miss, err := s.KeywordSearch(ctx, "motorcycles", 10)
	require.NoError(t, err)
	require.Empty(t, miss)
}

func TestSupersededMemoryLeavesRetrieval(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	oldID, err := s.InsertMemory(ctx, &Memory{
		Content: "user lives in Berlin", Embedding: []float32{1, 0},
		Source: MemoryExtracted, Confidence: 0.6, Status: MemoryActive,
	})
	require.NoError(t, err)
	newID, err := s.InsertMemory(ctx, &Memory{
		Content: "user lives in Munich", Embedding: []float32{0, 1},
		Source: MemoryExtracted, Confidence: 0.6, Status: MemoryActive,
	})
	require.NoError(t, err)

	require.NoError(t, s.SupersedeMemory(ctx, oldID, newID))

	active, err := s.ActiveMemories(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, newID, active[0].ID)

	byIDs, err := s.MemoriesByIDs(ctx, []string{oldID})
	require.NoError(t, err)
	require.Len(t, byIDs, 1)
	require.Equal(t, MemorySuperseded, byIDs[0].Status)
	require.NotNil(t, byIDs[0].SupersededBy)
	require.Equal(t, newID, *byIDs[0].SupersededBy)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	vec := []float32{0.25, -1.5, 3.75, 0}
	id, err := s.InsertMemory(ctx, &Memory{
		Content: "vector round trip", Embedding: vec,
		Source: MemoryExplicit, Confidence: 0.9, Status: MemoryActive,
	})
	require.NoError(t, err)

	rows, err := s.MemoriesByIDs(ctx, []string{id})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, vec, rows[0].Embedding)
}

func TestInstalledSkillUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sk := &InstalledSkill{
		Name: "weather", Version: "1.0.0", Description: "fetch weather",
		Author: "me", WasmPath: "/skills/weather.wasm",
		ManifestJSON: "{}", Capabilities: "{}",
	}
	require.NoError(t, s.UpsertSkill(ctx, sk))

	sk.Version = "1.1.0"
	require.NoError(t, s.UpsertSkill(ctx, sk))

	list, err := s.ListSkills(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "1.1.0", list[0].Version)

	require.NoError(t, s.RemoveSkill(ctx, "weather"))
	list, err = s.ListSkills(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestBackupSnapshotReopens(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(ctx, filepath.Join(dir, "live.db"))
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.CreateSession(ctx, "shell", "local")
	require.NoError(t, err)

	backupPath := filepath.Join(dir, "backup.db")
	require.NoError(t, s.Backup(ctx, backupPath))
	// A second backup to the same destination must refuse to overwrite.
	require.Error(t, s.Backup(ctx, backupPath))

	restored, err := Open(ctx, backupPath)
	require.NoError(t, err)
	defer restored.Close()

	found, err := restored.FindActiveSession(ctx, "shell", "local")
	require.NoError(t, err)
	require.Equal(t, sess.ID, found.ID)
}
