package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
	"github.com/royengg/yunami-bot/internal/service"
)

func newStore(t *testing.T) *service.SessionStore {
	t.Helper()
	return service.NewSessionStore(0, zap.NewNop())
}

func TestSessionStoreCreate(t *testing.T) {
	store := newStore(t)

	t.Run("Creates session at entry node", func(t *testing.T) {
		session := store.Create("alice", "story-1", "entry")
		require.NotNil(t, session)
		assert.Equal(t, "entry", session.CurrentNodeID)
		assert.Equal(t, "story-1", session.StoryID)
		assert.Empty(t, session.Choices)
	})

	t.Run("Replaces existing session of the same participant", func(t *testing.T) {
		store.SetFlag("alice", "met_guard", true)
		store.Create("alice", "story-2", "start")

		session, ok := store.Get("alice")
		require.True(t, ok)
		assert.Equal(t, "story-2", session.StoryID)
		assert.False(t, session.Flags["met_guard"])
	})
}

func TestSessionStoreGetReturnsCopy(t *testing.T) {
	store := newStore(t)
	store.Create("alice", "story-1", "entry")

	session, ok := store.Get("alice")
	require.True(t, ok)
	session.Flags["tampered"] = true

	fresh, _ := store.Get("alice")
	assert.False(t, fresh.Flags["tampered"])
}

func TestSessionStoreRecordChoice(t *testing.T) {
	store := newStore(t)
	store.Create("alice", "story-1", "entry")

	next := "forest"
	store.RecordChoice("alice", "go_left", &next)

	session, _ := store.Get("alice")
	assert.Equal(t, []string{"go_left"}, session.Choices)
	assert.Equal(t, "forest", session.CurrentNodeID)

	// Выбор без перехода фиксируется, позиция не меняется.
	store.RecordChoice("alice", "look_around", nil)
	session, _ = store.Get("alice")
	assert.Equal(t, []string{"go_left", "look_around"}, session.Choices)
	assert.Equal(t, "forest", session.CurrentNodeID)
}

func TestSessionStoreResources(t *testing.T) {
	store := newStore(t)
	store.Create("alice", "story-1", "entry")

	store.SetResource("alice", "gold", 5)
	assert.Equal(t, 3, store.AdjustResource("alice", "gold", -2))

	t.Run("Floor clamps negative balances", func(t *testing.T) {
		assert.Equal(t, 0, store.AdjustResource("alice", "gold", -10))
		assert.Equal(t, 0, store.GetResource("alice", "gold"))
	})

	t.Run("Unknown participant is a no-op", func(t *testing.T) {
		assert.Equal(t, 0, store.AdjustResource("ghost", "gold", 7))
	})
}

func TestSessionStoreLockedChoices(t *testing.T) {
	store := newStore(t)
	store.Create("alice", "story-1", "entry")

	assert.False(t, store.IsChoiceLocked("alice", "node-1", "a"))
	store.LockChoice("alice", "node-1", "a")
	assert.True(t, store.IsChoiceLocked("alice", "node-1", "a"))
	assert.False(t, store.IsChoiceLocked("alice", "node-1", "b"))

	store.ClearLockedChoices("alice", "node-1")
	assert.False(t, store.IsChoiceLocked("alice", "node-1", "a"))
}

func TestSessionStoreTimers(t *testing.T) {
	store := newStore(t)
	store.Create("alice", "story-1", "entry")

	t.Run("Duplicate start does not reset countdown", func(t *testing.T) {
		store.StartTimer("alice", "node-1", "node-1", 10*time.Second)
		time.Sleep(20 * time.Millisecond)
		before := store.TimerRemaining("alice", "node-1")

		store.StartTimer("alice", "node-1", "node-1", 10*time.Second)
		after := store.TimerRemaining("alice", "node-1")
		assert.LessOrEqual(t, after, before)
	})

	t.Run("ClearTimer succeeds exactly once", func(t *testing.T) {
		assert.True(t, store.ClearTimer("alice", "node-1"))
		assert.False(t, store.ClearTimer("alice", "node-1"))
	})

	t.Run("ExpiredTimers reports only elapsed timers", func(t *testing.T) {
		store.StartTimer("alice", "node-2", "node-2", 30*time.Second)
		assert.Empty(t, store.ExpiredTimers(time.Now().UTC()))

		expired := store.ExpiredTimers(time.Now().UTC().Add(31 * time.Second))
		require.Len(t, expired, 1)
		assert.Equal(t, "alice", expired[0].ParticipantID)
		assert.Equal(t, "node-2", expired[0].NodeID)
		store.ClearTimer("alice", "node-2")
	})

	t.Run("ClearTimersForNode removes the node's timers", func(t *testing.T) {
		store.StartTimer("alice", "node-3", "node-3", time.Minute)
		store.ClearTimersForNode("alice", "node-3")
		assert.False(t, store.ClearTimer("alice", "node-3"))
	})

	t.Run("TransferTimers moves timers keeping the countdown", func(t *testing.T) {
		store.Create("bob", "story-1", "entry")
		store.StartTimer("alice", "node-4", "node-4", 10*time.Second)
		time.Sleep(20 * time.Millisecond)
		before := store.TimerRemaining("alice", "node-4")

		assert.Equal(t, 1, store.TransferTimers("alice", "bob"))
		assert.Equal(t, time.Duration(0), store.TimerRemaining("alice", "node-4"))
		moved := store.TimerRemaining("bob", "node-4")
		assert.Greater(t, moved, time.Duration(0))
		assert.LessOrEqual(t, moved, before)

		// Без сессии-получателя и самому себе перенос не происходит.
		assert.Equal(t, 0, store.TransferTimers("bob", "bob"))
		assert.Equal(t, 0, store.TransferTimers("bob", "ghost"))
		assert.True(t, store.ClearTimer("bob", "node-4"))
	})
}

func TestSessionStoreEnd(t *testing.T) {
	store := newStore(t)
	store.Create("alice", "story-1", "entry")

	session, ok := store.End("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", session.ParticipantID)

	_, ok = store.Get("alice")
	assert.False(t, ok)

	_, ok = store.End("alice")
	assert.False(t, ok)
}

func TestSessionStoreRestore(t *testing.T) {
	store := newStore(t)
	live := store.Create("alice", "story-live", "entry")

	snapshots := []*models.ParticipantSession{
		live.Clone(),
		{ParticipantID: "bob", StoryID: "story-old", CurrentNodeID: "cave"},
		nil,
	}
	snapshots[0].StoryID = "story-stale"

	restored := store.Restore(snapshots)
	assert.Equal(t, 1, restored)

	// Живая сессия не перетёрта устаревшим снимком.
	session, _ := store.Get("alice")
	assert.Equal(t, "story-live", session.StoryID)

	bob, ok := store.Get("bob")
	require.True(t, ok)
	assert.Equal(t, "cave", bob.CurrentNodeID)
}
