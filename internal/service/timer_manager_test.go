package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/service"
)

type recordingHandler struct {
	mu      sync.Mutex
	calls   []string
	panicOn string
}

func (h *recordingHandler) HandleTimerExpiry(_ context.Context, participantID, timerID, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timerID == h.panicOn {
		panic("handler blew up")
	}
	h.calls = append(h.calls, participantID+"/"+timerID)
	return nil
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestTimerManagerSweep(t *testing.T) {
	sessions := service.NewSessionStore(0, zap.NewNop())
	handler := &recordingHandler{}
	manager := service.NewTimerManager(sessions, handler, time.Second, zap.NewNop())

	sessions.Create("alice", "story-1", "ambush")
	sessions.StartTimer("alice", "ambush", "ambush", 30*time.Second)

	t.Run("Running timer is untouched", func(t *testing.T) {
		manager.Sweep(time.Now().UTC())
		assert.Empty(t, handler.snapshot())
	})

	t.Run("Expired timer fires exactly once", func(t *testing.T) {
		deadline := time.Now().UTC().Add(31 * time.Second)
		manager.Sweep(deadline)
		manager.Sweep(deadline)
		assert.Equal(t, []string{"alice/ambush"}, handler.snapshot())
	})

	t.Run("Timer cleared elsewhere never reaches the handler", func(t *testing.T) {
		sessions.StartTimer("alice", "vote", "vote", 10*time.Second)
		require.True(t, sessions.ClearTimer("alice", "vote"))
		manager.Sweep(time.Now().UTC().Add(time.Minute))
		assert.Equal(t, []string{"alice/ambush"}, handler.snapshot())
	})
}

func TestTimerManagerSurvivesHandlerPanic(t *testing.T) {
	sessions := service.NewSessionStore(0, zap.NewNop())
	handler := &recordingHandler{panicOn: "bad"}
	manager := service.NewTimerManager(sessions, handler, time.Second, zap.NewNop())

	sessions.Create("alice", "story-1", "bad")
	sessions.StartTimer("alice", "bad", "bad", time.Second)
	sessions.Create("bob", "story-1", "good")
	sessions.StartTimer("bob", "good", "good", time.Second)

	assert.NotPanics(t, func() {
		manager.Sweep(time.Now().UTC().Add(time.Minute))
	})
	assert.Equal(t, []string{"bob/good"}, handler.snapshot())
}

func TestTimerManagerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sessions := service.NewSessionStore(0, zap.NewNop())
	handler := &recordingHandler{}
	manager := service.NewTimerManager(sessions, handler, 10*time.Millisecond, zap.NewNop())

	sessions.Create("alice", "story-1", "ambush")
	sessions.StartTimer("alice", "ambush", "ambush", time.Millisecond)

	manager.Start()
	manager.Start() // повторный запуск — no-op

	assert.Eventually(t, func() bool {
		return len(handler.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	manager.Stop()
}
