package service_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
	"github.com/royengg/yunami-bot/internal/service"
)

func intPtr(v int) *int { return &v }

func gatedNode(pre *models.Preconditions) *models.NodeDefinition {
	return &models.NodeDefinition{ID: "gated", Type: models.NodeTypeNarrative, Preconditions: pre}
}

func TestPreconditionGateCheck(t *testing.T) {
	sessions := service.NewSessionStore(0, zap.NewNop())
	gate := service.NewPreconditionGate(sessions)
	sessions.Create("alice", "story-1", "entry")

	t.Run("No preconditions always passes", func(t *testing.T) {
		res := gate.Check(gatedNode(nil), "alice", nil)
		assert.True(t, res.Allowed)
	})

	t.Run("Missing session is rejected", func(t *testing.T) {
		res := gate.Check(gatedNode(&models.Preconditions{RequiredFlags: []string{"x"}}), "ghost", nil)
		assert.False(t, res.Allowed)
	})

	t.Run("Required flags", func(t *testing.T) {
		node := gatedNode(&models.Preconditions{RequiredFlags: []string{"met_guard", "has_map"}})

		res := gate.Check(node, "alice", nil)
		require.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "met_guard")

		sessions.SetFlag("alice", "met_guard", true)
		sessions.SetFlag("alice", "has_map", true)
		assert.True(t, gate.Check(node, "alice", nil).Allowed)
	})

	t.Run("Required items", func(t *testing.T) {
		node := gatedNode(&models.Preconditions{RequiredItems: []string{"torch"}})

		res := gate.Check(node, "alice", nil)
		require.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "torch")

		sessions.AddItem("alice", "torch")
		assert.True(t, gate.Check(node, "alice", nil).Allowed)
	})
}

func TestPreconditionGateParticipantCount(t *testing.T) {
	sessions := service.NewSessionStore(0, zap.NewNop())
	gate := service.NewPreconditionGate(sessions)
	sessions.Create("alice", "story-1", "entry")

	node := gatedNode(&models.Preconditions{
		MinParticipants: intPtr(2),
		MaxParticipants: intPtr(3),
	})

	activeParty := func(size int) *models.Party {
		members := make([]*models.PartyMember, size)
		for i := range members {
			members[i] = &models.PartyMember{ParticipantID: string(rune('a' + i))}
		}
		return &models.Party{ID: uuid.New(), Status: models.PartyStatusActive, Members: members}
	}

	t.Run("Solo participant fails the minimum", func(t *testing.T) {
		res := gate.Check(node, "alice", nil)
		require.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "at least 2")
	})

	t.Run("Party within bounds passes", func(t *testing.T) {
		assert.True(t, gate.Check(node, "alice", activeParty(2)).Allowed)
		assert.True(t, gate.Check(node, "alice", activeParty(3)).Allowed)
	})

	t.Run("Oversized party fails the maximum", func(t *testing.T) {
		res := gate.Check(node, "alice", activeParty(4))
		require.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "maximum 3")
	})

	t.Run("Forming party counts as solo", func(t *testing.T) {
		forming := activeParty(3)
		forming.Status = models.PartyStatusForming
		assert.False(t, gate.Check(node, "alice", forming).Allowed)
	})
}
