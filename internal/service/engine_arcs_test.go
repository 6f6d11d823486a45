package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/royengg/yunami-bot/internal/models"
	"github.com/royengg/yunami-bot/internal/service"
)

func splitStory() *models.Story {
	return &models.Story{
		ID:          "split-story",
		EntryNodeID: "fork",
		Nodes: map[string]*models.NodeDefinition{
			"fork": {
				ID: "fork", Type: models.NodeTypeArcSplit,
				TypeSpecific: &models.TypeSpecific{
					ArcSplit: &models.ArcSplitConfig{
						MergeNodeID: "reunion",
						Arcs: []models.ArcDefinition{
							{ID: "vault", EntryNodeID: "vault_path", ParticipantCnt: 1},
							{ID: "hall", EntryNodeID: "hall_path"},
						},
					},
				},
			},
			"vault_path": {
				ID: "vault_path", Type: models.NodeTypeNarrative,
				TypeSpecific: &models.TypeSpecific{NextNodeID: strPtr("reunion")},
			},
			"hall_path": {
				ID: "hall_path", Type: models.NodeTypeNarrative,
				TypeSpecific: &models.TypeSpecific{NextNodeID: strPtr("reunion")},
			},
			"reunion": {
				ID: "reunion", Type: models.NodeTypeArcMerge,
				TypeSpecific: &models.TypeSpecific{NextNodeID: strPtr("finale")},
			},
			"finale": {ID: "finale", Type: models.NodeTypeNarrative},
		},
	}
}

func TestArcSplitAndMergeFlow(t *testing.T) {
	fx := newEngineFixture(t, splitStory())
	ctx := context.Background()
	party := fx.startedParty(t, "split-story", "alice", "bob")

	// Лидер подтверждает разделение на узле arc_split.
	payload, err := fx.engine.Continue(ctx, "alice")
	require.NoError(t, err)
	require.True(t, fx.arcs.IsSplit(party.ID))
	assert.Contains(t, []string{"vault_path", "hall_path"}, payload.NodeID)

	aliceArc, ok := fx.arcs.ArcOf(party.ID, "alice")
	require.True(t, ok)
	bobArc, ok := fx.arcs.ArcOf(party.ID, "bob")
	require.True(t, ok)
	assert.NotEqual(t, aliceArc, bobArc)

	t.Run("Each member stands on their arc entry", func(t *testing.T) {
		aliceSession, _ := fx.sessions.Get("alice")
		bobSession, _ := fx.sessions.Get("bob")
		assert.NotEqual(t, aliceSession.CurrentNodeID, bobSession.CurrentNodeID)
		assert.Contains(t, []string{"vault_path", "hall_path"}, aliceSession.CurrentNodeID)
	})

	t.Run("First arc at the merge point waits for the rest", func(t *testing.T) {
		payload, err := fx.engine.Continue(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "reunion", payload.NodeID)
		assert.Contains(t, payload.Notice, "Ожидание")
		assert.True(t, fx.arcs.IsSplit(party.ID))
		assert.Equal(t, []string{bobArc}, fx.arcs.ArcsNotAtMerge(party.ID))
	})

	t.Run("Last arc arriving reunites the party", func(t *testing.T) {
		payload, err := fx.engine.Continue(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "reunion", payload.NodeID)
		assert.False(t, fx.arcs.IsSplit(party.ID))

		updated, err := fx.parties.Get(party.ID)
		require.NoError(t, err)
		assert.Equal(t, "reunion", updated.CurrentNodeID)
		for _, id := range []string{"alice", "bob"} {
			session, _ := fx.sessions.Get(id)
			assert.Equal(t, "reunion", session.CurrentNodeID, id)
		}
	})

	t.Run("Merged party advances as one", func(t *testing.T) {
		payload, err := fx.engine.Continue(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, "finale", payload.NodeID)

		updated, err := fx.parties.Get(party.ID)
		require.NoError(t, err)
		assert.Equal(t, "finale", updated.CurrentNodeID)
	})
}

func TestSoloArcBypassesVoting(t *testing.T) {
	story := splitStory()
	// Входной узел ветки — коллективный выбор; одиночная ветка должна
	// разрешать его немедленно.
	story.Nodes["vault_path"] = &models.NodeDefinition{
		ID: "vault_path", Type: models.NodeTypeChoice,
		TypeSpecific: &models.TypeSpecific{
			Choices: []models.Choice{
				{ID: "pick", Label: "Взломать", NextNodeID: strPtr("reunion")},
			},
			OutcomeRules: &models.OutcomeRules{Compute: models.RuleMajority},
		},
	}
	fx := newEngineFixture(t, story)
	ctx := context.Background()
	party := fx.startedParty(t, "split-story", "alice", "bob")

	_, err := fx.engine.Continue(ctx, "alice")
	require.NoError(t, err)

	var vaultMember string
	for _, id := range []string{"alice", "bob"} {
		if arcID, _ := fx.arcs.ArcOf(party.ID, id); arcID == "vault" {
			vaultMember = id
		}
	}
	require.NotEmpty(t, vaultMember)
	require.True(t, fx.arcs.IsSoloArc(party.ID, vaultMember))

	payload, err := fx.engine.SubmitInput(ctx, vaultMember, service.InputPayload{ChoiceID: "pick"})
	require.NoError(t, err)
	// Исход применён сразу, без ожидания голосов.
	assert.Equal(t, "reunion", payload.NodeID)
}

func TestDMDeliveriesRoutedByRole(t *testing.T) {
	story := &models.Story{
		ID:          "dm-story",
		EntryNodeID: "whisper",
		Nodes: map[string]*models.NodeDefinition{
			"whisper": {
				ID: "whisper", Type: models.NodeTypeDM,
				TypeSpecific: &models.TypeSpecific{
					DMDeliveries: []models.DMDelivery{
						{RecipientRole: "scout", Text: "Ты замечаешь движение."},
						{RecipientRole: "", Text: "Отряд останавливается."},
					},
				},
			},
		},
	}
	fx := newEngineFixture(t, story)
	ctx := context.Background()

	party, err := fx.parties.Create(ctx, "alice", "Alice", "Отряд", 4)
	require.NoError(t, err)
	_, err = fx.parties.Join(party.ID, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, fx.parties.SetReady(party.ID, "bob", true))
	require.NoError(t, fx.parties.SetRole(party.ID, "alice", "scout"))

	// Ролевое сообщение уходит только разведчику, безролевое — всем.
	fx.deliveries.On("PublishPrivateDelivery", mock.Anything, mock.MatchedBy(func(p models.PrivateDeliveryPayload) bool {
		return p.ParticipantID == "alice" && p.Text == "Ты замечаешь движение."
	})).Return(nil).Once()
	fx.deliveries.On("PublishPrivateDelivery", mock.Anything, mock.MatchedBy(func(p models.PrivateDeliveryPayload) bool {
		return p.Text == "Отряд останавливается."
	})).Return(nil).Twice()

	_, err = fx.engine.StartPartyStory(ctx, party.ID, "alice", "dm-story")
	require.NoError(t, err)

	fx.deliveries.AssertExpectations(t)
}
