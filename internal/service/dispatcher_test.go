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

func newDispatcher() *service.NodeDispatcher {
	return service.NewNodeDispatcher(zap.NewNop())
}

func findButton(payload *models.RenderPayload, id string) *models.RenderButton {
	for i := range payload.Buttons {
		if payload.Buttons[i].ID == id {
			return &payload.Buttons[i]
		}
	}
	return nil
}

func TestDispatchNarrative(t *testing.T) {
	dispatcher := newDispatcher()
	node := &models.NodeDefinition{
		ID:          "intro",
		Type:        models.NodeTypeNarrative,
		Title:       "Пролог",
		Description: "Вы просыпаетесь в тёмной комнате.",
	}

	payload, effects, err := dispatcher.Dispatch(node, nil)
	require.NoError(t, err)
	assert.Equal(t, "intro", payload.NodeID)
	assert.Equal(t, "Пролог", payload.Title)
	require.Len(t, payload.Buttons, 1)
	assert.Equal(t, "continue", payload.Buttons[0].ID)
	assert.Nil(t, effects.StartTimer)
}

func TestDispatchChoice(t *testing.T) {
	dispatcher := newDispatcher()
	node := &models.NodeDefinition{
		ID:   "crossroads",
		Type: models.NodeTypeChoice,
		TypeSpecific: &models.TypeSpecific{
			Choices: []models.Choice{
				{ID: "left", Label: "Налево"},
				{ID: "right", Label: "Направо", Cost: map[string]int{"gold": 3}},
				{ID: "secret", Label: "Тайный ход", AllowedRoles: []string{"scout"}},
			},
		},
	}

	t.Run("Without choices the node is invalid", func(t *testing.T) {
		bad := &models.NodeDefinition{ID: "empty", Type: models.NodeTypeChoice}
		_, _, err := dispatcher.Dispatch(bad, nil)
		assert.ErrorIs(t, err, models.ErrInvalidNodeConfig)
	})

	t.Run("Cost is shown on the button label", func(t *testing.T) {
		payload, _, err := dispatcher.Dispatch(node, nil)
		require.NoError(t, err)
		button := findButton(payload, "right")
		require.NotNil(t, button)
		assert.Equal(t, "Направо (-3 gold)", button.Label)
	})

	t.Run("Role-gated choice disables for outsiders", func(t *testing.T) {
		session := &models.ParticipantSession{ParticipantID: "alice", PartyRole: "medic"}
		payload, _, err := dispatcher.Dispatch(node, &service.RenderContext{Session: session})
		require.NoError(t, err)
		require.NotNil(t, findButton(payload, "secret"))
		assert.True(t, findButton(payload, "secret").Disabled)

		session.PartyRole = "scout"
		payload, _, err = dispatcher.Dispatch(node, &service.RenderContext{Session: session})
		require.NoError(t, err)
		assert.False(t, findButton(payload, "secret").Disabled)
	})

	t.Run("Locked choice is disabled", func(t *testing.T) {
		session := &models.ParticipantSession{
			ParticipantID: "alice",
			LockedChoices: map[string]map[string]struct{}{
				"crossroads": {"left": {}},
			},
		}
		payload, _, err := dispatcher.Dispatch(node, &service.RenderContext{Session: session})
		require.NoError(t, err)
		assert.True(t, findButton(payload, "left").Disabled)
		assert.False(t, findButton(payload, "right").Disabled)
	})
}

func TestDispatchChoiceVoteFields(t *testing.T) {
	dispatcher := newDispatcher()
	node := &models.NodeDefinition{
		ID:   "crossroads",
		Type: models.NodeTypeChoice,
		TypeSpecific: &models.TypeSpecific{
			Choices: []models.Choice{
				{ID: "left", Label: "Налево"},
				{ID: "right", Label: "Направо"},
			},
			OutcomeRules: &models.OutcomeRules{Compute: models.RuleMajority},
		},
	}

	rctx := &service.RenderContext{
		GroupSize: 3,
		VoteSummary: &models.VoteSummary{
			TotalVotes: 2,
			VoteCounts: map[string]int{"left": 2},
		},
	}
	payload, _, err := dispatcher.Dispatch(node, rctx)
	require.NoError(t, err)

	require.Len(t, payload.Fields, 2)
	assert.Equal(t, "Голоса", payload.Fields[0].Name)
	assert.Equal(t, "2 из 3", payload.Fields[0].Value)
	assert.Contains(t, payload.Fields[1].Value, "Налево — 2")

	t.Run("Solo view hides the vote fields", func(t *testing.T) {
		payload, _, err := dispatcher.Dispatch(node, &service.RenderContext{GroupSize: 1, VoteSummary: rctx.VoteSummary})
		require.NoError(t, err)
		assert.Empty(t, payload.Fields)
	})
}

func TestDispatchTimed(t *testing.T) {
	dispatcher := newDispatcher()
	node := &models.NodeDefinition{
		ID:   "ambush",
		Type: models.NodeTypeTimed,
		TypeSpecific: &models.TypeSpecific{
			Timers: &models.TimerSpec{DurationSeconds: 30},
			Choices: []models.Choice{
				{ID: "fight", Label: "Драться"},
				{ID: "run", Label: "Бежать"},
			},
		},
	}

	t.Run("First render starts the timer", func(t *testing.T) {
		payload, effects, err := dispatcher.Dispatch(node, &service.RenderContext{})
		require.NoError(t, err)
		assert.Equal(t, 30, payload.TimerSecondsLeft)
		require.NotNil(t, effects.StartTimer)
		assert.Equal(t, 30, effects.StartTimer.DurationSeconds)
	})

	t.Run("Re-render with a running timer shows remaining time", func(t *testing.T) {
		payload, effects, err := dispatcher.Dispatch(node, &service.RenderContext{TimerRemains: 12 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, 12, payload.TimerSecondsLeft)
		assert.Nil(t, effects.StartTimer)
	})

	t.Run("Expired timer is not restarted", func(t *testing.T) {
		payload, effects, err := dispatcher.Dispatch(node, &service.RenderContext{TimerExpired: true})
		require.NoError(t, err)
		assert.Zero(t, payload.TimerSecondsLeft)
		assert.Nil(t, effects.StartTimer)
	})

	t.Run("Timed node without a timer is invalid", func(t *testing.T) {
		bad := &models.NodeDefinition{ID: "broken", Type: models.NodeTypeTimed}
		_, _, err := dispatcher.Dispatch(bad, nil)
		assert.ErrorIs(t, err, models.ErrInvalidNodeConfig)
	})
}

func TestDispatchDM(t *testing.T) {
	dispatcher := newDispatcher()
	node := &models.NodeDefinition{
		ID:   "whisper",
		Type: models.NodeTypeDM,
		TypeSpecific: &models.TypeSpecific{
			DMDeliveries: []models.DMDelivery{
				{RecipientRole: "scout", Text: "Ты замечаешь движение в тенях."},
			},
		},
	}

	_, effects, err := dispatcher.Dispatch(node, nil)
	require.NoError(t, err)
	require.Len(t, effects.DMDeliveries, 1)
	assert.Equal(t, "scout", effects.DMDeliveries[0].RecipientRole)
}

func TestDispatchArcSplit(t *testing.T) {
	dispatcher := newDispatcher()
	node := &models.NodeDefinition{
		ID:   "fork",
		Type: models.NodeTypeArcSplit,
		TypeSpecific: &models.TypeSpecific{
			ArcSplit: &models.ArcSplitConfig{
				MergeNodeID: "reunion",
				Arcs: []models.ArcDefinition{
					{ID: "vault", Title: "Хранилище", EntryNodeID: "v1", ParticipantCnt: 1},
					{ID: "hall", EntryNodeID: "h1"},
				},
			},
		},
	}

	payload, _, err := dispatcher.Dispatch(node, nil)
	require.NoError(t, err)
	require.Len(t, payload.Fields, 2)
	assert.Equal(t, "Хранилище", payload.Fields[0].Name)
	assert.Equal(t, "участников: 1", payload.Fields[0].Value)
	assert.Equal(t, "hall", payload.Fields[1].Name)
	assert.Equal(t, "все оставшиеся", payload.Fields[1].Value)
	require.Len(t, payload.Buttons, 1)
	assert.Equal(t, "continue", payload.Buttons[0].ID)
}

func TestDispatchUnimplementedTypes(t *testing.T) {
	dispatcher := newDispatcher()
	for _, nodeType := range []models.NodeType{
		models.NodeTypeSequence,
		models.NodeTypeCombat,
		models.NodeTypeSocial,
		models.NodeTypeMemory,
		models.NodeTypeMeta,
		models.NodeType("bogus"),
	} {
		_, _, err := dispatcher.Dispatch(&models.NodeDefinition{ID: "x", Type: nodeType}, nil)
		assert.ErrorIs(t, err, models.ErrInvalidNodeConfig, string(nodeType))
	}
}
