package graph_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/graph"
	"github.com/royengg/yunami-bot/internal/models"
)

func strPtr(s string) *string { return &s }

func writeStory(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewFileStoryProvider(t *testing.T) {
	t.Run("Loads stories from testdata", func(t *testing.T) {
		provider, err := graph.NewFileStoryProvider("testdata", zap.NewNop())
		require.NoError(t, err)

		story, err := provider.GetStory("demo-quest")
		require.NoError(t, err)
		assert.Equal(t, "intro", story.EntryNodeID)
		assert.Len(t, story.Nodes, 5)
		assert.Equal(t, models.NodeTypeTimed, story.Nodes["keeper"].Type)
		assert.Contains(t, provider.StoryIDs(), "demo-quest")
	})

	t.Run("Unknown story", func(t *testing.T) {
		provider, err := graph.NewFileStoryProvider("testdata", zap.NewNop())
		require.NoError(t, err)
		_, err = provider.GetStory("nope")
		assert.ErrorIs(t, err, models.ErrStoryNotFound)
	})

	t.Run("Corrupt JSON fails startup", func(t *testing.T) {
		dir := t.TempDir()
		writeStory(t, dir, "broken.json", "{not json")
		_, err := graph.NewFileStoryProvider(dir, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("Duplicate story ID fails startup", func(t *testing.T) {
		dir := t.TempDir()
		story := `{"id":"dup","entryNodeId":"a","nodes":{"a":{"id":"a","type":"narrative"}}}`
		writeStory(t, dir, "one.json", story)
		writeStory(t, dir, "two.json", story)
		_, err := graph.NewFileStoryProvider(dir, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("Non-json files are ignored", func(t *testing.T) {
		dir := t.TempDir()
		writeStory(t, dir, "notes.txt", "черновик")
		provider, err := graph.NewFileStoryProvider(dir, zap.NewNop())
		require.NoError(t, err)
		assert.Empty(t, provider.StoryIDs())
	})

	t.Run("Missing directory", func(t *testing.T) {
		_, err := graph.NewFileStoryProvider(filepath.Join(t.TempDir(), "absent"), zap.NewNop())
		assert.Error(t, err)
	})
}

func TestValidateStory(t *testing.T) {
	valid := func() *models.Story {
		return &models.Story{
			ID:          "s",
			EntryNodeID: "a",
			Nodes: map[string]*models.NodeDefinition{
				"a": {ID: "a", Type: models.NodeTypeNarrative, TypeSpecific: &models.TypeSpecific{NextNodeID: strPtr("b")}},
				"b": {ID: "b", Type: models.NodeTypeNarrative},
			},
		}
	}

	t.Run("Valid story passes", func(t *testing.T) {
		assert.NoError(t, graph.ValidateStory(valid()))
	})

	t.Run("Missing entry node", func(t *testing.T) {
		story := valid()
		story.EntryNodeID = "ghost"
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Node key mismatch", func(t *testing.T) {
		story := valid()
		story.Nodes["c"] = &models.NodeDefinition{ID: "zzz", Type: models.NodeTypeNarrative}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Dangling transition", func(t *testing.T) {
		story := valid()
		story.Nodes["b"].TypeSpecific = &models.TypeSpecific{NextNodeID: strPtr("ghost")}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Dangling choice target", func(t *testing.T) {
		story := valid()
		story.Nodes["b"] = &models.NodeDefinition{
			ID: "b", Type: models.NodeTypeChoice,
			TypeSpecific: &models.TypeSpecific{
				Choices: []models.Choice{{ID: "x", Label: "X", NextNodeID: strPtr("ghost")}},
			},
		}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Timed node without timer", func(t *testing.T) {
		story := valid()
		story.Nodes["b"] = &models.NodeDefinition{ID: "b", Type: models.NodeTypeTimed}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Choice node without choices", func(t *testing.T) {
		story := valid()
		story.Nodes["b"] = &models.NodeDefinition{ID: "b", Type: models.NodeTypeChoice}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Arc split referencing undeclared nodes", func(t *testing.T) {
		story := valid()
		story.Nodes["b"] = &models.NodeDefinition{
			ID: "b", Type: models.NodeTypeArcSplit,
			TypeSpecific: &models.TypeSpecific{
				ArcSplit: &models.ArcSplitConfig{
					MergeNodeID: "a",
					Arcs:        []models.ArcDefinition{{ID: "arc1", EntryNodeID: "ghost"}},
				},
			},
		}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Arc split with only fixed quotas is rejected", func(t *testing.T) {
		// Фиксированные квоты меньше размера группы оставили бы часть
		// участников без ветки: обязательна ветка-добор.
		story := valid()
		story.Nodes["b"] = &models.NodeDefinition{
			ID: "b", Type: models.NodeTypeArcSplit,
			TypeSpecific: &models.TypeSpecific{
				ArcSplit: &models.ArcSplitConfig{
					MergeNodeID: "a",
					Arcs: []models.ArcDefinition{
						{ID: "arc1", EntryNodeID: "a", ParticipantCnt: 1},
						{ID: "arc2", EntryNodeID: "a", ParticipantCnt: 2},
					},
				},
			},
		}
		assert.ErrorIs(t, graph.ValidateStory(story), models.ErrInvalidNodeConfig)
	})

	t.Run("Arc split with a catch-all arc passes", func(t *testing.T) {
		story := valid()
		story.Nodes["b"] = &models.NodeDefinition{
			ID: "b", Type: models.NodeTypeArcSplit,
			TypeSpecific: &models.TypeSpecific{
				ArcSplit: &models.ArcSplitConfig{
					MergeNodeID: "a",
					Arcs: []models.ArcDefinition{
						{ID: "arc1", EntryNodeID: "a", ParticipantCnt: 1},
						{ID: "arc2", EntryNodeID: "a"},
					},
				},
			},
		}
		assert.NoError(t, graph.ValidateStory(story))
	})
}
