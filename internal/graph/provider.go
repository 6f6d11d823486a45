package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/models"
)

// FileStoryProvider загружает графы историй из JSON-файлов каталога и держит
// их в памяти. Граф после загрузки неизменяем; перечитывания на лету нет.
type FileStoryProvider struct {
	mu      sync.RWMutex
	stories map[string]*models.Story
	dir     string
	logger  *zap.Logger
}

var _ interfaces.StoryProvider = (*FileStoryProvider)(nil)

// NewFileStoryProvider читает все *.json из dir и валидирует каждый граф.
// Битый файл — ошибка запуска, а не тихий пропуск.
func NewFileStoryProvider(dir string, logger *zap.Logger) (*FileStoryProvider, error) {
	p := &FileStoryProvider{
		stories: make(map[string]*models.Story),
		dir:     dir,
		logger:  logger.Named("FileStoryProvider"),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать каталог историй %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		story, loadErr := loadStoryFile(path)
		if loadErr != nil {
			return nil, fmt.Errorf("история %s: %w", path, loadErr)
		}
		if _, dup := p.stories[story.ID]; dup {
			return nil, fmt.Errorf("история %s: дубликат ID %q", path, story.ID)
		}
		p.stories[story.ID] = story
		p.logger.Info("Story loaded",
			zap.String("storyID", story.ID),
			zap.String("title", story.Title),
			zap.Int("nodes", len(story.Nodes)))
	}
	if len(p.stories) == 0 {
		p.logger.Warn("No stories found in directory", zap.String("dir", dir))
	}
	return p, nil
}

// GetStory возвращает граф истории по ID.
func (p *FileStoryProvider) GetStory(id string) (*models.Story, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	story, ok := p.stories[id]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", id, models.ErrStoryNotFound)
	}
	return story, nil
}

// StoryIDs возвращает ID всех загруженных историй.
func (p *FileStoryProvider) StoryIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.stories))
	for id := range p.stories {
		ids = append(ids, id)
	}
	return ids
}

func loadStoryFile(path string) (*models.Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var story models.Story
	if err := json.Unmarshal(data, &story); err != nil {
		return nil, fmt.Errorf("ошибка разбора JSON: %w", err)
	}
	if err := ValidateStory(&story); err != nil {
		return nil, err
	}
	return &story, nil
}

// ValidateStory проверяет связность графа: входной узел существует, все
// переходы указывают на объявленные узлы, конфигурация типов полна.
func ValidateStory(story *models.Story) error {
	if story.ID == "" {
		return fmt.Errorf("пустой ID истории: %w", models.ErrInvalidNodeConfig)
	}
	if _, ok := story.Nodes[story.EntryNodeID]; !ok {
		return fmt.Errorf("входной узел %q не объявлен: %w", story.EntryNodeID, models.ErrInvalidNodeConfig)
	}
	for id, node := range story.Nodes {
		if node.ID != id {
			return fmt.Errorf("узел %q объявлен под ключом %q: %w", node.ID, id, models.ErrInvalidNodeConfig)
		}
		if err := validateNode(story, node); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(story *models.Story, node *models.NodeDefinition) error {
	ts := node.TypeSpecific
	if ts != nil && ts.NextNodeID != nil {
		if _, ok := story.Nodes[*ts.NextNodeID]; !ok {
			return fmt.Errorf("узел %s: переход на несуществующий узел %q: %w",
				node.ID, *ts.NextNodeID, models.ErrInvalidNodeConfig)
		}
	}
	if ts != nil {
		for _, choice := range ts.Choices {
			if choice.NextNodeID == nil {
				continue
			}
			if _, ok := story.Nodes[*choice.NextNodeID]; !ok {
				return fmt.Errorf("узел %s: вариант %s ведет на несуществующий узел %q: %w",
					node.ID, choice.ID, *choice.NextNodeID, models.ErrInvalidNodeConfig)
			}
		}
	}

	switch node.Type {
	case models.NodeTypeTimed:
		if ts == nil || ts.Timers == nil || ts.Timers.DurationSeconds <= 0 {
			return fmt.Errorf("узел %s: timed без таймера: %w", node.ID, models.ErrInvalidNodeConfig)
		}
	case models.NodeTypeChoice:
		if ts == nil || (len(ts.Choices) == 0 && len(ts.Selects) == 0) {
			return fmt.Errorf("узел %s: choice без вариантов: %w", node.ID, models.ErrInvalidNodeConfig)
		}
	case models.NodeTypeDM:
		if ts == nil || len(ts.DMDeliveries) == 0 {
			return fmt.Errorf("узел %s: dm без доставок: %w", node.ID, models.ErrInvalidNodeConfig)
		}
	case models.NodeTypeArcSplit:
		if ts == nil || ts.ArcSplit == nil {
			return fmt.Errorf("узел %s: arc_split без конфигурации: %w", node.ID, models.ErrInvalidNodeConfig)
		}
		cfg := ts.ArcSplit
		if len(cfg.Arcs) == 0 || cfg.MergeNodeID == "" {
			return fmt.Errorf("узел %s: arc_split без веток или узла слияния: %w", node.ID, models.ErrInvalidNodeConfig)
		}
		if _, ok := story.Nodes[cfg.MergeNodeID]; !ok {
			return fmt.Errorf("узел %s: узел слияния %q не объявлен: %w",
				node.ID, cfg.MergeNodeID, models.ErrInvalidNodeConfig)
		}
		catchAll := false
		for _, arc := range cfg.Arcs {
			if _, ok := story.Nodes[arc.EntryNodeID]; !ok {
				return fmt.Errorf("узел %s: ветка %s входит на несуществующий узел %q: %w",
					node.ID, arc.ID, arc.EntryNodeID, models.ErrInvalidNodeConfig)
			}
			if arc.ParticipantCnt <= 0 {
				catchAll = true
			}
		}
		// Без ветки-добора участники сверх фиксированных квот остались бы
		// вне разделения.
		if !catchAll {
			return fmt.Errorf("узел %s: arc_split без ветки с participant_count 0: %w",
				node.ID, models.ErrInvalidNodeConfig)
		}
	}
	return nil
}
