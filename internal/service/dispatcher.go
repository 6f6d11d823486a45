package service

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
)

// RenderContext — окружение отрисовки узла для конкретного участника.
// Диспетчер читает его, но никогда не мутирует.
type RenderContext struct {
	Session       *models.ParticipantSession
	VoteSummary   *models.VoteSummary
	TimerRemains  time.Duration
	GroupSize     int
	TimerExpired  bool
	OutcomeNotice string
}

// NodeDispatcher превращает определение узла в полезную нагрузку отображения
// и список побочных эффектов. Чистая функция над определением и контекстом:
// состояние сессий меняет только вызывающий оркестратор.
type NodeDispatcher struct {
	logger *zap.Logger
}

// NewNodeDispatcher создает новый NodeDispatcher.
func NewNodeDispatcher(logger *zap.Logger) *NodeDispatcher {
	return &NodeDispatcher{logger: logger.Named("NodeDispatcher")}
}

// Dispatch выбирает обработчик по типу узла. Каждый тип обрабатывается явно;
// объявленные, но нереализованные категории отклоняются с ошибкой, а не
// проваливаются в поведение по умолчанию.
func (d *NodeDispatcher) Dispatch(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	if rctx == nil {
		rctx = &RenderContext{}
	}
	switch node.Type {
	case models.NodeTypeNarrative:
		return d.renderNarrative(node, rctx)
	case models.NodeTypeChoice:
		return d.renderChoice(node, rctx)
	case models.NodeTypeTimed:
		return d.renderTimed(node, rctx)
	case models.NodeTypeDM:
		return d.renderDM(node, rctx)
	case models.NodeTypeArcSplit:
		return d.renderArcSplit(node, rctx)
	case models.NodeTypeArcMerge:
		return d.renderArcMerge(node, rctx)
	case models.NodeTypeSequence, models.NodeTypeCombat, models.NodeTypeSocial,
		models.NodeTypeMemory, models.NodeTypeMeta:
		return nil, nil, fmt.Errorf("node type %q is not implemented: %w", node.Type, models.ErrInvalidNodeConfig)
	default:
		return nil, nil, fmt.Errorf("unknown node type %q: %w", node.Type, models.ErrInvalidNodeConfig)
	}
}

func (d *NodeDispatcher) basePayload(node *models.NodeDefinition, rctx *RenderContext) *models.RenderPayload {
	return &models.RenderPayload{
		NodeID:      node.ID,
		NodeType:    node.Type,
		Title:       node.Title,
		Description: node.Description,
		Image:       node.Image,
		Notice:      rctx.OutcomeNotice,
	}
}

func (d *NodeDispatcher) renderNarrative(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	payload := d.basePayload(node, rctx)
	payload.Buttons = []models.RenderButton{{ID: "continue", Label: "Продолжить", Emoji: "▶️"}}
	return payload, &models.RenderEffects{}, nil
}

func (d *NodeDispatcher) renderChoice(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	ts := node.TypeSpecific
	if ts == nil || (len(ts.Choices) == 0 && len(ts.Selects) == 0) {
		return nil, nil, fmt.Errorf("choice node %s has no choices: %w", node.ID, models.ErrInvalidNodeConfig)
	}
	payload := d.basePayload(node, rctx)
	d.appendChoiceControls(payload, node, rctx)
	d.appendVoteFields(payload, node, rctx)
	return payload, &models.RenderEffects{}, nil
}

func (d *NodeDispatcher) renderTimed(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	ts := node.TypeSpecific
	if ts == nil || ts.Timers == nil || ts.Timers.DurationSeconds <= 0 {
		return nil, nil, fmt.Errorf("timed node %s has no timer: %w", node.ID, models.ErrInvalidNodeConfig)
	}
	payload := d.basePayload(node, rctx)
	d.appendChoiceControls(payload, node, rctx)
	d.appendVoteFields(payload, node, rctx)

	if rctx.TimerRemains > 0 {
		payload.TimerSecondsLeft = int(rctx.TimerRemains.Round(time.Second) / time.Second)
	} else if !rctx.TimerExpired {
		payload.TimerSecondsLeft = ts.Timers.DurationSeconds
	}

	effects := &models.RenderEffects{}
	// Таймер запускается один раз при входе; при повторной отрисовке эффекта нет.
	if rctx.TimerRemains == 0 && !rctx.TimerExpired {
		effects.StartTimer = ts.Timers
	}
	return payload, effects, nil
}

func (d *NodeDispatcher) renderDM(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	ts := node.TypeSpecific
	if ts == nil || len(ts.DMDeliveries) == 0 {
		return nil, nil, fmt.Errorf("dm node %s has no deliveries: %w", node.ID, models.ErrInvalidNodeConfig)
	}
	payload := d.basePayload(node, rctx)
	payload.Buttons = []models.RenderButton{{ID: "continue", Label: "Продолжить", Emoji: "▶️"}}
	payload.Fields = append(payload.Fields, models.RenderField{
		Name:  "Личные сообщения",
		Value: fmt.Sprintf("Отправлено адресатам: %d", len(ts.DMDeliveries)),
	})
	return payload, &models.RenderEffects{DMDeliveries: ts.DMDeliveries}, nil
}

func (d *NodeDispatcher) renderArcSplit(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	ts := node.TypeSpecific
	if ts == nil || ts.ArcSplit == nil || len(ts.ArcSplit.Arcs) == 0 || ts.ArcSplit.MergeNodeID == "" {
		return nil, nil, fmt.Errorf("arc_split node %s misconfigured: %w", node.ID, models.ErrInvalidNodeConfig)
	}
	payload := d.basePayload(node, rctx)
	for _, arc := range ts.ArcSplit.Arcs {
		title := arc.Title
		if title == "" {
			title = arc.ID
		}
		payload.Fields = append(payload.Fields, models.RenderField{
			Name:   title,
			Value:  arcSizeLabel(arc.ParticipantCnt),
			Inline: true,
		})
	}
	payload.Buttons = []models.RenderButton{{ID: "continue", Label: "Разделиться", Emoji: "🔀"}}
	return payload, &models.RenderEffects{}, nil
}

func (d *NodeDispatcher) renderArcMerge(node *models.NodeDefinition, rctx *RenderContext) (*models.RenderPayload, *models.RenderEffects, error) {
	payload := d.basePayload(node, rctx)
	payload.Buttons = []models.RenderButton{{ID: "continue", Label: "Продолжить", Emoji: "▶️"}}
	return payload, &models.RenderEffects{}, nil
}

// appendChoiceControls добавляет кнопки и меню узла с учётом блокировок и
// ролей конкретного участника.
func (d *NodeDispatcher) appendChoiceControls(payload *models.RenderPayload, node *models.NodeDefinition, rctx *RenderContext) {
	ts := node.TypeSpecific
	var role string
	if rctx.Session != nil {
		role = rctx.Session.PartyRole
	}
	for _, choice := range ts.Choices {
		button := models.RenderButton{ID: choice.ID, Label: choice.Label, Emoji: choice.Emoji}
		if rctx.Session != nil && rctx.Session.IsChoiceLocked(node.ID, choice.ID) {
			button.Disabled = true
		}
		if len(choice.AllowedRoles) > 0 && !roleAllowed(role, choice.AllowedRoles) {
			button.Disabled = true
		}
		if len(choice.Cost) > 0 {
			button.Label = fmt.Sprintf("%s (%s)", choice.Label, costLabel(choice.Cost))
		}
		payload.Buttons = append(payload.Buttons, button)
	}
	for _, menu := range ts.Selects {
		payload.Selects = append(payload.Selects, models.RenderSelect{
			ID:          menu.ID,
			Placeholder: menu.Placeholder,
			Min:         menu.Min,
			Max:         menu.Max,
			Options:     menu.Options,
		})
	}
	if action := ts.RoleReservedAction; action != nil {
		if action.VisibleToAll || action.RequiresRole == role {
			payload.Buttons = append(payload.Buttons, models.RenderButton{
				ID:       action.ID,
				Label:    action.Label,
				Disabled: action.RequiresRole != role,
			})
		}
	}
}

// appendVoteFields добавляет сводку голосов для коллективных узлов.
func (d *NodeDispatcher) appendVoteFields(payload *models.RenderPayload, node *models.NodeDefinition, rctx *RenderContext) {
	if rctx.VoteSummary == nil || rctx.GroupSize <= 1 || !node.IsCollective() {
		return
	}
	summary := rctx.VoteSummary
	payload.Fields = append(payload.Fields, models.RenderField{
		Name:   "Голоса",
		Value:  fmt.Sprintf("%d из %d", summary.TotalVotes, rctx.GroupSize),
		Inline: true,
	})
	if len(summary.VoteCounts) == 0 {
		return
	}
	choiceIDs := make([]string, 0, len(summary.VoteCounts))
	for choiceID := range summary.VoteCounts {
		choiceIDs = append(choiceIDs, choiceID)
	}
	sort.Strings(choiceIDs)
	var lines []string
	for _, choiceID := range choiceIDs {
		label := choiceID
		if choice := node.FindChoice(choiceID); choice != nil {
			label = choice.Label
		}
		lines = append(lines, fmt.Sprintf("%s — %d", label, summary.VoteCounts[choiceID]))
	}
	payload.Fields = append(payload.Fields, models.RenderField{
		Name:   "Распределение",
		Value:  strings.Join(lines, "\n"),
		Inline: true,
	})
}

func roleAllowed(role string, allowed []string) bool {
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

func costLabel(cost map[string]int) string {
	resources := make([]string, 0, len(cost))
	for resource := range cost {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	var parts []string
	for _, resource := range resources {
		parts = append(parts, fmt.Sprintf("-%d %s", cost[resource], resource))
	}
	return strings.Join(parts, ", ")
}

func arcSizeLabel(count int) string {
	if count <= 0 {
		return "все оставшиеся"
	}
	return fmt.Sprintf("участников: %d", count)
}
