package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/messaging"
	"github.com/royengg/yunami-bot/internal/models"
)

const storyFinishedNotice = "История завершена"

// nextStep — следующий узел перехода. nil означает конец истории.
type nextStep struct {
	NodeID string
}

// nextStepFrom выбирает переход: приоритет у варианта, затем у узла.
func nextStepFrom(choiceNext *string, node *models.NodeDefinition) *nextStep {
	if choiceNext != nil {
		return &nextStep{NodeID: *choiceNext}
	}
	if node.TypeSpecific != nil && node.TypeSpecific.NextNodeID != nil {
		return &nextStep{NodeID: *node.TypeSpecific.NextNodeID}
	}
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// position — разрешённое место участника в графе: кто разделяет с ним вид,
// в какой области собираются решения и где группа (или ветка) сейчас стоит.
type position struct {
	party   *models.Party
	arcID   string
	scope   string
	members []string
	nodeID  string
	solo    bool
}

// timerOwner — участник, на чьей сессии живет таймер общего узла.
// Один таймер на группу: обход обрабатывает истечение ровно один раз.
func (p position) timerOwner() string {
	return p.members[0]
}

// EngineService — оркестратор движка. Единственное место, где сходятся
// граф историй, сессии, группы, решения и ветки; коллабораторы по
// отдельности не знают друг о друге.
type EngineService struct {
	stories    interfaces.StoryProvider
	sessions   *SessionStore
	parties    *PartyRegistry
	gate       *PreconditionGate
	dispatcher *NodeDispatcher
	outcomes   *OutcomeEngine
	arcs       *ArcManager
	deliveries messaging.PrivateDeliveryPublisher // может быть nil
	updates    messaging.ClientUpdatePublisher    // может быть nil
	logger     *zap.Logger
}

// NewEngineService создает новый EngineService.
func NewEngineService(
	stories interfaces.StoryProvider,
	sessions *SessionStore,
	parties *PartyRegistry,
	gate *PreconditionGate,
	dispatcher *NodeDispatcher,
	outcomes *OutcomeEngine,
	arcs *ArcManager,
	deliveries messaging.PrivateDeliveryPublisher,
	updates messaging.ClientUpdatePublisher,
	logger *zap.Logger,
) *EngineService {
	return &EngineService{
		stories:    stories,
		sessions:   sessions,
		parties:    parties,
		gate:       gate,
		dispatcher: dispatcher,
		outcomes:   outcomes,
		arcs:       arcs,
		deliveries: deliveries,
		updates:    updates,
		logger:     logger.Named("EngineService"),
	}
}

var _ ExpiryHandler = (*EngineService)(nil)

// resolvePosition определяет область видимости участника. Порядок проверок:
// активная группа → разделение на ветки → одиночная сессия. Одиночная ветка
// получает арочную область, но помечается solo: групповое голосование для
// неё не действует.
func (s *EngineService) resolvePosition(participantID string, session *models.ParticipantSession) (position, error) {
	party, inParty := s.parties.GetByMember(participantID)
	if !inParty || party.Status != models.PartyStatusActive {
		return position{
			scope:   "",
			members: []string{participantID},
			nodeID:  session.CurrentNodeID,
			solo:    true,
		}, nil
	}

	if s.arcs.IsSplit(party.ID) {
		arcID, ok := s.arcs.ArcOf(party.ID, participantID)
		if !ok {
			return position{}, fmt.Errorf("participant %s has no arc in split party %s: %w",
				participantID, party.ID, models.ErrNotInParty)
		}
		state, _ := s.arcs.State(party.ID)
		arc := state.Arcs[arcID]
		return position{
			party:   party,
			arcID:   arcID,
			scope:   party.ID.String() + ":" + arcID,
			members: append([]string(nil), arc.ParticipantIDs...),
			nodeID:  arc.CurrentNodeID,
			solo:    arc.IsSolo,
		}, nil
	}

	return position{
		party:   party,
		scope:   party.ID.String(),
		members: party.MemberIDs(),
		nodeID:  party.CurrentNodeID,
		solo:    len(party.Members) == 1,
	}, nil
}

func (s *EngineService) storyAndNode(session *models.ParticipantSession, nodeID string) (*models.Story, *models.NodeDefinition, error) {
	story, err := s.stories.GetStory(session.StoryID)
	if err != nil {
		return nil, nil, err
	}
	node, ok := story.Nodes[nodeID]
	if !ok {
		return nil, nil, fmt.Errorf("node %s in story %s: %w", nodeID, story.ID, models.ErrNodeNotFound)
	}
	return story, node, nil
}

// StartSoloStory создает одиночную сессию и отрисовывает входной узел.
func (s *EngineService) StartSoloStory(ctx context.Context, participantID, storyID string) (*models.RenderPayload, error) {
	story, err := s.stories.GetStory(storyID)
	if err != nil {
		return nil, err
	}
	if _, ok := story.Nodes[story.EntryNodeID]; !ok {
		return nil, fmt.Errorf("story %s entry node %s: %w", storyID, story.EntryNodeID, models.ErrNodeNotFound)
	}
	s.sessions.Create(participantID, storyID, story.EntryNodeID)
	s.logger.Info("Solo story started",
		zap.String("participantID", participantID), zap.String("storyID", storyID))

	pos := position{scope: "", members: []string{participantID}, nodeID: story.EntryNodeID, solo: true}
	return s.enterNode(ctx, story, pos, participantID, story.EntryNodeID, "")
}

// StartPartyStory запускает историю для группы: только лидер, только при
// полной готовности. Все участники входят на входной узел одновременно.
func (s *EngineService) StartPartyStory(ctx context.Context, partyID uuid.UUID, initiatorID, storyID string) (*models.RenderPayload, error) {
	party, err := s.parties.Get(partyID)
	if err != nil {
		return nil, err
	}
	if party.LeaderID != initiatorID {
		return nil, models.ErrOnlyLeaderMayStart
	}
	story, err := s.stories.GetStory(storyID)
	if err != nil {
		return nil, err
	}
	if _, ok := story.Nodes[story.EntryNodeID]; !ok {
		return nil, fmt.Errorf("story %s entry node %s: %w", storyID, story.EntryNodeID, models.ErrNodeNotFound)
	}

	party, err = s.parties.StartStory(partyID, story)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Party story started",
		zap.String("partyID", partyID.String()),
		zap.String("storyID", storyID),
		zap.Int("members", len(party.Members)))

	pos := position{
		party:   party,
		scope:   party.ID.String(),
		members: party.MemberIDs(),
		nodeID:  story.EntryNodeID,
		solo:    len(party.Members) == 1,
	}
	return s.enterNode(ctx, story, pos, initiatorID, story.EntryNodeID, "")
}

// RenderCurrent отрисовывает текущий узел участника без изменения состояния.
func (s *EngineService) RenderCurrent(ctx context.Context, participantID string) (*models.RenderPayload, error) {
	session, ok := s.sessions.Get(participantID)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	pos, err := s.resolvePosition(participantID, session)
	if err != nil {
		return nil, err
	}
	_, node, err := s.storyAndNode(session, pos.nodeID)
	if err != nil {
		return nil, err
	}
	payload, _, err := s.dispatcher.Dispatch(node, s.renderContext(participantID, pos, node, "", false))
	return payload, err
}

// SubmitInput принимает вход участника на текущем узле. На обычном узле
// одиночки исход применяется немедленно; коллективные входы буферизуются
// до раннего разрешения, дедлайна или ручного продолжения.
func (s *EngineService) SubmitInput(ctx context.Context, participantID string, input InputPayload) (*models.RenderPayload, error) {
	session, ok := s.sessions.Get(participantID)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	pos, err := s.resolvePosition(participantID, session)
	if err != nil {
		return nil, err
	}
	story, node, err := s.storyAndNode(session, pos.nodeID)
	if err != nil {
		return nil, err
	}

	if input.RoleAction != "" {
		if err := s.checkRoleAction(node, session, input.RoleAction); err != nil {
			return nil, err
		}
	}

	var choice *models.Choice
	if input.ChoiceID != "" {
		choice = node.FindChoice(input.ChoiceID)
		if choice == nil {
			return nil, fmt.Errorf("choice %s on node %s: %w", input.ChoiceID, node.ID, models.ErrChoiceNotFound)
		}
		if err := s.checkChoice(node, session, choice); err != nil {
			return nil, err
		}
	}

	if input.ChoiceID == "" && input.RoleAction == "" && len(input.SelectValues) == 0 {
		return nil, fmt.Errorf("empty input on node %s: %w", node.ID, models.ErrInvalidInput)
	}

	// Групповой сбор: вид разделяют хотя бы двое, либо узел ждёт дедлайн.
	// Одиночка на timed-узле тоже буферизуется: переход применяет истечение
	// таймера или ручное продолжение, а не сам вход.
	if node.IsCollective() && (node.Type == models.NodeTypeTimed || (!pos.solo && len(pos.members) > 1)) {
		return s.submitCollective(ctx, story, pos, node, participantID, choice, input)
	}
	return s.resolveSolo(ctx, story, pos, node, participantID, choice, input)
}

// checkRoleAction проверяет, что действие объявлено узлом и зарезервировано
// за ролью участника.
func (s *EngineService) checkRoleAction(node *models.NodeDefinition, session *models.ParticipantSession, actionID string) error {
	ts := node.TypeSpecific
	if ts == nil || ts.RoleReservedAction == nil || ts.RoleReservedAction.ID != actionID {
		return fmt.Errorf("role action %s on node %s: %w", actionID, node.ID, models.ErrChoiceNotFound)
	}
	if ts.RoleReservedAction.RequiresRole != session.PartyRole {
		return fmt.Errorf("role action %s requires role %q: %w",
			actionID, ts.RoleReservedAction.RequiresRole, models.ErrRoleActionForbidden)
	}
	return nil
}

// checkChoice проверяет блокировку, роль и стоимость варианта.
func (s *EngineService) checkChoice(node *models.NodeDefinition, session *models.ParticipantSession, choice *models.Choice) error {
	if session.IsChoiceLocked(node.ID, choice.ID) {
		return fmt.Errorf("choice %s on node %s: %w", choice.ID, node.ID, models.ErrChoiceLocked)
	}
	if len(choice.AllowedRoles) > 0 && !roleAllowed(session.PartyRole, choice.AllowedRoles) {
		return fmt.Errorf("choice %s allows roles %v: %w", choice.ID, choice.AllowedRoles, models.ErrRoleActionForbidden)
	}
	for resource, cost := range choice.Cost {
		if session.Resources[resource] < cost {
			return fmt.Errorf("choice %s needs %d %s: %w", choice.ID, cost, resource, models.ErrInsufficientResource)
		}
	}
	return nil
}

// chargeChoice списывает стоимость варианта и блокирует повторный выбор.
// Только для немедленного разрешения: буферизуемые голоса платят при
// вычислении исхода, иначе смена голоса обошлась бы в оба варианта.
func (s *EngineService) chargeChoice(participantID string, node *models.NodeDefinition, choice *models.Choice) {
	for resource, cost := range choice.Cost {
		s.chargeResource(participantID, resource, cost)
	}
	if choice.EphemeralConfirmation {
		s.sessions.LockChoice(participantID, node.ID, choice.ID)
	}
}

func (s *EngineService) chargeResource(participantID, resource string, cost int) {
	if cost > 0 {
		s.sessions.AdjustResource(participantID, resource, -cost)
	}
}

// submitCollective буферизует вход и проверяет раннее разрешение.
// Повторный вход заменяет прежний, кроме правила first: там исправление
// голоса бессмысленно и отклоняется.
func (s *EngineService) submitCollective(ctx context.Context, story *models.Story, pos position, node *models.NodeDefinition, participantID string, choice *models.Choice, input InputPayload) (*models.RenderPayload, error) {
	if node.Rule() == models.RuleFirst && s.outcomes.HasInput(node.ID, participantID, pos.scope) {
		return nil, fmt.Errorf("decision on node %s: %w", node.ID, models.ErrAlreadyVoted)
	}
	if choice != nil && choice.EphemeralConfirmation {
		s.sessions.LockChoice(participantID, node.ID, choice.ID)
	}
	s.outcomes.RecordInput(node.ID, participantID, input, pos.scope)
	s.logger.Debug("Input recorded",
		zap.String("participantID", participantID),
		zap.String("nodeID", node.ID),
		zap.String("scope", pos.scope))

	if s.outcomes.ShouldResolveEarly(node.ID, pos.members, pos.scope) {
		decision, taken := s.outcomes.Take(node.ID, pos.scope)
		if taken {
			return s.resolveDecision(ctx, story, pos, node, participantID, decision, "early")
		}
	}

	payload, effects, err := s.dispatcher.Dispatch(node, s.renderContext(participantID, pos, node, "Голос учтён", false))
	if err != nil {
		return nil, err
	}
	// Узел после дедлайна «без решения» остался без таймера: свежий вход
	// перевооружает отсчёт, иначе накопленный буфер некому разрешить.
	s.applyStartTimer(pos, node, effects)
	s.pushUpdates(ctx, pos, payload)
	return payload, nil
}

// resolveSolo применяет вход одиночки немедленно: запись в историю, списание
// стоимости, снятие таймеров узла и переход.
func (s *EngineService) resolveSolo(ctx context.Context, story *models.Story, pos position, node *models.NodeDefinition, participantID string, choice *models.Choice, input InputPayload) (*models.RenderPayload, error) {
	var next *nextStep
	if choice != nil {
		s.chargeChoice(participantID, node, choice)
		s.sessions.RecordChoice(participantID, choice.ID, nil)
		next = nextStepFrom(choice.NextNodeID, node)
	} else {
		next = nextStepFrom(nil, node)
	}

	// Ответ до дедлайна снимает таймер узла; обход его уже не увидит.
	for _, member := range pos.members {
		s.sessions.ClearTimersForNode(member, node.ID)
	}
	s.outcomes.Clear(node.ID, pos.scope)
	decisionsResolvedTotal.WithLabelValues(string(node.Rule()), "manual").Inc()

	if next == nil {
		payload, _, err := s.dispatcher.Dispatch(node, s.renderContext(participantID, pos, node, "Выбор принят", true))
		if err != nil {
			return nil, err
		}
		s.pushUpdates(ctx, pos, payload)
		return payload, nil
	}
	return s.advance(ctx, story, pos, participantID, next.NodeID, "")
}

// resolveDecision вычисляет исход изъятого решения и применяет его.
func (s *EngineService) resolveDecision(ctx context.Context, story *models.Story, pos position, node *models.NodeDefinition, actorID string, decision *models.PendingDecision, path string) (*models.RenderPayload, error) {
	if decision == nil {
		decision = &models.PendingDecision{
			NodeID:   node.ID,
			Scope:    pos.scope,
			Inputs:   map[string]*models.ParticipantInput{},
			TimedOut: true,
		}
	}
	outcome := s.outcomes.EvaluateOutcome(node, decision, pos.party)
	decisionsResolvedTotal.WithLabelValues(string(node.Rule()), path).Inc()

	// Стоимость списывается с финального голоса каждого участника.
	for _, input := range decision.Inputs {
		if input.ChoiceID == "" {
			continue
		}
		if c := node.FindChoice(input.ChoiceID); c != nil {
			for resource, cost := range c.Cost {
				s.chargeResource(input.ParticipantID, resource, cost)
			}
		}
	}
	s.logger.Info("Decision resolved",
		zap.String("nodeID", node.ID),
		zap.String("scope", pos.scope),
		zap.String("path", path),
		zap.String("message", outcome.Message))

	for _, member := range pos.members {
		s.sessions.ClearTimersForNode(member, node.ID)
		s.sessions.ClearLockedChoices(member, node.ID)
	}

	if outcome.NextNodeID == nil {
		// Исход не принят: группа остаётся на узле, таймер не перезапускается.
		payload, _, err := s.dispatcher.Dispatch(node, s.renderContext(actorID, pos, node, outcome.Message, true))
		if err != nil {
			return nil, err
		}
		s.pushUpdates(ctx, pos, payload)
		return payload, nil
	}

	// Выбор группы попадает в историю каждого участника.
	for _, input := range decision.Inputs {
		if input.ChoiceID != "" {
			s.sessions.RecordChoice(input.ParticipantID, input.ChoiceID, nil)
		}
	}
	return s.advance(ctx, story, pos, actorID, *outcome.NextNodeID, outcome.Message)
}

// Continue продвигает участника с узла без коллективного решения
// (narrative, dm, arc_merge), запускает разделение на узле arc_split или
// вручную разрешает накопленные голоса на узле choice/timed.
func (s *EngineService) Continue(ctx context.Context, participantID string) (*models.RenderPayload, error) {
	session, ok := s.sessions.Get(participantID)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	pos, err := s.resolvePosition(participantID, session)
	if err != nil {
		return nil, err
	}
	story, node, err := s.storyAndNode(session, pos.nodeID)
	if err != nil {
		return nil, err
	}

	switch node.Type {
	case models.NodeTypeArcSplit:
		return s.performSplit(ctx, story, pos, node, participantID)
	case models.NodeTypeNarrative, models.NodeTypeDM, models.NodeTypeArcMerge:
		next := nextStepFrom(nil, node)
		if next == nil {
			return s.finishStory(ctx, pos, node)
		}
		return s.advance(ctx, story, pos, participantID, next.NodeID, "")
	case models.NodeTypeChoice, models.NodeTypeTimed:
		return s.resolvePendingByHand(ctx, story, pos, node, participantID)
	default:
		return nil, fmt.Errorf("node %s of type %s does not support continue: %w",
			node.ID, node.Type, models.ErrInvalidInput)
	}
}

// resolvePendingByHand изымает накопленное решение узла и применяет исход
// немедленно. Это внешний перезапуск для группы, чей дедлайн прошёл «без
// решения»: новые голоса копятся в свежем решении, и продолжение закрывает
// его. В общей области доступно только лидеру; внутри ветки лидер может
// оказаться в другой ветке, поэтому там продолжает любой её участник.
func (s *EngineService) resolvePendingByHand(ctx context.Context, story *models.Story, pos position, node *models.NodeDefinition, participantID string) (*models.RenderPayload, error) {
	if pos.party != nil && pos.arcID == "" && !pos.solo && len(pos.members) > 1 && participantID != pos.party.LeaderID {
		return nil, fmt.Errorf("node %s: %w", node.ID, models.ErrOnlyLeaderMayResolve)
	}
	decision, taken := s.outcomes.Take(node.ID, pos.scope)
	if !taken {
		return nil, fmt.Errorf("node %s has no pending decision: %w", node.ID, models.ErrInvalidInput)
	}
	return s.resolveDecision(ctx, story, pos, node, participantID, decision, "manual")
}

// HandleTimerExpiry — разрешение решения по дедлайну. Таймер к этому моменту
// уже снят обходом; конкуренцию с ранним разрешением забирает Take.
func (s *EngineService) HandleTimerExpiry(ctx context.Context, participantID, timerID, nodeID string) error {
	session, ok := s.sessions.Get(participantID)
	if !ok {
		return nil
	}
	pos, err := s.resolvePosition(participantID, session)
	if err != nil {
		return err
	}
	if pos.nodeID != nodeID {
		// Группа уже ушла с узла, истечение устарело.
		return nil
	}
	story, node, err := s.storyAndNode(session, nodeID)
	if err != nil {
		return err
	}

	s.outcomes.MarkTimedOut(nodeID, pos.scope)
	decision, _ := s.outcomes.Take(nodeID, pos.scope)
	_, err = s.resolveDecision(ctx, story, pos, node, participantID, decision, "timeout")
	return err
}

// EndSession завершает одиночную сессию участника.
func (s *EngineService) EndSession(ctx context.Context, participantID string) error {
	session, ok := s.sessions.End(participantID)
	if !ok {
		return models.ErrSessionNotFound
	}
	s.outcomes.Clear(session.CurrentNodeID, "")
	s.logger.Info("Session ended",
		zap.String("participantID", participantID),
		zap.String("storyID", session.StoryID))
	return nil
}

// advance переводит область на следующий узел: предусловия, слияние веток,
// обновление позиций, отрисовка и эффекты входа.
func (s *EngineService) advance(ctx context.Context, story *models.Story, pos position, actorID, nextNodeID, notice string) (*models.RenderPayload, error) {
	node, ok := story.Nodes[nextNodeID]
	if !ok {
		return nil, fmt.Errorf("node %s in story %s: %w", nextNodeID, story.ID, models.ErrNodeNotFound)
	}

	if res := s.gate.Check(node, actorID, pos.party); !res.Allowed {
		// Вход запрещён: остаёмся на месте с причиной отказа.
		current, currOK := story.Nodes[pos.nodeID]
		if !currOK {
			return nil, fmt.Errorf("node %s in story %s: %w", pos.nodeID, story.ID, models.ErrNodeNotFound)
		}
		payload, _, err := s.dispatcher.Dispatch(current, s.renderContext(actorID, pos, current, res.Reason, true))
		if err != nil {
			return nil, err
		}
		s.pushUpdates(ctx, pos, payload)
		return payload, nil
	}

	// Ветка, пришедшая на узел слияния, ждёт остальных.
	if pos.party != nil && pos.arcID != "" {
		if state, split := s.arcs.State(pos.party.ID); split && nextNodeID == state.MergeNodeID {
			return s.arriveAtMerge(ctx, story, pos, actorID, nextNodeID, notice)
		}
	}

	s.updatePositions(pos, nextNodeID)
	pos.nodeID = nextNodeID
	return s.enterNode(ctx, story, pos, actorID, nextNodeID, notice)
}

// updatePositions записывает новую позицию в авторитетный источник области
// и зеркалирует её в сессии участников.
func (s *EngineService) updatePositions(pos position, nodeID string) {
	switch {
	case pos.party != nil && pos.arcID != "":
		s.arcs.UpdateArcNode(pos.party.ID, pos.arcID, nodeID)
		for _, member := range pos.members {
			s.sessions.SetCurrentNode(member, nodeID)
		}
	case pos.party != nil:
		if err := s.parties.UpdateCurrentNode(pos.party.ID, nodeID); err != nil {
			s.logger.Warn("Failed to update party node",
				zap.String("partyID", pos.party.ID.String()), zap.Error(err))
		}
	default:
		s.sessions.SetCurrentNode(pos.members[0], nodeID)
	}
}

// enterNode отрисовывает узел и применяет эффекты входа: таймер на владельце,
// личные доставки, рассылка обновлений поверхностям.
func (s *EngineService) enterNode(ctx context.Context, story *models.Story, pos position, actorID, nodeID, notice string) (*models.RenderPayload, error) {
	node := story.Nodes[nodeID]
	payload, effects, err := s.dispatcher.Dispatch(node, s.renderContext(actorID, pos, node, notice, false))
	if err != nil {
		return nil, err
	}

	s.applyStartTimer(pos, node, effects)
	if len(effects.DMDeliveries) > 0 {
		s.publishDeliveries(ctx, pos, node.ID, effects.DMDeliveries)
	}
	s.pushUpdates(ctx, pos, payload)
	return payload, nil
}

// applyStartTimer запускает таймер узла на сессии владельца, если отрисовка
// этого потребовала. Повторный запуск дедуплицирует стор.
func (s *EngineService) applyStartTimer(pos position, node *models.NodeDefinition, effects *models.RenderEffects) {
	if effects == nil || effects.StartTimer == nil {
		return
	}
	owner := pos.timerOwner()
	duration := secondsToDuration(effects.StartTimer.DurationSeconds)
	s.sessions.StartTimer(owner, node.ID, node.ID, duration)
	s.logger.Debug("Node timer started",
		zap.String("owner", owner),
		zap.String("nodeID", node.ID),
		zap.Duration("duration", duration))
}

// performSplit выполняет разделение группы на узле arc_split и вводит каждую
// ветку на её входной узел. Возвращает отрисовку ветки инициатора.
func (s *EngineService) performSplit(ctx context.Context, story *models.Story, pos position, node *models.NodeDefinition, actorID string) (*models.RenderPayload, error) {
	if pos.party == nil {
		return nil, fmt.Errorf("arc_split node %s outside a party: %w", node.ID, models.ErrPartyNotFound)
	}
	if pos.arcID != "" {
		return nil, fmt.Errorf("arc_split node %s inside arc %s: %w", node.ID, pos.arcID, models.ErrInvalidNodeConfig)
	}
	cfg := node.TypeSpecific.ArcSplit

	refs := make([]ArcMemberRef, 0, len(pos.party.Members))
	for _, member := range pos.party.Members {
		refs = append(refs, ArcMemberRef{ParticipantID: member.ParticipantID, Role: member.Role})
	}
	state, err := s.arcs.InitSplit(pos.party.ID, node.ID, cfg, refs)
	if err != nil {
		return nil, err
	}

	var actorPayload *models.RenderPayload
	for _, arc := range state.Arcs {
		arcPos := position{
			party:   pos.party,
			arcID:   arc.ArcID,
			scope:   pos.party.ID.String() + ":" + arc.ArcID,
			members: append([]string(nil), arc.ParticipantIDs...),
			nodeID:  arc.CurrentNodeID,
			solo:    arc.IsSolo,
		}
		for _, member := range arc.ParticipantIDs {
			s.sessions.SetCurrentNode(member, arc.CurrentNodeID)
		}
		payload, enterErr := s.enterNode(ctx, story, arcPos, arc.ParticipantIDs[0], arc.CurrentNodeID, "")
		if enterErr != nil {
			return nil, enterErr
		}
		for _, member := range arc.ParticipantIDs {
			if member == actorID {
				actorPayload = payload
			}
		}
	}
	if actorPayload == nil {
		return nil, fmt.Errorf("participant %s was not assigned to any arc: %w", actorID, models.ErrNotInParty)
	}
	return actorPayload, nil
}

// arriveAtMerge отмечает прибытие ветки. Последняя прибывшая ветка
// воссоединяет группу и вводит её на узел слияния.
func (s *EngineService) arriveAtMerge(ctx context.Context, story *models.Story, pos position, actorID, mergeNodeID, notice string) (*models.RenderPayload, error) {
	s.arcs.UpdateArcNode(pos.party.ID, pos.arcID, mergeNodeID)
	for _, member := range pos.members {
		s.sessions.SetCurrentNode(member, mergeNodeID)
	}
	s.arcs.MarkAtMerge(pos.party.ID, pos.arcID)

	if !s.arcs.AreAllArcsAtMerge(pos.party.ID) {
		node, ok := story.Nodes[mergeNodeID]
		if !ok {
			return nil, fmt.Errorf("merge node %s in story %s: %w", mergeNodeID, story.ID, models.ErrNodeNotFound)
		}
		waitNotice := "Ожидание остальных веток..."
		if notice != "" {
			waitNotice = notice + "\n" + waitNotice
		}
		arcPos := pos
		arcPos.nodeID = mergeNodeID
		payload, _, err := s.dispatcher.Dispatch(node, s.renderContext(actorID, arcPos, node, waitNotice, false))
		if err != nil {
			return nil, err
		}
		s.pushUpdates(ctx, arcPos, payload)
		return payload, nil
	}

	mergeNode, merged := s.arcs.Merge(pos.party.ID)
	if !merged {
		mergeNode = mergeNodeID
	}
	if err := s.parties.UpdateCurrentNode(pos.party.ID, mergeNode); err != nil {
		return nil, err
	}
	party, err := s.parties.Get(pos.party.ID)
	if err != nil {
		return nil, err
	}
	mergedPos := position{
		party:   party,
		scope:   party.ID.String(),
		members: party.MemberIDs(),
		nodeID:  mergeNode,
		solo:    len(party.Members) == 1,
	}
	return s.enterNode(ctx, story, mergedPos, actorID, mergeNode, notice)
}

// finishStory завершает историю для области: сессии закрываются, группа
// переводится в ended.
func (s *EngineService) finishStory(ctx context.Context, pos position, node *models.NodeDefinition) (*models.RenderPayload, error) {
	for _, member := range pos.members {
		s.sessions.End(member)
	}
	if pos.party != nil && pos.arcID == "" {
		if _, err := s.parties.End(pos.party.ID); err != nil {
			s.logger.Warn("Failed to end party",
				zap.String("partyID", pos.party.ID.String()), zap.Error(err))
		}
	}
	s.logger.Info("Story finished", zap.String("nodeID", node.ID))

	payload := &models.RenderPayload{
		NodeID:      node.ID,
		NodeType:    node.Type,
		Title:       node.Title,
		Description: node.Description,
		Notice:      storyFinishedNotice,
	}
	s.pushUpdates(ctx, pos, payload)
	return payload, nil
}

// renderContext собирает контекст отрисовки для участника.
func (s *EngineService) renderContext(participantID string, pos position, node *models.NodeDefinition, notice string, timerExpired bool) *RenderContext {
	session, _ := s.sessions.Get(participantID)
	return &RenderContext{
		Session:       session,
		VoteSummary:   s.outcomes.VoteSummary(node.ID, pos.scope),
		TimerRemains:  s.sessions.TimerRemaining(pos.timerOwner(), node.ID),
		GroupSize:     len(pos.members),
		TimerExpired:  timerExpired,
		OutcomeNotice: notice,
	}
}

// pushUpdates рассылает отрисовку всем участникам области. Ошибки публикации
// не фатальны: поверхность догонит состояние при следующем запросе.
func (s *EngineService) pushUpdates(ctx context.Context, pos position, payload *models.RenderPayload) {
	if s.updates == nil {
		return
	}
	var partyID string
	if pos.party != nil {
		partyID = pos.party.ID.String()
	}
	for _, member := range pos.members {
		update := models.ClientRenderUpdate{
			ParticipantID: member,
			PartyID:       partyID,
			Payload:       payload,
		}
		if err := s.updates.PublishClientUpdate(ctx, update); err != nil {
			s.logger.Warn("Failed to publish client update",
				zap.String("participantID", member), zap.Error(err))
			continue
		}
		renderPushesTotal.Inc()
	}
}

// publishDeliveries отправляет личные сообщения узла адресатам по ролям.
// Пустая роль адресует всем участникам области.
func (s *EngineService) publishDeliveries(ctx context.Context, pos position, nodeID string, deliveries []models.DMDelivery) {
	if s.deliveries == nil {
		return
	}
	for _, delivery := range deliveries {
		for _, member := range pos.members {
			if delivery.RecipientRole != "" && s.sessions.GetPartyRole(member) != delivery.RecipientRole {
				continue
			}
			payload := models.PrivateDeliveryPayload{
				ParticipantID: member,
				Text:          delivery.Text,
				NodeID:        nodeID,
			}
			if err := s.deliveries.PublishPrivateDelivery(ctx, payload); err != nil {
				s.logger.Warn("Failed to publish private delivery",
					zap.String("participantID", member), zap.Error(err))
			}
		}
	}
}
