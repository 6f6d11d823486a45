package service

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
)

// InputPayload — вход участника без служебных полей: движок сам проставляет
// участника и время подачи.
type InputPayload struct {
	ChoiceID     string
	SelectValues []string
	RoleAction   string
}

// OutcomeEngine буферизует входы участников по ключу (узел, область видимости)
// и вычисляет единственный коллективный исход.
//
// Состояния ключа: отсутствует → collecting → удалён (resolved или
// timed-out-resolved). Разрешение и удаление — один синхронный шаг (Take),
// поэтому гонка «дедлайн против последнего входа» всегда оставляет ровно
// одного победителя: второй путь видит отсутствие решения и выходит.
type OutcomeEngine struct {
	mu      sync.Mutex
	pending map[string]*models.PendingDecision

	// Группы меньше порога всегда ждут дедлайн, чтобы тай-брейк лидера
	// сохранял смысл при позднем входе.
	earlyResolveMinVoters int

	rng    *rand.Rand
	logger *zap.Logger
}

// NewOutcomeEngine создает новый OutcomeEngine.
func NewOutcomeEngine(earlyResolveMinVoters int, logger *zap.Logger) *OutcomeEngine {
	if earlyResolveMinVoters < 1 {
		earlyResolveMinVoters = 1
	}
	return &OutcomeEngine{
		pending:               make(map[string]*models.PendingDecision),
		earlyResolveMinVoters: earlyResolveMinVoters,
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:                logger.Named("OutcomeEngine"),
	}
}

// decisionKey строит ключ решения. Пустая область — одиночная сессия.
func decisionKey(nodeID, scope string) string {
	if scope == "" {
		return nodeID
	}
	return scope + ":" + nodeID
}

// RecordInput записывает (или перезаписывает) вход участника. Последняя
// запись выигрывает: так участник меняет голос до дедлайна.
func (e *OutcomeEngine) RecordInput(nodeID, participantID string, payload InputPayload, scope string) {
	key := decisionKey(nodeID, scope)

	e.mu.Lock()
	defer e.mu.Unlock()

	decision, ok := e.pending[key]
	if !ok {
		decision = &models.PendingDecision{
			NodeID:    nodeID,
			Scope:     scope,
			Inputs:    make(map[string]*models.ParticipantInput),
			CreatedAt: time.Now().UTC(),
		}
		e.pending[key] = decision
	}

	decision.Inputs[participantID] = &models.ParticipantInput{
		ParticipantID: participantID,
		ChoiceID:      payload.ChoiceID,
		SelectValues:  append([]string(nil), payload.SelectValues...),
		RoleAction:    payload.RoleAction,
		SubmittedAt:   time.Now().UTC(),
	}
}

// HasInput сообщает, подал ли участник вход на этом решении.
func (e *OutcomeEngine) HasInput(nodeID, participantID, scope string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	decision, ok := e.pending[decisionKey(nodeID, scope)]
	if !ok {
		return false
	}
	_, has := decision.Inputs[participantID]
	return has
}

// MarkTimedOut помечает окно решения истекшим. Возвращает false, если
// решения уже нет (исход успел разрешиться другим путём).
func (e *OutcomeEngine) MarkTimedOut(nodeID, scope string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	decision, ok := e.pending[decisionKey(nodeID, scope)]
	if !ok {
		return false
	}
	decision.TimedOut = true
	return true
}

// HasAllInputs истинно, когда каждый ожидаемый участник подал вход.
func (e *OutcomeEngine) HasAllInputs(nodeID string, expected []string, scope string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	decision, ok := e.pending[decisionKey(nodeID, scope)]
	if !ok {
		return false
	}
	for _, id := range expected {
		if _, has := decision.Inputs[id]; !has {
			return false
		}
	}
	return true
}

// ShouldResolveEarly решает, можно ли завершить сбор до дедлайна: все
// ожидаемые входы на месте и ожидаемых не меньше настроенного порога.
func (e *OutcomeEngine) ShouldResolveEarly(nodeID string, expected []string, scope string) bool {
	if len(expected) < e.earlyResolveMinVoters {
		return false
	}
	return e.HasAllInputs(nodeID, expected, scope)
}

// Take атомарно изымает решение. Именно изъятие (а не чтение) делает
// разрешение «ровно один раз»: второй конкурирующий путь получает ok=false.
func (e *OutcomeEngine) Take(nodeID, scope string) (*models.PendingDecision, bool) {
	key := decisionKey(nodeID, scope)
	e.mu.Lock()
	defer e.mu.Unlock()
	decision, ok := e.pending[key]
	if !ok {
		return nil, false
	}
	delete(e.pending, key)
	return decision, true
}

// Clear удаляет решение без изъятия результата.
func (e *OutcomeEngine) Clear(nodeID, scope string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, decisionKey(nodeID, scope))
}

// VoteSummary возвращает сводку голосов по решению или nil.
func (e *OutcomeEngine) VoteSummary(nodeID, scope string) *models.VoteSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	decision, ok := e.pending[decisionKey(nodeID, scope)]
	if !ok {
		return nil
	}

	summary := &models.VoteSummary{
		TotalVotes:         len(decision.Inputs),
		VoteCounts:         make(map[string]int),
		Voters:             make(map[string][]string),
		ParticipantChoices: make(map[string]string),
	}
	for _, input := range decision.Inputs {
		if input.ChoiceID == "" {
			continue
		}
		summary.VoteCounts[input.ChoiceID]++
		summary.Voters[input.ChoiceID] = append(summary.Voters[input.ChoiceID], input.ParticipantID)
		summary.ParticipantChoices[input.ParticipantID] = input.ChoiceID
	}
	return summary
}

// EvaluateOutcome вычисляет исход решения по правилу узла. Чистая функция:
// состояние движка не трогает, решение к этому моменту уже изъято.
func (e *OutcomeEngine) EvaluateOutcome(node *models.NodeDefinition, decision *models.PendingDecision, party *models.Party) models.OutcomeResult {
	var choices []models.Choice
	if node.TypeSpecific != nil {
		choices = node.TypeSpecific.Choices
	}

	switch node.Rule() {
	case models.RuleFirst:
		return evaluateByTimestamp(decision, choices, true)
	case models.RuleLast:
		return evaluateByTimestamp(decision, choices, false)
	case models.RuleRandom:
		return e.evaluateRandom(decision, choices)
	default:
		return evaluateMajority(decision, choices, party)
	}
}

// evaluateMajority выбирает вариант с наибольшим числом голосов.
// Ничья разрешается голосом лидера группы, если он голосовал за один из
// связанных вариантов; иначе берётся первый связанный в порядке объявления.
func evaluateMajority(decision *models.PendingDecision, choices []models.Choice, party *models.Party) models.OutcomeResult {
	counts := make(map[string]int)
	for _, input := range decision.Inputs {
		if input.ChoiceID != "" {
			counts[input.ChoiceID]++
		}
	}

	if len(counts) == 0 {
		if decision.TimedOut {
			return models.OutcomeResult{NextNodeID: nil, Message: "Time expired with no votes"}
		}
		return models.OutcomeResult{NextNodeID: nil}
	}

	maxVotes := 0
	for _, count := range counts {
		if count > maxVotes {
			maxVotes = count
		}
	}

	// Связанные варианты в порядке объявления на узле — детерминизм вместо
	// порядка обхода карты
	var tied []string
	seen := make(map[string]struct{})
	for _, c := range choices {
		if counts[c.ID] == maxVotes {
			tied = append(tied, c.ID)
			seen[c.ID] = struct{}{}
		}
	}
	for id, count := range counts {
		if count == maxVotes {
			if _, ok := seen[id]; !ok {
				tied = append(tied, id)
			}
		}
	}

	winningID := tied[0]
	if len(tied) > 1 && party != nil {
		if leaderInput, ok := decision.Inputs[party.LeaderID]; ok {
			for _, id := range tied {
				if id == leaderInput.ChoiceID {
					winningID = id
					break
				}
			}
		}
	}

	winner := findChoice(choices, winningID)
	total := 0
	for _, count := range counts {
		total += count
	}

	result := models.OutcomeResult{NextNodeID: choiceNext(winner)}
	if total > 1 && winner != nil {
		result.Message = "Majority chose: " + winner.Label
	}
	return result
}

// evaluateByTimestamp выбирает самый ранний (first=true) или поздний вход.
func evaluateByTimestamp(decision *models.PendingDecision, choices []models.Choice, first bool) models.OutcomeResult {
	var picked *models.ParticipantInput
	for _, input := range decision.Inputs {
		if input.ChoiceID == "" {
			continue
		}
		if picked == nil ||
			(first && input.SubmittedAt.Before(picked.SubmittedAt)) ||
			(!first && input.SubmittedAt.After(picked.SubmittedAt)) {
			picked = input
		}
	}
	if picked == nil {
		return models.OutcomeResult{NextNodeID: nil}
	}

	winner := findChoice(choices, picked.ChoiceID)
	result := models.OutcomeResult{NextNodeID: choiceNext(winner)}
	if len(decision.Inputs) > 1 && winner != nil {
		if first {
			result.Message = "First choice: " + winner.Label
		} else {
			result.Message = "Last choice: " + winner.Label
		}
	}
	return result
}

// evaluateRandom равновероятно выбирает среди поданных входов — по одной
// записи на участника, повторный голос веса не добавляет.
func (e *OutcomeEngine) evaluateRandom(decision *models.PendingDecision, choices []models.Choice) models.OutcomeResult {
	var submitted []string
	for _, input := range decision.Inputs {
		if input.ChoiceID != "" {
			submitted = append(submitted, input.ChoiceID)
		}
	}
	if len(submitted) == 0 {
		return models.OutcomeResult{NextNodeID: nil}
	}

	e.mu.Lock()
	picked := submitted[e.rng.Intn(len(submitted))]
	e.mu.Unlock()

	winner := findChoice(choices, picked)
	result := models.OutcomeResult{NextNodeID: choiceNext(winner)}
	if len(decision.Inputs) > 1 && winner != nil {
		result.Message = "Random selection: " + winner.Label
	}
	return result
}

func findChoice(choices []models.Choice, id string) *models.Choice {
	for i := range choices {
		if choices[i].ID == id {
			return &choices[i]
		}
	}
	return nil
}

func choiceNext(c *models.Choice) *string {
	if c == nil {
		return nil
	}
	return c.NextNodeID
}
