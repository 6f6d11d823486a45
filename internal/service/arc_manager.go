package service

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
)

// ArcMemberRef — участник с ролью на момент разделения.
type ArcMemberRef struct {
	ParticipantID string
	Role          string
}

// ArcManager владеет состоянием разделённых групп. Пока группа разделена,
// позицией владеет каждая ветка; Merge восстанавливает единую позицию.
type ArcManager struct {
	mu     sync.Mutex
	states map[uuid.UUID]*models.ArcPartyState
	rng    *rand.Rand
	logger *zap.Logger
}

// NewArcManager создает новый ArcManager.
func NewArcManager(logger *zap.Logger) *ArcManager {
	return &ArcManager{
		states: make(map[uuid.UUID]*models.ArcPartyState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.Named("ArcManager"),
	}
}

// InitSplit разбивает участников по веткам конфигурации и сохраняет состояние.
// Назначение идёт в три прохода: жёсткие требования ролей, предпочтительные
// роли, затем равновероятный добор из оставшихся. Каждый участник попадает
// ровно в одну ветку; ветки без участников не создаются.
func (m *ArcManager) InitSplit(partyID uuid.UUID, splitNodeID string, cfg *models.ArcSplitConfig, members []ArcMemberRef) (*models.ArcPartyState, error) {
	if cfg == nil || len(cfg.Arcs) == 0 || cfg.MergeNodeID == "" {
		return nil, fmt.Errorf("arc split config on node %s: %w", splitNodeID, models.ErrInvalidNodeConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[partyID]; exists {
		return nil, fmt.Errorf("party %s is already split", partyID)
	}

	assignments := m.assignMembers(cfg, members)

	now := time.Now().UTC()
	state := &models.ArcPartyState{
		PartyID:     partyID,
		SplitNodeID: splitNodeID,
		MergeNodeID: cfg.MergeNodeID,
		Arcs:        make(map[string]*models.ActiveArc),
		MemberArc:   make(map[string]string),
		ArcsAtMerge: make(map[string]struct{}),
	}

	for _, def := range cfg.Arcs {
		ids := assignments[def.ID]
		if len(ids) == 0 {
			continue
		}
		state.Arcs[def.ID] = &models.ActiveArc{
			ArcID:          def.ID,
			Definition:     def,
			ParticipantIDs: ids,
			CurrentNodeID:  def.EntryNodeID,
			Status:         models.ArcStatusActive,
			IsSolo:         len(ids) == 1,
			StartedAt:      now,
		}
		for _, id := range ids {
			state.MemberArc[id] = def.ID
		}
	}

	m.states[partyID] = state
	arcSplitsTotal.Inc()
	m.logger.Info("Party split into arcs",
		zap.String("partyID", partyID.String()),
		zap.Int("arcs", len(state.Arcs)),
		zap.String("mergeNodeID", cfg.MergeNodeID))
	return state.Clone(), nil
}

// assignMembers распределяет участников по веткам. Вызывается под m.mu.
func (m *ArcManager) assignMembers(cfg *models.ArcSplitConfig, members []ArcMemberRef) map[string][]string {
	assignments := make(map[string][]string, len(cfg.Arcs))
	for _, arc := range cfg.Arcs {
		assignments[arc.ID] = []string{}
	}
	unassigned := append([]ArcMemberRef(nil), members...)

	target := func(arc models.ArcDefinition) int {
		if arc.ParticipantCnt <= 0 {
			return len(unassigned)
		}
		return arc.ParticipantCnt
	}
	takeMatch := func(roles []string) (ArcMemberRef, bool) {
		for i, member := range unassigned {
			for _, role := range roles {
				if member.Role != "" && member.Role == role {
					unassigned = append(unassigned[:i], unassigned[i+1:]...)
					return member, true
				}
			}
		}
		return ArcMemberRef{}, false
	}

	if cfg.SplitMode == "role_based" {
		// Проход 1: жёсткие требования ролей
		for _, arc := range cfg.Arcs {
			if len(arc.RequiredRoles) == 0 {
				continue
			}
			want := target(arc)
			for i := 0; i < want && len(unassigned) > 0; i++ {
				member, ok := takeMatch(arc.RequiredRoles)
				if !ok {
					break
				}
				assignments[arc.ID] = append(assignments[arc.ID], member.ParticipantID)
			}
		}
		// Проход 2: предпочтительные роли
		for _, arc := range cfg.Arcs {
			if len(arc.PreferredRoles) == 0 {
				continue
			}
			needed := target(arc) - len(assignments[arc.ID])
			for i := 0; i < needed && len(unassigned) > 0; i++ {
				member, ok := takeMatch(arc.PreferredRoles)
				if !ok {
					break
				}
				assignments[arc.ID] = append(assignments[arc.ID], member.ParticipantID)
			}
		}
	}

	// Проход 3: равновероятный добор до целевой численности
	for _, arc := range cfg.Arcs {
		needed := target(arc) - len(assignments[arc.ID])
		for i := 0; i < needed && len(unassigned) > 0; i++ {
			idx := m.rng.Intn(len(unassigned))
			member := unassigned[idx]
			unassigned = append(unassigned[:idx], unassigned[idx+1:]...)
			assignments[arc.ID] = append(assignments[arc.ID], member.ParticipantID)
		}
	}

	return assignments
}

// State возвращает копию состояния разделения группы.
func (m *ArcManager) State(partyID uuid.UUID) (*models.ArcPartyState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return nil, false
	}
	return state.Clone(), true
}

// IsSplit сообщает, разделена ли группа.
func (m *ArcManager) IsSplit(partyID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[partyID]
	return ok
}

// ArcOf возвращает ID ветки участника.
func (m *ArcManager) ArcOf(partyID uuid.UUID, participantID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return "", false
	}
	arcID, ok := state.MemberArc[participantID]
	return arcID, ok
}

// ArcMembers возвращает участников ветки.
func (m *ArcManager) ArcMembers(partyID uuid.UUID, arcID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return nil
	}
	arc, ok := state.Arcs[arcID]
	if !ok {
		return nil
	}
	return append([]string(nil), arc.ParticipantIDs...)
}

// IsSoloArc сообщает, идёт ли участник по одиночной ветке. Участник вне
// разделения (или вне группы) тоже считается одиночкой: групповое
// голосование для него не действует.
func (m *ArcManager) IsSoloArc(partyID uuid.UUID, participantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return true
	}
	arcID, ok := state.MemberArc[participantID]
	if !ok {
		return true
	}
	arc, ok := state.Arcs[arcID]
	if !ok {
		return true
	}
	return arc.IsSolo
}

// UpdateArcNode переводит позицию ветки.
func (m *ArcManager) UpdateArcNode(partyID uuid.UUID, arcID, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return false
	}
	arc, ok := state.Arcs[arcID]
	if !ok {
		return false
	}
	arc.CurrentNodeID = nodeID
	return true
}

// MarkAtMerge отмечает прибытие ветки на узел слияния.
func (m *ArcManager) MarkAtMerge(partyID uuid.UUID, arcID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return false
	}
	arc, ok := state.Arcs[arcID]
	if !ok {
		return false
	}
	arc.Status = models.ArcStatusWaitingAtMerge
	state.ArcsAtMerge[arcID] = struct{}{}
	m.logger.Debug("Arc reached merge point",
		zap.String("partyID", partyID.String()),
		zap.String("arcID", arcID),
		zap.Int("arrived", len(state.ArcsAtMerge)),
		zap.Int("total", len(state.Arcs)))
	return true
}

// AreAllArcsAtMerge истинно, когда каждая ветка достигла узла слияния.
func (m *ArcManager) AreAllArcsAtMerge(partyID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return false
	}
	for arcID := range state.Arcs {
		if _, arrived := state.ArcsAtMerge[arcID]; !arrived {
			return false
		}
	}
	return true
}

// ArcsNotAtMerge возвращает ветки, ещё не дошедшие до слияния.
func (m *ArcManager) ArcsNotAtMerge(partyID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return nil
	}
	var lagging []string
	for arcID := range state.Arcs {
		if _, arrived := state.ArcsAtMerge[arcID]; !arrived {
			lagging = append(lagging, arcID)
		}
	}
	return lagging
}

// Merge снимает состояние разделения и возвращает узел, на котором группа
// воссоединяется. С этого момента общая позиция группы снова авторитетна;
// перевести её туда обязан вызывающий.
func (m *ArcManager) Merge(partyID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[partyID]
	if !ok {
		return "", false
	}
	delete(m.states, partyID)
	arcMergesTotal.Inc()
	m.logger.Info("Arcs merged",
		zap.String("partyID", partyID.String()),
		zap.String("mergeNodeID", state.MergeNodeID))
	return state.MergeNodeID, true
}

// Clear принудительно снимает состояние разделения (отмена группы).
func (m *ArcManager) Clear(partyID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, partyID)
}
