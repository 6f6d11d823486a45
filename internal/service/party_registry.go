package service

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/interfaces"
	"github.com/royengg/yunami-bot/internal/models"
)

// Символы без визуально похожих (0/O, 1/I/L)
const inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PartyRegistry владеет группами и членством. Инвариант «участник состоит
// не более чем в одной нетерминальной группе» обеспечивается картой byMember.
type PartyRegistry struct {
	mu       sync.RWMutex
	parties  map[uuid.UUID]*models.Party
	byMember map[string]uuid.UUID

	sessions      *SessionStore
	invites       interfaces.InviteCodeRepository
	maxSize       int
	inviteCodeTTL time.Duration
	logger        *zap.Logger
}

// NewPartyRegistry создает новый PartyRegistry.
func NewPartyRegistry(sessions *SessionStore, invites interfaces.InviteCodeRepository, maxSize int, inviteCodeTTL time.Duration, logger *zap.Logger) *PartyRegistry {
	return &PartyRegistry{
		parties:       make(map[uuid.UUID]*models.Party),
		byMember:      make(map[string]uuid.UUID),
		sessions:      sessions,
		invites:       invites,
		maxSize:       maxSize,
		inviteCodeTTL: inviteCodeTTL,
		logger:        logger.Named("PartyRegistry"),
	}
}

func generateInviteCode() string {
	code := make([]byte, 6)
	for i := range code {
		code[i] = inviteCodeAlphabet[rand.Intn(len(inviteCodeAlphabet))]
	}
	return string(code)
}

// Create создает группу. Лидер становится первым участником и считается
// готовым по умолчанию.
func (r *PartyRegistry) Create(ctx context.Context, leaderID, leaderName, partyName string, maxSize int) (*models.Party, error) {
	if maxSize < 2 || maxSize > r.maxSize {
		maxSize = r.maxSize
	}

	r.mu.Lock()
	if existingID, ok := r.byMember[leaderID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("participant %s is in party %s: %w", leaderID, existingID, models.ErrAlreadyInParty)
	}

	now := time.Now().UTC()
	party := &models.Party{
		ID:       uuid.New(),
		Name:     partyName,
		LeaderID: leaderID,
		MaxSize:  maxSize,
		Members: []*models.PartyMember{{
			ParticipantID: leaderID,
			DisplayName:   leaderName,
			IsReady:       true, // Лидер готов по умолчанию
			JoinedAt:      now,
		}},
		Status:     models.PartyStatusForming,
		InviteCode: generateInviteCode(),
		CreatedAt:  now,
	}
	r.parties[party.ID] = party
	r.byMember[leaderID] = party.ID
	r.mu.Unlock()

	if r.invites != nil {
		if err := r.invites.SaveCode(ctx, party.InviteCode, party.ID, r.inviteCodeTTL); err != nil {
			// Код недоступен — группа всё равно создана, вход по ID остаётся
			r.logger.Warn("Failed to store invite code", zap.String("partyID", party.ID.String()), zap.Error(err))
		}
	}

	r.logger.Info("Party created",
		zap.String("partyID", party.ID.String()),
		zap.String("leaderID", leaderID),
		zap.Int("maxSize", maxSize))
	return party.Clone(), nil
}

// Get возвращает копию группы.
func (r *PartyRegistry) Get(partyID uuid.UUID) (*models.Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	party, ok := r.parties[partyID]
	if !ok {
		return nil, models.ErrPartyNotFound
	}
	return party.Clone(), nil
}

// GetByMember возвращает нетерминальную группу участника.
func (r *PartyRegistry) GetByMember(participantID string) (*models.Party, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	partyID, ok := r.byMember[participantID]
	if !ok {
		return nil, false
	}
	party, ok := r.parties[partyID]
	if !ok {
		return nil, false
	}
	return party.Clone(), true
}

// Join добавляет участника в группу.
func (r *PartyRegistry) Join(partyID uuid.UUID, participantID, displayName string) (*models.Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.parties[partyID]
	if !ok {
		return nil, models.ErrPartyNotFound
	}
	if party.Status != models.PartyStatusForming {
		return nil, models.ErrPartyNotAcceptingMembers
	}
	if len(party.Members) >= party.MaxSize {
		return nil, models.ErrPartyFull
	}
	if party.Member(participantID) != nil {
		return nil, models.ErrAlreadyInParty
	}
	if _, inOther := r.byMember[participantID]; inOther {
		return nil, models.ErrAlreadyInParty
	}

	party.Members = append(party.Members, &models.PartyMember{
		ParticipantID: participantID,
		DisplayName:   displayName,
		JoinedAt:      time.Now().UTC(),
	})
	r.byMember[participantID] = partyID

	r.logger.Info("Participant joined party",
		zap.String("partyID", partyID.String()),
		zap.String("participantID", participantID),
		zap.Int("members", len(party.Members)))
	return party.Clone(), nil
}

// JoinByCode добавляет участника по инвайт-коду.
func (r *PartyRegistry) JoinByCode(ctx context.Context, code, participantID, displayName string) (*models.Party, error) {
	if r.invites == nil {
		return nil, models.ErrInviteCodeNotFound
	}
	partyID, err := r.invites.ResolveCode(ctx, code)
	if err != nil {
		return nil, models.ErrInviteCodeNotFound
	}
	return r.Join(partyID, participantID, displayName)
}

// SetReady отмечает готовность участника.
func (r *PartyRegistry) SetReady(partyID uuid.UUID, participantID string, ready bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.parties[partyID]
	if !ok {
		return models.ErrPartyNotFound
	}
	member := party.Member(participantID)
	if member == nil {
		return models.ErrNotInParty
	}
	member.IsReady = ready
	return nil
}

// SetRole назначает роль участнику. До старта истории роль уникальна
// в пределах группы.
func (r *PartyRegistry) SetRole(partyID uuid.UUID, participantID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.parties[partyID]
	if !ok {
		return models.ErrPartyNotFound
	}
	member := party.Member(participantID)
	if member == nil {
		return models.ErrNotInParty
	}
	if party.Status == models.PartyStatusForming {
		for _, m := range party.Members {
			if m.ParticipantID != participantID && m.Role == role {
				return models.ErrRoleTaken
			}
		}
	}
	member.Role = role
	r.sessions.SetPartyRole(participantID, role)
	return nil
}

// Leave выводит участника из группы.
//
// Формирующаяся группа: уход лидера (или последнего участника) отменяет
// всю группу. Активная группа: лидерство переходит к самому раннему из
// оставшихся участников, сессия ушедшего закрывается, его таймеры узлов
// переезжают к новому первому участнику; группа завершается только когда
// уходит последний.
func (r *PartyRegistry) Leave(partyID uuid.UUID, participantID string) (*models.Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.parties[partyID]
	if !ok {
		return nil, models.ErrPartyNotFound
	}
	if party.Member(participantID) == nil {
		return nil, models.ErrNotInParty
	}
	wasActive := party.Status == models.PartyStatusActive

	remaining := party.Members[:0]
	for _, m := range party.Members {
		if m.ParticipantID != participantID {
			remaining = append(remaining, m)
		}
	}
	party.Members = remaining
	delete(r.byMember, participantID)

	switch {
	case party.Status == models.PartyStatusForming && (participantID == party.LeaderID || len(party.Members) == 0):
		r.terminateLocked(party, models.PartyStatusCancelled)
		r.logger.Info("Party cancelled on leader leave", zap.String("partyID", partyID.String()))

	case len(party.Members) == 0:
		r.terminateLocked(party, models.PartyStatusEnded)
		r.logger.Info("Party ended, no members left", zap.String("partyID", partyID.String()))

	case participantID == party.LeaderID:
		// Активная группа: повышаем самого раннего из оставшихся
		sort.SliceStable(party.Members, func(i, j int) bool {
			return party.Members[i].JoinedAt.Before(party.Members[j].JoinedAt)
		})
		party.LeaderID = party.Members[0].ParticipantID
		r.logger.Info("Party leadership promoted",
			zap.String("partyID", partyID.String()),
			zap.String("newLeaderID", party.LeaderID))
	}

	// Уходящий из активной группы оставляет историю: таймеры общих узлов
	// переезжают к новому первому участнику, чтобы обход по-прежнему видел
	// дедлайн группы, а сессия ушедшего закрывается.
	if wasActive {
		if len(party.Members) > 0 {
			if moved := r.sessions.TransferTimers(participantID, party.Members[0].ParticipantID); moved > 0 {
				r.logger.Info("Node timers re-owned after leave",
					zap.String("partyID", partyID.String()),
					zap.String("newOwner", party.Members[0].ParticipantID),
					zap.Int("count", moved))
			}
		}
		r.sessions.End(participantID)
	}

	return party.Clone(), nil
}

// terminateLocked переводит группу в терминальный статус и освобождает членство.
// Вызывается только под r.mu.
func (r *PartyRegistry) terminateLocked(party *models.Party, status models.PartyStatus) {
	party.Status = status
	now := time.Now().UTC()
	party.EndedAt = &now
	for _, m := range party.Members {
		delete(r.byMember, m.ParticipantID)
	}
}

// StartStory переводит группу в active и инициализирует сессию каждого
// участника на входном узле. Требуется ≥2 участников и общая готовность.
// После старта позиции сессий обязаны зеркалить позицию группы.
func (r *PartyRegistry) StartStory(partyID uuid.UUID, story *models.Story) (*models.Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	party, ok := r.parties[partyID]
	if !ok {
		return nil, models.ErrPartyNotFound
	}
	if party.Status != models.PartyStatusForming {
		return nil, models.ErrPartyAlreadyStarted
	}
	if len(party.Members) < 2 {
		return nil, models.ErrPartyTooSmall
	}
	if !party.AllReady() {
		return nil, models.ErrPartyNotReady
	}

	for _, m := range party.Members {
		r.sessions.Create(m.ParticipantID, story.ID, story.EntryNodeID)
		if m.Role != "" {
			r.sessions.SetPartyRole(m.ParticipantID, m.Role)
		}
	}

	now := time.Now().UTC()
	party.Status = models.PartyStatusActive
	party.StoryID = story.ID
	party.CurrentNodeID = story.EntryNodeID
	party.StartedAt = &now

	r.logger.Info("Party story started",
		zap.String("partyID", partyID.String()),
		zap.String("storyID", story.ID),
		zap.Int("members", len(party.Members)))
	return party.Clone(), nil
}

// UpdateCurrentNode переводит общую позицию активной группы и зеркалит её
// в сессии всех участников.
func (r *PartyRegistry) UpdateCurrentNode(partyID uuid.UUID, nodeID string) error {
	r.mu.Lock()
	party, ok := r.parties[partyID]
	if !ok || party.Status != models.PartyStatusActive {
		r.mu.Unlock()
		return models.ErrPartyNotFound
	}
	party.CurrentNodeID = nodeID
	memberIDs := party.MemberIDs()
	r.mu.Unlock()

	// Зеркалим позиции вне нашей блокировки: у стора сессий свой мьютекс
	for _, id := range memberIDs {
		r.sessions.SetCurrentNode(id, nodeID)
	}
	return nil
}

// SetSharedSurface запоминает общую поверхность отображения группы.
func (r *PartyRegistry) SetSharedSurface(partyID uuid.UUID, ref models.SurfaceRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	party, ok := r.parties[partyID]
	if !ok {
		return models.ErrPartyNotFound
	}
	party.SharedSurface = &ref
	return nil
}

// End завершает группу (история пройдена).
func (r *PartyRegistry) End(partyID uuid.UUID) (*models.Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	party, ok := r.parties[partyID]
	if !ok {
		return nil, models.ErrPartyNotFound
	}
	r.terminateLocked(party, models.PartyStatusEnded)
	return party.Clone(), nil
}

// CleanupStale удаляет терминальные группы старше maxAge. Возвращает
// количество удалённых.
func (r *PartyRegistry) CleanupStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	cleaned := 0
	for id, party := range r.parties {
		if !party.Status.Terminal() {
			continue
		}
		ref := party.CreatedAt
		if party.EndedAt != nil {
			ref = *party.EndedAt
		}
		if now.Sub(ref) > maxAge {
			delete(r.parties, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		r.logger.Debug("Stale parties cleaned up", zap.Int("count", cleaned))
	}
	return cleaned
}

// Snapshot возвращает копии всех нетерминальных групп для персистентности.
func (r *PartyRegistry) Snapshot() []*models.Party {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Party, 0, len(r.parties))
	for _, party := range r.parties {
		if party.Status.Terminal() {
			continue
		}
		out = append(out, party.Clone())
	}
	return out
}

// Restore загружает группы из снимка, пропуская конфликты членства.
func (r *PartyRegistry) Restore(snapshots []*models.Party) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
next:
	for _, snap := range snapshots {
		if snap == nil || snap.Status.Terminal() {
			continue
		}
		if _, exists := r.parties[snap.ID]; exists {
			continue
		}
		for _, m := range snap.Members {
			if _, taken := r.byMember[m.ParticipantID]; taken {
				continue next // застарелый снимок конфликтует с живым членством
			}
		}
		party := snap.Clone()
		r.parties[party.ID] = party
		for _, m := range party.Members {
			r.byMember[m.ParticipantID] = party.ID
		}
		restored++
	}
	return restored
}
