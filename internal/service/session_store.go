package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/royengg/yunami-bot/internal/models"
)

// SessionStore владеет всеми сессиями участников. Все карты закрыты мьютексом:
// каждая операция атомарна относительно чередования обработчиков, никакой
// метод не держит блокировку через внешние вызовы.
type SessionStore struct {
	mu            sync.RWMutex
	sessions      map[string]*models.ParticipantSession
	resourceFloor int
	logger        *zap.Logger
}

// ExpiredTimer — снимок истёкшего таймера, найденный обходом.
type ExpiredTimer struct {
	ParticipantID string
	TimerID       string
	NodeID        string
}

// NewSessionStore создает новый SessionStore.
func NewSessionStore(resourceFloor int, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions:      make(map[string]*models.ParticipantSession),
		resourceFloor: resourceFloor,
		logger:        logger.Named("SessionStore"),
	}
}

// Create создает сессию участника на входном узле истории.
// Существующая сессия того же участника заменяется: двух сессий одного
// участника не бывает.
func (s *SessionStore) Create(participantID, storyID, entryNodeID string) *models.ParticipantSession {
	now := time.Now().UTC()
	session := &models.ParticipantSession{
		ParticipantID: participantID,
		StoryID:       storyID,
		CurrentNodeID: entryNodeID,
		Choices:       []string{},
		Flags:         make(map[string]bool),
		Inventory:     []string{},
		Resources:     make(map[string]int),
		LockedChoices: make(map[string]map[string]struct{}),
		ActiveTimers:  make(map[string]models.SessionTimer),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	if _, existed := s.sessions[participantID]; existed {
		s.logger.Info("Replacing existing session",
			zap.String("participantID", participantID), zap.String("storyID", storyID))
	}
	s.sessions[participantID] = session
	s.mu.Unlock()

	return session.Clone()
}

// Get возвращает копию сессии участника.
func (s *SessionStore) Get(participantID string) (*models.ParticipantSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// End удаляет сессию и возвращает её последнее состояние.
func (s *SessionStore) End(participantID string) (*models.ParticipantSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, participantID)
	return session.Clone(), true
}

// RecordChoice добавляет выбор в историю и, если задан следующий узел,
// переводит позицию. Нет сессии — no-op.
func (s *SessionStore) RecordChoice(participantID, choiceID string, nextNodeID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return
	}
	session.Choices = append(session.Choices, choiceID)
	if nextNodeID != nil {
		session.CurrentNodeID = *nextNodeID
	}
	session.UpdatedAt = time.Now().UTC()
}

// SetCurrentNode переводит позицию участника.
func (s *SessionStore) SetCurrentNode(participantID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[participantID]; ok {
		session.CurrentNodeID = nodeID
		session.UpdatedAt = time.Now().UTC()
	}
}

// SetFlag выставляет булев флаг сессии.
func (s *SessionStore) SetFlag(participantID, flag string, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[participantID]; ok {
		session.Flags[flag] = value
	}
}

// AddItem добавляет предмет в инвентарь (без дубликатов).
func (s *SessionStore) AddItem(participantID, itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return
	}
	for _, it := range session.Inventory {
		if it == itemID {
			return
		}
	}
	session.Inventory = append(session.Inventory, itemID)
}

// GetResource возвращает значение именованного ресурса.
func (s *SessionStore) GetResource(participantID, name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[participantID]; ok {
		return session.Resources[name]
	}
	return 0
}

// SetResource выставляет значение ресурса.
func (s *SessionStore) SetResource(participantID, name string, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[participantID]; ok {
		session.Resources[name] = value
	}
}

// AdjustResource изменяет ресурс на delta с ограничением снизу.
// Возвращает новое значение.
func (s *SessionStore) AdjustResource(participantID, name string, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return 0
	}
	next := session.Resources[name] + delta
	if next < s.resourceFloor {
		next = s.resourceFloor
	}
	session.Resources[name] = next
	return next
}

// LockChoice помечает выбор узла как уже сделанный.
func (s *SessionStore) LockChoice(participantID, nodeID, choiceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return
	}
	set, ok := session.LockedChoices[nodeID]
	if !ok {
		set = make(map[string]struct{})
		session.LockedChoices[nodeID] = set
	}
	set[choiceID] = struct{}{}
}

// IsChoiceLocked сообщает, сделан ли уже этот выбор на узле.
func (s *SessionStore) IsChoiceLocked(participantID, nodeID, choiceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return false
	}
	set, ok := session.LockedChoices[nodeID]
	if !ok {
		return false
	}
	_, locked := set[choiceID]
	return locked
}

// ClearLockedChoices снимает все блокировки выбора на узле.
func (s *SessionStore) ClearLockedChoices(participantID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[participantID]; ok {
		delete(session.LockedChoices, nodeID)
	}
}

// SetPartyRole задает роль участника в группе.
func (s *SessionStore) SetPartyRole(participantID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[participantID]; ok {
		session.PartyRole = role
	}
}

// GetPartyRole возвращает роль участника.
func (s *SessionStore) GetPartyRole(participantID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if session, ok := s.sessions[participantID]; ok {
		return session.PartyRole
	}
	return ""
}

// SetActiveSurface запоминает поверхность, отображающую вид участника.
func (s *SessionStore) SetActiveSurface(participantID string, ref models.SurfaceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[participantID]; ok {
		session.ActiveSurface = &ref
	}
}

// ActiveSurface возвращает текущую поверхность участника.
func (s *SessionStore) ActiveSurface(participantID string) (models.SurfaceRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[participantID]
	if !ok || session.ActiveSurface == nil {
		return models.SurfaceRef{}, false
	}
	return *session.ActiveSurface, true
}

// StartTimer запускает таймер узла. Повторный запуск того же таймера —
// no-op: дедупликация нужна, чтобы перерисовка узла не сбрасывала отсчет.
func (s *SessionStore) StartTimer(participantID, timerID, nodeID string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return
	}
	if _, exists := session.ActiveTimers[timerID]; exists {
		return
	}
	session.ActiveTimers[timerID] = models.SessionTimer{
		NodeID:    nodeID,
		StartedAt: time.Now().UTC(),
		Duration:  duration,
	}
}

// TimerRemaining возвращает оставшиеся секунды таймера (0 если его нет).
func (s *SessionStore) TimerRemaining(participantID, timerID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return 0
	}
	timer, ok := session.ActiveTimers[timerID]
	if !ok {
		return 0
	}
	return timer.Remaining(time.Now().UTC())
}

// ClearTimer удаляет таймер. Возвращает true, только если таймер еще
// существовал: это и есть гарантия «ровно один раз» для обработки истечения.
func (s *SessionStore) ClearTimer(participantID, timerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return false
	}
	if _, exists := session.ActiveTimers[timerID]; !exists {
		return false
	}
	delete(session.ActiveTimers, timerID)
	return true
}

// TransferTimers переносит все активные таймеры участника на другую сессию
// с сохранением отсчёта. Таймер, уже существующий у получателя, не
// перетирается. Возвращает количество перенесённых.
func (s *SessionStore) TransferTimers(fromID, toID string) int {
	if fromID == toID {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.sessions[fromID]
	if !ok {
		return 0
	}
	to, ok := s.sessions[toID]
	if !ok {
		return 0
	}
	moved := 0
	for timerID, timer := range from.ActiveTimers {
		delete(from.ActiveTimers, timerID)
		if _, exists := to.ActiveTimers[timerID]; exists {
			continue
		}
		to.ActiveTimers[timerID] = timer
		moved++
	}
	return moved
}

// ClearTimersForNode удаляет все таймеры, принадлежащие узлу.
func (s *SessionStore) ClearTimersForNode(participantID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[participantID]
	if !ok {
		return
	}
	for timerID, timer := range session.ActiveTimers {
		if timer.NodeID == nodeID {
			delete(session.ActiveTimers, timerID)
		}
	}
}

// ExpiredTimers возвращает снимок всех истёкших на момент now таймеров.
func (s *SessionStore) ExpiredTimers(now time.Time) []ExpiredTimer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []ExpiredTimer
	for _, session := range s.sessions {
		for timerID, timer := range session.ActiveTimers {
			if timer.Expired(now) {
				expired = append(expired, ExpiredTimer{
					ParticipantID: session.ParticipantID,
					TimerID:       timerID,
					NodeID:        timer.NodeID,
				})
			}
		}
	}
	return expired
}

// Snapshot возвращает копии всех сессий для персистентности.
func (s *SessionStore) Snapshot() []*models.ParticipantSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ParticipantSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out
}

// Restore загружает сессии из снимка. Существующие сессии не трогаем:
// застарелый снимок не должен перетирать живое состояние.
func (s *SessionStore) Restore(snapshots []*models.ParticipantSession) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, snap := range snapshots {
		if snap == nil || snap.ParticipantID == "" {
			continue
		}
		if _, exists := s.sessions[snap.ParticipantID]; exists {
			continue
		}
		s.sessions[snap.ParticipantID] = snap.Clone()
		restored++
	}
	return restored
}
