package models

import "time"

// SurfaceRef — ссылка на поверхность отображения (канал + сообщение),
// на которой участник сейчас видит свой узел.
type SurfaceRef struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// SessionTimer — активный таймер сессии. После создания только читается
// и удаляется; истечение вычисляется, а не хранится.
type SessionTimer struct {
	NodeID    string        `json:"nodeId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Expired сообщает, истёк ли таймер на момент now.
func (t SessionTimer) Expired(now time.Time) bool {
	return now.Sub(t.StartedAt) >= t.Duration
}

// Remaining возвращает оставшееся время таймера, не меньше нуля.
func (t SessionTimer) Remaining(now time.Time) time.Duration {
	rem := t.Duration - now.Sub(t.StartedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// ParticipantSession — состояние одного активного участника в истории.
// Владелец — SessionStore; все мутации идут через его методы.
type ParticipantSession struct {
	ParticipantID string                         `json:"participantId"`
	StoryID       string                         `json:"storyId"`
	CurrentNodeID string                         `json:"currentNodeId"`
	Choices       []string                       `json:"choices"`
	Flags         map[string]bool                `json:"flags"`
	Inventory     []string                       `json:"inventory"`
	Resources     map[string]int                 `json:"resources"`
	LockedChoices map[string]map[string]struct{} `json:"lockedChoices"`
	ActiveTimers  map[string]SessionTimer        `json:"activeTimers"`
	PartyRole     string                         `json:"partyRole,omitempty"`
	ActiveSurface *SurfaceRef                    `json:"activeSurface,omitempty"`
	CreatedAt     time.Time                      `json:"createdAt"`
	UpdatedAt     time.Time                      `json:"updatedAt"`
}

// IsChoiceLocked сообщает, заблокирован ли вариант на узле для участника.
func (s *ParticipantSession) IsChoiceLocked(nodeID, choiceID string) bool {
	set, ok := s.LockedChoices[nodeID]
	if !ok {
		return false
	}
	_, locked := set[choiceID]
	return locked
}

// Clone возвращает глубокую копию сессии для безопасного чтения вне стора.
func (s *ParticipantSession) Clone() *ParticipantSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Choices = append([]string(nil), s.Choices...)
	cp.Inventory = append([]string(nil), s.Inventory...)
	cp.Flags = make(map[string]bool, len(s.Flags))
	for k, v := range s.Flags {
		cp.Flags[k] = v
	}
	cp.Resources = make(map[string]int, len(s.Resources))
	for k, v := range s.Resources {
		cp.Resources[k] = v
	}
	cp.LockedChoices = make(map[string]map[string]struct{}, len(s.LockedChoices))
	for node, set := range s.LockedChoices {
		inner := make(map[string]struct{}, len(set))
		for id := range set {
			inner[id] = struct{}{}
		}
		cp.LockedChoices[node] = inner
	}
	cp.ActiveTimers = make(map[string]SessionTimer, len(s.ActiveTimers))
	for k, v := range s.ActiveTimers {
		cp.ActiveTimers[k] = v
	}
	if s.ActiveSurface != nil {
		ref := *s.ActiveSurface
		cp.ActiveSurface = &ref
	}
	return &cp
}
