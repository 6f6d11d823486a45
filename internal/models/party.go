package models

import (
	"time"

	"github.com/google/uuid"
)

// PartyStatus — статус жизненного цикла группы.
type PartyStatus string

const (
	PartyStatusForming   PartyStatus = "forming"
	PartyStatusActive    PartyStatus = "active"
	PartyStatusEnded     PartyStatus = "ended"
	PartyStatusCancelled PartyStatus = "cancelled"
)

// Terminal сообщает, является ли статус конечным.
func (s PartyStatus) Terminal() bool {
	return s == PartyStatusEnded || s == PartyStatusCancelled
}

// PartyMember — участник группы.
type PartyMember struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	IsReady       bool      `json:"isReady"`
	Role          string    `json:"role,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// Party — группа до четырёх участников, проходящих историю вместе.
// Инвариант: участник состоит не более чем в одной нетерминальной группе.
// Пока Status == active и группа не разделена на ветки, CurrentNodeID —
// единственный источник истины для общего вида всех участников.
type Party struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	LeaderID      string         `json:"leaderId"`
	MaxSize       int            `json:"maxSize"`
	Members       []*PartyMember `json:"members"`
	Status        PartyStatus    `json:"status"`
	InviteCode    string         `json:"inviteCode,omitempty"`
	StoryID       string         `json:"storyId,omitempty"`
	CurrentNodeID string         `json:"currentNodeId,omitempty"`
	SharedSurface *SurfaceRef    `json:"sharedSurface,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	EndedAt       *time.Time     `json:"endedAt,omitempty"`
}

// Member возвращает участника группы по ID или nil.
func (p *Party) Member(participantID string) *PartyMember {
	for _, m := range p.Members {
		if m.ParticipantID == participantID {
			return m
		}
	}
	return nil
}

// MemberIDs возвращает упорядоченный список ID участников.
func (p *Party) MemberIDs() []string {
	ids := make([]string, 0, len(p.Members))
	for _, m := range p.Members {
		ids = append(ids, m.ParticipantID)
	}
	return ids
}

// AllReady сообщает, готовы ли все участники.
func (p *Party) AllReady() bool {
	for _, m := range p.Members {
		if !m.IsReady {
			return false
		}
	}
	return true
}

// Clone возвращает глубокую копию группы для чтения вне реестра.
func (p *Party) Clone() *Party {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Members = make([]*PartyMember, len(p.Members))
	for i, m := range p.Members {
		mm := *m
		cp.Members[i] = &mm
	}
	if p.SharedSurface != nil {
		ref := *p.SharedSurface
		cp.SharedSurface = &ref
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
