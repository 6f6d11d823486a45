package models

import (
	"time"

	"github.com/google/uuid"
)

// ArcStatus — статус одной ветки разделённой группы.
type ArcStatus string

const (
	ArcStatusActive         ArcStatus = "active"
	ArcStatusWaitingAtMerge ArcStatus = "waiting_at_merge"
	ArcStatusCompleted      ArcStatus = "completed"
)

// ActiveArc — ветка с независимой позицией в графе.
// Одиночная ветка (IsSolo) полностью обходит групповое голосование.
type ActiveArc struct {
	ArcID          string        `json:"arcId"`
	Definition     ArcDefinition `json:"definition"`
	ParticipantIDs []string      `json:"participantIds"`
	CurrentNodeID  string        `json:"currentNodeId"`
	Status         ArcStatus     `json:"status"`
	IsSolo         bool          `json:"isSolo"`
	StartedAt      time.Time     `json:"startedAt"`
}

// ArcPartyState — состояние разделённой группы. Пока оно существует,
// общий CurrentNodeID группы не авторитетен: позицией владеет каждая ветка.
type ArcPartyState struct {
	PartyID     uuid.UUID             `json:"partyId"`
	SplitNodeID string                `json:"splitNodeId"`
	MergeNodeID string                `json:"mergeNodeId"`
	Arcs        map[string]*ActiveArc `json:"arcs"`
	MemberArc   map[string]string     `json:"memberArc"`
	ArcsAtMerge map[string]struct{}   `json:"arcsAtMerge"`
}

// Clone возвращает глубокую копию состояния разделения.
func (s *ArcPartyState) Clone() *ArcPartyState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Arcs = make(map[string]*ActiveArc, len(s.Arcs))
	for id, arc := range s.Arcs {
		a := *arc
		a.ParticipantIDs = append([]string(nil), arc.ParticipantIDs...)
		cp.Arcs[id] = &a
	}
	cp.MemberArc = make(map[string]string, len(s.MemberArc))
	for k, v := range s.MemberArc {
		cp.MemberArc[k] = v
	}
	cp.ArcsAtMerge = make(map[string]struct{}, len(s.ArcsAtMerge))
	for k := range s.ArcsAtMerge {
		cp.ArcsAtMerge[k] = struct{}{}
	}
	return &cp
}
