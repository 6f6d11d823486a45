package models

import "time"

// ParticipantInput — поданный участником вход на узле с коллективным решением.
type ParticipantInput struct {
	ParticipantID string    `json:"participantId"`
	ChoiceID      string    `json:"choiceId,omitempty"`
	SelectValues  []string  `json:"selectValues,omitempty"`
	RoleAction    string    `json:"roleAction,omitempty"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// PendingDecision — незавершённый сбор входов для одного узла в одной области
// видимости (группа, ветка или одиночная сессия). Создаётся при первом входе,
// уничтожается ровно один раз при вычислении исхода.
type PendingDecision struct {
	NodeID    string                       `json:"nodeId"`
	Scope     string                       `json:"scope,omitempty"`
	Inputs    map[string]*ParticipantInput `json:"inputs"`
	TimedOut  bool                         `json:"timedOut"`
	CreatedAt time.Time                    `json:"createdAt"`
}

// OutcomeResult — вычисленный исход коллективного решения.
// NextNodeID == nil означает «решение не принято»: группа остаётся на месте.
type OutcomeResult struct {
	NextNodeID *string `json:"nextNodeId"`
	Message    string  `json:"message,omitempty"`
}

// VoteSummary — сводка голосов для отображения.
type VoteSummary struct {
	TotalVotes         int                 `json:"totalVotes"`
	VoteCounts         map[string]int      `json:"voteCounts"`
	Voters             map[string][]string `json:"voters"`
	ParticipantChoices map[string]string   `json:"participantChoices"`
}
