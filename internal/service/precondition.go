package service

import (
	"fmt"
	"strings"

	"github.com/royengg/yunami-bot/internal/models"
)

// PreconditionResult — вердикт гейта с человекочитаемой причиной отказа.
type PreconditionResult struct {
	Allowed bool
	Reason  string
}

// PreconditionGate проверяет декларативные требования входа на узел.
// Проверки идут строго по порядку: численность, флаги, предметы; первая
// провалившаяся замыкает результат. Побочных эффектов нет.
type PreconditionGate struct {
	sessions *SessionStore
}

// NewPreconditionGate создает новый PreconditionGate.
func NewPreconditionGate(sessions *SessionStore) *PreconditionGate {
	return &PreconditionGate{sessions: sessions}
}

// Check оценивает предусловия узла для участника (и его группы, если есть).
func (g *PreconditionGate) Check(node *models.NodeDefinition, participantID string, party *models.Party) PreconditionResult {
	pre := node.Preconditions
	if pre == nil {
		return PreconditionResult{Allowed: true}
	}

	session, ok := g.sessions.Get(participantID)
	if !ok {
		return PreconditionResult{Allowed: false, Reason: "No active session found"}
	}

	if pre.MinParticipants != nil || pre.MaxParticipants != nil {
		if res := checkParticipantCount(pre, party); !res.Allowed {
			return res
		}
	}

	if len(pre.RequiredFlags) > 0 {
		if res := checkRequiredFlags(pre.RequiredFlags, session.Flags); !res.Allowed {
			return res
		}
	}

	if len(pre.RequiredItems) > 0 {
		if res := checkRequiredItems(pre.RequiredItems, session.Inventory); !res.Allowed {
			return res
		}
	}

	return PreconditionResult{Allowed: true}
}

// checkParticipantCount сверяет границы численности. Размер группы
// учитывается только при активном статусе, иначе участник считается одиночкой.
func checkParticipantCount(pre *models.Preconditions, party *models.Party) PreconditionResult {
	count := 1
	if party != nil && party.Status == models.PartyStatusActive {
		count = len(party.Members)
	}

	if pre.MinParticipants != nil && count < *pre.MinParticipants {
		return PreconditionResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Requires at least %d participant(s), but only %d present", *pre.MinParticipants, count),
		}
	}
	if pre.MaxParticipants != nil && count > *pre.MaxParticipants {
		return PreconditionResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Allows maximum %d participant(s), but %d present", *pre.MaxParticipants, count),
		}
	}
	return PreconditionResult{Allowed: true}
}

func checkRequiredFlags(required []string, flags map[string]bool) PreconditionResult {
	var missing []string
	for _, flag := range required {
		if !flags[flag] {
			missing = append(missing, flag)
		}
	}
	if len(missing) > 0 {
		return PreconditionResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Missing required flags: %s", strings.Join(missing, ", ")),
		}
	}
	return PreconditionResult{Allowed: true}
}

func checkRequiredItems(required []string, inventory []string) PreconditionResult {
	held := make(map[string]struct{}, len(inventory))
	for _, item := range inventory {
		held[item] = struct{}{}
	}
	var missing []string
	for _, item := range required {
		if _, ok := held[item]; !ok {
			missing = append(missing, item)
		}
	}
	if len(missing) > 0 {
		return PreconditionResult{
			Allowed: false,
			Reason:  fmt.Sprintf("Missing required items: %s", strings.Join(missing, ", ")),
		}
	}
	return PreconditionResult{Allowed: true}
}
