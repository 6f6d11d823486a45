package models

import "errors"

// Стандартные ошибки движка.
var (
	// Общие
	ErrNotFound       = errors.New("resource not found")
	ErrInternalServer = errors.New("internal server error")
	ErrInvalidInput   = errors.New("invalid input data")

	// Сессии
	ErrSessionNotFound = errors.New("no active session for participant")

	// Граф истории
	ErrStoryNotFound     = errors.New("story not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInvalidNodeConfig = errors.New("invalid node configuration")

	// Предусловия и выбор
	ErrPreconditionFailed   = errors.New("node preconditions not met")
	ErrChoiceNotFound       = errors.New("choice not found on node")
	ErrChoiceLocked         = errors.New("choice already made")
	ErrAlreadyVoted         = errors.New("participant already voted on this decision")
	ErrInsufficientResource = errors.New("insufficient resource for choice cost")
	ErrRoleActionForbidden  = errors.New("action reserved for another role")

	// Группы
	ErrPartyNotFound            = errors.New("party not found")
	ErrPartyFull                = errors.New("party is full")
	ErrAlreadyInParty           = errors.New("participant already in a party")
	ErrNotInParty               = errors.New("participant is not a member of the party")
	ErrPartyNotAcceptingMembers = errors.New("party is not accepting new members")
	ErrPartyNotReady            = errors.New("not all members are ready")
	ErrPartyTooSmall            = errors.New("need at least 2 members to start")
	ErrRoleTaken                = errors.New("role already held by another member")
	ErrPartyAlreadyStarted      = errors.New("party has already started a story")
	ErrInviteCodeNotFound       = errors.New("invite code not found or expired")
	ErrOnlyLeaderMayStart       = errors.New("only the party leader may start a story")
	ErrOnlyLeaderMayResolve     = errors.New("only the party leader may force a decision")
)
