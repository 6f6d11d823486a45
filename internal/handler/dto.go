package handler

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
}

type createPartyRequest struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Name          string `json:"name,omitempty"`
	MaxSize       int    `json:"maxSize,omitempty"`
}

type joinPartyRequest struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

type joinByCodeRequest struct {
	Code          string `json:"code"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

type setReadyRequest struct {
	ParticipantID string `json:"participantId"`
	Ready         bool   `json:"ready"`
}

type setRoleRequest struct {
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"`
}

type leavePartyRequest struct {
	ParticipantID string `json:"participantId"`
}

type startStoryRequest struct {
	ParticipantID string `json:"participantId"`
	StoryID       string `json:"storyId"`
}

type startSoloRequest struct {
	ParticipantID string `json:"participantId"`
	StoryID       string `json:"storyId"`
}

type engineInputRequest struct {
	ParticipantID string   `json:"participantId"`
	ChoiceID      string   `json:"choiceId,omitempty"`
	SelectValues  []string `json:"selectValues,omitempty"`
	RoleAction    string   `json:"roleAction,omitempty"`
}

type continueRequest struct {
	ParticipantID string `json:"participantId"`
}

type endSessionRequest struct {
	ParticipantID string `json:"participantId"`
}
