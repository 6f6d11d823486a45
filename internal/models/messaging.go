package models

// PrivateDeliveryPayload — личное сообщение участнику, доставка at-least-once.
type PrivateDeliveryPayload struct {
	ParticipantID string `json:"participantId"`
	Text          string `json:"text"`
	NodeID        string `json:"nodeId,omitempty"`
}

// ClientRenderUpdate — уведомление удалённой поверхности о новом состоянии
// узла. Повторная отправка безопасна: отрисовка идемпотентна.
type ClientRenderUpdate struct {
	ParticipantID string         `json:"participantId"`
	PartyID       string         `json:"partyId,omitempty"`
	Payload       *RenderPayload `json:"payload"`
}
