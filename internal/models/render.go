package models

// RenderField — пара имя/значение в полезной нагрузке отображения.
type RenderField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// RenderButton — кнопка в полезной нагрузке отображения.
type RenderButton struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Emoji    string `json:"emoji,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// RenderSelect — выпадающее меню в полезной нагрузке отображения.
type RenderSelect struct {
	ID          string         `json:"id"`
	Placeholder string         `json:"placeholder,omitempty"`
	Min         int            `json:"min,omitempty"`
	Max         int            `json:"max,omitempty"`
	Options     []SelectOption `json:"options"`
}

// RenderPayload — производное представление узла для удалённой поверхности.
// Движок никогда не отдаёт собственные сущности наружу, только эти payload'ы.
type RenderPayload struct {
	NodeID           string         `json:"nodeId"`
	NodeType         NodeType       `json:"nodeType"`
	Title            string         `json:"title,omitempty"`
	Description      string         `json:"description,omitempty"`
	Image            string         `json:"image,omitempty"`
	Fields           []RenderField  `json:"fields,omitempty"`
	Buttons          []RenderButton `json:"buttons,omitempty"`
	Selects          []RenderSelect `json:"selects,omitempty"`
	TimerSecondsLeft int            `json:"timerSecondsLeft,omitempty"`
	Notice           string         `json:"notice,omitempty"`
}

// RenderEffects — побочные эффекты, которые вызывающая сторона обязана
// применить после отрисовки узла. Сам диспетчер состояния не меняет.
type RenderEffects struct {
	StartTimer   *TimerSpec
	DMDeliveries []DMDelivery
}
