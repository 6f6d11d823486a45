package models

// NodeType определяет категорию узла истории. Закрытое перечисление:
// диспетчер обязан обрабатывать каждый тип явно.
type NodeType string

const (
	NodeTypeNarrative NodeType = "narrative"
	NodeTypeChoice    NodeType = "choice"
	NodeTypeTimed     NodeType = "timed"
	NodeTypeDM        NodeType = "dm"
	NodeTypeArcSplit  NodeType = "arc_split"
	NodeTypeArcMerge  NodeType = "arc_merge"
	// Категории листовых потребителей движка. Объявлены, чтобы контент с ними
	// проходил парсинг, но диспетчер отклоняет их как нереализованные.
	NodeTypeSequence NodeType = "sequence"
	NodeTypeCombat   NodeType = "combat"
	NodeTypeSocial   NodeType = "social"
	NodeTypeMemory   NodeType = "memory"
	NodeTypeMeta     NodeType = "meta"
)

// OutcomeRule определяет правило вычисления коллективного исхода.
type OutcomeRule string

const (
	RuleMajority OutcomeRule = "majority"
	RuleFirst    OutcomeRule = "first"
	RuleLast     OutcomeRule = "last"
	RuleRandom   OutcomeRule = "random"
)

// Choice описывает один вариант выбора на узле.
type Choice struct {
	ID                    string         `json:"id"`
	Label                 string         `json:"label"`
	Emoji                 string         `json:"emoji,omitempty"`
	Cost                  map[string]int `json:"cost,omitempty"`
	AllowedRoles          []string       `json:"allowed_roles,omitempty"`
	EphemeralConfirmation bool           `json:"ephemeral_confirmation,omitempty"`
	NextNodeID            *string        `json:"nextNodeId,omitempty"`
}

// SelectOption описывает пункт выпадающего меню.
type SelectOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
}

// SelectMenu описывает выпадающее меню с множественным выбором.
type SelectMenu struct {
	ID          string         `json:"id"`
	Placeholder string         `json:"placeholder,omitempty"`
	Min         int            `json:"min,omitempty"`
	Max         int            `json:"max,omitempty"`
	Options     []SelectOption `json:"options"`
}

// RoleReservedAction — действие, доступное только владельцу командной роли.
type RoleReservedAction struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	RequiresRole string `json:"requires_team_role"`
	VisibleToAll bool   `json:"visible_to_all,omitempty"`
}

// DMDelivery — личное сообщение, адресованное роли, при входе на узел.
type DMDelivery struct {
	RecipientRole string `json:"recipient_role"`
	Text          string `json:"text"`
}

// TimerSpec — декларативный таймер узла.
type TimerSpec struct {
	DurationSeconds int `json:"duration_seconds"`
}

// OutcomeRules — конфигурация разрешения коллективного решения.
type OutcomeRules struct {
	Compute OutcomeRule `json:"compute,omitempty"`
}

// ArcDefinition описывает одну ветку разделения группы.
type ArcDefinition struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	EntryNodeID    string   `json:"entry_node_id"`
	ParticipantCnt int      `json:"participant_count"` // 0 означает «все оставшиеся»
	RequiredRoles  []string `json:"required_roles,omitempty"`
	PreferredRoles []string `json:"preferred_roles,omitempty"`
}

// ArcSplitConfig — конфигурация узла arc_split.
type ArcSplitConfig struct {
	SplitMode   string          `json:"split_mode,omitempty"` // "role_based" или пусто
	Arcs        []ArcDefinition `json:"arcs"`
	MergeNodeID string          `json:"merge_node_id"`
}

// Preconditions — декларативные требования для входа на узел.
type Preconditions struct {
	RequiredFlags   []string `json:"required_flags,omitempty"`
	RequiredItems   []string `json:"required_items,omitempty"`
	MinParticipants *int     `json:"min_player_count,omitempty"`
	MaxParticipants *int     `json:"max_player_count,omitempty"`
}

// SideEffectsOnEnter — побочные эффекты при входе на узел.
type SideEffectsOnEnter struct {
	SpawnDMJobs bool `json:"spawn_dm_jobs,omitempty"`
}

// TypeSpecific — типоспецифичная часть определения узла.
type TypeSpecific struct {
	Timers             *TimerSpec          `json:"timers,omitempty"`
	Choices            []Choice            `json:"choices,omitempty"`
	Selects            []SelectMenu        `json:"selects,omitempty"`
	RoleReservedAction *RoleReservedAction `json:"role_reserved_action,omitempty"`
	DMDeliveries       []DMDelivery        `json:"dm_deliveries,omitempty"`
	OutcomeRules       *OutcomeRules       `json:"outcome_rules,omitempty"`
	ArcSplit           *ArcSplitConfig     `json:"arc_split,omitempty"`
	NextNodeID         *string             `json:"nextNodeId,omitempty"`
}

// NodeDefinition — неизменяемое определение узла истории.
type NodeDefinition struct {
	ID            string              `json:"id"`
	SchemaVersion int                 `json:"schema_version,omitempty"`
	Type          NodeType            `json:"type"`
	Title         string              `json:"title,omitempty"`
	Description   string              `json:"description,omitempty"`
	Image         string              `json:"image,omitempty"`
	TypeSpecific  *TypeSpecific       `json:"type_specific,omitempty"`
	Preconditions *Preconditions      `json:"preconditions,omitempty"`
	SideEffects   *SideEffectsOnEnter `json:"side_effects_on_enter,omitempty"`
}

// Story — загруженный граф истории. После загрузки не мутируется.
type Story struct {
	ID          string                     `json:"id"`
	Title       string                     `json:"title"`
	EntryNodeID string                     `json:"entryNodeId"`
	Nodes       map[string]*NodeDefinition `json:"nodes"`
}

// FindChoice возвращает вариант выбора по ID или nil.
func (n *NodeDefinition) FindChoice(choiceID string) *Choice {
	if n.TypeSpecific == nil {
		return nil
	}
	for i := range n.TypeSpecific.Choices {
		if n.TypeSpecific.Choices[i].ID == choiceID {
			return &n.TypeSpecific.Choices[i]
		}
	}
	return nil
}

// Rule возвращает настроенное правило исхода, по умолчанию majority.
func (n *NodeDefinition) Rule() OutcomeRule {
	if n.TypeSpecific == nil || n.TypeSpecific.OutcomeRules == nil || n.TypeSpecific.OutcomeRules.Compute == "" {
		return RuleMajority
	}
	return n.TypeSpecific.OutcomeRules.Compute
}

// IsCollective сообщает, требует ли узел сбора решений группы
// вместо немедленного перехода.
func (n *NodeDefinition) IsCollective() bool {
	if n.Type == NodeTypeTimed {
		return true
	}
	return n.TypeSpecific != nil && n.TypeSpecific.OutcomeRules != nil
}
