package workflow

import (
	"time"

	"complianceflow/internal/workflow/sla"
)

// EntityType 受治理的合规实体类型
type EntityType string

const (
	EntityCase          EntityType = "case"
	EntityInvestigation EntityType = "investigation"
	EntityDisclosure    EntityType = "disclosure"
	EntityPolicy        EntityType = "policy"
	EntityCampaign      EntityType = "campaign"
)

// InstanceStatus 工作流实例状态
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "ACTIVE"
	StatusPaused    InstanceStatus = "PAUSED"
	StatusCompleted InstanceStatus = "COMPLETED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// IsTerminal 是否为终态
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsLive 是否仍在运行（ACTIVE/PAUSED）
func (s InstanceStatus) IsLive() bool {
	return s == StatusActive || s == StatusPaused
}

// liveStatuses 用于查询条件
var liveStatuses = []InstanceStatus{StatusActive, StatusPaused}

// ============================================================================
// 模板定义
// ============================================================================

// StageDefinition 阶段定义
type StageDefinition struct {
	Key              string   `json:"key" yaml:"key"`
	Label            string   `json:"label" yaml:"label"`
	SlaHoursOverride *float64 `json:"slaHoursOverride,omitempty" yaml:"slaHoursOverride,omitempty"`
	IsTerminal       bool     `json:"isTerminal" yaml:"isTerminal"`
}

// TransitionDefinition 阶段之间的有向边，可带角色限制和条件表达式
type TransitionDefinition struct {
	From          string   `json:"from" yaml:"from"`
	To            string   `json:"to" yaml:"to"`
	Label         string   `json:"label,omitempty" yaml:"label,omitempty"`
	AllowedRoles  []string `json:"allowedRoles,omitempty" yaml:"allowedRoles,omitempty"`
	ConditionExpr string   `json:"conditionExpr,omitempty" yaml:"conditionExpr,omitempty"`
}

// SlaConfig 模板级 SLA 阈值
type SlaConfig struct {
	WarningThresholdPct    float64 `json:"warningThresholdPct" yaml:"warningThresholdPct"`
	CriticalThresholdHours float64 `json:"criticalThresholdHours" yaml:"criticalThresholdHours"`
}

// Resolve 转换为 SLA 计算配置，未配置的阈值使用 defaults
func (c SlaConfig) Resolve(defaults sla.Config) sla.Config {
	cfg := sla.Config{
		WarningThresholdPct:    c.WarningThresholdPct,
		CriticalThresholdHours: c.CriticalThresholdHours,
	}
	if cfg.WarningThresholdPct <= 0 {
		cfg.WarningThresholdPct = defaults.WarningThresholdPct
	}
	if cfg.CriticalThresholdHours <= 0 {
		cfg.CriticalThresholdHours = defaults.CriticalThresholdHours
	}
	return cfg.Normalize()
}

// TemplateDefinition 模板的阶段图定义
type TemplateDefinition struct {
	Stages          []StageDefinition      `json:"stages" yaml:"stages"`
	Transitions     []TransitionDefinition `json:"transitions" yaml:"transitions"`
	InitialStage    string                 `json:"initialStage" yaml:"initialStage"`
	DefaultSlaHours float64                `json:"defaultSlaHours" yaml:"defaultSlaHours"`
	SlaConfig       SlaConfig              `json:"slaConfig" yaml:"slaConfig"`
}

// Stage 按 key 查找阶段
func (d TemplateDefinition) Stage(key string) (StageDefinition, bool) {
	for _, s := range d.Stages {
		if s.Key == key {
			return s, true
		}
	}
	return StageDefinition{}, false
}

// SlaHoursFor 阶段适用的 SLA 时长，阶段覆盖值优先于模板默认值
func (d TemplateDefinition) SlaHoursFor(stageKey string) float64 {
	if s, ok := d.Stage(stageKey); ok && s.SlaHoursOverride != nil {
		return *s.SlaHoursOverride
	}
	return d.DefaultSlaHours
}

// WorkflowTemplate 工作流模板（每个版本一行）
type WorkflowTemplate struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID string `json:"tenantId" gorm:"size:64;not null;uniqueIndex:idx_workflow_template_version,priority:1;index:idx_workflow_template_entity,priority:1;uniqueIndex:idx_workflow_template_default,priority:1,where:is_default = true"`

	// 模板信息
	Name        string     `json:"name" gorm:"size:255;not null;uniqueIndex:idx_workflow_template_version,priority:2"`
	Version     int        `json:"version" gorm:"not null;uniqueIndex:idx_workflow_template_version,priority:3"`
	EntityType  EntityType `json:"entityType" gorm:"size:50;not null;index:idx_workflow_template_entity,priority:2;uniqueIndex:idx_workflow_template_default,priority:2,where:is_default = true"`
	Description string     `json:"description" gorm:"type:text"`

	// 定义（结构化）
	Definition     TemplateDefinition `json:"definition" gorm:"type:jsonb;not null;serializer:json"`
	DefinitionHash string             `json:"definitionHash" gorm:"size:64;not null"`

	// 发布状态
	IsActive    bool       `json:"isActive" gorm:"not null;default:false"`
	IsDefault   bool       `json:"isDefault" gorm:"not null;default:false"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	PublishedBy string     `json:"publishedBy,omitempty" gorm:"size:100"`

	CreatedBy string    `json:"createdBy" gorm:"size:100"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (WorkflowTemplate) TableName() string {
	return "workflow_templates"
}

// ============================================================================
// 实例
// ============================================================================

// StepState 单个阶段的进出记录
type StepState struct {
	EnteredAt time.Time  `json:"enteredAt"`
	ExitedAt  *time.Time `json:"exitedAt,omitempty"`
	ActorID   string     `json:"actorId,omitempty"`
	Visits    int        `json:"visits"`
}

// WorkflowInstance 工作流实例，终身绑定一个模板版本
type WorkflowInstance struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID string `json:"tenantId" gorm:"size:64;not null;index:idx_workflow_instance_sweep,priority:1"`

	// 模板绑定（创建后不可变）
	TemplateID      string `json:"templateId" gorm:"type:uuid;not null;index"`
	TemplateVersion int    `json:"templateVersion" gorm:"not null"`

	// 受治理实体
	EntityType EntityType `json:"entityType" gorm:"size:50;not null"`
	EntityID   string     `json:"entityId" gorm:"size:100;not null;index"`
	// LiveKey 仅在 ACTIVE/PAUSED 时非空，唯一索引保证每个实体最多一个运行中实例
	LiveKey *string `json:"-" gorm:"size:255;uniqueIndex"`

	OwnerID string `json:"ownerId" gorm:"size:100;index"`

	// 阶段与状态
	CurrentStage  string               `json:"currentStage" gorm:"size:100;not null"`
	PreviousStage string               `json:"previousStage" gorm:"size:100"`
	Status        InstanceStatus       `json:"status" gorm:"size:20;not null;index:idx_workflow_instance_sweep,priority:2"`
	StepStates    map[string]StepState `json:"stepStates" gorm:"type:jsonb;serializer:json"`

	// SLA
	StageEnteredAt      time.Time     `json:"stageEnteredAt" gorm:"not null"`
	StageSlaHours       float64       `json:"stageSlaHours"`
	StagePausedDuration time.Duration `json:"stagePausedDuration"`
	PausedDurationTotal time.Duration `json:"pausedDurationTotal"`
	PausedAt            *time.Time    `json:"pausedAt,omitempty"`
	DueDate             *time.Time    `json:"dueDate,omitempty"`
	SlaStatus           sla.Status    `json:"slaStatus" gorm:"size:20;not null"`
	SlaBreachedAt       *time.Time    `json:"slaBreachedAt,omitempty"`

	// 结束信息
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Outcome      string     `json:"outcome,omitempty" gorm:"size:100"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty" gorm:"type:text"`

	StartedBy string `json:"startedBy" gorm:"size:100"`

	// 乐观锁
	Revision int64 `json:"revision" gorm:"not null"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null"`
}

func (WorkflowInstance) TableName() string {
	return "workflow_instances"
}

// liveKey 运行中实例的唯一键
func liveKey(tenantID string, entityType EntityType, entityID string) *string {
	key := tenantID + "|" + string(entityType) + "|" + entityID
	return &key
}

// clone 深拷贝，避免修改调用方持有的对象
func (i *WorkflowInstance) clone() *WorkflowInstance {
	c := *i
	c.StepStates = make(map[string]StepState, len(i.StepStates))
	for k, v := range i.StepStates {
		c.StepStates[k] = v
	}
	return &c
}

// Models 需要迁移的表
func Models() []any {
	return []any{&WorkflowTemplate{}, &WorkflowInstance{}}
}
