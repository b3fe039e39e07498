package assignment

import (
	"time"

	"gorm.io/datatypes"
)

// Unassigned 未匹配任何规则且无默认候选池时返回的负责人
const Unassigned = "UNASSIGNED"

// 匹配模式
const (
	MatchAll = "all"
	MatchAny = "any"
)

// 内置策略
const (
	StrategyDirect      = "direct"
	StrategyRoundRobin  = "round_robin"
	StrategyHash        = "hash"
	StrategyLeastLoaded = "least_loaded"
)

// AssignmentRule 负责人分配规则
type AssignmentRule struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"size:64;not null;index:idx_assignment_rule_scope,priority:1"`
	EntityType string `json:"entityType" gorm:"size:50;not null;index:idx_assignment_rule_scope,priority:2"`

	// 规则信息
	Name        string `json:"name" gorm:"size:255;not null"`
	Description string `json:"description" gorm:"type:text"`
	Priority    int    `json:"priority" gorm:"default:0"` // 越高越先匹配

	// 匹配条件
	Matchers  []Matcher `json:"matchers" gorm:"type:jsonb;serializer:json"`
	MatchMode string    `json:"matchMode" gorm:"size:10;default:'all'"` // all, any

	// 策略
	StrategyKey    string            `json:"strategyKey" gorm:"size:50;not null"`
	StrategyConfig datatypes.JSONMap `json:"strategyConfig"`
	CandidatePool  []string          `json:"candidatePool" gorm:"type:jsonb;serializer:json"`

	IsActive bool `json:"isActive" gorm:"not null"`

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
	CreatedBy string     `json:"createdBy" gorm:"size:100"`
}

func (AssignmentRule) TableName() string {
	return "assignment_rules"
}

// Matcher 单个匹配条件：字段比较或 govaluate 表达式
type Matcher struct {
	Field      string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string `json:"operator,omitempty" yaml:"operator,omitempty"` // eq, ne, gt, gte, lt, lte, in, not_in, contains, starts_with, ends_with, regex, is_null, is_not_null
	Value      any    `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// AssignmentCursor 轮询游标，仅通过条件更新修改
type AssignmentCursor struct {
	Key       string    `json:"key" gorm:"column:cursor_key;primaryKey;size:255"`
	Position  int       `json:"position" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (AssignmentCursor) TableName() string {
	return "assignment_cursors"
}

// Models 需要迁移的表
func Models() []any {
	return []any{&AssignmentRule{}, &AssignmentCursor{}}
}
