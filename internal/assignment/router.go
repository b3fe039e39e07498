package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"complianceflow/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnknownStrategy 规则引用了未注册的策略
var ErrUnknownStrategy = errors.New("未注册的分配策略")

// ErrRuleNotFound 规则不存在
var ErrRuleNotFound = errors.New("分配规则不存在")

// 分配结果来源
const (
	SourceRule        = "rule"
	SourceDefaultPool = "default_pool"
	SourceUnassigned  = "unassigned"
)

// Request 分配请求
type Request struct {
	TenantID   string         `json:"tenantId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Category   string         `json:"category,omitempty"`
	LocationID string         `json:"locationId,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Result 分配结果
type Result struct {
	OwnerID  string `json:"ownerId"`
	RuleID   string `json:"ruleId,omitempty"`
	RuleName string `json:"ruleName,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Source   string `json:"source"`
}

// Assigned 是否分配到了具体负责人
func (r *Result) Assigned() bool {
	return r != nil && r.OwnerID != "" && r.OwnerID != Unassigned
}

// RouterOptions 路由器配置
type RouterOptions struct {
	Logger  *zap.Logger
	Cursors CursorStore
	Loads   LoadProvider
	// DefaultPool 所有实体类型共用的默认候选池
	DefaultPool []string
	// DefaultPools 按实体类型覆盖默认候选池
	DefaultPools map[string][]string
}

// Router 负责人分配路由器，策略表由实例持有
type Router struct {
	db      *gorm.DB
	logger  *zap.Logger
	cursors CursorStore
	loads   LoadProvider

	defaultPool  []string
	defaultPools map[string][]string

	mu         sync.RWMutex
	strategies map[string]StrategyFunc
}

// NewRouter 创建路由器并注册内置策略
func NewRouter(db *gorm.DB, opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = NewGormCursorStore(db)
	}
	r := &Router{
		db:           db,
		logger:       logger,
		cursors:      cursors,
		loads:        opts.Loads,
		defaultPool:  opts.DefaultPool,
		defaultPools: opts.DefaultPools,
		strategies:   make(map[string]StrategyFunc),
	}
	r.strategies[StrategyDirect] = Direct
	r.strategies[StrategyRoundRobin] = RoundRobin
	r.strategies[StrategyHash] = Hash
	r.strategies[StrategyLeastLoaded] = LeastLoaded
	return r
}

// SetLoadProvider 延迟注入负载查询（实例存储创建后）
func (r *Router) SetLoadProvider(loads LoadProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = loads
}

// RegisterStrategy 注册或覆盖策略
func (r *Router) RegisterStrategy(key string, fn StrategyFunc) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("策略 key 不能为空")
	}
	if fn == nil {
		return fmt.Errorf("策略 %s 的实现不能为空", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[key] = fn
	return nil
}

func (r *Router) strategy(key string) (StrategyFunc, LoadProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.strategies[key]
	return fn, r.loads, ok
}

// Assign 按优先级评估规则，首个匹配的规则决定负责人
// 无匹配或策略无结果时使用默认候选池，仍无结果返回 UNASSIGNED
func (r *Router) Assign(ctx context.Context, req Request) (*Result, error) {
	rules, err := r.ListRules(ctx, req.TenantID, req.EntityType)
	if err != nil {
		metrics.AssignmentsTotal.WithLabelValues("", "error").Inc()
		return nil, err
	}

	data := matchData(req)
	for _, rule := range rules {
		if !rule.IsActive || !matchAll(rule.Matchers, rule.MatchMode, data) {
			continue
		}

		fn, loads, ok := r.strategy(rule.StrategyKey)
		if !ok {
			metrics.AssignmentsTotal.WithLabelValues(rule.StrategyKey, "error").Inc()
			return nil, fmt.Errorf("%w: %s (规则 %s)", ErrUnknownStrategy, rule.StrategyKey, rule.ID)
		}

		owner, err := fn(ctx, StrategyInput{
			RuleID:     rule.ID,
			TenantID:   req.TenantID,
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			Config:     rule.StrategyConfig,
			Pool:       rule.CandidatePool,
			Context:    req.Context,
			Cursor:     boundRotation{store: r.cursors, key: rule.ID},
			Loads:      loads,
		})
		if err != nil {
			metrics.AssignmentsTotal.WithLabelValues(rule.StrategyKey, "error").Inc()
			return nil, fmt.Errorf("执行分配策略 %s 失败: %w", rule.StrategyKey, err)
		}
		if owner != "" {
			metrics.AssignmentsTotal.WithLabelValues(rule.StrategyKey, SourceRule).Inc()
			return &Result{
				OwnerID:  owner,
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Strategy: rule.StrategyKey,
				Source:   SourceRule,
			}, nil
		}

		r.logger.Debug("规则命中但策略无结果，回退默认候选池",
			zap.String("rule_id", rule.ID),
			zap.String("strategy", rule.StrategyKey),
		)
		break
	}

	return r.assignDefault(ctx, req)
}

func (r *Router) assignDefault(ctx context.Context, req Request) (*Result, error) {
	pool := r.defaultPools[req.EntityType]
	if len(pool) == 0 {
		pool = r.defaultPool
	}
	if len(pool) == 0 {
		metrics.AssignmentsTotal.WithLabelValues("", SourceUnassigned).Inc()
		return &Result{OwnerID: Unassigned, Source: SourceUnassigned}, nil
	}

	key := fmt.Sprintf("default:%s:%s", req.TenantID, req.EntityType)
	idx, err := r.cursors.Next(ctx, key, len(pool))
	if err != nil {
		metrics.AssignmentsTotal.WithLabelValues(StrategyRoundRobin, "error").Inc()
		return nil, fmt.Errorf("默认候选池轮询失败: %w", err)
	}
	metrics.AssignmentsTotal.WithLabelValues(StrategyRoundRobin, SourceDefaultPool).Inc()
	return &Result{OwnerID: pool[idx], Strategy: StrategyRoundRobin, Source: SourceDefaultPool}, nil
}

// matchData 规则匹配使用的数据：请求上下文 + 内置字段
func matchData(req Request) map[string]any {
	data := make(map[string]any, len(req.Context)+4)
	for k, v := range req.Context {
		data[k] = v
	}
	data["entityType"] = req.EntityType
	data["entityId"] = req.EntityID
	if req.Category != "" {
		data["category"] = req.Category
	}
	if req.LocationID != "" {
		data["locationId"] = req.LocationID
	}
	return data
}

// ============================================================================
// 规则管理
// ============================================================================

// CreateRule 创建规则
func (r *Router) CreateRule(ctx context.Context, rule *AssignmentRule) error {
	if rule.TenantID == "" || rule.EntityType == "" {
		return fmt.Errorf("规则必须指定租户和实体类型")
	}
	if rule.StrategyKey == "" {
		return fmt.Errorf("规则必须指定策略")
	}
	if rule.MatchMode == "" {
		rule.MatchMode = MatchAll
	}
	if rule.MatchMode != MatchAll && rule.MatchMode != MatchAny {
		return fmt.Errorf("不支持的匹配模式: %s", rule.MatchMode)
	}
	for i, m := range rule.Matchers {
		if err := validateMatcher(m); err != nil {
			return fmt.Errorf("matchers[%d]: %w", i, err)
		}
	}

	rule.ID = uuid.New().String()
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("创建分配规则失败: %w", err)
	}
	return nil
}

// ListRules 列出租户+实体类型下的规则，按优先级降序、创建时间升序
func (r *Router) ListRules(ctx context.Context, tenantID, entityType string) ([]AssignmentRule, error) {
	var rules []AssignmentRule
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND deleted_at IS NULL", tenantID, entityType).
		Order("priority DESC, created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("获取分配规则失败: %w", err)
	}
	return rules, nil
}

// DeleteRule 软删除规则
func (r *Router) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	result := r.db.WithContext(ctx).Model(&AssignmentRule{}).
		Where("id = ? AND tenant_id = ? AND deleted_at IS NULL", ruleID, tenantID).
		Update("deleted_at", time.Now())
	if result.Error != nil {
		return fmt.Errorf("删除分配规则失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}
