package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"complianceflow/internal/metrics"
	"complianceflow/internal/workflow/sla"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPublishMaxRetries 版本号冲突时的最大尝试次数
const DefaultPublishMaxRetries = 3

// TemplateStoreOptions 模板存储配置
type TemplateStoreOptions struct {
	Logger     *zap.Logger
	Clock      sla.Clock
	Publisher  EventPublisher
	MaxRetries int
}

// TemplateStore 模板持久化与版本管理
type TemplateStore struct {
	db         *gorm.DB
	logger     *zap.Logger
	clock      sla.Clock
	events     emitter
	maxRetries int

	// DefinitionHash → *Graph
	graphs sync.Map
}

// NewTemplateStore 创建模板存储
func NewTemplateStore(db *gorm.DB, opts TemplateStoreOptions) *TemplateStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = sla.SystemClock
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = DefaultPublishMaxRetries
	}
	return &TemplateStore{
		db:         db,
		logger:     logger,
		clock:      clock,
		events:     emitter{publisher: opts.Publisher, logger: logger, clock: clock},
		maxRetries: retries,
	}
}

// CreateTemplateRequest 创建模板草稿请求
type CreateTemplateRequest struct {
	TenantID    string             `json:"tenantId"`
	Name        string             `json:"name"`
	EntityType  EntityType         `json:"entityType"`
	Description string             `json:"description"`
	Definition  TemplateDefinition `json:"definition"`
	CreatedBy   string             `json:"createdBy"`
}

// PublishTemplateRequest 发布模板请求
type PublishTemplateRequest struct {
	TenantID    string              `json:"tenantId"`
	TemplateID  string              `json:"templateId"`
	Definition  *TemplateDefinition `json:"definition,omitempty"`
	MakeDefault bool                `json:"makeDefault"`
	Actor       Actor               `json:"-"`
}

// PublishResult 发布结果
type PublishResult struct {
	Template *WorkflowTemplate
	// Forked 为 true 表示因存在运行中实例而新建了版本
	Forked bool
	// PreviousID 被分叉的旧版本
	PreviousID string
}

// ============================================================================
// 草稿
// ============================================================================

// CreateDraft 校验并保存模板草稿（isActive=false）
// 新名称从版本 1 开始，已有名称取 maxVersion+1
func (s *TemplateStore) CreateDraft(ctx context.Context, req CreateTemplateRequest) (*WorkflowTemplate, error) {
	var issues []GraphIssue
	if strings.TrimSpace(req.TenantID) == "" {
		issues = append(issues, GraphIssue{Field: "tenantId", Message: "租户不能为空"})
	}
	if strings.TrimSpace(req.Name) == "" {
		issues = append(issues, GraphIssue{Field: "name", Message: "模板名称不能为空"})
	}
	if req.EntityType == "" {
		issues = append(issues, GraphIssue{Field: "entityType", Message: "实体类型不能为空"})
	}
	issues = append(issues, ValidateDefinition(req.Definition)...)
	if len(issues) > 0 {
		return nil, &Error{Kind: KindInvalidGraph, Message: "模板定义校验失败", Issues: issues}
	}

	now := s.clock()
	tpl := &WorkflowTemplate{
		TenantID:       req.TenantID,
		Name:           req.Name,
		EntityType:     req.EntityType,
		Description:    req.Description,
		Definition:     req.Definition,
		DefinitionHash: DefinitionHash(req.Definition),
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.withVersionRetry(ctx, func(tx *gorm.DB) error {
		existing, err := s.entityTypeOf(tx, req.TenantID, req.Name)
		if err != nil {
			return err
		}
		if existing != "" && existing != req.EntityType {
			return &Error{Kind: KindInvalidGraph, Message: "同名模板实体类型不一致", Issues: []GraphIssue{
				{Field: "entityType", Message: fmt.Sprintf("已有版本的实体类型为 %s", existing)},
			}}
		}

		version, err := s.maxVersion(tx, req.TenantID, req.Name)
		if err != nil {
			return err
		}
		tpl.ID = uuid.New().String()
		tpl.Version = version + 1
		return tx.Create(tpl).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("模板草稿已创建",
		zap.String("tenant_id", tpl.TenantID),
		zap.String("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.Int("version", tpl.Version),
	)
	return tpl, nil
}

// ============================================================================
// 发布
// ============================================================================

// Publish 发布模板
// 目标已激活、提供了新定义且存在运行中实例时，新建 maxVersion+1 版本承载新定义，
// 旧版本保持不变（仅可能失去默认标记）；否则原地激活。
func (s *TemplateStore) Publish(ctx context.Context, req PublishTemplateRequest) (*PublishResult, error) {
	var newGraph *Graph
	if req.Definition != nil {
		g, err := CompileGraph(*req.Definition)
		if err != nil {
			metrics.TemplatePublishesTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		newGraph = g
	}

	var result *PublishResult
	err := s.withVersionRetry(ctx, func(tx *gorm.DB) error {
		target, err := s.getForUpdate(tx, req.TenantID, req.TemplateID)
		if err != nil {
			return err
		}

		live, err := s.livePinnedCount(tx, target.ID)
		if err != nil {
			return err
		}

		now := s.clock()
		if target.IsActive && newGraph != nil && live > 0 && newGraph.Hash != target.DefinitionHash {
			version, err := s.maxVersion(tx, target.TenantID, target.Name)
			if err != nil {
				return err
			}
			fork := &WorkflowTemplate{
				ID:             uuid.New().String(),
				TenantID:       target.TenantID,
				Name:           target.Name,
				Version:        version + 1,
				EntityType:     target.EntityType,
				Description:    target.Description,
				Definition:     newGraph.Definition,
				DefinitionHash: newGraph.Hash,
				IsActive:       true,
				PublishedAt:    &now,
				PublishedBy:    req.Actor.ID,
				CreatedBy:      req.Actor.ID,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(fork).Error; err != nil {
				return err
			}
			if req.MakeDefault || target.IsDefault {
				if err := s.setDefault(tx, fork); err != nil {
					return err
				}
			}
			result = &PublishResult{Template: fork, Forked: true, PreviousID: target.ID}
			return nil
		}

		columns := []string{"is_active", "published_at", "published_by", "updated_at"}
		if newGraph != nil && newGraph.Hash != target.DefinitionHash {
			if live > 0 {
				return newError(KindVersionConflict, "模板 %s 存在运行中实例，不能原地修改定义", target.ID)
			}
			target.Definition = newGraph.Definition
			target.DefinitionHash = newGraph.Hash
			columns = append(columns, "definition", "definition_hash")
		}
		target.IsActive = true
		target.PublishedAt = &now
		target.PublishedBy = req.Actor.ID
		target.UpdatedAt = now
		if err := tx.Model(target).
			Where("tenant_id = ?", target.TenantID).
			Select(columns).
			Updates(target).Error; err != nil {
			return fmt.Errorf("更新模板失败: %w", err)
		}

		if req.MakeDefault {
			if err := s.setDefault(tx, target); err != nil {
				return err
			}
		}
		result = &PublishResult{Template: target}
		return nil
	})
	if err != nil {
		metrics.TemplatePublishesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	tpl := result.Template
	payload := map[string]any{
		"name":      tpl.Name,
		"version":   tpl.Version,
		"isDefault": tpl.IsDefault,
	}
	if result.Forked {
		metrics.TemplatePublishesTotal.WithLabelValues("forked").Inc()
		s.events.emit(ctx, Event{
			Name:       EventTemplateVersionCreated,
			TenantID:   tpl.TenantID,
			TemplateID: tpl.ID,
			ActorID:    req.Actor.ID,
			Payload: map[string]any{
				"name":               tpl.Name,
				"version":            tpl.Version,
				"previousTemplateId": result.PreviousID,
			},
		})
	} else {
		metrics.TemplatePublishesTotal.WithLabelValues("in_place").Inc()
	}
	s.events.emit(ctx, Event{
		Name:       EventTemplatePublished,
		TenantID:   tpl.TenantID,
		TemplateID: tpl.ID,
		ActorID:    req.Actor.ID,
		Payload:    payload,
	})

	s.logger.Info("模板已发布",
		zap.String("tenant_id", tpl.TenantID),
		zap.String("template_id", tpl.ID),
		zap.Int("version", tpl.Version),
		zap.Bool("forked", result.Forked),
		zap.Bool("is_default", tpl.IsDefault),
	)
	return result, nil
}

// setDefault 在同一事务中清除同租户同实体类型的其他默认标记
// 并发设置默认时由部分唯一索引 idx_workflow_template_default 拒绝后到者，外层按版本冲突重试
func (s *TemplateStore) setDefault(tx *gorm.DB, tpl *WorkflowTemplate) error {
	if err := tx.Model(&WorkflowTemplate{}).
		Where("tenant_id = ? AND entity_type = ? AND id <> ? AND is_default = ?", tpl.TenantID, tpl.EntityType, tpl.ID, true).
		Update("is_default", false).Error; err != nil {
		return fmt.Errorf("清除默认模板失败: %w", err)
	}
	if err := tx.Model(&WorkflowTemplate{}).
		Where("id = ? AND tenant_id = ?", tpl.ID, tpl.TenantID).
		Update("is_default", true).Error; err != nil {
		return fmt.Errorf("设置默认模板失败: %w", err)
	}
	tpl.IsDefault = true
	return nil
}

// ============================================================================
// 查询
// ============================================================================

// Get 按 ID 获取模板（租户隔离）
func (s *TemplateStore) Get(ctx context.Context, tenantID, templateID string) (*WorkflowTemplate, error) {
	return s.getForUpdate(s.db.WithContext(ctx), tenantID, templateID)
}

// ResolveForInstance 精确版本查找，实例的所有操作都经由此处
func (s *TemplateStore) ResolveForInstance(ctx context.Context, tenantID, templateID string, version int) (*WorkflowTemplate, error) {
	tpl, err := s.Get(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.Version != version {
		return nil, newError(KindNotFound, "模板 %s 不存在版本 %d", templateID, version)
	}
	return tpl, nil
}

// ResolveDefault 租户+实体类型下最新的已激活默认模板
func (s *TemplateStore) ResolveDefault(ctx context.Context, tenantID string, entityType EntityType) (*WorkflowTemplate, error) {
	var tpl WorkflowTemplate
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND is_active = ? AND is_default = ?", tenantID, entityType, true, true).
		Order("version DESC").
		First(&tpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "实体类型 %s 没有默认模板", entityType)
		}
		return nil, fmt.Errorf("查询默认模板失败: %w", err)
	}
	return &tpl, nil
}

// ListVersions 列出同名模板的所有版本（新版本在前）
func (s *TemplateStore) ListVersions(ctx context.Context, tenantID, name string) ([]*WorkflowTemplate, error) {
	var templates []*WorkflowTemplate
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Order("version DESC").
		Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("查询模板版本失败: %w", err)
	}
	return templates, nil
}

// Graph 返回模板的编译图，按 DefinitionHash 缓存
func (s *TemplateStore) Graph(tpl *WorkflowTemplate) (*Graph, error) {
	hash := tpl.DefinitionHash
	if hash == "" {
		hash = DefinitionHash(tpl.Definition)
	}
	if cached, ok := s.graphs.Load(hash); ok {
		return cached.(*Graph), nil
	}
	g, err := CompileGraph(tpl.Definition)
	if err != nil {
		return nil, err
	}
	actual, _ := s.graphs.LoadOrStore(hash, g)
	return actual.(*Graph), nil
}

// ============================================================================
// 内部辅助
// ============================================================================

func (s *TemplateStore) getForUpdate(tx *gorm.DB, tenantID, templateID string) (*WorkflowTemplate, error) {
	var tpl WorkflowTemplate
	if err := tx.Where("id = ? AND tenant_id = ?", templateID, tenantID).First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "模板不存在: %s", templateID)
		}
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	return &tpl, nil
}

func (s *TemplateStore) maxVersion(tx *gorm.DB, tenantID, name string) (int, error) {
	var version int
	if err := tx.Model(&WorkflowTemplate{}).
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error; err != nil {
		return 0, fmt.Errorf("查询最大版本失败: %w", err)
	}
	return version, nil
}

func (s *TemplateStore) entityTypeOf(tx *gorm.DB, tenantID, name string) (EntityType, error) {
	var tpl WorkflowTemplate
	err := tx.Select("entity_type").
		Where("tenant_id = ? AND name = ?", tenantID, name).
		Order("version DESC").
		Limit(1).
		Find(&tpl).Error
	if err != nil {
		return "", fmt.Errorf("查询模板失败: %w", err)
	}
	return tpl.EntityType, nil
}

func (s *TemplateStore) livePinnedCount(tx *gorm.DB, templateID string) (int64, error) {
	var count int64
	if err := tx.Model(&WorkflowInstance{}).
		Where("template_id = ? AND status IN ?", templateID, liveStatuses).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计运行中实例失败: %w", err)
	}
	return count, nil
}

// withVersionRetry 每次尝试使用独立事务；唯一索引冲突时重新读取最大版本后重试
func (s *TemplateStore) withVersionRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("模板版本号冲突，重试",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.maxRetries),
			zap.Error(err),
		)
	}
	return wrapError(KindVersionConflict, lastErr, "版本号分配冲突，已重试 %d 次", s.maxRetries)
}

// isUniqueViolation 兼容 gorm 错误转换与各驱动原始错误
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
