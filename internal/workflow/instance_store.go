package workflow

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// DefaultSweepBatchSize 巡检分页大小
const DefaultSweepBatchSize = 200

// InstanceStore 实例持久化，所有修改都经由 revision 条件更新
type InstanceStore struct {
	db *gorm.DB
}

// NewInstanceStore 创建实例存储
func NewInstanceStore(db *gorm.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

// Create 插入新实例，LiveKey 唯一索引冲突返回 DUPLICATE_INSTANCE
func (s *InstanceStore) Create(ctx context.Context, inst *WorkflowInstance) error {
	if err := s.db.WithContext(ctx).Create(inst).Error; err != nil {
		if isUniqueViolation(err) {
			return wrapError(KindDuplicateInstance, err, "%s/%s 已存在运行中实例", inst.EntityType, inst.EntityID)
		}
		return fmt.Errorf("创建实例失败: %w", err)
	}
	return nil
}

// Get 按 ID 获取实例（租户隔离）
func (s *InstanceStore) Get(ctx context.Context, tenantID, instanceID string) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	if err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", instanceID, tenantID).
		First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "实例不存在: %s", instanceID)
		}
		return nil, fmt.Errorf("查询实例失败: %w", err)
	}
	if inst.StepStates == nil {
		inst.StepStates = map[string]StepState{}
	}
	return &inst, nil
}

// FindLive 查找实体当前运行中的实例，不存在返回 nil
func (s *InstanceStore) FindLive(ctx context.Context, tenantID string, entityType EntityType, entityID string) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	err := s.db.WithContext(ctx).
		Where("live_key = ?", *liveKey(tenantID, entityType, entityID)).
		Limit(1).
		Find(&inst).Error
	if err != nil {
		return nil, fmt.Errorf("查询运行中实例失败: %w", err)
	}
	if inst.ID == "" {
		return nil, nil
	}
	return &inst, nil
}

// UpdateCAS 以 expected 为期望 revision 写回整行，成功后 revision = expected+1
// 影响行数为 0 表示已被并发修改，返回 STALE_INSTANCE
func (s *InstanceStore) UpdateCAS(ctx context.Context, inst *WorkflowInstance, expected int64) error {
	inst.Revision = expected + 1
	result := s.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Where("id = ? AND tenant_id = ? AND revision = ?", inst.ID, inst.TenantID, expected).
		Select("*").
		Omit("id", "tenant_id", "created_at").
		Updates(inst)
	if result.Error != nil {
		inst.Revision = expected
		if isUniqueViolation(result.Error) {
			return wrapError(KindDuplicateInstance, result.Error, "%s/%s 已存在运行中实例", inst.EntityType, inst.EntityID)
		}
		return fmt.Errorf("更新实例失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		inst.Revision = expected
		return newError(KindStaleInstance, "实例 %s 已被并发修改（期望 revision %d）", inst.ID, expected)
	}
	return nil
}

// SweepQuery 巡检分页参数
type SweepQuery struct {
	// TenantID 为空表示全部租户
	TenantID string
	// AfterID keyset 分页游标
	AfterID string
	Limit   int
}

// ListActiveForSweep 按 ID 升序分页列出 ACTIVE 实例（PAUSED 不参与巡检）
func (s *InstanceStore) ListActiveForSweep(ctx context.Context, q SweepQuery) ([]*WorkflowInstance, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultSweepBatchSize
	}

	query := s.db.WithContext(ctx).Where("status = ?", StatusActive)
	if q.TenantID != "" {
		query = query.Where("tenant_id = ?", q.TenantID)
	}
	if q.AfterID != "" {
		query = query.Where("id > ?", q.AfterID)
	}

	var instances []*WorkflowInstance
	if err := query.Order("id ASC").Limit(limit).Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("查询待巡检实例失败: %w", err)
	}
	return instances, nil
}

// LiveCounts 统计负责人名下的运行中实例数（用于 least_loaded 分配）
func (s *InstanceStore) LiveCounts(ctx context.Context, tenantID string, owners []string) (map[string]int64, error) {
	type row struct {
		OwnerID string
		Total   int64
	}
	var rows []row
	if len(owners) == 0 {
		return map[string]int64{}, nil
	}
	if err := s.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Select("owner_id, COUNT(*) AS total").
		Where("tenant_id = ? AND owner_id IN ? AND status IN ?", tenantID, owners, liveStatuses).
		Group("owner_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计负责人负载失败: %w", err)
	}

	counts := make(map[string]int64, len(owners))
	for _, r := range rows {
		counts[r.OwnerID] = r.Total
	}
	return counts, nil
}
