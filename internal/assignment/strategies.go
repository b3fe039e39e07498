package assignment

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
)

// StrategyFunc 负责人选择策略：(config, pool, context) → ownerId
// 返回空字符串表示本策略无法给出结果，由路由器回退到默认候选池
type StrategyFunc func(ctx context.Context, in StrategyInput) (string, error)

// StrategyInput 策略输入
type StrategyInput struct {
	RuleID     string
	TenantID   string
	EntityType string
	EntityID   string
	Config     map[string]any
	Pool       []string
	Context    map[string]any

	// Cursor 绑定到当前规则的轮询游标
	Cursor Rotation
	// Loads 负载查询，least_loaded 使用
	Loads LoadProvider
}

// LoadProvider 查询候选人当前负载（运行中实例数）
type LoadProvider interface {
	LiveCounts(ctx context.Context, tenantID string, owners []string) (map[string]int64, error)
}

// ErrNoLoadProvider least_loaded 策略缺少负载查询
var ErrNoLoadProvider = errors.New("未配置负载查询")

// Direct 固定负责人：config.owner，未配置时取候选池第一个
func Direct(_ context.Context, in StrategyInput) (string, error) {
	if owner, ok := in.Config["owner"].(string); ok && owner != "" {
		return owner, nil
	}
	if len(in.Pool) > 0 {
		return in.Pool[0], nil
	}
	return "", nil
}

// RoundRobin 轮询候选池
func RoundRobin(ctx context.Context, in StrategyInput) (string, error) {
	if len(in.Pool) == 0 {
		return "", nil
	}
	if in.Cursor == nil {
		return "", fmt.Errorf("round_robin 缺少游标")
	}
	idx, err := in.Cursor.Next(ctx, len(in.Pool))
	if err != nil {
		return "", err
	}
	return in.Pool[idx], nil
}

// Hash 对实体 ID 做稳定哈希，同一实体总是分给同一人
func Hash(_ context.Context, in StrategyInput) (string, error) {
	if len(in.Pool) == 0 {
		return "", nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(in.EntityID))
	return in.Pool[int(h.Sum32()%uint32(len(in.Pool)))], nil
}

// LeastLoaded 选择运行中实例最少的候选人，相同负载按池内顺序
func LeastLoaded(ctx context.Context, in StrategyInput) (string, error) {
	if len(in.Pool) == 0 {
		return "", nil
	}
	if in.Loads == nil {
		return "", ErrNoLoadProvider
	}
	counts, err := in.Loads.LiveCounts(ctx, in.TenantID, in.Pool)
	if err != nil {
		return "", fmt.Errorf("查询负载失败: %w", err)
	}

	best := in.Pool[0]
	bestLoad := counts[best]
	for _, candidate := range in.Pool[1:] {
		if load := counts[candidate]; load < bestLoad {
			best, bestLoad = candidate, load
		}
	}
	return best, nil
}
