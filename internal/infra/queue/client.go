package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"complianceflow/internal/config"
	"complianceflow/internal/worker/tasks"
	"complianceflow/internal/workflow"

	"github.com/hibiken/asynq"
)

// Enqueuer asynq.Client 的最小子集，便于测试替换
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client 任务队列客户端
type Client struct {
	enqueuer Enqueuer
}

// RedisConnOpt 从配置构建 asynq 连接参数
func RedisConnOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
			PoolSize:         cfg.PoolSize,
		}
	case "cluster":
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}
	default:
		return asynq.RedisClientOpt{
			Addr:     cfg.Addr(),
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}
	}
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) *Client {
	return &Client{enqueuer: asynq.NewClient(RedisConnOpt(cfg))}
}

// NewClientWith 使用已有的 Enqueuer
func NewClientWith(enqueuer Enqueuer) *Client {
	return &Client{enqueuer: enqueuer}
}

// EnqueueDeliverEvent 投递领域事件，事件 ID 作为任务 ID 去重
func (c *Client) EnqueueDeliverEvent(ctx context.Context, event workflow.Event) error {
	payload, err := json.Marshal(tasks.DeliverEventPayload{
		EventID:    event.ID,
		Name:       event.Name,
		TenantID:   event.TenantID,
		InstanceID: event.InstanceID,
		TemplateID: event.TemplateID,
		ActorID:    event.ActorID,
		OccurredAt: event.OccurredAt,
		Payload:    event.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(5),
		asynq.Timeout(30 * time.Second),
		asynq.Queue(tasks.QueueEvents),
		asynq.Retention(24 * time.Hour),
	}
	if event.ID != "" {
		opts = append(opts, asynq.TaskID(event.ID))
	}

	task := asynq.NewTask(tasks.TypeDeliverEvent, payload)
	if _, err := c.enqueuer.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

// EnqueueSlaSweep 手动触发一次 SLA 巡检（同一租户在 unique 窗口内只入队一次）
func (c *Client) EnqueueSlaSweep(ctx context.Context, tenantID string, unique time.Duration) error {
	task, err := NewSlaSweepTask(tenantID)
	if err != nil {
		return err
	}
	if unique <= 0 {
		unique = time.Minute
	}
	if _, err := c.enqueuer.EnqueueContext(ctx, task, asynq.Unique(unique)); err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

// NewSlaSweepTask 构建巡检任务（周期调度与手动触发共用）
func NewSlaSweepTask(tenantID string) (*asynq.Task, error) {
	payload, err := json.Marshal(tasks.SlaSweepPayload{TenantID: tenantID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	// 巡检本身幂等，失败交给下一轮
	return asynq.NewTask(tasks.TypeSlaSweep, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(tasks.QueueSla),
	), nil
}

func (c *Client) Close() error {
	return c.enqueuer.Close()
}

// QueueSink 将事件写入 asynq 队列，由 worker 异步投递给下游
type QueueSink struct {
	client *Client
}

// NewQueueSink 创建队列 sink
func NewQueueSink(client *Client) *QueueSink {
	return &QueueSink{client: client}
}

// Deliver 实现 workflow.EventSink
func (s *QueueSink) Deliver(ctx context.Context, event workflow.Event) error {
	return s.client.EnqueueDeliverEvent(ctx, event)
}
