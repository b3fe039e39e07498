package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"complianceflow/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 领域事件名称
const (
	EventTemplatePublished      = "template.published"
	EventTemplateVersionCreated = "template.version_created"
	EventInstanceStarted        = "instance.started"
	EventInstanceAssigned       = "instance.assigned"
	EventInstanceTransitioned   = "instance.transitioned"
	EventInstanceCompleted      = "instance.completed"
	EventInstanceCancelled      = "instance.cancelled"
	EventInstancePaused         = "instance.paused"
	EventInstanceResumed        = "instance.resumed"
	EventInstanceSlaEscalated   = "instance.sla_escalated"
)

// ErrOutboxFull 出站缓冲区已满，事件被丢弃
var ErrOutboxFull = errors.New("事件出站缓冲区已满")

// ErrOutboxClosed 出站缓冲区已关闭
var ErrOutboxClosed = errors.New("事件出站缓冲区已关闭")

// Event 领域事件（审计、通知等下游消费）
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	TenantID   string         `json:"tenantId"`
	InstanceID string         `json:"instanceId,omitempty"`
	TemplateID string         `json:"templateId,omitempty"`
	ActorID    string         `json:"actorId,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventPublisher 事件发布器，fire-and-forget
// 引擎只记录发布错误，不因此失败或回滚
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventSink 事件最终投递目标
type EventSink interface {
	Deliver(ctx context.Context, event Event) error
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// ============================================================================
// Outbox 有界缓冲 + 后台投递
// ============================================================================

// OutboxConfig 出站缓冲配置
type OutboxConfig struct {
	BufferSize      int
	DeliveryTimeout time.Duration
}

// Outbox 将事件写入有界通道，由后台 goroutine 投递到 sink
// 缓冲区满时直接丢弃，发布方永不阻塞
type Outbox struct {
	sink    EventSink
	logger  *zap.Logger
	events  chan Event
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewOutbox 创建出站缓冲区，需调用 Run 开始投递
func NewOutbox(sink EventSink, logger *zap.Logger, cfg OutboxConfig) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1024
	}
	timeout := cfg.DeliveryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Outbox{
		sink:    sink,
		logger:  logger,
		events:  make(chan Event, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Publish 非阻塞入队
func (o *Outbox) Publish(_ context.Context, event Event) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrOutboxClosed
	}

	select {
	case o.events <- event:
		metrics.OutboxDepth.Inc()
		return nil
	default:
		metrics.EventsPublishedTotal.WithLabelValues(event.Name, "dropped").Inc()
		return ErrOutboxFull
	}
}

// Run 投递循环，Close 后排空剩余事件再返回
func (o *Outbox) Run() {
	defer close(o.done)
	for event := range o.events {
		metrics.OutboxDepth.Dec()
		o.deliver(event)
	}
}

func (o *Outbox) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if err := o.sink.Deliver(ctx, event); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(event.Name, "failed").Inc()
		o.logger.Warn("事件投递失败",
			zap.String("event", event.Name),
			zap.String("event_id", event.ID),
			zap.String("instance_id", event.InstanceID),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.Name, "delivered").Inc()
}

// Close 停止接收新事件并等待投递完成
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink 仅记录日志的 sink
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Deliver(_ context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("工作流事件",
		zap.String("event", event.Name),
		zap.String("event_id", event.ID),
		zap.String("tenant_id", event.TenantID),
		zap.String("instance_id", event.InstanceID),
		zap.Any("payload", event.Payload),
	)
	return nil
}

// ============================================================================
// 引擎内部的发布辅助
// ============================================================================

// emitter 包装 EventPublisher，吞掉错误并记录日志
type emitter struct {
	publisher EventPublisher
	logger    *zap.Logger
	clock     func() time.Time
}

func (e emitter) emit(ctx context.Context, event Event) {
	if e.publisher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock()
	}

	// 发布方的 panic 同样不能影响已提交的状态
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsPublishedTotal.WithLabelValues(event.Name, "failed").Inc()
			e.logger.Error("事件发布 panic", zap.String("event", event.Name), zap.Any("panic", r))
		}
	}()

	if err := e.publisher.Publish(ctx, event); err != nil {
		if !errors.Is(err, ErrOutboxFull) {
			metrics.EventsPublishedTotal.WithLabelValues(event.Name, "failed").Inc()
		}
		e.logger.Warn("事件发布失败",
			zap.String("event", event.Name),
			zap.String("instance_id", event.InstanceID),
			zap.Error(err),
		)
	}
}

// instanceEvent 基于实例构建事件
func instanceEvent(name string, inst *WorkflowInstance, actor Actor, payload map[string]any) Event {
	return Event{
		Name:       name,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		TemplateID: inst.TemplateID,
		ActorID:    actor.ID,
		Payload:    payload,
	}
}
