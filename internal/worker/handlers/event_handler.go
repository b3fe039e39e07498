package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"complianceflow/internal/worker/tasks"
	"complianceflow/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// EventConsumer 下游事件消费方（审计、通知等适配器）
type EventConsumer interface {
	Consume(ctx context.Context, event workflow.Event) error
}

// LogConsumer 仅记录日志
type LogConsumer struct {
	Logger *zap.Logger
}

func (c LogConsumer) Consume(ctx context.Context, event workflow.Event) error {
	return workflow.LogSink{Logger: c.Logger}.Deliver(ctx, event)
}

type EventHandler struct {
	consumer EventConsumer
	logger   *zap.Logger
}

func NewEventHandler(consumer EventConsumer, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		consumer: consumer,
		logger:   logger,
	}
}

func (h *EventHandler) HandleDeliverEvent(ctx context.Context, t *asynq.Task) error {
	var p tasks.DeliverEventPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// 载荷损坏重试也无意义
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	event := workflow.Event{
		ID:         p.EventID,
		Name:       p.Name,
		TenantID:   p.TenantID,
		InstanceID: p.InstanceID,
		TemplateID: p.TemplateID,
		ActorID:    p.ActorID,
		OccurredAt: p.OccurredAt,
		Payload:    p.Payload,
	}
	if err := h.consumer.Consume(ctx, event); err != nil {
		h.logger.Warn("事件投递失败，等待重试",
			zap.String("event", p.Name),
			zap.String("event_id", p.EventID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
