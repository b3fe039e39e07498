package tasks

import "time"

// Task Types
const (
	TypeSlaSweep     = "workflow:sla_sweep"
	TypeDeliverEvent = "workflow:event"
)

// 队列名称
const (
	QueueSla     = "sla"
	QueueEvents  = "events"
	QueueDefault = "default"
)

// SlaSweepPayload SLA 巡检任务载荷，TenantID 为空表示全部租户
type SlaSweepPayload struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// DeliverEventPayload 领域事件投递载荷
type DeliverEventPayload struct {
	EventID    string         `json:"event_id"`
	Name       string         `json:"name"`
	TenantID   string         `json:"tenant_id"`
	InstanceID string         `json:"instance_id,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}
