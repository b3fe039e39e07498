package workflow

import (
	"context"
	"strings"
	"time"

	"complianceflow/internal/assignment"
	"complianceflow/internal/metrics"
	"complianceflow/internal/workflow/sla"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Assigner 负责人分配（通常为 *assignment.Router）
type Assigner interface {
	Assign(ctx context.Context, req assignment.Request) (*assignment.Result, error)
}

// StateMachineOptions 状态机配置
type StateMachineOptions struct {
	Logger      *zap.Logger
	Clock       sla.Clock
	Publisher   EventPublisher
	Assigner    Assigner
	SlaDefaults sla.Config
}

// StateMachine 实例生命周期：ACTIVE ⇄ PAUSED，ACTIVE → COMPLETED，ACTIVE/PAUSED → CANCELLED
// 所有修改均为 读取 → 修改 → revision 条件更新，不阻塞、不自动重试
type StateMachine struct {
	templates   *TemplateStore
	instances   *InstanceStore
	validator   *TransitionValidator
	assigner    Assigner
	logger      *zap.Logger
	clock       sla.Clock
	events      emitter
	slaDefaults sla.Config
	tracer      trace.Tracer
}

// NewStateMachine 创建状态机
func NewStateMachine(templates *TemplateStore, instances *InstanceStore, opts StateMachineOptions) *StateMachine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = sla.SystemClock
	}
	return &StateMachine{
		templates:   templates,
		instances:   instances,
		validator:   NewTransitionValidator(),
		assigner:    opts.Assigner,
		logger:      logger,
		clock:       clock,
		events:      emitter{publisher: opts.Publisher, logger: logger, clock: clock},
		slaDefaults: opts.SlaDefaults.Normalize(),
		tracer:      otel.Tracer("complianceflow/internal/workflow"),
	}
}

// StartInstanceRequest 启动实例请求
type StartInstanceRequest struct {
	TenantID string `json:"tenantId"`
	// TemplateID 为空时使用该实体类型的默认模板
	TemplateID string     `json:"templateId,omitempty"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Actor      Actor      `json:"-"`
	// OwnerID 显式指定负责人时跳过分配路由
	OwnerID    string         `json:"ownerId,omitempty"`
	Category   string         `json:"category,omitempty"`
	LocationID string         `json:"locationId,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// TransitionRequest 阶段转换请求
type TransitionRequest struct {
	TenantID   string         `json:"tenantId"`
	InstanceID string         `json:"instanceId"`
	ToStage    string         `json:"toStage"`
	Actor      Actor          `json:"-"`
	Context    map[string]any `json:"context,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	// ExpectedRevision 调用方读取时的 revision，不一致直接返回 STALE_INSTANCE
	ExpectedRevision *int64 `json:"expectedRevision,omitempty"`
}

// ============================================================================
// 启动
// ============================================================================

// Start 为实体启动工作流实例
func (m *StateMachine) Start(ctx context.Context, req StartInstanceRequest) (*WorkflowInstance, error) {
	ctx, span := m.startSpan(ctx, "workflow.start",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("entity_type", string(req.EntityType)),
		attribute.String("entity_id", req.EntityID),
	)
	defer span.End()

	var inst *WorkflowInstance
	err := metrics.RecordOperation("start", func() error {
		var err error
		inst, err = m.start(ctx, req)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("instance_id", inst.ID))
	return inst, nil
}

func (m *StateMachine) start(ctx context.Context, req StartInstanceRequest) (*WorkflowInstance, error) {
	if strings.TrimSpace(req.EntityID) == "" || req.EntityType == "" {
		return nil, newError(KindNotFound, "必须指定实体类型和实体 ID")
	}

	tpl, err := m.resolveStartTemplate(ctx, req)
	if err != nil {
		return nil, err
	}
	graph, err := m.templates.Graph(tpl)
	if err != nil {
		return nil, err
	}

	existing, err := m.instances.FindLive(ctx, req.TenantID, req.EntityType, req.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, newError(KindDuplicateInstance, "%s/%s 已存在运行中实例 %s", req.EntityType, req.EntityID, existing.ID)
	}

	now := m.clock()
	def := graph.Definition
	initial := def.InitialStage
	slaHours := def.SlaHoursFor(initial)
	result := sla.Evaluate(now, slaHours, 0, now, def.SlaConfig.Resolve(m.slaDefaults))

	inst := &WorkflowInstance{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		LiveKey:         liveKey(req.TenantID, req.EntityType, req.EntityID),
		CurrentStage:    initial,
		Status:          StatusActive,
		StepStates: map[string]StepState{
			initial: {EnteredAt: now, ActorID: req.Actor.ID, Visits: 1},
		},
		StageEnteredAt: now,
		StageSlaHours:  slaHours,
		DueDate:        result.DueDate,
		SlaStatus:      result.Status,
		StartedBy:      req.Actor.ID,
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var assigned *assignment.Result
	switch {
	case req.OwnerID != "":
		inst.OwnerID = req.OwnerID
	case m.assigner != nil:
		assigned, err = m.assigner.Assign(ctx, assignment.Request{
			TenantID:   req.TenantID,
			EntityType: string(req.EntityType),
			EntityID:   req.EntityID,
			Category:   req.Category,
			LocationID: req.LocationID,
			Context:    req.Context,
		})
		if err != nil {
			m.logger.Warn("分配负责人失败，实例以未分配状态启动",
				zap.String("tenant_id", req.TenantID),
				zap.String("entity_id", req.EntityID),
				zap.Error(err),
			)
		} else if assigned.Assigned() {
			inst.OwnerID = assigned.OwnerID
		}
	}

	if err := m.instances.Create(ctx, inst); err != nil {
		return nil, err
	}
	metrics.InstancesStartedTotal.WithLabelValues(string(inst.EntityType)).Inc()

	m.events.emit(ctx, instanceEvent(EventInstanceStarted, inst, req.Actor, map[string]any{
		"entityType":      inst.EntityType,
		"entityId":        inst.EntityID,
		"templateVersion": inst.TemplateVersion,
		"stage":           inst.CurrentStage,
		"dueDate":         inst.DueDate,
	}))
	if inst.OwnerID != "" {
		payload := map[string]any{"ownerId": inst.OwnerID}
		if assigned != nil {
			payload["ruleId"] = assigned.RuleID
			payload["strategy"] = assigned.Strategy
			payload["source"] = assigned.Source
		}
		m.events.emit(ctx, instanceEvent(EventInstanceAssigned, inst, req.Actor, payload))
	}

	m.logger.Info("工作流实例已启动",
		zap.String("tenant_id", inst.TenantID),
		zap.String("instance_id", inst.ID),
		zap.String("template_id", inst.TemplateID),
		zap.Int("template_version", inst.TemplateVersion),
		zap.String("owner_id", inst.OwnerID),
	)
	return inst, nil
}

func (m *StateMachine) resolveStartTemplate(ctx context.Context, req StartInstanceRequest) (*WorkflowTemplate, error) {
	if req.TemplateID == "" {
		return m.templates.ResolveDefault(ctx, req.TenantID, req.EntityType)
	}
	tpl, err := m.templates.Get(ctx, req.TenantID, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive || tpl.EntityType != req.EntityType {
		return nil, newError(KindNotFound, "模板 %s 未发布或实体类型不匹配", req.TemplateID)
	}
	return tpl, nil
}

// ============================================================================
// 转换
// ============================================================================

// Transition 执行阶段转换
func (m *StateMachine) Transition(ctx context.Context, req TransitionRequest) (*WorkflowInstance, error) {
	ctx, span := m.startSpan(ctx, "workflow.transition",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("instance_id", req.InstanceID),
		attribute.String("to_stage", req.ToStage),
	)
	defer span.End()

	var inst *WorkflowInstance
	err := metrics.RecordOperation("transition", func() error {
		var err error
		inst, err = m.transition(ctx, req)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return inst, nil
}

func (m *StateMachine) transition(ctx context.Context, req TransitionRequest) (*WorkflowInstance, error) {
	current, err := m.instances.Get(ctx, req.TenantID, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, newError(KindAlreadyTerminal, "实例 %s 已结束（%s）", current.ID, current.Status)
	}
	if current.Status == StatusPaused {
		return nil, newError(KindIllegalTransition, "实例 %s 已暂停，恢复后才能转换", current.ID)
	}
	if req.ExpectedRevision != nil && *req.ExpectedRevision != current.Revision {
		return nil, newError(KindStaleInstance, "实例 %s 的 revision 为 %d，期望 %d", current.ID, current.Revision, *req.ExpectedRevision)
	}

	tpl, err := m.templates.ResolveForInstance(ctx, current.TenantID, current.TemplateID, current.TemplateVersion)
	if err != nil {
		return nil, err
	}
	graph, err := m.templates.Graph(tpl)
	if err != nil {
		return nil, err
	}

	vars := conditionVars(req.Context, current, req.ToStage, req.Actor)
	edge, err := m.validator.Check(graph, current.CurrentStage, req.ToStage, req.Actor, vars)
	if err != nil {
		return nil, err
	}
	target, _ := graph.Stage(req.ToStage)

	now := m.clock()
	inst := current.clone()
	from := inst.CurrentStage

	exited := inst.StepStates[from]
	exited.ExitedAt = &now
	inst.StepStates[from] = exited

	entered := inst.StepStates[req.ToStage]
	entered.EnteredAt = now
	entered.ExitedAt = nil
	entered.ActorID = req.Actor.ID
	entered.Visits++
	inst.StepStates[req.ToStage] = entered

	inst.PreviousStage = from
	inst.CurrentStage = req.ToStage

	// 新阶段重新开始计时
	inst.StageEnteredAt = now
	inst.StageSlaHours = graph.Definition.SlaHoursFor(req.ToStage)
	inst.StagePausedDuration = 0
	result := sla.Evaluate(now, inst.StageSlaHours, 0, now, graph.Definition.SlaConfig.Resolve(m.slaDefaults))
	inst.DueDate = result.DueDate
	inst.SlaStatus = result.Status
	inst.UpdatedAt = now

	if target.IsTerminal {
		inst.Status = StatusCompleted
		inst.CompletedAt = &now
		inst.LiveKey = nil
		inst.Outcome = req.Outcome
		if inst.Outcome == "" {
			if outcome, ok := req.Context["outcome"].(string); ok {
				inst.Outcome = outcome
			}
		}
	}

	if err := m.instances.UpdateCAS(ctx, inst, current.Revision); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"from":     from,
		"to":       inst.CurrentStage,
		"label":    edge.Label,
		"revision": inst.Revision,
		"dueDate":  inst.DueDate,
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}
	m.events.emit(ctx, instanceEvent(EventInstanceTransitioned, inst, req.Actor, payload))
	if inst.Status == StatusCompleted {
		m.events.emit(ctx, instanceEvent(EventInstanceCompleted, inst, req.Actor, map[string]any{
			"stage":   inst.CurrentStage,
			"outcome": inst.Outcome,
		}))
	}

	m.logger.Info("工作流实例已转换",
		zap.String("tenant_id", inst.TenantID),
		zap.String("instance_id", inst.ID),
		zap.String("from", from),
		zap.String("to", inst.CurrentStage),
		zap.String("status", string(inst.Status)),
		zap.Int64("revision", inst.Revision),
	)
	return inst, nil
}

// ============================================================================
// 取消 / 暂停 / 恢复
// ============================================================================

// Cancel 取消实例；已取消的实例直接返回当前状态，已完成的实例返回 ALREADY_TERMINAL
func (m *StateMachine) Cancel(ctx context.Context, tenantID, instanceID, reason string, actor Actor) (*WorkflowInstance, error) {
	return m.mutate(ctx, "cancel", tenantID, instanceID, actor, func(inst *WorkflowInstance, now time.Time) (string, map[string]any, error) {
		switch inst.Status {
		case StatusCancelled:
			return "", nil, nil
		case StatusCompleted:
			return "", nil, newError(KindAlreadyTerminal, "实例 %s 已完成，不能取消", inst.ID)
		}

		if inst.Status == StatusPaused {
			m.accruePause(inst, now)
		}
		inst.Status = StatusCancelled
		inst.CancelledAt = &now
		inst.CancelReason = reason
		inst.LiveKey = nil

		step := inst.StepStates[inst.CurrentStage]
		step.ExitedAt = &now
		inst.StepStates[inst.CurrentStage] = step

		return EventInstanceCancelled, map[string]any{"reason": reason, "stage": inst.CurrentStage}, nil
	})
}

// Pause 暂停实例，SLA 计时冻结；已暂停时为空操作
func (m *StateMachine) Pause(ctx context.Context, tenantID, instanceID string, actor Actor) (*WorkflowInstance, error) {
	return m.mutate(ctx, "pause", tenantID, instanceID, actor, func(inst *WorkflowInstance, now time.Time) (string, map[string]any, error) {
		switch {
		case inst.Status.IsTerminal():
			return "", nil, newError(KindAlreadyTerminal, "实例 %s 已结束（%s）", inst.ID, inst.Status)
		case inst.Status == StatusPaused:
			return "", nil, nil
		}

		inst.Status = StatusPaused
		inst.PausedAt = &now
		return EventInstancePaused, map[string]any{"stage": inst.CurrentStage}, nil
	})
}

// Resume 恢复实例，暂停时长计入累计值并顺延截止时间；未暂停时为空操作
func (m *StateMachine) Resume(ctx context.Context, tenantID, instanceID string, actor Actor) (*WorkflowInstance, error) {
	return m.mutate(ctx, "resume", tenantID, instanceID, actor, func(inst *WorkflowInstance, now time.Time) (string, map[string]any, error) {
		switch {
		case inst.Status.IsTerminal():
			return "", nil, newError(KindAlreadyTerminal, "实例 %s 已结束（%s）", inst.ID, inst.Status)
		case inst.Status == StatusActive:
			return "", nil, nil
		}

		paused := m.accruePause(inst, now)
		inst.Status = StatusActive

		tpl, err := m.templates.ResolveForInstance(ctx, inst.TenantID, inst.TemplateID, inst.TemplateVersion)
		if err != nil {
			return "", nil, err
		}
		result := sla.Evaluate(inst.StageEnteredAt, inst.StageSlaHours, inst.StagePausedDuration, now, tpl.Definition.SlaConfig.Resolve(m.slaDefaults))
		inst.DueDate = result.DueDate
		inst.SlaStatus = result.Status

		return EventInstanceResumed, map[string]any{
			"pausedSeconds": paused.Seconds(),
			"dueDate":       inst.DueDate,
		}, nil
	})
}

// Reassign 变更负责人
func (m *StateMachine) Reassign(ctx context.Context, tenantID, instanceID, ownerID string, actor Actor) (*WorkflowInstance, error) {
	return m.mutate(ctx, "reassign", tenantID, instanceID, actor, func(inst *WorkflowInstance, _ time.Time) (string, map[string]any, error) {
		if inst.Status.IsTerminal() {
			return "", nil, newError(KindAlreadyTerminal, "实例 %s 已结束（%s）", inst.ID, inst.Status)
		}
		if inst.OwnerID == ownerID {
			return "", nil, nil
		}
		previous := inst.OwnerID
		inst.OwnerID = ownerID
		return EventInstanceAssigned, map[string]any{"ownerId": ownerID, "previousOwnerId": previous, "source": "manual"}, nil
	})
}

// Get 获取实例
func (m *StateMachine) Get(ctx context.Context, tenantID, instanceID string) (*WorkflowInstance, error) {
	return m.instances.Get(ctx, tenantID, instanceID)
}

// mutateFunc 修改克隆后的实例；返回空事件名表示无需写入
type mutateFunc func(inst *WorkflowInstance, now time.Time) (event string, payload map[string]any, err error)

// mutate 读取 → 修改 → 条件更新 → 发布事件
func (m *StateMachine) mutate(ctx context.Context, operation, tenantID, instanceID string, actor Actor, fn mutateFunc) (*WorkflowInstance, error) {
	ctx, span := m.startSpan(ctx, "workflow."+operation,
		attribute.String("tenant_id", tenantID),
		attribute.String("instance_id", instanceID),
	)
	defer span.End()

	var out *WorkflowInstance
	err := metrics.RecordOperation(operation, func() error {
		current, err := m.instances.Get(ctx, tenantID, instanceID)
		if err != nil {
			return err
		}

		now := m.clock()
		inst := current.clone()
		event, payload, err := fn(inst, now)
		if err != nil {
			return err
		}
		if event == "" {
			out = current
			return nil
		}

		inst.UpdatedAt = now
		if err := m.instances.UpdateCAS(ctx, inst, current.Revision); err != nil {
			return err
		}
		m.events.emit(ctx, instanceEvent(event, inst, actor, payload))

		m.logger.Info("工作流实例状态变更",
			zap.String("operation", operation),
			zap.String("tenant_id", inst.TenantID),
			zap.String("instance_id", inst.ID),
			zap.String("status", string(inst.Status)),
			zap.Int64("revision", inst.Revision),
		)
		out = inst
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return out, nil
}

// accruePause 结束当前暂停区间，返回本次暂停时长
func (m *StateMachine) accruePause(inst *WorkflowInstance, now time.Time) time.Duration {
	if inst.PausedAt == nil {
		return 0
	}
	paused := now.Sub(*inst.PausedAt)
	if paused < 0 {
		paused = 0
	}
	inst.PausedDurationTotal += paused
	inst.StagePausedDuration += paused
	inst.PausedAt = nil
	return paused
}

func (m *StateMachine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	kind := KindOf(err)
	if kind != "" {
		span.SetAttributes(attribute.String("error_kind", string(kind)))
	}
	span.SetStatus(codes.Error, err.Error())
}
