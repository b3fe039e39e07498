package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"complianceflow/internal/metrics"
	"complianceflow/internal/workflow/sla"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultSweepInterval 默认巡检间隔
const DefaultSweepInterval = 5 * time.Minute

// SlaSchedulerOptions 巡检配置
type SlaSchedulerOptions struct {
	Logger      *zap.Logger
	Clock       sla.Clock
	Publisher   EventPublisher
	SlaDefaults sla.Config
	BatchSize   int
	Interval    time.Duration
}

// SweepResult 单次巡检统计
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Escalated int `json:"escalated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// SlaScheduler 周期性重新计算 ACTIVE 实例的 SLA 状态
// 只持久化严重程度上升的变化，与用户操作并发时以 revision 条件更新为准
type SlaScheduler struct {
	templates   *TemplateStore
	instances   *InstanceStore
	logger      *zap.Logger
	clock       sla.Clock
	events      emitter
	slaDefaults sla.Config
	batchSize   int
	interval    time.Duration
	tracer      trace.Tracer

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSlaScheduler 创建巡检器
func NewSlaScheduler(templates *TemplateStore, instances *InstanceStore, opts SlaSchedulerOptions) *SlaScheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = sla.SystemClock
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultSweepBatchSize
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &SlaScheduler{
		templates:   templates,
		instances:   instances,
		logger:      logger,
		clock:       clock,
		events:      emitter{publisher: opts.Publisher, logger: logger, clock: clock},
		slaDefaults: opts.SlaDefaults.Normalize(),
		batchSize:   batch,
		interval:    interval,
		tracer:      otel.Tracer("complianceflow/internal/workflow"),
	}
}

// Sweep 巡检一遍 ACTIVE 实例，tenantID 为空表示全部租户
// 单个实例失败只记录日志并计数，不中断整个巡检
func (s *SlaScheduler) Sweep(ctx context.Context, tenantID string) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.sla_sweep")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	start := time.Now()
	defer func() {
		metrics.SlaSweepDuration.Observe(time.Since(start).Seconds())
	}()

	var result SweepResult
	now := s.clock()
	templates := make(map[string]*WorkflowTemplate)
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		page, err := s.instances.ListActiveForSweep(ctx, SweepQuery{TenantID: tenantID, AfterID: afterID, Limit: s.batchSize})
		if err != nil {
			recordSpanError(span, err)
			return result, err
		}
		if len(page) == 0 {
			break
		}

		for _, inst := range page {
			result.Scanned++
			escalated, err := s.evaluate(ctx, inst, now, templates)
			switch {
			case err == nil && escalated:
				result.Escalated++
				metrics.SlaSweepInstancesTotal.WithLabelValues("escalated").Inc()
			case err == nil:
				metrics.SlaSweepInstancesTotal.WithLabelValues("unchanged").Inc()
			case errors.Is(err, ErrStaleInstance):
				// 用户操作优先，下一轮再评估
				result.Skipped++
				metrics.SlaSweepInstancesTotal.WithLabelValues("skipped").Inc()
			default:
				result.Failed++
				metrics.SlaSweepInstancesTotal.WithLabelValues("failed").Inc()
				s.logger.Error("SLA 巡检实例失败",
					zap.String("tenant_id", inst.TenantID),
					zap.String("instance_id", inst.ID),
					zap.Error(err),
				)
			}
		}

		afterID = page[len(page)-1].ID
		if len(page) < s.batchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("scanned", result.Scanned),
		attribute.Int("escalated", result.Escalated),
		attribute.Int("failed", result.Failed),
	)
	if result.Escalated > 0 || result.Failed > 0 {
		s.logger.Info("SLA 巡检完成",
			zap.String("tenant_id", tenantID),
			zap.Int("scanned", result.Scanned),
			zap.Int("escalated", result.Escalated),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// evaluate 重新计算单个实例，仅在严重程度上升时写回
func (s *SlaScheduler) evaluate(ctx context.Context, inst *WorkflowInstance, now time.Time, cache map[string]*WorkflowTemplate) (bool, error) {
	key := fmt.Sprintf("%s@%d", inst.TemplateID, inst.TemplateVersion)
	tpl, ok := cache[key]
	if !ok {
		resolved, err := s.templates.ResolveForInstance(ctx, inst.TenantID, inst.TemplateID, inst.TemplateVersion)
		if err != nil {
			return false, err
		}
		cache[key] = resolved
		tpl = resolved
	}

	cfg := tpl.Definition.SlaConfig.Resolve(s.slaDefaults)
	res := sla.Evaluate(inst.StageEnteredAt, inst.StageSlaHours, inst.StagePausedDuration, now, cfg)
	if res.Status.Severity() <= inst.SlaStatus.Severity() {
		return false, nil
	}

	from := inst.SlaStatus
	updated := inst.clone()
	updated.SlaStatus = res.Status
	updated.DueDate = res.DueDate
	if res.Status.Breached() && updated.SlaBreachedAt == nil {
		updated.SlaBreachedAt = &now
	}
	updated.UpdatedAt = now

	if err := s.instances.UpdateCAS(ctx, updated, inst.Revision); err != nil {
		return false, err
	}
	metrics.SlaEscalationsTotal.WithLabelValues(string(from), string(res.Status)).Inc()

	s.events.emit(ctx, instanceEvent(EventInstanceSlaEscalated, updated, SystemActor("sla_scheduler"), map[string]any{
		"from":    from,
		"to":      res.Status,
		"stage":   updated.CurrentStage,
		"dueDate": updated.DueDate,
		"ownerId": updated.OwnerID,
	}))
	return true, nil
}

// Start 启动进程内定时巡检
func (s *SlaScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go func(stopCh, doneCh chan struct{}) {
		defer close(doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx, ""); err != nil && ctx.Err() == nil {
					s.logger.Error("SLA 巡检失败", zap.Error(err))
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}(s.stopCh, s.doneCh)

	s.logger.Info("SLA 定时巡检已启动", zap.Duration("interval", s.interval))
}

// Stop 停止定时巡检并等待当前巡检结束
func (s *SlaScheduler) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
