package workflow

import (
	"context"
	"fmt"
	"time"

	"complianceflow/internal/assignment"
	"complianceflow/internal/tenant"
	"complianceflow/internal/workflow/sla"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServiceOptions 工作流引擎配置
type ServiceOptions struct {
	Logger    *zap.Logger
	Clock     sla.Clock
	Publisher EventPublisher
	// Router 为空时创建基于数据库游标的默认路由器
	Router            *assignment.Router
	SlaDefaults       sla.Config
	PublishMaxRetries int
	SweepBatchSize    int
	SweepInterval     time.Duration
}

// Service 工作流引擎对外操作（与传输层无关）
type Service struct {
	templates *TemplateStore
	instances *InstanceStore
	machine   *StateMachine
	scheduler *SlaScheduler
	router    *assignment.Router
	io        *TemplateIO
	logger    *zap.Logger
}

// NewService 组装模板存储、状态机、巡检器与分配路由
func NewService(db *gorm.DB, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = sla.SystemClock
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NopPublisher{}
	}

	instances := NewInstanceStore(db)
	router := opts.Router
	if router == nil {
		router = assignment.NewRouter(db, assignment.RouterOptions{Logger: logger.Named("assignment")})
	}
	router.SetLoadProvider(instances)

	templates := NewTemplateStore(db, TemplateStoreOptions{
		Logger:     logger.Named("templates"),
		Clock:      clock,
		Publisher:  publisher,
		MaxRetries: opts.PublishMaxRetries,
	})
	machine := NewStateMachine(templates, instances, StateMachineOptions{
		Logger:      logger.Named("instances"),
		Clock:       clock,
		Publisher:   publisher,
		Assigner:    router,
		SlaDefaults: opts.SlaDefaults,
	})
	scheduler := NewSlaScheduler(templates, instances, SlaSchedulerOptions{
		Logger:      logger.Named("sla"),
		Clock:       clock,
		Publisher:   publisher,
		SlaDefaults: opts.SlaDefaults,
		BatchSize:   opts.SweepBatchSize,
		Interval:    opts.SweepInterval,
	})

	return &Service{
		templates: templates,
		instances: instances,
		machine:   machine,
		scheduler: scheduler,
		router:    router,
		io:        NewTemplateIO(templates, logger.Named("io")),
		logger:    logger,
	}
}

// AutoMigrate 迁移工作流与分配相关的表
func AutoMigrate(db *gorm.DB) error {
	models := append(Models(), assignment.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("迁移工作流表失败: %w", err)
	}
	return nil
}

// Templates 模板存储
func (s *Service) Templates() *TemplateStore { return s.templates }

// Scheduler SLA 巡检器
func (s *Service) Scheduler() *SlaScheduler { return s.scheduler }

// Router 分配路由器
func (s *Service) Router() *assignment.Router { return s.router }

// IO 模板导入导出
func (s *Service) IO() *TemplateIO { return s.io }

// ============================================================================
// 模板
// ============================================================================

// CreateTemplate 创建模板草稿
func (s *Service) CreateTemplate(ctx context.Context, req CreateTemplateRequest) (*WorkflowTemplate, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	if req.CreatedBy == "" {
		req.CreatedBy = actorOr(ctx, Actor{}).ID
	}
	return s.templates.CreateDraft(ctx, req)
}

// PublishTemplate 发布模板（可能分叉新版本）
func (s *Service) PublishTemplate(ctx context.Context, req PublishTemplateRequest) (*PublishResult, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	req.Actor = actorOr(ctx, req.Actor)
	return s.templates.Publish(ctx, req)
}

// ImportTemplate 导入模板文件
func (s *Service) ImportTemplate(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	req.Actor = actorOr(ctx, req.Actor)
	return s.io.Import(ctx, req)
}

// ExportTemplate 导出模板版本
func (s *Service) ExportTemplate(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	return s.io.Export(ctx, req)
}

// ============================================================================
// 实例
// ============================================================================

// StartInstance 启动实例
func (s *Service) StartInstance(ctx context.Context, req StartInstanceRequest) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	req.Actor = actorOr(ctx, req.Actor)
	return s.machine.Start(ctx, req)
}

// TransitionInstance 阶段转换
func (s *Service) TransitionInstance(ctx context.Context, req TransitionRequest) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	req.Actor = actorOr(ctx, req.Actor)
	return s.machine.Transition(ctx, req)
}

// CancelInstance 取消实例（重复取消返回相同结果）
func (s *Service) CancelInstance(ctx context.Context, tenantID, instanceID, reason string, actor Actor) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.machine.Cancel(ctx, tenantID, instanceID, reason, actorOr(ctx, actor))
}

// PauseInstance 暂停实例
func (s *Service) PauseInstance(ctx context.Context, tenantID, instanceID string, actor Actor) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.machine.Pause(ctx, tenantID, instanceID, actorOr(ctx, actor))
}

// ResumeInstance 恢复实例
func (s *Service) ResumeInstance(ctx context.Context, tenantID, instanceID string, actor Actor) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.machine.Resume(ctx, tenantID, instanceID, actorOr(ctx, actor))
}

// ReassignInstance 手动变更负责人
func (s *Service) ReassignInstance(ctx context.Context, tenantID, instanceID, ownerID string, actor Actor) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.machine.Reassign(ctx, tenantID, instanceID, ownerID, actorOr(ctx, actor))
}

// GetInstance 获取实例
func (s *Service) GetInstance(ctx context.Context, tenantID, instanceID string) (*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.machine.Get(ctx, tenantID, instanceID)
}

// ListActiveInstancesForSweep 列出待巡检的 ACTIVE 实例，tenantID 为空表示全部租户
func (s *Service) ListActiveInstancesForSweep(ctx context.Context, tenantID string) ([]*WorkflowInstance, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var (
		all     []*WorkflowInstance
		afterID string
	)
	for {
		page, err := s.instances.ListActiveForSweep(ctx, SweepQuery{TenantID: tenantID, AfterID: afterID, Limit: s.scheduler.batchSize})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < s.scheduler.batchSize {
			return all, nil
		}
		afterID = page[len(page)-1].ID
	}
}

// SweepSla 立即执行一次 SLA 巡检，租户为空时巡检全部租户
func (s *Service) SweepSla(ctx context.Context, tenantID string) (SweepResult, error) {
	tenantID, err := resolveTenant(ctx, tenantID)
	if err != nil {
		return SweepResult{}, err
	}
	return s.scheduler.Sweep(ctx, tenantID)
}

// ============================================================================
// 分配
// ============================================================================

// RegisterAssignmentStrategy 注册分配策略
func (s *Service) RegisterAssignmentStrategy(key string, fn assignment.StrategyFunc) error {
	return s.router.RegisterStrategy(key, fn)
}

// AssignOwner 仅计算分配结果，不修改实例
func (s *Service) AssignOwner(ctx context.Context, req assignment.Request) (*assignment.Result, error) {
	tenantID, err := resolveTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	return s.router.Assign(ctx, req)
}

// resolveTenant 请求上下文中的租户优先；显式租户与之不一致时拒绝（系统管理员除外）
// 上下文无租户时（内部调用、定时任务）使用显式租户
func resolveTenant(ctx context.Context, tenantID string) (string, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok || tc.TenantID == "" {
		return tenantID, nil
	}
	if tenantID == "" || tenantID == tc.TenantID {
		return tc.TenantID, nil
	}
	if tc.IsSystemAdmin {
		return tenantID, nil
	}
	return "", newError(KindForbidden, "租户 %s 无权访问租户 %s 的数据", tc.TenantID, tenantID)
}

// actorOr 显式主体优先，其次取请求上下文
func actorOr(ctx context.Context, actor Actor) Actor {
	if actor.ID != "" || actor.IsSystem {
		return actor
	}
	if fromCtx, ok := ActorFromContext(ctx); ok {
		return fromCtx
	}
	return actor
}
