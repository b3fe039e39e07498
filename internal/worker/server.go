package worker

import (
	"context"
	"fmt"
	"time"

	"complianceflow/internal/infra/queue"
	"complianceflow/internal/worker/handlers"
	"complianceflow/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Options worker 配置
type Options struct {
	Concurrency int
	// SweepInterval 大于 0 时注册周期巡检任务
	SweepInterval time.Duration
}

type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

func NewServer(
	redisOpt asynq.RedisConnOpt,
	sweeper handlers.SlaSweeper,
	consumer handlers.EventConsumer,
	opts Options,
	logger *zap.Logger,
) (*Server, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueueSla:     6, // 巡检优先
			tasks.QueueEvents:  3,
			tasks.QueueDefault: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("任务执行失败",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeSlaSweep, handlers.NewSlaHandler(sweeper, logger).HandleSlaSweep)
	mux.HandleFunc(tasks.TypeDeliverEvent, handlers.NewEventHandler(consumer, logger).HandleDeliverEvent)

	s := &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}

	if opts.SweepInterval > 0 {
		s.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
		task, err := queue.NewSlaSweepTask("")
		if err != nil {
			return nil, err
		}
		// 多实例部署时同一周期只执行一次
		if _, err := s.scheduler.Register(fmt.Sprintf("@every %s", opts.SweepInterval), task, asynq.Unique(opts.SweepInterval)); err != nil {
			return nil, fmt.Errorf("注册 SLA 巡检周期任务失败: %w", err)
		}
	}
	return s, nil
}

// Handler 任务路由（测试中可直接调用）
func (s *Server) Handler() asynq.Handler {
	return s.mux
}

// Start 非阻塞启动 worker 与周期调度器
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("启动 worker 失败: %w", err)
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			s.server.Shutdown()
			return fmt.Errorf("启动周期调度器失败: %w", err)
		}
	}
	return nil
}

// Shutdown 停止调度器与 worker，等待进行中的任务完成
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	s.server.Shutdown()
}
