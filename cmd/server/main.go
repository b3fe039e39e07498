package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"complianceflow/api"
	"complianceflow/internal/assignment"
	"complianceflow/internal/config"
	"complianceflow/internal/infra"
	"complianceflow/internal/infra/queue"
	"complianceflow/internal/logger"
	"complianceflow/internal/metrics"
	"complianceflow/internal/worker"
	"complianceflow/internal/worker/handlers"
	"complianceflow/internal/workflow"
	"complianceflow/internal/workflow/sla"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app 运行期组件，关闭时按逆序释放
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	rdb      redis.UniversalClient
	queue    *queue.Client
	outbox   *workflow.Outbox
	service  *workflow.Service
	worker   *worker.Server
	server   *http.Server
	cancelBg context.CancelFunc
}

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.Init(cfg.Log)
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log.Info("应用启动中...",
		zap.String("env", env),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("sla_sweep_mode", cfg.Workflow.SlaSweep.Mode),
	)

	a, err := bootstrap(cfg, log)
	if err != nil {
		log.Fatal("初始化失败", zap.Error(err))
	}

	// 9. 优雅关闭
	gracefulShutdown(a)
}

// bootstrap 按依赖顺序组装数据库、Redis、事件出站、引擎、巡检与运维端点
func bootstrap(cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancelBg = cancel

	// 3. 数据库
	db, err := infra.OpenDatabase(&cfg.Database, log.Named("db"))
	if err != nil {
		return nil, err
	}
	a.db = db

	// 4. 执行数据库迁移（根据配置）
	if cfg.Database.AutoMigrate {
		if err := workflow.AutoMigrate(db); err != nil {
			return nil, err
		}
		log.Info("核心表迁移完成")
	} else {
		log.Info("跳过自动迁移（配置已禁用）")
	}

	// 5. Redis / 任务队列
	if cfg.Redis.Enabled {
		rdb, err := infra.OpenRedis(&cfg.Redis, log.Named("redis"))
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.queue = queue.NewClient(cfg.Redis)
	}

	// 6. 事件出站
	var sink workflow.EventSink = workflow.LogSink{Logger: log.Named("events")}
	if cfg.Workflow.Outbox.Sink == "queue" {
		sink = queue.NewQueueSink(a.queue)
	}
	a.outbox = workflow.NewOutbox(sink, log.Named("outbox"), workflow.OutboxConfig{
		BufferSize:      cfg.Workflow.Outbox.BufferSize,
		DeliveryTimeout: cfg.Workflow.Outbox.DeliveryTimeout,
	})
	go a.outbox.Run()

	// 7. 分配路由与引擎
	var cursors assignment.CursorStore = assignment.NewGormCursorStore(db)
	if cfg.Assignment.CursorBackend == "redis" {
		cursors = assignment.NewRedisCursorStore(a.rdb, cfg.Assignment.CursorPrefix)
	}
	router := assignment.NewRouter(db, assignment.RouterOptions{
		Logger:       log.Named("assignment"),
		Cursors:      cursors,
		DefaultPool:  cfg.Assignment.DefaultPool,
		DefaultPools: cfg.Assignment.DefaultPools,
	})

	a.service = workflow.NewService(db, workflow.ServiceOptions{
		Logger:    log.Named("workflow"),
		Publisher: a.outbox,
		Router:    router,
		SlaDefaults: sla.Config{
			WarningThresholdPct:    cfg.Workflow.Sla.WarningThresholdPct,
			CriticalThresholdHours: cfg.Workflow.Sla.CriticalThresholdHours,
		},
		PublishMaxRetries: cfg.Workflow.PublishMaxRetries,
		SweepBatchSize:    cfg.Workflow.SlaSweep.BatchSize,
		SweepInterval:     cfg.Workflow.SlaSweep.Interval,
	})

	if cfg.Workflow.SeedDir != "" {
		result, err := a.service.IO().LoadDir(bgCtx, cfg.Workflow.SeedTenant, cfg.Workflow.SeedDir)
		if err != nil {
			log.Warn("加载模板种子失败", zap.String("dir", cfg.Workflow.SeedDir), zap.Error(err))
		} else {
			log.Info("模板种子加载完成",
				zap.Int("imported", result.Imported),
				zap.Int("skipped", result.Skipped),
			)
		}
	}

	// 8. SLA 巡检
	switch cfg.Workflow.SlaSweep.Mode {
	case "queue":
		consumer := handlers.LogConsumer{Logger: log.Named("events")}
		srv, err := worker.NewServer(queue.RedisConnOpt(cfg.Redis), a.service, consumer, worker.Options{
			Concurrency:   cfg.Workflow.SlaSweep.Concurrency,
			SweepInterval: cfg.Workflow.SlaSweep.Interval,
		}, log.Named("worker"))
		if err != nil {
			return nil, err
		}
		if err := srv.Start(); err != nil {
			return nil, err
		}
		a.worker = srv
	default:
		a.service.Scheduler().Start(bgCtx)
	}

	if sqlDB, err := db.DB(); err == nil {
		go metrics.NewSystemCollector(sqlDB, 15*time.Second).Run(bgCtx)
	}

	// 运维 HTTP 服务（健康检查 / 指标）
	gin.SetMode(cfg.Server.Mode)
	checks := map[string]api.Pinger{
		"database": func(ctx context.Context) error { return infra.PingDatabase(ctx, db) },
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return infra.PingRedis(ctx, a.rdb) }
	}
	a.server = &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.SetupOpsRouter(api.OpsDeps{
			Logger:  log.Named("http"),
			Checks:  checks,
			Sweeper: a.service,
		}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		log.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	return a, nil
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	}
}

// resolveEnvPath 从当前工作目录、可执行文件目录向上查找 .env
func resolveEnvPath() string {
	for _, path := range collectEnvCandidates() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func collectEnvCandidates() []string {
	seen := make(map[string]struct{})
	var candidates []string
	add := func(path string) {
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		candidates = append(candidates, path)
	}

	traverse := func(start string) {
		dir := filepath.Clean(start)
		for i := 0; i < 4; i++ {
			if dir == "" || dir == string(filepath.Separator) || dir == "." {
				break
			}
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if wd, err := os.Getwd(); err == nil {
		traverse(wd)
	}
	if exe, err := os.Executable(); err == nil {
		traverse(filepath.Dir(exe))
	}
	return candidates
}

// gracefulShutdown 等待信号后依次关闭 HTTP、巡检、出站与存储
func gracefulShutdown(a *app) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Error("服务器关闭异常", zap.Error(err))
	}

	a.service.Scheduler().Stop()
	if a.worker != nil {
		a.worker.Shutdown()
	}
	a.cancelBg()

	// 先排空出站缓冲，再关闭队列连接
	if err := a.outbox.Close(ctx); err != nil {
		a.log.Warn("事件出站未完全排空", zap.Error(err))
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Error("任务队列关闭异常", zap.Error(err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("Redis 关闭异常", zap.Error(err))
		}
	}
	if err := infra.CloseDatabase(a.db); err != nil {
		a.log.Error("数据库关闭异常", zap.Error(err))
	}

	a.log.Info("服务器已安全关闭")
}
