package api

import (
	"context"
	"net/http"
	"time"

	"complianceflow/internal/metrics"
	"complianceflow/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger 依赖健康检查
type Pinger func(ctx context.Context) error

// SlaSweeper 手动触发巡检
type SlaSweeper interface {
	SweepSla(ctx context.Context, tenantID string) (workflow.SweepResult, error)
}

// OpsDeps 运维端点依赖
type OpsDeps struct {
	Logger  *zap.Logger
	Checks  map[string]Pinger
	Sweeper SlaSweeper
}

// ReadinessResponse 就绪检查响应
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// SetupOpsRouter 健康检查、指标与巡检触发（不承载工作流业务 API）
func SetupOpsRouter(deps OpsDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(TenantHeader())
	router.Use(RequestLogger(logger))
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(deps.Checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Sweeper != nil {
		router.POST("/ops/sla/sweep", TriggerSweep(deps.Sweeper))
	}
	return router
}

// HealthCheck 存活检查
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "complianceflow",
		})
	}
}

// ReadinessCheck 依次检查数据库、Redis 等依赖
func ReadinessCheck(checks map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				resp.Status = "not_ready"
				resp.Checks[name] = err.Error()
				continue
			}
			resp.Checks[name] = "ok"
		}

		status := http.StatusOK
		if resp.Status != "ready" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	}
}

// TriggerSweep 立即执行一次 SLA 巡检，?tenant_id= 或 X-Tenant-ID 限定租户
func TriggerSweep(sweeper SlaSweeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := sweeper.SweepSla(c.Request.Context(), c.Query("tenant_id"))
		if err != nil {
			status := http.StatusInternalServerError
			if workflow.KindOf(err) == workflow.KindForbidden {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
