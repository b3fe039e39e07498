package api

import (
	"strings"
	"time"

	"complianceflow/internal/logger"
	"complianceflow/internal/tenant"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTP 头常量
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
)

// RequestID 请求 ID 中间件
// 支持上游传递，缺省时生成；TraceID 缺省时与 RequestID 相同
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = requestID
		}

		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)
		c.Next()
	}
}

// TenantHeader 将网关透传的租户头注入 tenant.TenantContext
// 运维端点无鉴权层，缺少租户头时不注入（表示全部租户）
func TenantHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.GetHeader(HeaderTenantID))
		if tenantID == "" {
			c.Next()
			return
		}

		ctx := tenant.WithTenantContext(c.Request.Context(), tenant.TenantContext{
			TenantID: tenantID,
			UserID:   strings.TrimSpace(c.GetHeader(HeaderUserID)),
		})
		ctx = logger.WithTenantID(ctx, tenantID)
		c.Set("tenant_id", tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.WithContext(c.Request.Context(), base).Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
