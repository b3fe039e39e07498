package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SystemCollector 系统指标收集器
type SystemCollector struct {
	db       *sql.DB
	interval time.Duration
}

// NewSystemCollector 创建系统指标收集器，调用 Run 后开始收集
func NewSystemCollector(db *sql.DB, interval time.Duration) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{db: db, interval: interval}
}

// Run 定期收集，直到 ctx 结束
func (c *SystemCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce()
		}
	}
}

// collectOnce 收集一次系统指标
func (c *SystemCollector) collectOnce() {
	if c.db != nil {
		stats := c.db.Stats()
		DBConnections.WithLabelValues("open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
		DBConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goMemoryUsage.Set(float64(m.Alloc))
	goGoroutines.Set(float64(runtime.NumGoroutine()))
}

// Go 运行时指标
var (
	goMemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_go_memory_usage_bytes",
			Help: "当前 Go 内存使用量",
		},
	)

	goGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_go_goroutines",
			Help: "当前 Goroutine 数量",
		},
	)
)

// RecordOperation 记录实例操作的耗时与结果
func RecordOperation(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	InstanceOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "failed"
	}
	InstanceOperationsTotal.WithLabelValues(operation, result).Inc()
	return err
}
