package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 运维 HTTP 指标
var (
	// HTTPRequestsTotal 运维端点请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_http_requests_total",
			Help: "运维端点请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration 运维端点请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_http_request_duration_seconds",
			Help:    "运维端点请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 工作流实例指标
var (
	// InstancesStartedTotal 启动的实例总数
	InstancesStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_workflow_instances_started_total",
			Help: "启动的工作流实例总数",
		},
		[]string{"entity_type"},
	)

	// InstanceOperationsTotal 实例操作总数（按操作与结果）
	InstanceOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_workflow_instance_operations_total",
			Help: "工作流实例操作总数",
		},
		[]string{"operation", "result"},
	)

	// InstanceOperationDuration 实例操作耗时（秒）
	InstanceOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "complianceflow_workflow_instance_operation_duration_seconds",
			Help:    "工作流实例操作耗时分布",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	// TemplatePublishesTotal 模板发布总数
	TemplatePublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_workflow_template_publishes_total",
			Help: "模板发布总数",
		},
		[]string{"result"}, // in_place, forked, failed
	)
)

// SLA 指标
var (
	// SlaEscalationsTotal SLA 升级总数
	SlaEscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_sla_escalations_total",
			Help: "SLA 状态升级总数",
		},
		[]string{"from", "to"},
	)

	// SlaSweepDuration 单次巡检耗时（秒）
	SlaSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "complianceflow_sla_sweep_duration_seconds",
			Help:    "SLA 巡检耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	// SlaSweepInstancesTotal 巡检处理的实例数（按结果）
	SlaSweepInstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_sla_sweep_instances_total",
			Help: "SLA 巡检处理的实例数",
		},
		[]string{"result"}, // escalated, unchanged, skipped, failed
	)
)

// 事件与分配指标
var (
	// EventsPublishedTotal 事件发布结果
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_events_published_total",
			Help: "领域事件发布总数",
		},
		[]string{"event", "result"}, // delivered, dropped, failed
	)

	// OutboxDepth 出站缓冲区当前长度
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "complianceflow_event_outbox_depth",
			Help: "事件出站缓冲区待投递数量",
		},
	)

	// AssignmentsTotal 负责人分配总数
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "complianceflow_assignments_total",
			Help: "负责人分配总数",
		},
		[]string{"strategy", "outcome"}, // outcome: rule, default_pool, unassigned, error
	)
)

// 数据库指标
var (
	// DBConnections 数据库连接数
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "complianceflow_db_connections",
			Help: "数据库连接数",
		},
		[]string{"state"}, // open, in_use, idle
	)
)
