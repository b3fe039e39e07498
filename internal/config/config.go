package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Assignment AssignmentConfig `mapstructure:"assignment"`
}

// ServerConfig 运维 HTTP 服务配置（健康检查 / 指标）
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	Path            string `mapstructure:"path"` // sqlite 文件路径或 DSN
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// Enabled 为 false 时不连接 Redis（SLA 巡检只能使用 ticker 模式）
	Enabled bool `mapstructure:"enabled"`

	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// WorkflowConfig 工作流引擎配置
type WorkflowConfig struct {
	PublishMaxRetries int            `mapstructure:"publish_max_retries"`
	SlaSweep          SlaSweepConfig `mapstructure:"sla_sweep"`
	Sla               SlaConfig      `mapstructure:"sla"`
	Outbox            OutboxConfig   `mapstructure:"outbox"`
	// SeedDir 启动时加载的模板目录，为空不加载
	SeedDir    string `mapstructure:"seed_dir"`
	SeedTenant string `mapstructure:"seed_tenant"`
}

// SlaSweepConfig SLA 巡检配置
type SlaSweepConfig struct {
	Mode        string        `mapstructure:"mode"` // ticker, queue
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"` // queue 模式 worker 并发
}

// SlaConfig 模板未配置时使用的默认阈值
type SlaConfig struct {
	WarningThresholdPct    float64 `mapstructure:"warning_threshold_pct"`
	CriticalThresholdHours float64 `mapstructure:"critical_threshold_hours"`
}

// OutboxConfig 事件出站配置
type OutboxConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	Sink            string        `mapstructure:"sink"` // log, queue
}

// AssignmentConfig 负责人分配配置
type AssignmentConfig struct {
	CursorBackend string              `mapstructure:"cursor_backend"` // gorm, redis
	CursorPrefix  string              `mapstructure:"cursor_prefix"`
	DefaultPool   []string            `mapstructure:"default_pool"`
	DefaultPools  map[string][]string `mapstructure:"default_pools"` // 按实体类型
}

var globalConfig *Config

// setDefaults 代码内默认值，配置文件和环境变量可覆盖
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "complianceflow.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("workflow.publish_max_retries", 3)
	v.SetDefault("workflow.sla_sweep.mode", "ticker")
	v.SetDefault("workflow.sla_sweep.interval", "5m")
	v.SetDefault("workflow.sla_sweep.batch_size", 200)
	v.SetDefault("workflow.sla_sweep.concurrency", 4)
	v.SetDefault("workflow.sla.warning_threshold_pct", 0.8)
	v.SetDefault("workflow.sla.critical_threshold_hours", 24)
	v.SetDefault("workflow.outbox.buffer_size", 1024)
	v.SetDefault("workflow.outbox.delivery_timeout", "5s")
	v.SetDefault("workflow.outbox.sink", "log")

	v.SetDefault("assignment.cursor_backend", "gorm")
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // APP_DATABASE_HOST

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 校验枚举类配置项
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s (可选: postgres, sqlite)", c.Database.Driver)
	}
	switch c.Workflow.SlaSweep.Mode {
	case "ticker":
	case "queue":
		if !c.Redis.Enabled {
			return fmt.Errorf("sla_sweep.mode=queue 需要启用 redis")
		}
	default:
		return fmt.Errorf("不支持的 SLA 巡检模式: %s (可选: ticker, queue)", c.Workflow.SlaSweep.Mode)
	}
	switch c.Workflow.Outbox.Sink {
	case "log":
	case "queue":
		if !c.Redis.Enabled {
			return fmt.Errorf("outbox.sink=queue 需要启用 redis")
		}
	default:
		return fmt.Errorf("不支持的事件 sink: %s (可选: log, queue)", c.Workflow.Outbox.Sink)
	}
	switch c.Assignment.CursorBackend {
	case "gorm":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("cursor_backend=redis 需要启用 redis")
		}
	default:
		return fmt.Errorf("不支持的游标存储: %s (可选: gorm, redis)", c.Assignment.CursorBackend)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Addr 单节点 Redis 地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
