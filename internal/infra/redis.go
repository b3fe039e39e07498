package infra

import (
	"context"
	"fmt"
	"time"

	"complianceflow/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions 从配置构建 go-redis 通用选项
// 支持三种模式: standalone(单节点), sentinel(哨兵), cluster(集群)
func RedisOptions(cfg *config.RedisConfig) (*redis.UniversalOptions, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = "standalone"
	}

	opts := &redis.UniversalOptions{
		Password:     cfg.Password,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	switch mode {
	case "standalone":
		opts.Addrs = []string{cfg.Addr()}
		opts.DB = cfg.DB
	case "sentinel":
		if cfg.MasterName == "" || len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("哨兵模式需要配置 master_name 和 sentinel_addrs")
		}
		opts.MasterName = cfg.MasterName
		opts.Addrs = cfg.SentinelAddrs
		opts.SentinelPassword = cfg.SentinelPassword
		opts.DB = cfg.DB
	case "cluster":
		if len(cfg.ClusterAddrs) == 0 {
			return nil, fmt.Errorf("集群模式需要配置 cluster_addrs")
		}
		opts.Addrs = cfg.ClusterAddrs
	default:
		return nil, fmt.Errorf("不支持的 Redis 模式: %s (可选: standalone, sentinel, cluster)", mode)
	}
	return opts, nil
}

// OpenRedis 创建 Redis 客户端并测试连接
func OpenRedis(cfg *config.RedisConfig, log *zap.Logger) (redis.UniversalClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	switch {
	case len(cfg.ClusterAddrs) > 0 && cfg.Mode == "cluster":
		rdb = redis.NewClusterClient(opts.Cluster())
	case opts.MasterName != "":
		rdb = redis.NewFailoverClient(opts.Failover())
	default:
		rdb = redis.NewClient(opts.Simple())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis 连接失败: %w", err)
	}

	log.Info("Redis 连接成功",
		zap.String("mode", cfg.Mode),
		zap.Strings("addrs", opts.Addrs),
		zap.Int("db", opts.DB),
	)
	return rdb, nil
}

// PingRedis Redis 健康检查
func PingRedis(ctx context.Context, rdb redis.UniversalClient) error {
	if rdb == nil {
		return fmt.Errorf("Redis 未初始化")
	}
	return rdb.Ping(ctx).Err()
}
