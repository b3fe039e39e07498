package assignment

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// rotateScript 原子地读取当前位置并推进（increment-and-wrap）
var rotateScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local size = tonumber(ARGV[1])
local cur = n % size
redis.call('SET', KEYS[1], (cur + 1) % size)
return cur
`)

// RedisCursorStore 基于 Redis Lua 脚本的游标，适合多实例部署
type RedisCursorStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCursorStore 创建 Redis 游标存储
func NewRedisCursorStore(client redis.UniversalClient, prefix string) *RedisCursorStore {
	if prefix == "" {
		prefix = "complianceflow:assignment:cursor:"
	}
	return &RedisCursorStore{client: client, prefix: prefix}
}

// Next 返回当前位置并推进
func (s *RedisCursorStore) Next(ctx context.Context, key string, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("候选池为空")
	}
	pos, err := rotateScript.Run(ctx, s.client, []string{s.prefix + key}, size).Int()
	if err != nil {
		return 0, fmt.Errorf("推进 Redis 游标失败: %w", err)
	}
	return pos, nil
}
