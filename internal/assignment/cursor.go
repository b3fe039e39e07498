package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCursorContention 条件更新多次失败
var ErrCursorContention = errors.New("轮询游标竞争过于激烈")

// CursorStore 轮询游标存储
// Next 返回当前位置（[0,size) 内）并原子地推进到下一位置
type CursorStore interface {
	Next(ctx context.Context, key string, size int) (int, error)
}

// Rotation 绑定到某个游标 key 的句柄，交给策略使用
type Rotation interface {
	Next(ctx context.Context, size int) (int, error)
}

type boundRotation struct {
	store CursorStore
	key   string
}

func (r boundRotation) Next(ctx context.Context, size int) (int, error) {
	return r.store.Next(ctx, r.key, size)
}

// GormCursorStore 基于数据库条件更新（CAS）的游标
type GormCursorStore struct {
	db          *gorm.DB
	maxAttempts int
}

// NewGormCursorStore 创建数据库游标存储
func NewGormCursorStore(db *gorm.DB) *GormCursorStore {
	return &GormCursorStore{db: db, maxAttempts: 32}
}

// Next UPDATE ... SET position = next WHERE cursor_key = ? AND position = current
func (s *GormCursorStore) Next(ctx context.Context, key string, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("候选池为空")
	}
	db := s.db.WithContext(ctx)

	if err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&AssignmentCursor{Key: key, Position: 0, UpdatedAt: time.Now()}).Error; err != nil {
		return 0, fmt.Errorf("初始化轮询游标失败: %w", err)
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var cursor AssignmentCursor
		if err := db.Where("cursor_key = ?", key).First(&cursor).Error; err != nil {
			return 0, fmt.Errorf("读取轮询游标失败: %w", err)
		}

		current := cursor.Position % size
		if current < 0 {
			current += size
		}
		next := (current + 1) % size

		result := db.Model(&AssignmentCursor{}).
			Where("cursor_key = ? AND position = ?", key, cursor.Position).
			Updates(map[string]any{"position": next, "updated_at": time.Now()})
		if result.Error != nil {
			return 0, fmt.Errorf("更新轮询游标失败: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return current, nil
		}
	}
	return 0, ErrCursorContention
}
