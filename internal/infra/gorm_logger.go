package infra

import (
	"context"
	"errors"
	"strings"
	"time"

	"complianceflow/internal/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// DefaultSlowThreshold 慢查询阈值
const DefaultSlowThreshold = 200 * time.Millisecond

// GormZapLogger GORM 日志适配器（输出到 Zap）
type GormZapLogger struct {
	ZapLogger                 *zap.Logger
	LogLevel                  gormLogger.LogLevel
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
}

// NewGormZapLogger 创建适配器，忽略 RecordNotFound
func NewGormZapLogger(l *zap.Logger, level gormLogger.LogLevel) *GormZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &GormZapLogger{
		ZapLogger:                 l,
		LogLevel:                  level,
		SlowThreshold:             DefaultSlowThreshold,
		IgnoreRecordNotFoundError: true,
	}
}

// LogMode 设置日志级别
func (l *GormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Info {
		logger.WithContext(ctx, l.ZapLogger).Sugar().Infof(msg, data...)
	}
}

func (l *GormZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Warn {
		logger.WithContext(ctx, l.ZapLogger).Sugar().Warnf(msg, data...)
	}
}

func (l *GormZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Error {
		logger.WithContext(ctx, l.ZapLogger).Sugar().Errorf(msg, data...)
	}
}

// Trace SQL 执行日志；唯一约束冲突属于正常的并发控制路径，只记 debug
func (l *GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	log := logger.WithContext(ctx, l.ZapLogger)

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && errors.Is(err, gormLogger.ErrRecordNotFound) && l.IgnoreRecordNotFoundError:
	case err != nil && isExpectedConflict(err):
		log.Debug("SQL 唯一约束冲突", append(fields, zap.Error(err))...)
		return
	case err != nil:
		log.Error("SQL 执行错误", append(fields, zap.Error(err))...)
		return
	}

	if l.SlowThreshold > 0 && elapsed > l.SlowThreshold {
		log.Warn("SQL 慢查询", fields...)
		return
	}
	if l.LogLevel >= gormLogger.Info {
		log.Debug("SQL 执行", fields...)
	}
}

func isExpectedConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}
