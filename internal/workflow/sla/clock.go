package sla

import (
	"math"
	"time"
)

// Clock 可注入的时间源
type Clock func() time.Time

// SystemClock 返回 UTC 当前时间
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Status SLA 状态
type Status string

const (
	StatusOnTrack  Status = "ON_TRACK"
	StatusWarning  Status = "WARNING"
	StatusOverdue  Status = "OVERDUE"
	StatusCritical Status = "CRITICAL"
)

// 默认阈值
const (
	DefaultWarningThresholdPct    = 0.8
	DefaultCriticalThresholdHours = 24.0
)

// Severity 返回状态严重程度，未知状态视为 ON_TRACK
func (s Status) Severity() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusOverdue:
		return 2
	case StatusCritical:
		return 3
	default:
		return 0
	}
}

// Breached 是否已违约（OVERDUE 及以上）
func (s Status) Breached() bool {
	return s.Severity() >= StatusOverdue.Severity()
}

// Max 返回两个状态中更严重的一个
func Max(a, b Status) Status {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Config SLA 阈值配置
type Config struct {
	WarningThresholdPct    float64
	CriticalThresholdHours float64
}

// Normalize 补齐默认值
func (c Config) Normalize() Config {
	if c.WarningThresholdPct <= 0 || c.WarningThresholdPct > 1 {
		c.WarningThresholdPct = DefaultWarningThresholdPct
	}
	if c.CriticalThresholdHours <= 0 {
		c.CriticalThresholdHours = DefaultCriticalThresholdHours
	}
	return c
}

// Result 一次 SLA 计算的结果
type Result struct {
	Status  Status
	DueDate *time.Time
	Elapsed time.Duration
	Ratio   float64
}

// Hours 将小时数转换为 Duration
func Hours(h float64) time.Duration {
	return time.Duration(math.Round(h * float64(time.Hour)))
}

// DueDate 计算截止时间：进入时间 + SLA 时长 + 暂停累计时长。
// slaHours <= 0 表示不设 SLA，返回 nil。
func DueDate(entry time.Time, slaHours float64, paused time.Duration) *time.Time {
	if slaHours <= 0 {
		return nil
	}
	due := entry.Add(Hours(slaHours)).Add(paused)
	return &due
}

// Evaluate 计算 now 时刻的 SLA 状态，暂停时间不计入已用时长
func Evaluate(entry time.Time, slaHours float64, paused time.Duration, now time.Time, cfg Config) Result {
	cfg = cfg.Normalize()

	elapsed := now.Sub(entry) - paused
	if elapsed < 0 {
		elapsed = 0
	}

	due := DueDate(entry, slaHours, paused)
	if due == nil {
		return Result{Status: StatusOnTrack, Elapsed: elapsed}
	}

	ratio := float64(elapsed) / float64(Hours(slaHours))
	res := Result{DueDate: due, Elapsed: elapsed, Ratio: ratio}

	switch {
	case !now.Before(*due):
		res.Status = StatusOverdue
		if now.Sub(*due) >= Hours(cfg.CriticalThresholdHours) {
			res.Status = StatusCritical
		}
	case ratio >= cfg.WarningThresholdPct:
		res.Status = StatusWarning
	default:
		res.Status = StatusOnTrack
	}
	return res
}
