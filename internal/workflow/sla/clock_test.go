package sla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestEvaluateScenarioThresholds(t *testing.T) {
	cfg := Config{}

	res := Evaluate(t0, 48, 0, t0, cfg)
	require.Equal(t, StatusOnTrack, res.Status)
	require.NotNil(t, res.DueDate)
	require.True(t, res.DueDate.Equal(t0.Add(48*time.Hour)))

	require.Equal(t, StatusWarning, Evaluate(t0, 48, 0, t0.Add(39*time.Hour), cfg).Status)
	require.Equal(t, StatusOverdue, Evaluate(t0, 48, 0, t0.Add(50*time.Hour), cfg).Status)
	require.Equal(t, StatusCritical, Evaluate(t0, 48, 0, t0.Add(74*time.Hour), cfg).Status)
}

func TestEvaluateBoundaries(t *testing.T) {
	cfg := Config{WarningThresholdPct: 0.5, CriticalThresholdHours: 2}

	require.Equal(t, StatusOnTrack, Evaluate(t0, 10, 0, t0.Add(4*time.Hour+59*time.Minute), cfg).Status)
	require.Equal(t, StatusWarning, Evaluate(t0, 10, 0, t0.Add(5*time.Hour), cfg).Status)
	// 到达截止时间即为超期
	require.Equal(t, StatusOverdue, Evaluate(t0, 10, 0, t0.Add(10*time.Hour), cfg).Status)
	require.Equal(t, StatusCritical, Evaluate(t0, 10, 0, t0.Add(12*time.Hour), cfg).Status)
}

func TestEvaluateMonotonic(t *testing.T) {
	prev := StatusOnTrack
	for h := 0; h <= 100; h++ {
		cur := Evaluate(t0, 48, 3*time.Hour, t0.Add(time.Duration(h)*time.Hour), Config{}).Status
		require.GreaterOrEqual(t, cur.Severity(), prev.Severity(), "hour %d", h)
		prev = cur
	}
	require.Equal(t, StatusCritical, prev)
}

func TestPausedTimeExtendsDueDate(t *testing.T) {
	due := DueDate(t0, 48, 6*time.Hour)
	require.NotNil(t, due)
	require.True(t, due.Equal(t0.Add(54*time.Hour)))

	// 39h 挂钟时间中有 6h 暂停，实际已用 33h，未达预警
	res := Evaluate(t0, 48, 6*time.Hour, t0.Add(39*time.Hour), Config{})
	require.Equal(t, StatusOnTrack, res.Status)
	require.Equal(t, 33*time.Hour, res.Elapsed)
}

func TestNoSlaConfigured(t *testing.T) {
	require.Nil(t, DueDate(t0, 0, 0))
	res := Evaluate(t0, 0, 0, t0.Add(1000*time.Hour), Config{})
	require.Equal(t, StatusOnTrack, res.Status)
	require.Nil(t, res.DueDate)
}

func TestMaxAndSeverity(t *testing.T) {
	require.Equal(t, StatusOverdue, Max(StatusWarning, StatusOverdue))
	require.Equal(t, StatusCritical, Max(StatusCritical, StatusOnTrack))
	require.Equal(t, 0, Status("").Severity())
	require.True(t, StatusCritical.Breached())
	require.False(t, StatusWarning.Breached())
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{WarningThresholdPct: 1.5}.Normalize()
	require.Equal(t, DefaultWarningThresholdPct, cfg.WarningThresholdPct)
	require.Equal(t, DefaultCriticalThresholdHours, cfg.CriticalThresholdHours)
}
