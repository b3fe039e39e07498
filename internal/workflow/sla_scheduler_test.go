package workflow

import (
	"context"
	"testing"
	"time"

	"complianceflow/internal/workflow/sla"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// 48 小时 SLA：39h 预警，50h 逾期，74h 严重逾期
func TestSweepEscalatesForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())
	inst := env.start(t, "case-1")

	steps := []struct {
		at        time.Duration
		want      sla.Status
		escalated int
	}{
		{at: 10 * time.Hour, want: sla.StatusOnTrack, escalated: 0},
		{at: 39 * time.Hour, want: sla.StatusWarning, escalated: 1},
		{at: 50 * time.Hour, want: sla.StatusOverdue, escalated: 1},
		{at: 74 * time.Hour, want: sla.StatusCritical, escalated: 1},
	}

	var breachedAt *time.Time
	for _, step := range steps {
		env.clock.Set(t0.Add(step.at))
		res, err := env.svc.SweepSla(ctx, "")
		require.NoError(t, err)
		require.Equal(t, 1, res.Scanned)
		require.Equal(t, step.escalated, res.Escalated, "at %s", step.at)

		got, err := env.svc.GetInstance(ctx, "org-1", inst.ID)
		require.NoError(t, err)
		require.Equal(t, step.want, got.SlaStatus, "at %s", step.at)

		if step.want == sla.StatusOverdue {
			require.NotNil(t, got.SlaBreachedAt)
			require.True(t, got.SlaBreachedAt.Equal(t0.Add(50*time.Hour)))
			breachedAt = got.SlaBreachedAt
		}
		if step.want == sla.StatusCritical {
			require.True(t, got.SlaBreachedAt.Equal(*breachedAt), "首次违约时间不变")
		}
	}

	escalations := env.publisher.byName(EventInstanceSlaEscalated)
	require.Len(t, escalations, 3)
	require.Equal(t, sla.StatusWarning, escalations[0].Payload["from"])
	require.Equal(t, sla.StatusCritical, escalations[2].Payload["to"])
	require.Equal(t, "system:sla_scheduler", escalations[2].ActorID)

	// 重复巡检不产生新的变化
	res, err := env.svc.SweepSla(ctx, "org-1")
	require.NoError(t, err)
	require.Zero(t, res.Escalated)
	require.Len(t, env.publisher.byName(EventInstanceSlaEscalated), 3)
}

func TestSweepIgnoresPausedAndShiftsDueOnResume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())
	inst := env.start(t, "case-1")

	env.clock.Set(t0.Add(10 * time.Hour))
	_, err := env.svc.PauseInstance(ctx, "org-1", inst.ID, Actor{ID: "admin"})
	require.NoError(t, err)

	env.clock.Set(t0.Add(100 * time.Hour))
	res, err := env.svc.SweepSla(ctx, "")
	require.NoError(t, err)
	require.Zero(t, res.Scanned)

	resumed, err := env.svc.ResumeInstance(ctx, "org-1", inst.ID, Actor{ID: "admin"})
	require.NoError(t, err)
	require.True(t, resumed.DueDate.Equal(t0.Add(138*time.Hour)))

	env.clock.Set(t0.Add(130 * time.Hour))
	res, err = env.svc.SweepSla(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Escalated)

	got, err := env.svc.GetInstance(ctx, "org-1", inst.ID)
	require.NoError(t, err)
	require.Equal(t, sla.StatusWarning, got.SlaStatus)
	require.Nil(t, got.SlaBreachedAt)
}

func TestSweepIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())
	broken := env.start(t, "case-1")
	healthy := env.start(t, "case-2")

	// 指向不存在的模板版本
	require.NoError(t, env.db.Exec("UPDATE workflow_instances SET template_version = 99 WHERE id = ?", broken.ID).Error)

	env.clock.Set(t0.Add(50 * time.Hour))
	res, err := env.svc.SweepSla(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, res.Scanned)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Escalated)

	got, err := env.svc.GetInstance(ctx, "org-1", healthy.ID)
	require.NoError(t, err)
	require.Equal(t, sla.StatusOverdue, got.SlaStatus)
}

func TestSweepSkipsConcurrentlyModifiedInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())
	inst := env.start(t, "case-1")

	// 模拟用户操作在巡检读取之后抢先提交
	bumped := false
	require.NoError(t, env.db.Callback().Update().Before("gorm:update").Register("test:concurrent_bump", func(d *gorm.DB) {
		if bumped || d.Statement.Table != "workflow_instances" {
			return
		}
		bumped = true
		d.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
			Exec("UPDATE workflow_instances SET revision = revision + 1 WHERE id = ?", inst.ID)
	}))

	env.clock.Set(t0.Add(50 * time.Hour))
	res, err := env.svc.SweepSla(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Zero(t, res.Escalated)
	require.Empty(t, env.publisher.byName(EventInstanceSlaEscalated))

	got, err := env.svc.GetInstance(ctx, "org-1", inst.ID)
	require.NoError(t, err)
	require.Equal(t, sla.StatusOnTrack, got.SlaStatus)
	require.Equal(t, int64(2), got.Revision)

	// 下一轮巡检正常升级
	res, err = env.svc.SweepSla(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, res.Escalated)
}

func TestSweepPagination(t *testing.T) {
	db := setupWorkflowTestDB(t)
	clock := newFakeClock(t0)
	svc := NewService(db, ServiceOptions{Clock: clock.Now, SweepBatchSize: 2})
	env := &testEnv{db: db, clock: clock, publisher: &recordingPublisher{}, svc: svc}
	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())

	for _, id := range []string{"c-1", "c-2", "c-3", "c-4", "c-5"} {
		env.start(t, id)
	}

	listed, err := svc.ListActiveInstancesForSweep(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, listed, 5)

	clock.Set(t0.Add(40 * time.Hour))
	res, err := svc.SweepSla(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 5, res.Scanned)
	require.Equal(t, 5, res.Escalated)

	none, err := svc.ListActiveInstancesForSweep(context.Background(), "org-2")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSchedulerStartStop(t *testing.T) {
	db := setupWorkflowTestDB(t)
	clock := newFakeClock(t0)
	publisher := &recordingPublisher{}
	svc := NewService(db, ServiceOptions{Clock: clock.Now, Publisher: publisher, SweepInterval: 10 * time.Millisecond})
	env := &testEnv{db: db, clock: clock, publisher: publisher, svc: svc}
	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())
	env.start(t, "case-1")
	clock.Set(t0.Add(50 * time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Scheduler().Start(ctx)
	svc.Scheduler().Start(ctx)

	require.Eventually(t, func() bool {
		return len(publisher.byName(EventInstanceSlaEscalated)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	svc.Scheduler().Stop()
	svc.Scheduler().Stop()
}
