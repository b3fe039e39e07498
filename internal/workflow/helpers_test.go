package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupWorkflowTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workflow_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err, "打开 sqlite 失败")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db), "迁移 schema 失败")
	return db
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher 记录所有事件，可模拟失败
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	panic  bool
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panic {
		panic("publisher exploded")
	}
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

func (p *recordingPublisher) byName(name string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	db        *gorm.DB
	clock     *fakeClock
	publisher *recordingPublisher
	svc       *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupWorkflowTestDB(t)
	clock := newFakeClock(t0)
	publisher := &recordingPublisher{}
	svc := NewService(db, ServiceOptions{
		Logger:    zaptest.NewLogger(t),
		Clock:     clock.Now,
		Publisher: publisher,
	})
	return &testEnv{db: db, clock: clock, publisher: publisher, svc: svc}
}

// publishDefault 创建并发布默认模板
func (e *testEnv) publishDefault(t *testing.T, name string, entityType EntityType, def TemplateDefinition) *WorkflowTemplate {
	t.Helper()
	ctx := context.Background()
	draft, err := e.svc.CreateTemplate(ctx, CreateTemplateRequest{
		TenantID:   "org-1",
		Name:       name,
		EntityType: entityType,
		Definition: def,
		CreatedBy:  "admin",
	})
	require.NoError(t, err)

	res, err := e.svc.PublishTemplate(ctx, PublishTemplateRequest{
		TenantID:    "org-1",
		TemplateID:  draft.ID,
		MakeDefault: true,
		Actor:       Actor{ID: "admin"},
	})
	require.NoError(t, err)
	return res.Template
}

func (e *testEnv) start(t *testing.T, entityID string) *WorkflowInstance {
	t.Helper()
	inst, err := e.svc.StartInstance(context.Background(), StartInstanceRequest{
		TenantID:   "org-1",
		EntityType: EntityCase,
		EntityID:   entityID,
		Actor:      Actor{ID: "analyst-1", Roles: []string{"analyst"}},
	})
	require.NoError(t, err)
	return inst
}

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "实际错误: %v", err)
	require.True(t, errors.Is(err, &Error{Kind: kind}))
}

// scenarioDefinition INTAKE → REVIEW(终止)，默认 SLA 48 小时
func scenarioDefinition() TemplateDefinition {
	return TemplateDefinition{
		Stages: []StageDefinition{
			{Key: "INTAKE", Label: "Intake"},
			{Key: "REVIEW", Label: "Review", IsTerminal: true},
		},
		Transitions:     []TransitionDefinition{{From: "INTAKE", To: "REVIEW"}},
		InitialStage:    "INTAKE",
		DefaultSlaHours: 48,
	}
}
