package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type collectingSink struct {
	mu      sync.Mutex
	events  []Event
	block   chan struct{}
	failFor string
}

func (s *collectingSink) Deliver(_ context.Context, event Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Name == s.failFor {
		return errors.New("sink rejected")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestOutboxDeliversAndDrains(t *testing.T) {
	sink := &collectingSink{failFor: EventInstancePaused}
	outbox := NewOutbox(sink, zaptest.NewLogger(t), OutboxConfig{BufferSize: 8})
	go outbox.Run()

	ctx := context.Background()
	require.NoError(t, outbox.Publish(ctx, Event{Name: EventInstanceStarted}))
	require.NoError(t, outbox.Publish(ctx, Event{Name: EventInstancePaused}))
	require.NoError(t, outbox.Publish(ctx, Event{Name: EventInstanceResumed}))

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, outbox.Close(closeCtx))
	require.Equal(t, 2, sink.count(), "投递失败的事件仅记录日志")

	require.ErrorIs(t, outbox.Publish(ctx, Event{Name: EventInstanceStarted}), ErrOutboxClosed)
	require.NoError(t, outbox.Close(closeCtx))
}

func TestOutboxDropsWhenFull(t *testing.T) {
	sink := &collectingSink{block: make(chan struct{})}
	outbox := NewOutbox(sink, zaptest.NewLogger(t), OutboxConfig{BufferSize: 2})

	// 未启动投递循环，缓冲区满后立即返回
	ctx := context.Background()
	require.NoError(t, outbox.Publish(ctx, Event{Name: "a"}))
	require.NoError(t, outbox.Publish(ctx, Event{Name: "b"}))

	done := make(chan error, 1)
	go func() { done <- outbox.Publish(ctx, Event{Name: "c"}) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrOutboxFull)
	case <-time.After(time.Second):
		t.Fatal("Publish 不应阻塞")
	}

	close(sink.block)
	go outbox.Run()
	require.NoError(t, outbox.Close(context.Background()))
	require.Equal(t, 2, sink.count())
}

// 缓冲区满只影响事件，不影响实例操作
func TestOutboxFullDoesNotFailEngine(t *testing.T) {
	db := setupWorkflowTestDB(t)
	clock := newFakeClock(t0)
	outbox := NewOutbox(LogSink{Logger: zaptest.NewLogger(t)}, zaptest.NewLogger(t), OutboxConfig{BufferSize: 1})
	svc := NewService(db, ServiceOptions{Logger: zaptest.NewLogger(t), Clock: clock.Now, Publisher: outbox})
	env := &testEnv{db: db, clock: clock, publisher: &recordingPublisher{}, svc: svc}

	env.publishDefault(t, "intake", EntityCase, scenarioDefinition())
	inst := env.start(t, "case-1")
	_, err := svc.TransitionInstance(context.Background(), TransitionRequest{TenantID: "org-1", InstanceID: inst.ID, ToStage: "REVIEW", Actor: Actor{ID: "analyst-1"}})
	require.NoError(t, err)

	go outbox.Run()
	require.NoError(t, outbox.Close(context.Background()))
}

func TestEmitterFillsEnvelope(t *testing.T) {
	publisher := &recordingPublisher{}
	e := emitter{publisher: publisher, logger: zaptest.NewLogger(t), clock: func() time.Time { return t0 }}

	e.emit(context.Background(), Event{Name: EventTemplatePublished, TenantID: "org-1"})
	events := publisher.byName(EventTemplatePublished)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].ID)
	require.True(t, events[0].OccurredAt.Equal(t0))

	// nil 发布器直接忽略
	emitter{logger: zaptest.NewLogger(t), clock: time.Now}.emit(context.Background(), Event{Name: "x"})
}
