package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"complianceflow/internal/worker/tasks"
	"complianceflow/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap/zaptest"
)

type fakeSweeper struct {
	called   bool
	tenantID string
	retErr   error
}

func (f *fakeSweeper) SweepSla(ctx context.Context, tenantID string) (workflow.SweepResult, error) {
	f.called = true
	f.tenantID = tenantID
	return workflow.SweepResult{Scanned: 3, Escalated: 1}, f.retErr
}

func TestSlaHandlerHandleSlaSweep_Success(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewSlaHandler(sweeper, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.SlaSweepPayload{TenantID: "org-1"})
	task := asynq.NewTask(tasks.TypeSlaSweep, payload)
	if err := h.HandleSlaSweep(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !sweeper.called || sweeper.tenantID != "org-1" {
		t.Fatalf("sweeper not invoked correctly: called=%v tenant=%s", sweeper.called, sweeper.tenantID)
	}
}

func TestSlaHandlerHandleSlaSweep_EmptyPayloadSweepsAllTenants(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewSlaHandler(sweeper, zaptest.NewLogger(t))
	if err := h.HandleSlaSweep(context.Background(), asynq.NewTask(tasks.TypeSlaSweep, nil)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !sweeper.called || sweeper.tenantID != "" {
		t.Fatalf("expected sweep across all tenants, got tenant=%q", sweeper.tenantID)
	}
}

func TestSlaHandlerHandleSlaSweep_Error(t *testing.T) {
	expectedErr := errors.New("db down")
	h := NewSlaHandler(&fakeSweeper{retErr: expectedErr}, zaptest.NewLogger(t))
	task := asynq.NewTask(tasks.TypeSlaSweep, []byte(`{}`))
	if err := h.HandleSlaSweep(context.Background(), task); !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestSlaHandlerHandleSlaSweep_InvalidPayload(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewSlaHandler(sweeper, zaptest.NewLogger(t))
	err := h.HandleSlaSweep(context.Background(), asynq.NewTask(tasks.TypeSlaSweep, []byte("not-json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if sweeper.called {
		t.Fatalf("sweeper should not be called when payload invalid")
	}
}

type fakeConsumer struct {
	events []workflow.Event
	retErr error
}

func (f *fakeConsumer) Consume(ctx context.Context, event workflow.Event) error {
	f.events = append(f.events, event)
	return f.retErr
}

func TestEventHandlerHandleDeliverEvent_Success(t *testing.T) {
	consumer := &fakeConsumer{}
	h := NewEventHandler(consumer, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.DeliverEventPayload{
		EventID:    "evt-1",
		Name:       workflow.EventInstanceCompleted,
		TenantID:   "org-1",
		InstanceID: "inst-1",
		Payload:    map[string]any{"outcome": "closed"},
	})
	if err := h.HandleDeliverEvent(context.Background(), asynq.NewTask(tasks.TypeDeliverEvent, payload)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(consumer.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(consumer.events))
	}
	got := consumer.events[0]
	if got.ID != "evt-1" || got.InstanceID != "inst-1" || got.Payload["outcome"] != "closed" {
		t.Fatalf("event not decoded correctly: %+v", got)
	}
}

func TestEventHandlerHandleDeliverEvent_ConsumerError(t *testing.T) {
	expectedErr := errors.New("audit unavailable")
	h := NewEventHandler(&fakeConsumer{retErr: expectedErr}, zaptest.NewLogger(t))
	payload, _ := json.Marshal(tasks.DeliverEventPayload{EventID: "evt-2", Name: workflow.EventInstanceStarted})
	if err := h.HandleDeliverEvent(context.Background(), asynq.NewTask(tasks.TypeDeliverEvent, payload)); !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestEventHandlerHandleDeliverEvent_InvalidPayload(t *testing.T) {
	consumer := &fakeConsumer{}
	h := NewEventHandler(consumer, zaptest.NewLogger(t))
	err := h.HandleDeliverEvent(context.Background(), asynq.NewTask(tasks.TypeDeliverEvent, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if len(consumer.events) != 0 {
		t.Fatalf("consumer should not be called when payload invalid")
	}
}

func TestLogConsumer(t *testing.T) {
	if err := (LogConsumer{Logger: zaptest.NewLogger(t)}).Consume(context.Background(), workflow.Event{Name: "x"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
