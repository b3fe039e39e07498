package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"complianceflow/internal/config"
	"complianceflow/internal/worker/tasks"
	"complianceflow/internal/workflow"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type recordedTask struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	tasks  []recordedTask
	err    error
	closed bool
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, recordedTask{task: task, opts: opts})
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error {
	f.closed = true
	return nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestQueueSinkDeliver(t *testing.T) {
	fake := &fakeEnqueuer{}
	sink := NewQueueSink(NewClientWith(fake))

	occurred := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	err := sink.Deliver(context.Background(), workflow.Event{
		ID:         "evt-1",
		Name:       workflow.EventInstanceSlaEscalated,
		TenantID:   "org-1",
		InstanceID: "inst-1",
		OccurredAt: occurred,
		Payload:    map[string]any{"to": "OVERDUE"},
	})
	require.NoError(t, err)
	require.Len(t, fake.tasks, 1)

	rec := fake.tasks[0]
	require.Equal(t, tasks.TypeDeliverEvent, rec.task.Type())

	var p tasks.DeliverEventPayload
	require.NoError(t, json.Unmarshal(rec.task.Payload(), &p))
	require.Equal(t, "evt-1", p.EventID)
	require.Equal(t, "inst-1", p.InstanceID)
	require.Equal(t, "OVERDUE", p.Payload["to"])
	require.True(t, p.OccurredAt.Equal(occurred))

	queue, ok := optionValue(rec.opts, asynq.QueueOpt)
	require.True(t, ok)
	require.Equal(t, tasks.QueueEvents, queue)
	id, ok := optionValue(rec.opts, asynq.TaskIDOpt)
	require.True(t, ok)
	require.Equal(t, "evt-1", id)
}

func TestEnqueueErrors(t *testing.T) {
	fake := &fakeEnqueuer{err: errors.New("redis down")}
	client := NewClientWith(fake)

	require.Error(t, client.EnqueueDeliverEvent(context.Background(), workflow.Event{Name: "x"}))
	require.Error(t, client.EnqueueSlaSweep(context.Background(), "org-1", 0))
	require.NoError(t, client.Close())
	require.True(t, fake.closed)
}

func TestNewSlaSweepTask(t *testing.T) {
	task, err := NewSlaSweepTask("org-1")
	require.NoError(t, err)
	require.Equal(t, tasks.TypeSlaSweep, task.Type())

	var p tasks.SlaSweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	require.Equal(t, "org-1", p.TenantID)

	fake := &fakeEnqueuer{}
	require.NoError(t, NewClientWith(fake).EnqueueSlaSweep(context.Background(), "", time.Minute))
	unique, ok := optionValue(fake.tasks[0].opts, asynq.UniqueOpt)
	require.True(t, ok)
	require.Equal(t, time.Minute, unique)
}

func TestRedisConnOpt(t *testing.T) {
	opt := RedisConnOpt(config.RedisConfig{Host: "redis", Port: 6379, DB: 1})
	simple, ok := opt.(asynq.RedisClientOpt)
	require.True(t, ok)
	require.Equal(t, "redis:6379", simple.Addr)

	_, ok = RedisConnOpt(config.RedisConfig{Mode: "sentinel", MasterName: "m"}).(asynq.RedisFailoverClientOpt)
	require.True(t, ok)
	_, ok = RedisConnOpt(config.RedisConfig{Mode: "cluster", ClusterAddrs: []string{"a:1"}}).(asynq.RedisClusterClientOpt)
	require.True(t, ok)
}
