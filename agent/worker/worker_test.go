package worker

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/api/channel"
	"fleet/api/handler"
	"fleet/api/hub"
	"fleet/api/model"
	"fleet/api/registry"
	"fleet/api/scheduler"
	"fleet/api/store"
	"fleet/api/tasks"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples int
}

func (f *fakeSampler) Capacity(context.Context) (model.Capacity, error) {
	return model.Capacity{CPUMillicores: 4000, MemoryMB: 8192, DiskMB: 50000}, nil
}

func (f *fakeSampler) Sample(context.Context) (model.Heartbeat, error) {
	f.mu.Lock()
	f.samples++
	f.mu.Unlock()
	return model.Heartbeat{CPUUsed: 500, MemoryUsed: 1024, DiskUsed: 2000, ContainerCount: 2}, nil
}

type controlPlane struct {
	url   string
	reg   *registry.Registry
	queue *tasks.Queue
	ch    *channel.Hub
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	mem := store.NewMemory()
	reg := registry.New(mem, registry.Options{})
	queue := tasks.New(mem, reg, tasks.Options{})
	ch := channel.New(reg, queue, channel.Options{PingInterval: time.Hour})
	ev := hub.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go ev.Run(ctx)

	h := handler.New(handler.Deps{Registry: reg, Queue: queue, Scheduler: scheduler.New(reg), Channel: ch, Events: ev, Version: "test"})
	r := chi.NewRouter()
	h.Mount(r, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ch.Close()
		srv.Close()
		cancel()
	})
	return &controlPlane{url: srv.URL, reg: reg, queue: queue, ch: ch}
}

func (cp *controlPlane) register(t *testing.T) *State {
	t.Helper()
	ctx := context.Background()
	tok, err := cp.reg.IssueRegistrationToken(ctx, "acme", "eu", "")
	require.NoError(t, err)
	st, err := Register(ctx, cp.url, tok.Token, "edge-1", &fakeSampler{})
	require.NoError(t, err)
	return st
}

func (cp *controlPlane) waitStatus(t *testing.T, id string, want model.TaskStatus) *model.Task {
	t.Helper()
	var got *model.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = cp.queue.Get(context.Background(), id)
		return err == nil && got.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func startAgent(t *testing.T, st *State, opts Options) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a := New(st, opts)
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	missing, err := LoadState(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	st := &State{APIURL: "http://cp:8900", NodeID: "n1", Secret: "s3cret", Region: "eu"}
	require.NoError(t, st.Save(path))
	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	require.NoError(t, (&State{NodeID: "n1"}).Save(path))
	_, err = LoadState(path)
	assert.ErrorContains(t, err, "incomplete")
}

func TestRegister(t *testing.T) {
	cp := newControlPlane(t)
	st := cp.register(t)
	assert.NotEmpty(t, st.Secret)
	assert.Equal(t, "eu", st.Region)

	node, err := cp.reg.Get(context.Background(), st.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", node.Name)
	assert.Equal(t, int64(8192), node.Capacity.MemoryMB)

	_, err = Register(context.Background(), cp.url, "used-or-bogus", "", &fakeSampler{})
	assert.ErrorContains(t, err, "401")
}

func TestAgentRunsPushedAndBackloggedTasks(t *testing.T) {
	cp := newControlPlane(t)
	st := cp.register(t)
	ctx := context.Background()

	backlog, err := cp.queue.Enqueue(ctx, model.TaskRequest{NodeID: st.NodeID, Type: model.TaskDeploy, ResourceType: model.ResourceApplication, ResourceID: "web"})
	require.NoError(t, err)

	sampler := &fakeSampler{}
	startAgent(t, st, Options{HeartbeatInterval: 50 * time.Millisecond, Sampler: sampler})

	done := cp.waitStatus(t, backlog.ID, model.TaskCompleted)
	assert.Contains(t, done.Output, "deploy application/web")
	require.Eventually(t, func() bool { return cp.ch.IsOnline(st.NodeID) }, time.Second, 10*time.Millisecond)

	live, err := cp.queue.Enqueue(ctx, model.TaskRequest{NodeID: st.NodeID, Type: model.TaskRestart, ResourceType: model.ResourceApplication, ResourceID: "web"})
	require.NoError(t, err)
	require.True(t, cp.ch.SendTask(ctx, st.NodeID, live))
	cp.waitStatus(t, live.ID, model.TaskCompleted)

	require.Eventually(t, func() bool {
		n, err := cp.reg.Get(ctx, st.NodeID)
		return err == nil && n.Usage.Containers == 2
	}, time.Second, 10*time.Millisecond)
}

func TestAgentReportsExecutorFailure(t *testing.T) {
	cp := newControlPlane(t)
	st := cp.register(t)
	task, err := cp.queue.Enqueue(context.Background(), model.TaskRequest{NodeID: st.NodeID, Type: model.TaskBackup, ResourceType: model.ResourceDatabase, ResourceID: "pg"})
	require.NoError(t, err)

	exec := ExecutorFunc(func(context.Context, model.Task) (string, error) {
		return "", errors.New("disk full")
	})
	startAgent(t, st, Options{Executor: exec, Sampler: &fakeSampler{}})

	failed := cp.waitStatus(t, task.ID, model.TaskFailed)
	assert.Equal(t, "disk full", failed.Error)
}

func TestRedeliveryReplaysReports(t *testing.T) {
	cp := newControlPlane(t)
	st := cp.register(t)
	a := New(st, Options{Sampler: &fakeSampler{}})
	ctx := context.Background()

	task, err := cp.queue.Enqueue(ctx, model.TaskRequest{NodeID: st.NodeID, Type: model.TaskDeploy, ResourceType: model.ResourceApplication, ResourceID: "web"})
	require.NoError(t, err)
	_, err = cp.queue.MarkSent(ctx, task.ID)
	require.NoError(t, err)

	// The task ran while disconnected and every report was lost.
	a.mu.Lock()
	a.remember(task.ID)
	a.history[task.ID] = []model.StatusReport{
		{TaskID: task.ID, Status: model.TaskAcknowledged},
		{TaskID: task.ID, Status: model.TaskInProgress},
		{TaskID: task.ID, Status: model.TaskCompleted, Output: "ok"},
	}
	a.mu.Unlock()

	// No outbox: replay goes over the REST path.
	require.True(t, a.accept(ctx, *task))
	got := cp.waitStatus(t, task.ID, model.TaskCompleted)
	assert.Equal(t, "ok", got.Output)
	assert.Empty(t, a.tasks)
}

func TestRejectedCredentials(t *testing.T) {
	cp := newControlPlane(t)
	st := cp.register(t)
	st.Secret = "wrong"

	a := New(st, Options{Sampler: &fakeSampler{}})
	err := a.session(context.Background())
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, channel.CloseAuthFailed, ce.Code)
}

func TestHistoryIsBounded(t *testing.T) {
	a := New(&State{}, Options{})
	for i := 0; i < historyLimit+10; i++ {
		a.remember("t" + strconv.Itoa(i))
	}
	assert.Len(t, a.history, historyLimit)
	assert.Len(t, a.order, historyLimit)
}

func TestConnectURL(t *testing.T) {
	assert.Equal(t, "ws://cp:8900/api/agent/connect", connectURL("http://cp:8900/"))
	assert.Equal(t, "wss://fleet.example.com/api/agent/connect", connectURL("https://fleet.example.com"))
}

func TestJitterAndMillicores(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, time.Second)
	}
	assert.Equal(t, int64(2000), millicores(50, 4))
	assert.Equal(t, int64(0), millicores(0, 8))
}
