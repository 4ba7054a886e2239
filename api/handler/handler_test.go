package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/api/channel"
	"fleet/api/hub"
	"fleet/api/model"
	"fleet/api/registry"
	"fleet/api/retention"
	"fleet/api/scheduler"
	"fleet/api/store"
	"fleet/api/tasks"
)

const opToken = "op-secret"

type testServer struct {
	*httptest.Server
	reg   *registry.Registry
	queue   *tasks.Queue
	hub     *channel.Hub
	sweeper *retention.Sweeper
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	reg := registry.New(mem, registry.Options{})
	queue := tasks.New(mem, reg, tasks.Options{})
	ch := channel.New(reg, queue, channel.Options{PingInterval: time.Hour})
	sweeper, err := retention.New(queue, "", 30)
	require.NoError(t, err)
	ev := hub.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go ev.Run(ctx)

	h := New(Deps{Registry: reg, Queue: queue, Scheduler: scheduler.New(reg), Channel: ch, Events: ev, Retention: sweeper, Version: "test"})
	r := chi.NewRouter()
	h.Mount(r, BearerAuth(opToken))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ch.Close()
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, reg: reg, queue: queue, hub: ch, sweeper: sweeper}
}

type request struct {
	method  string
	path    string
	body    interface{}
	headers map[string]string
}

func (s *testServer) do(t *testing.T, req request, out interface{}) int {
	t.Helper()
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	r, err := http.NewRequest(req.method, s.URL+req.path, body)
	require.NoError(t, err)
	for k, v := range req.headers {
		r.Header.Set(k, v)
	}
	resp, err := s.Client().Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func operator() map[string]string {
	return map[string]string{"Authorization": "Bearer " + opToken}
}

type agentCreds struct {
	nodeID string
	token  string
}

func (a agentCreds) headers() map[string]string {
	return map[string]string{"X-Node-ID": a.nodeID, "Authorization": "Bearer " + a.token}
}

func (s *testServer) registerNode(t *testing.T, region string, capacity int64) agentCreds {
	t.Helper()
	var tok issueTokenResponse
	code := s.do(t, request{method: "POST", path: "/api/tokens", body: issueTokenRequest{Org: "acme", Region: region}, headers: operator()}, &tok)
	require.Equal(t, http.StatusCreated, code)

	var reg registerResponse
	code = s.do(t, request{method: "POST", path: "/api/agent/register", body: model.Registration{
		Token: tok.Token, CPUTotal: capacity, MemoryTotal: capacity, DiskTotal: capacity,
	}}, &reg)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, tok.NodeID, reg.NodeID)
	require.NotEmpty(t, reg.Secret)

	token, err := registry.SignSession(reg.NodeID, reg.Secret, time.Hour, time.Now())
	require.NoError(t, err)
	return agentCreds{nodeID: reg.NodeID, token: token}
}

func (s *testServer) enqueue(t *testing.T, nodeID, resource string) TaskView {
	t.Helper()
	var view TaskView
	code := s.do(t, request{method: "POST", path: "/api/tasks", headers: operator(), body: model.TaskRequest{
		NodeID: nodeID, Type: model.TaskDeploy, ResourceType: model.ResourceApplication, ResourceID: resource,
	}}, &view)
	require.Equal(t, http.StatusCreated, code)
	return view
}

func TestAgentPullFlow(t *testing.T) {
	s := newTestServer(t)
	node := s.registerNode(t, "eu", 4000)

	code := s.do(t, request{method: "POST", path: "/api/agent/heartbeat", headers: node.headers(),
		body: model.Heartbeat{CPUUsed: 100, MemoryUsed: 200, DiskUsed: 300, ContainerCount: 1}}, nil)
	assert.Equal(t, http.StatusNoContent, code)

	view := s.enqueue(t, node.nodeID, "web")
	assert.False(t, view.Delivered)
	assert.Equal(t, model.TaskPending, view.Status)

	var claimed []model.Task
	code = s.do(t, request{method: "GET", path: "/api/agent/tasks", headers: node.headers()}, &claimed)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.TaskSent, claimed[0].Status)

	for _, st := range []model.TaskStatus{model.TaskAcknowledged, model.TaskInProgress, model.TaskCompleted} {
		code = s.do(t, request{method: "POST", path: "/api/agent/tasks/" + view.ID + "/status", headers: node.headers(),
			body: statusRequest{Status: st, Output: "ok"}}, nil)
		require.Equal(t, http.StatusOK, code, st)
	}

	var got model.Task
	code = s.do(t, request{method: "GET", path: "/api/tasks/" + view.ID, headers: operator()}, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, "ok", got.Output)

	// Terminal tasks accept nothing further.
	code = s.do(t, request{method: "POST", path: "/api/agent/tasks/" + view.ID + "/status", headers: node.headers(),
		body: statusRequest{Status: model.TaskFailed}}, nil)
	assert.Equal(t, http.StatusConflict, code)

	var views []NodeView
	code = s.do(t, request{method: "GET", path: "/api/nodes?region=eu", headers: operator()}, &views)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, views, 1)
	assert.Equal(t, int64(200), views[0].Usage.MemoryMB)
	assert.False(t, views[0].Reachable)
}

func TestOperatorAuth(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, request{method: "GET", path: "/api/nodes"}, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, request{method: "GET", path: "/api/nodes",
		headers: map[string]string{"Authorization": "Bearer wrong"}}, nil))
	assert.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/nodes", headers: operator()}, nil))
	assert.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/health"}, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, request{method: "POST", path: "/api/agent/register",
		body: model.Registration{Token: "bogus", CPUTotal: 1, MemoryTotal: 1, DiskTotal: 1}}, nil))
}

func TestHealthReportsRetention(t *testing.T) {
	s := newTestServer(t)

	var before healthResponse
	require.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/health"}, &before))
	assert.Equal(t, "healthy", before.Status)
	require.NotNil(t, before.Retention)
	assert.Nil(t, before.Retention.LastRun)

	_, err := s.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	var after healthResponse
	require.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/health"}, &after))
	require.NotNil(t, after.Retention)
	assert.NotNil(t, after.Retention.LastRun)
	assert.Equal(t, int64(0), after.Retention.Deleted)
	assert.Empty(t, after.Retention.Error)
}

func TestNodeAuth(t *testing.T) {
	s := newTestServer(t)
	a := s.registerNode(t, "eu", 4000)
	b := s.registerNode(t, "eu", 4000)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, request{method: "GET", path: "/api/agent/tasks"}, nil))
	// A's token claiming to be B.
	forged := agentCreds{nodeID: b.nodeID, token: a.token}
	assert.Equal(t, http.StatusUnauthorized, s.do(t, request{method: "GET", path: "/api/agent/tasks", headers: forged.headers()}, nil))
	// The operator token is not a node session.
	assert.Equal(t, http.StatusUnauthorized, s.do(t, request{method: "GET", path: "/api/agent/tasks",
		headers: map[string]string{"X-Node-ID": a.nodeID, "Authorization": "Bearer " + opToken}}, nil))
}

func TestForeignStatusReport(t *testing.T) {
	s := newTestServer(t)
	a := s.registerNode(t, "eu", 4000)
	b := s.registerNode(t, "eu", 4000)
	view := s.enqueue(t, a.nodeID, "web")

	code := s.do(t, request{method: "POST", path: "/api/agent/tasks/" + view.ID + "/status", headers: b.headers(),
		body: statusRequest{Status: model.TaskAcknowledged}}, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code = s.do(t, request{method: "POST", path: "/api/agent/tasks/missing/status", headers: b.headers(),
		body: statusRequest{Status: model.TaskAcknowledged}}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestServer(t)
	node := s.registerNode(t, "eu", 4000)

	code := s.do(t, request{method: "POST", path: "/api/tasks", headers: operator(), body: model.TaskRequest{
		NodeID: "ghost", Type: model.TaskDeploy, ResourceType: model.ResourceApplication, ResourceID: "web",
	}}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = s.do(t, request{method: "POST", path: "/api/tasks", headers: operator(), body: model.TaskRequest{
		NodeID: node.nodeID, Type: "explode", ResourceType: model.ResourceApplication, ResourceID: "web",
	}}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	r, err := http.NewRequest("POST", s.URL+"/api/tasks", strings.NewReader("{not json"))
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+opToken)
	resp, err := s.Client().Do(r)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnqueuePushesToConnectedNode(t *testing.T) {
	s := newTestServer(t)
	node := s.registerNode(t, "eu", 4000)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/agent/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(channel.Frame{Type: channel.FrameHello, NodeID: node.nodeID, Token: node.token}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello channel.Frame
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, channel.FrameHello, hello.Type)

	view := s.enqueue(t, node.nodeID, "web")
	assert.True(t, view.Delivered)
	assert.Equal(t, model.TaskSent, view.Status)

	var f channel.Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, channel.FrameTask, f.Type)
	assert.Equal(t, view.ID, f.Task.ID)

	var got NodeView
	require.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/nodes/" + node.nodeID, headers: operator()}, &got))
	assert.True(t, got.Reachable)
}

func TestRemoveNode(t *testing.T) {
	s := newTestServer(t)
	node := s.registerNode(t, "eu", 4000)
	view := s.enqueue(t, node.nodeID, "web")

	path := "/api/nodes/" + node.nodeID
	assert.Equal(t, http.StatusConflict, s.do(t, request{method: "DELETE", path: path, headers: operator()}, nil))

	var out map[string]int
	require.Equal(t, http.StatusOK, s.do(t, request{method: "DELETE", path: path + "?drain=true", headers: operator()}, &out))
	assert.Equal(t, 1, out["cancelled"])

	var task model.Task
	require.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/tasks/" + view.ID, headers: operator()}, &task))
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, model.DrainedMarker, task.Error)

	assert.Equal(t, http.StatusNotFound, s.do(t, request{method: "GET", path: path, headers: operator()}, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, request{method: "DELETE", path: path, headers: operator()}, nil))
}

func TestOverrideAndSchedule(t *testing.T) {
	s := newTestServer(t)
	small := s.registerNode(t, "eu", 1000)
	big := s.registerNode(t, "eu", 8000)
	require.Equal(t, http.StatusNoContent, s.do(t, request{method: "POST", path: "/api/agent/heartbeat", headers: small.headers(),
		body: model.Heartbeat{CPUUsed: 500, MemoryUsed: 500, DiskUsed: 500}}, nil))

	var resp scheduleResponse
	req := scheduleRequest{Region: "eu", Capacity: model.Capacity{CPUMillicores: 500, MemoryMB: 500, DiskMB: 500}}
	require.Equal(t, http.StatusOK, s.do(t, request{method: "POST", path: "/api/schedule", headers: operator(), body: req}, &resp))
	assert.Equal(t, big.nodeID, resp.NodeID)

	var view NodeView
	require.Equal(t, http.StatusOK, s.do(t, request{method: "PUT", path: "/api/nodes/" + big.nodeID + "/override", headers: operator(),
		body: overrideRequest{Override: model.OverrideMaintenance}}, &view))
	assert.Equal(t, model.OverrideMaintenance, view.Override)

	req.Explain = true
	resp = scheduleResponse{}
	require.Equal(t, http.StatusOK, s.do(t, request{method: "POST", path: "/api/schedule", headers: operator(), body: req}, &resp))
	assert.Equal(t, small.nodeID, resp.NodeID)
	assert.Len(t, resp.Candidates, 1)

	req.Capacity.CPUMillicores = 2000
	req.Explain = false
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, request{method: "POST", path: "/api/schedule", headers: operator(), body: req}, nil))

	assert.Equal(t, http.StatusBadRequest, s.do(t, request{method: "PUT", path: "/api/nodes/" + big.nodeID + "/override", headers: operator(),
		body: overrideRequest{Override: "paused"}}, nil))
}

func TestCancelAndListTasks(t *testing.T) {
	s := newTestServer(t)
	node := s.registerNode(t, "eu", 4000)
	s.enqueue(t, node.nodeID, "web")
	s.enqueue(t, node.nodeID, "web")
	s.enqueue(t, node.nodeID, "api")

	var out map[string]int
	require.Equal(t, http.StatusOK, s.do(t, request{method: "POST", path: "/api/tasks/cancel", headers: operator(),
		body: cancelRequest{ResourceType: model.ResourceApplication, ResourceID: "web"}}, &out))
	assert.Equal(t, 2, out["cancelled"])

	var failed []model.Task
	require.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/tasks?status=failed&node=" + node.nodeID, headers: operator()}, &failed))
	assert.Len(t, failed, 2)

	var pending []model.Task
	require.Equal(t, http.StatusOK, s.do(t, request{method: "GET", path: "/api/tasks?status=pending&resourceId=api", headers: operator()}, &pending))
	assert.Len(t, pending, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, request{method: "GET", path: "/api/tasks?status=bogus", headers: operator()}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, request{method: "POST", path: "/api/tasks/cancel", headers: operator(),
		body: cancelRequest{ResourceType: "vm", ResourceID: "x"}}, nil))
}

func TestValidateID(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(t, request{method: "GET", path: "/api/nodes/bad$id", headers: operator()}, nil))
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		model.ErrInvalidToken:      http.StatusUnauthorized,
		model.ErrAuthFailed:        http.StatusUnauthorized,
		model.ErrForeignTask:       http.StatusForbidden,
		model.ErrUnknownNode:       http.StatusNotFound,
		model.ErrUnknownTask:       http.StatusNotFound,
		model.ErrInvalidTransition: http.StatusConflict,
		model.ErrNodeBusy:          http.StatusConflict,
		model.ErrNoCapacity:        http.StatusServiceUnavailable,
		model.ErrInvalidCapacity:   http.StatusBadRequest,
		io.ErrUnexpectedEOF:        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
