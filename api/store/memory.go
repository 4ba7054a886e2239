package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleet/api/model"
	"fleet/api/registry"
	"fleet/api/tasks"
)

// Memory is a process-local store with the same atomicity guarantees as the
// Postgres store. It backs tests and `database_url: memory` development runs.
type Memory struct {
	mu     sync.Mutex
	nodes  map[string]*model.Node
	tokens map[string]*memToken
	tasks  map[string]*model.Task
	seq    int64
}

type memToken struct {
	tok  model.RegistrationToken
	hash string
}

func NewMemory() *Memory {
	return &Memory{
		nodes:  make(map[string]*model.Node),
		tokens: make(map[string]*memToken),
		tasks:  make(map[string]*model.Task),
	}
}

// --- Nodes ---

func (m *Memory) CreateToken(_ context.Context, tok *model.RegistrationToken, tokenHash string, node *model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.ID]; ok {
		return fmt.Errorf("node %s already exists", node.ID)
	}
	n := *node
	m.nodes[n.ID] = &n
	t := *tok
	t.Token = ""
	m.tokens[tokenHash] = &memToken{tok: t, hash: tokenHash}
	return nil
}

func (m *Memory) ConsumeToken(_ context.Context, tokenHash string, reg model.Registration, secret string, now time.Time) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.tokens[tokenHash]
	if !ok || mt.tok.UsedAt != nil || !now.Before(mt.tok.ExpiresAt) {
		return nil, model.ErrInvalidToken
	}
	n, ok := m.nodes[mt.tok.NodeID]
	if !ok {
		return nil, model.ErrInvalidToken
	}
	used := now
	mt.tok.UsedAt = &used

	if reg.Name != "" {
		n.Name = reg.Name
	}
	n.Hostname = reg.Hostname
	n.Capacity = reg.Capacity()
	n.Secret = secret
	n.Status = model.NodeOnline
	hb := now
	n.LastHeartbeat = &hb
	n.UpdatedAt = now
	return copyNode(n), nil
}

func (m *Memory) GetNode(_ context.Context, id string) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	return copyNode(n), nil
}

func (m *Memory) ListNodes(_ context.Context, f registry.NodeFilter) ([]model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Node
	for _, n := range m.nodes {
		if f.Region != "" && n.Region != f.Region {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		out = append(out, *copyNode(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) RecordHeartbeat(_ context.Context, id string, u model.Usage, at time.Time) (*model.Node, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false, nil
	}
	wasOffline := n.Status == model.NodeOffline
	n.Usage = u
	hb := at
	n.LastHeartbeat = &hb
	n.UpdatedAt = at
	if wasOffline {
		n.Status = model.NodeOnline
	}
	return copyNode(n), wasOffline, nil
}

func (m *Memory) MarkNodeOnline(_ context.Context, id string, at time.Time) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok || n.Status != model.NodeOffline {
		return nil, nil
	}
	n.Status = model.NodeOnline
	n.UpdatedAt = at
	return copyNode(n), nil
}

func (m *Memory) MarkNodeOffline(_ context.Context, id string, at, staleBefore time.Time) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok || n.Status != model.NodeOnline {
		return nil, nil
	}
	if !staleBefore.IsZero() && n.LastHeartbeat != nil && !n.LastHeartbeat.Before(staleBefore) {
		return nil, nil
	}
	n.Status = model.NodeOffline
	n.UpdatedAt = at
	return copyNode(n), nil
}

func (m *Memory) StaleNodes(_ context.Context, cutoff time.Time) ([]model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Node
	for _, n := range m.nodes {
		if n.Status != model.NodeOnline || n.Override == model.OverrideDisabled {
			continue
		}
		if n.LastHeartbeat == nil || n.LastHeartbeat.Before(cutoff) {
			out = append(out, *copyNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetNodeOverride(_ context.Context, id string, o model.NodeOverride, at time.Time) (*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	n.Override = o
	n.UpdatedAt = at
	return copyNode(n), nil
}

func (m *Memory) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	for h, mt := range m.tokens {
		if mt.tok.NodeID == id {
			delete(m.tokens, h)
		}
	}
	return nil
}

// --- Tasks ---

func (m *Memory) InsertTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.seq++
	t.Seq = m.seq
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasks(_ context.Context, f tasks.Filter) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.tasks {
		if f.NodeID != "" && t.NodeID != f.NodeID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ResourceType != "" && t.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && t.ResourceID != f.ResourceID {
			continue
		}
		out = append(out, *copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) NodeTasks(_ context.Context, nodeID string, statuses []model.TaskStatus, limit int) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[model.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []model.Task
	for _, t := range m.tasks {
		if t.NodeID == nodeID && want[t.Status] {
			out = append(out, *copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TransitionTask(_ context.Context, id string, from, to model.TaskStatus, at time.Time, output, errMsg string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return nil, nil
	}
	t.Status = to
	stamp := at
	switch to {
	case model.TaskSent:
		t.SentAt = &stamp
	case model.TaskAcknowledged:
		t.AcknowledgedAt = &stamp
	case model.TaskInProgress:
		t.StartedAt = &stamp
	case model.TaskCompleted:
		t.FinishedAt = &stamp
		t.Output = output
	case model.TaskFailed:
		t.FinishedAt = &stamp
		t.Error = errMsg
	}
	return copyTask(t), nil
}

func (m *Memory) CancelTasks(_ context.Context, f tasks.CancelFilter, marker string, at time.Time) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if f.NodeID != "" && t.NodeID != f.NodeID {
			continue
		}
		if f.ResourceType != "" && (t.ResourceType != f.ResourceType || t.ResourceID != f.ResourceID) {
			continue
		}
		stamp := at
		t.Status = model.TaskFailed
		t.Error = marker
		t.FinishedAt = &stamp
		out = append(out, *copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) CountOpenTasks(_ context.Context, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.NodeID == nodeID && !t.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) TerminalTasksBefore(_ context.Context, cutoff time.Time, limit int) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.tasks {
		if t.Status.IsTerminal() && t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
			out = append(out, *copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteTerminalTasks(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.Status.IsTerminal() {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func copyNode(n *model.Node) *model.Node {
	c := *n
	if n.LastHeartbeat != nil {
		hb := *n.LastHeartbeat
		c.LastHeartbeat = &hb
	}
	return &c
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	c.Context = nil
	return &c
}
