package channel

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet/api/model"
)

// Registry is the part of the node registry a session drives.
type Registry interface {
	VerifySession(ctx context.Context, nodeID, token string) (*model.Node, error)
	MarkOnline(ctx context.Context, nodeID string) error
	MarkOffline(ctx context.Context, nodeID, reason string) (bool, error)
	Heartbeat(ctx context.Context, nodeID string, hb model.Heartbeat) error
}

// Queue is the part of the task store a session drives.
type Queue interface {
	Claim(ctx context.Context, nodeID string, limit int) ([]model.Task, error)
	ClaimPending(ctx context.Context, nodeID string, limit int) ([]model.Task, error)
	MarkSent(ctx context.Context, id string) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Enrich(ctx context.Context, t *model.Task)
	Report(ctx context.Context, nodeID string, rep model.StatusReport) (*model.Task, error)
}

// Metrics observes channel traffic. Per-application metrics attached to
// heartbeats are forwarded here untouched.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	FrameReceived(t string)
	FrameSent(t string)
	TaskDelivered()
	ApplicationMetrics(nodeID string, m []model.AppMetric)
}

type Options struct {
	PingInterval time.Duration
	AuthTimeout  time.Duration
	SendBuffer   int
	FlushLimit   int
	Metrics      Metrics
}

// Hub owns the in-memory session table. It starts empty on every process
// start; nothing in it is persisted.
type Hub struct {
	registry Registry
	queue    Queue
	metrics  Metrics
	upgrader websocket.Upgrader

	pingInterval time.Duration
	authTimeout  time.Duration
	sendBuffer   int
	flushLimit   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	// liveness serializes a node's MarkOnline and MarkOffline calls across
	// its old and new sessions.
	liveness [64]sync.Mutex
}

func New(registry Registry, queue Queue, opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.FlushLimit <= 0 {
		opts.FlushLimit = 500
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:     registry,
		queue:        queue,
		metrics:      opts.Metrics,
		pingInterval: opts.PingInterval,
		authTimeout:  opts.AuthTimeout,
		sendBuffer:   opts.SendBuffer,
		flushLimit:   opts.FlushLimit,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are not browsers; the hello frame is the auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnect upgrades a worker connection. Authentication happens on the
// first frame, not on the HTTP request.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.RUnlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wg.Done()
		log.Warn().Err(err).Str("component", "channel").Msg("ws upgrade")
		return
	}
	s := newSession(h, conn)
	go func() {
		defer h.wg.Done()
		s.run()
	}()
}

// SendTask pushes a task to the node's open session. It reports false when the
// node has no session; the task then waits for the next connect-time flush.
func (h *Hub) SendTask(ctx context.Context, nodeID string, task *model.Task) bool {
	s := h.session(nodeID)
	if s == nil {
		return false
	}
	t, err := h.queue.MarkSent(ctx, task.ID)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidTransition) {
			log.Error().Err(err).Str("component", "channel").Str("task", task.ID).Msg("mark sent")
			return false
		}
		// Already claimed by the flush of this session.
		cur, gerr := h.queue.Get(ctx, task.ID)
		if gerr != nil || cur.Status != model.TaskSent {
			return false
		}
		t = cur
	}
	h.queue.Enrich(ctx, t)
	return s.deliver(*t)
}

// IsOnline reports whether the node currently holds a session.
func (h *Hub) IsOnline(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[nodeID]
	return ok
}

// Connected lists node ids with an open session.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Disconnect closes the node's session if it has one.
func (h *Hub) Disconnect(nodeID string) {
	if s := h.session(nodeID); s != nil {
		s.closeWith(websocket.CloseNormalClosure, "node removed")
	}
}

// Close ends every session and waits for their cleanup, which marks each
// node offline.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
	h.cancel()
}

func (h *Hub) session(nodeID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[nodeID]
}

// attach makes s the node's session, closing any previous one.
func (h *Hub) attach(s *session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	prev := h.sessions[s.nodeID]
	h.sessions[s.nodeID] = s
	h.mu.Unlock()

	h.metrics.SessionOpened()
	if prev != nil {
		log.Info().Str("component", "channel").Str("node", s.nodeID).Msg("session replaced")
		prev.closeWith(websocket.ClosePolicyViolation, "replaced by a newer session")
	}
	return true
}

// detach removes s from the table and reports whether it was still the
// node's current session.
func (h *Hub) detach(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.nodeID] != s {
		return false
	}
	delete(h.sessions, s.nodeID)
	return true
}

func (h *Hub) lockLiveness(nodeID string) func() {
	f := fnv.New32a()
	f.Write([]byte(nodeID))
	mu := &h.liveness[f.Sum32()%uint32(len(h.liveness))]
	mu.Lock()
	return mu.Unlock
}

type noopMetrics struct{}

func (noopMetrics) SessionOpened()                              {}
func (noopMetrics) SessionClosed()                              {}
func (noopMetrics) FrameReceived(string)                        {}
func (noopMetrics) FrameSent(string)                            {}
func (noopMetrics) TaskDelivered()                              {}
func (noopMetrics) ApplicationMetrics(string, []model.AppMetric) {}
