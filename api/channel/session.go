package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fleet/api/events"
	"fleet/api/model"
)

type state int

const (
	stateConnecting state = iota
	stateAuthenticated
	stateActive
	stateClosed
)

const writeWait = 10 * time.Second

type session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Frame
	done chan struct{}

	nodeID string

	mu        sync.Mutex
	state     state
	delivered map[string]bool
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn) *session {
	return &session{
		hub:       h,
		conn:      conn,
		send:      make(chan Frame, h.sendBuffer),
		done:      make(chan struct{}),
		delivered: make(map[string]bool),
	}
}

func (s *session) run() {
	defer s.conn.Close()

	node, err := s.authenticate()
	if err != nil {
		log.Warn().Err(err).Str("component", "channel").Str("remote", s.conn.RemoteAddr().String()).Msg("session rejected")
		s.rejectAuth(err)
		return
	}
	s.nodeID = node.ID
	s.setState(stateAuthenticated)

	if !s.hub.attach(s) {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.cleanup()

	ctx := s.hub.ctx
	unlock := s.hub.lockLiveness(s.nodeID)
	if err := s.hub.registry.MarkOnline(ctx, s.nodeID); err != nil {
		log.Error().Err(err).Str("component", "channel").Str("node", s.nodeID).Msg("mark online")
	}
	unlock()
	log.Info().Str("component", "channel").Str("node", s.nodeID).Str("region", node.Region).Msg("session open")

	go s.writePump()
	s.activate()
	s.flush(ctx)
	s.readPump(ctx)
}

func (s *session) authenticate() (*model.Node, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.hub.authTimeout))
	var hello Frame
	if err := s.conn.ReadJSON(&hello); err != nil {
		return nil, err
	}
	s.hub.metrics.FrameReceived(string(hello.Type))
	if hello.Type != FrameHello {
		return nil, errors.New("first frame must be hello")
	}
	ctx, cancel := context.WithTimeout(s.hub.ctx, s.hub.authTimeout)
	defer cancel()
	return s.hub.registry.VerifySession(ctx, hello.NodeID, hello.Token)
}

// activate queues the hello reply and opens the session for deliveries in
// one step, so no task frame can precede the hello.
func (s *session) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateActive
	s.send <- Frame{Type: FrameHello, NodeID: s.nodeID}
}

func (s *session) rejectAuth(err error) {
	reason := model.ErrAuthFailed.Error()
	if !errors.Is(err, model.ErrAuthFailed) {
		reason = err.Error()
	}
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(CloseAuthFailed, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.setState(stateClosed)
}

// flush delivers the node's backlog in priority then FIFO order, paging
// through pending tasks until none are left.
func (s *session) flush(ctx context.Context) {
	backlog, err := s.hub.queue.Claim(ctx, s.nodeID, s.hub.flushLimit)
	if err != nil {
		log.Error().Err(err).Str("component", "channel").Str("node", s.nodeID).Msg("flush backlog")
		return
	}
	total := 0
	for len(backlog) > 0 {
		for _, t := range backlog {
			if !s.deliver(t) {
				return
			}
		}
		total += len(backlog)
		backlog, err = s.hub.queue.ClaimPending(ctx, s.nodeID, s.hub.flushLimit)
		if err != nil {
			log.Error().Err(err).Str("component", "channel").Str("node", s.nodeID).Msg("flush backlog")
			return
		}
	}
	if total > 0 {
		log.Info().Str("component", "channel").Str("node", s.nodeID).Int("tasks", total).Msg("backlog flushed")
	}
}

// deliver pushes t unless this session already delivered it. Task frames
// wait for room in the send buffer so writePump paces a large flush.
func (s *session) deliver(t model.Task) bool {
	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return false
	}
	if s.delivered[t.ID] {
		s.mu.Unlock()
		return true
	}
	s.delivered[t.ID] = true
	s.mu.Unlock()

	if !s.enqueueWait(Frame{Type: FrameTask, Task: &t}) {
		return false
	}
	s.hub.metrics.TaskDelivered()
	return true
}

// enqueueWait blocks until f is buffered or the session ends. A consumer that
// takes no frame for a whole write timeout is closed; its sent tasks are
// re-flushed on reconnect.
func (s *session) enqueueWait(f Frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	default:
	}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		log.Warn().Str("component", "channel").Str("node", s.nodeID).Msg("send buffer stalled, closing session")
		s.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

// enqueue never blocks. It carries control frames (pong, error); a session
// whose buffer is full is closed.
func (s *session) enqueue(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	default:
		log.Warn().Str("component", "channel").Str("node", s.nodeID).Msg("send buffer full, closing session")
		s.closeWith(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

func (s *session) readPump(ctx context.Context) {
	readWait := 3 * s.hub.pingInterval
	for {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("component", "channel").Str("node", s.nodeID).Msg("read")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.enqueue(Frame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		s.hub.metrics.FrameReceived(string(f.Type))
		s.handle(ctx, f)
	}
}

func (s *session) handle(ctx context.Context, f Frame) {
	switch f.Type {
	case FramePong:
	case FramePing:
		s.enqueue(Frame{Type: FramePong})
	case FrameHeartbeat:
		if f.Heartbeat == nil {
			s.enqueue(Frame{Type: FrameError, Error: "heartbeat frame without body"})
			return
		}
		if err := s.hub.registry.Heartbeat(ctx, s.nodeID, *f.Heartbeat); err != nil {
			log.Error().Err(err).Str("component", "channel").Str("node", s.nodeID).Msg("heartbeat")
			return
		}
		if len(f.Heartbeat.ApplicationMetrics) > 0 {
			s.hub.metrics.ApplicationMetrics(s.nodeID, f.Heartbeat.ApplicationMetrics)
		}
	case FrameStatus:
		if f.Status == nil {
			s.enqueue(Frame{Type: FrameError, Error: "status frame without body"})
			return
		}
		if _, err := s.hub.queue.Report(ctx, s.nodeID, *f.Status); err != nil {
			log.Warn().Err(err).Str("component", "channel").Str("node", s.nodeID).Str("task", f.Status.TaskID).Msg("status rejected")
			s.enqueue(Frame{Type: FrameError, Error: err.Error()})
		}
	default:
		s.enqueue(Frame{Type: FrameError, Error: "unexpected frame " + string(f.Type)})
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.send:
			if err := s.write(f); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := s.write(Frame{Type: FramePing}); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) write(f Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return err
	}
	s.hub.metrics.FrameSent(string(f.Type))
	return nil
}

// closeWith ends the session once. The read loop unblocks on the closed
// connection and runs cleanup.
func (s *session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(stateClosed)
		close(s.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		s.conn.Close()
	})
}

func (s *session) cleanup() {
	s.closeWith(websocket.CloseNormalClosure, "")
	s.hub.metrics.SessionClosed()
	if !s.hub.detach(s) {
		// Replaced by a newer session of the same node, which owns liveness now.
		return
	}
	unlock := s.hub.lockLiveness(s.nodeID)
	defer unlock()
	if s.hub.IsOnline(s.nodeID) {
		// A newer session attached after this one detached.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.hub.registry.MarkOffline(ctx, s.nodeID, events.ReasonDisconnected); err != nil {
		log.Error().Err(err).Str("component", "channel").Str("node", s.nodeID).Msg("mark offline")
	}
	log.Info().Str("component", "channel").Str("node", s.nodeID).Msg("session closed")
}

func (s *session) setState(st state) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
