package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fleet/api/channel"
	"fleet/api/model"
	"fleet/api/registry"
)

// historyLimit bounds how many tasks the agent remembers reports for.
const historyLimit = 1024

type Options struct {
	HeartbeatInterval time.Duration
	// ReadTimeout closes a session that has been silent this long. The server
	// pings well inside it.
	ReadTimeout time.Duration
	TokenTTL    time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Executor    Executor
	Sampler     Sampler
	Dialer      *websocket.Dialer
}

// Agent keeps one control channel to the fleet API open and runs the tasks
// pushed over it, one at a time in arrival order.
type Agent struct {
	state *State
	opts  Options
	tasks chan model.Task

	mu      sync.Mutex
	outbox  chan channel.Frame
	history map[string][]model.StatusReport
	order   []string
}

func New(state *State, opts Options) *Agent {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.Executor == nil {
		opts.Executor = LogExecutor{}
	}
	if opts.Sampler == nil {
		opts.Sampler = HostSampler{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Agent{
		state:   state,
		opts:    opts,
		tasks:   make(chan model.Task, 256),
		history: make(map[string][]model.StatusReport),
	}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// whenever the channel drops.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.work(ctx)
		return nil
	})
	g.Go(func() error {
		a.connectLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (a *Agent) connectLoop(ctx context.Context) {
	backoff := a.opts.MinBackoff
	for {
		started := time.Now()
		err := a.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > a.opts.MaxBackoff {
			backoff = a.opts.MinBackoff
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == channel.CloseAuthFailed {
			log.Error().Str("component", "agent").Str("node", a.state.NodeID).Str("reason", ce.Text).Msg("control plane rejected credentials")
			backoff = a.opts.MaxBackoff
		} else {
			log.Warn().Err(err).Str("component", "agent").Dur("retry", backoff).Msg("control channel lost")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
		if backoff > a.opts.MaxBackoff {
			backoff = a.opts.MaxBackoff
		}
	}
}

// jitter spreads reconnects over [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half))
}

func connectURL(api string) string {
	u := strings.TrimRight(api, "/") + "/api/agent/connect"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (a *Agent) session(ctx context.Context) error {
	conn, _, err := a.opts.Dialer.DialContext(ctx, connectURL(a.state.APIURL), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	token, err := registry.SignSession(a.state.NodeID, a.state.Secret, a.opts.TokenTTL, time.Now())
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(channel.Frame{Type: channel.FrameHello, NodeID: a.state.NodeID, Token: token}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello channel.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return err
	}
	if hello.Type != channel.FrameHello {
		return fmt.Errorf("expected hello, got %s", hello.Type)
	}
	log.Info().Str("component", "agent").Str("node", a.state.NodeID).Msg("control channel open")

	out := make(chan channel.Frame, 64)
	a.setOutbox(out)
	defer a.setOutbox(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.writeLoop(gctx, conn, out) })
	g.Go(func() error { return a.readLoop(gctx, conn, out) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (a *Agent) setOutbox(out chan channel.Frame) {
	a.mu.Lock()
	a.outbox = out
	a.mu.Unlock()
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- channel.Frame) error {
	for {
		conn.SetReadDeadline(time.Now().Add(a.opts.ReadTimeout))
		var f channel.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case channel.FramePing:
			select {
			case out <- channel.Frame{Type: channel.FramePong}:
			default:
			}
		case channel.FrameTask:
			if f.Task == nil {
				continue
			}
			if !a.accept(ctx, *f.Task) {
				return ctx.Err()
			}
		case channel.FrameError:
			log.Warn().Str("component", "agent").Str("error", f.Error).Msg("server error frame")
		}
	}
}

func (a *Agent) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan channel.Frame) error {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	if err := a.heartbeat(ctx, conn); err != nil {
		return err
	}
	for {
		select {
		case f := <-out:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(f); err != nil {
				return err
			}
		case <-ticker.C:
			if err := a.heartbeat(ctx, conn); err != nil {
				return err
			}
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return ctx.Err()
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	hb, err := a.opts.Sampler.Sample(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "agent").Msg("usage sample")
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(channel.Frame{Type: channel.FrameHeartbeat, Heartbeat: &hb})
}

// accept hands a new task to the worker. A task delivered again (the server
// never saw our acknowledgement) gets its recorded reports replayed instead
// of running twice.
func (a *Agent) accept(ctx context.Context, t model.Task) bool {
	a.mu.Lock()
	past, seen := a.history[t.ID]
	if !seen {
		a.remember(t.ID)
	}
	replay := append([]model.StatusReport(nil), past...)
	a.mu.Unlock()

	if seen {
		log.Info().Str("component", "agent").Str("task", t.ID).Int("reports", len(replay)).Msg("redelivered task, replaying reports")
		for _, rep := range replay {
			a.send(ctx, rep)
		}
		return true
	}
	select {
	case a.tasks <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// remember must be called with a.mu held.
func (a *Agent) remember(id string) {
	a.history[id] = nil
	a.order = append(a.order, id)
	if len(a.order) > historyLimit {
		delete(a.history, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *Agent) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-a.tasks:
			a.runTask(ctx, t)
		}
	}
}

func (a *Agent) runTask(ctx context.Context, t model.Task) {
	a.report(ctx, model.StatusReport{TaskID: t.ID, Status: model.TaskAcknowledged})
	a.report(ctx, model.StatusReport{TaskID: t.ID, Status: model.TaskInProgress})
	output, err := a.opts.Executor.Execute(ctx, t)
	if err != nil {
		log.Warn().Err(err).Str("component", "agent").Str("task", t.ID).Msg("task failed")
		a.report(ctx, model.StatusReport{TaskID: t.ID, Status: model.TaskFailed, Message: err.Error()})
		return
	}
	a.report(ctx, model.StatusReport{TaskID: t.ID, Status: model.TaskCompleted, Output: output})
}

// report records rep for replay and sends it.
func (a *Agent) report(ctx context.Context, rep model.StatusReport) {
	a.mu.Lock()
	if past, ok := a.history[rep.TaskID]; ok {
		a.history[rep.TaskID] = append(past, rep)
	}
	a.mu.Unlock()
	a.send(ctx, rep)
}

// send prefers the open channel and falls back to the REST path.
func (a *Agent) send(ctx context.Context, rep model.StatusReport) {
	a.mu.Lock()
	out := a.outbox
	a.mu.Unlock()
	if out != nil {
		select {
		case out <- channel.Frame{Type: channel.FrameStatus, Status: &rep}:
			return
		default:
		}
	}
	if err := reportHTTP(ctx, a.state, a.opts.TokenTTL, rep); err != nil {
		log.Warn().Err(err).Str("component", "agent").Str("task", rep.TaskID).Str("status", string(rep.Status)).Msg("report status")
	}
}
