package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Type string

const (
	NodeOffline Type = "node.offline"
	NodeOnline  Type = "node.online"
	TaskStatus  Type = "task.status"
)

// Reasons attached to forced offline transitions.
const (
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonDisconnected     = "disconnected"
)

type Event struct {
	Type   Type      `json:"type"`
	NodeID string    `json:"nodeId"`
	Region string    `json:"region,omitempty"`
	Reason string    `json:"reason,omitempty"`
	TaskID string    `json:"taskId,omitempty"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Notifier consumes events. Implementations must not block the caller for long;
// they are invoked inline from liveness transitions.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}

type Discard struct{}

func (Discard) Notify(context.Context, Event) {}

// Logger writes every event to the process log.
type Logger struct{}

func (Logger) Notify(_ context.Context, evt Event) {
	e := log.Info()
	if evt.Type == NodeOffline {
		e = log.Warn()
	}
	e.Str("component", "events").
		Str("event", string(evt.Type)).
		Str("node", evt.NodeID).
		Str("region", evt.Region).
		Str("reason", evt.Reason).
		Str("task", evt.TaskID).
		Str("status", evt.Status).
		Msg("event")
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns the recorded events of type t, or all of them when t is empty.
func (r *Recorder) Events(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if t == "" || e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
