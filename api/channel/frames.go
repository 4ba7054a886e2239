package channel

import "fleet/api/model"

type FrameType string

const (
	FrameHello     FrameType = "hello"
	FrameTask      FrameType = "task"
	FramePing      FrameType = "ping"
	FramePong      FrameType = "pong"
	FrameHeartbeat FrameType = "heartbeat"
	FrameStatus    FrameType = "status"
	FrameError     FrameType = "error"
)

// CloseAuthFailed is the websocket close code sent when the hello frame does
// not authenticate. Workers should only reconnect with a fresh token.
const CloseAuthFailed = 4001

// Frame is the envelope for every message on the control channel in both
// directions. Only the field matching Type is set.
//
//	worker -> server: hello{nodeId, token}, heartbeat, status, pong, ping
//	server -> worker: hello{nodeId}, task, ping, pong, error
type Frame struct {
	Type      FrameType           `json:"type"`
	NodeID    string              `json:"nodeId,omitempty"`
	Token     string              `json:"token,omitempty"`
	Task      *model.Task         `json:"task,omitempty"`
	Heartbeat *model.Heartbeat    `json:"heartbeat,omitempty"`
	Status    *model.StatusReport `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
}
