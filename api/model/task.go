package model

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskDeploy  TaskType = "deploy"
	TaskRestart TaskType = "restart"
	TaskStop    TaskType = "stop"
	TaskStart   TaskType = "start"
	TaskScale   TaskType = "scale"
	TaskBackup  TaskType = "backup"
	TaskRestore TaskType = "restore"
	TaskDelete  TaskType = "delete"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskDeploy, TaskRestart, TaskStop, TaskStart, TaskScale, TaskBackup, TaskRestore, TaskDelete:
		return true
	}
	return false
}

type ResourceType string

const (
	ResourceApplication ResourceType = "application"
	ResourceDatabase    ResourceType = "database"
)

func (r ResourceType) Valid() bool {
	return r == ResourceApplication || r == ResourceDatabase
}

type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskSent         TaskStatus = "sent"
	TaskAcknowledged TaskStatus = "acknowledged"
	TaskInProgress   TaskStatus = "in_progress"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskSent, TaskAcknowledged, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Previous returns the only status a task may move to s from. Pending has none.
func (s TaskStatus) Previous() (TaskStatus, bool) {
	switch s {
	case TaskSent:
		return TaskPending, true
	case TaskAcknowledged:
		return TaskSent, true
	case TaskInProgress:
		return TaskAcknowledged, true
	case TaskCompleted, TaskFailed:
		return TaskInProgress, true
	}
	return "", false
}

// CanTransition reports whether from -> to is a single forward step.
func CanTransition(from, to TaskStatus) bool {
	prev, ok := to.Previous()
	return ok && prev == from
}

// OpenStatuses are the statuses a task can be cancelled from.
var OpenStatuses = []TaskStatus{TaskPending, TaskSent, TaskAcknowledged, TaskInProgress}

const (
	DefaultPriority = 5
	CancelledMarker = "cancelled: resource deleted"
	DrainedMarker   = "cancelled: node removed"
)

type Task struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"-"`
	NodeID         string          `json:"nodeId"`
	Type           TaskType        `json:"type"`
	ResourceType   ResourceType    `json:"resourceType"`
	ResourceID     string          `json:"resourceId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	Status         TaskStatus      `json:"status"`
	Output         string          `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`

	// Context is resolved when the task is read for delivery and is never stored.
	Context *TaskContext `json:"context,omitempty"`
}

// TaskRequest is the caller-side shape of a new task.
type TaskRequest struct {
	NodeID       string          `json:"nodeId"`
	Type         TaskType        `json:"type"`
	ResourceType ResourceType    `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
}

// StatusReport is what a worker sends about a task it was given.
type StatusReport struct {
	TaskID  string     `json:"taskId"`
	Status  TaskStatus `json:"status"`
	Output  string     `json:"output,omitempty"`
	Message string     `json:"message,omitempty"`
}
