package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"fleet/api/model"
)

// Executor carries out one task. A returned error fails the task with its
// message; otherwise the output is reported with completion.
type Executor interface {
	Execute(ctx context.Context, task model.Task) (string, error)
}

type ExecutorFunc func(ctx context.Context, task model.Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task model.Task) (string, error) {
	return f(ctx, task)
}

// LogExecutor logs each task and completes it.
type LogExecutor struct{}

func (LogExecutor) Execute(ctx context.Context, t model.Task) (string, error) {
	ev := log.Info().Str("component", "agent").
		Str("task", t.ID).
		Str("type", string(t.Type)).
		Str("resource", string(t.ResourceType)+"/"+t.ResourceID)
	if t.Context != nil && t.Context.Error != "" {
		ev = ev.Str("contextError", t.Context.Error)
	}
	ev.Msg("task received")
	return fmt.Sprintf("%s %s/%s: no-op", t.Type, t.ResourceType, t.ResourceID), nil
}
