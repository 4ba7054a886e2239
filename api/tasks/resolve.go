package tasks

import (
	"context"

	"fleet/api/model"
)

// Resolver produces the runtime context of one kind of task.
type Resolver interface {
	Resolve(ctx context.Context, t *model.Task) (*model.TaskContext, error)
}

type ResolverFunc func(ctx context.Context, t *model.Task) (*model.TaskContext, error)

func (f ResolverFunc) Resolve(ctx context.Context, t *model.Task) (*model.TaskContext, error) {
	return f(ctx, t)
}

// Source is where the current configuration of a resource lives.
type Source interface {
	Application(ctx context.Context, id string) (*model.ApplicationContext, error)
	Database(ctx context.Context, id string) (*model.DatabaseContext, error)
}

type resolverKey struct {
	resource model.ResourceType
	task     model.TaskType
}

// Resolvers maps (resource type, task type) to a resolver. Task types without
// an entry are delivered with their stored payload only.
type Resolvers struct {
	m map[resolverKey]Resolver
}

func NewResolvers() *Resolvers {
	return &Resolvers{m: make(map[resolverKey]Resolver)}
}

func (r *Resolvers) Register(rt model.ResourceType, res Resolver, types ...model.TaskType) {
	for _, tt := range types {
		r.m[resolverKey{rt, tt}] = res
	}
}

func (r *Resolvers) lookup(rt model.ResourceType, tt model.TaskType) Resolver {
	return r.m[resolverKey{rt, tt}]
}

// DefaultResolvers wires the task types that need runtime context to src.
// Stop and delete carry nothing beyond the resource id.
func DefaultResolvers(src Source) *Resolvers {
	r := NewResolvers()
	r.Register(model.ResourceApplication, ResolverFunc(func(ctx context.Context, t *model.Task) (*model.TaskContext, error) {
		app, err := src.Application(ctx, t.ResourceID)
		if err != nil {
			return nil, err
		}
		return &model.TaskContext{Kind: model.ResourceApplication, Application: app}, nil
	}), model.TaskDeploy, model.TaskRestart, model.TaskStart, model.TaskScale)

	r.Register(model.ResourceDatabase, ResolverFunc(func(ctx context.Context, t *model.Task) (*model.TaskContext, error) {
		db, err := src.Database(ctx, t.ResourceID)
		if err != nil {
			return nil, err
		}
		return &model.TaskContext{Kind: model.ResourceDatabase, Database: db}, nil
	}), model.TaskDeploy, model.TaskRestart, model.TaskStart, model.TaskBackup, model.TaskRestore)
	return r
}
