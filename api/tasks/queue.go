package tasks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fleet/api/events"
	"fleet/api/model"
)

// Store is the durable task queue. TransitionTask is a single
// check-and-set: it applies only while the stored status equals from.
type Store interface {
	InsertTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f Filter) ([]model.Task, error)
	// NodeTasks returns the node's tasks in the given statuses ordered by
	// (priority asc, created_at asc, insertion order).
	NodeTasks(ctx context.Context, nodeID string, statuses []model.TaskStatus, limit int) ([]model.Task, error)
	TransitionTask(ctx context.Context, id string, from, to model.TaskStatus, at time.Time, output, errMsg string) (*model.Task, error)
	// CancelTasks moves every non-terminal task matching f to failed with marker as its error.
	CancelTasks(ctx context.Context, f CancelFilter, marker string, at time.Time) ([]model.Task, error)
	CountOpenTasks(ctx context.Context, nodeID string) (int, error)
	TerminalTasksBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Task, error)
	// DeleteTerminalTasks deletes the given tasks, skipping any that are not terminal.
	DeleteTerminalTasks(ctx context.Context, ids []string) (int64, error)
}

type Filter struct {
	NodeID       string
	Status       model.TaskStatus
	ResourceType model.ResourceType
	ResourceID   string
	Limit        int
}

// CancelFilter selects by node, by resource, or both.
type CancelFilter struct {
	NodeID       string
	ResourceType model.ResourceType
	ResourceID   string
}

// NodeLookup is the only thing the queue needs from the registry.
type NodeLookup interface {
	Get(ctx context.Context, id string) (*model.Node, error)
}

// Archiver receives terminal tasks right before the retention sweep deletes them.
type Archiver interface {
	ArchiveTasks(ctx context.Context, tasks []model.Task) error
}

type Options struct {
	Resolvers *Resolvers
	Notifier  events.Notifier
	Archiver  Archiver
	Now       func() time.Time
}

const (
	defaultLimit = 100
	purgeBatch   = 500
)

type Queue struct {
	store     Store
	nodes     NodeLookup
	resolvers *Resolvers
	notifier  events.Notifier
	archiver  Archiver
	now       func() time.Time
}

func New(store Store, nodes NodeLookup, opts Options) *Queue {
	q := &Queue{
		store:     store,
		nodes:     nodes,
		resolvers: opts.Resolvers,
		notifier:  opts.Notifier,
		archiver:  opts.Archiver,
		now:       opts.Now,
	}
	if q.notifier == nil {
		q.notifier = events.Discard{}
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Enqueue stores a new pending task for an existing node. Liveness is not checked.
func (q *Queue) Enqueue(ctx context.Context, req model.TaskRequest) (*model.Task, error) {
	if !req.Type.Valid() || !req.ResourceType.Valid() || req.ResourceID == "" {
		return nil, fmt.Errorf("%w: type=%q resourceType=%q resourceId=%q", model.ErrInvalidTask, req.Type, req.ResourceType, req.ResourceID)
	}
	node, err := q.nodes.Get(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, model.ErrUnknownNode
	}

	priority := model.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	t := &model.Task{
		ID:           uuid.New().String(),
		NodeID:       req.NodeID,
		Type:         req.Type,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Payload:      req.Payload,
		Priority:     priority,
		Status:       model.TaskPending,
		CreatedAt:    q.now(),
	}
	if err := q.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	// A node removed between the lookup and the insert would strand the task.
	// Removal cancels after deleting, so one of the two sides always sees it.
	if node, err := q.nodes.Get(ctx, req.NodeID); err == nil && node == nil {
		if _, err := q.cancel(ctx, CancelFilter{NodeID: req.NodeID}, model.DrainedMarker); err != nil {
			log.Error().Err(err).Str("component", "tasks").Str("task", t.ID).Msg("cancel task of removed node")
		}
		return nil, model.ErrUnknownNode
	}
	log.Info().Str("component", "tasks").Str("task", t.ID).Str("node", t.NodeID).
		Str("type", string(t.Type)).Int("priority", t.Priority).Msg("task enqueued")
	return t, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*model.Task, error) {
	t, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, model.ErrUnknownTask
	}
	return t, nil
}

func (q *Queue) List(ctx context.Context, f Filter) ([]model.Task, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	return q.store.ListTasks(ctx, f)
}

// PendingForNode returns the node's pending tasks in delivery order, each
// enriched with the current configuration of its resource.
func (q *Queue) PendingForNode(ctx context.Context, nodeID string, limit int) ([]model.Task, error) {
	ts, err := q.store.NodeTasks(ctx, nodeID, []model.TaskStatus{model.TaskPending}, orDefault(limit))
	if err != nil {
		return nil, err
	}
	q.enrichAll(ctx, ts)
	return ts, nil
}

// Claim returns everything a node should currently hold: up to limit tasks
// already sent whose delivery may have been lost, plus up to limit pending
// tasks, which are marked sent. The two windows are separate so unacknowledged
// re-sends never hide new work. Push flush and HTTP pull both go through here
// so ordering is identical.
func (q *Queue) Claim(ctx context.Context, nodeID string, limit int) ([]model.Task, error) {
	resend, err := q.store.NodeTasks(ctx, nodeID, []model.TaskStatus{model.TaskSent}, orDefault(limit))
	if err != nil {
		return nil, err
	}
	fresh, err := q.claimPending(ctx, nodeID, limit)
	if err != nil {
		return nil, err
	}
	claimed := append(resend, fresh...)
	sort.SliceStable(claimed, func(i, j int) bool { return deliveredBefore(&claimed[i], &claimed[j]) })
	q.enrichAll(ctx, claimed)
	return claimed, nil
}

// ClaimPending marks up to limit pending tasks sent and returns them enriched,
// in delivery order. Callers page with it until it returns nothing.
func (q *Queue) ClaimPending(ctx context.Context, nodeID string, limit int) ([]model.Task, error) {
	claimed, err := q.claimPending(ctx, nodeID, limit)
	if err != nil {
		return nil, err
	}
	q.enrichAll(ctx, claimed)
	return claimed, nil
}

func (q *Queue) claimPending(ctx context.Context, nodeID string, limit int) ([]model.Task, error) {
	pending, err := q.store.NodeTasks(ctx, nodeID, []model.TaskStatus{model.TaskPending}, orDefault(limit))
	if err != nil {
		return nil, err
	}
	claimed := make([]model.Task, 0, len(pending))
	for _, t := range pending {
		sent, err := q.MarkSent(ctx, t.ID)
		if err != nil {
			// Another delivery path won the transition; that path delivers it.
			log.Debug().Err(err).Str("component", "tasks").Str("task", t.ID).Msg("claim skipped")
			continue
		}
		claimed = append(claimed, *sent)
	}
	return claimed, nil
}

// deliveredBefore is the (priority, created_at, insertion) delivery order.
func deliveredBefore(a, b *model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func (q *Queue) MarkSent(ctx context.Context, id string) (*model.Task, error) {
	return q.transition(ctx, id, model.TaskSent, "", "")
}

func (q *Queue) MarkAcknowledged(ctx context.Context, id string) (*model.Task, error) {
	return q.transition(ctx, id, model.TaskAcknowledged, "", "")
}

func (q *Queue) MarkInProgress(ctx context.Context, id string) (*model.Task, error) {
	return q.transition(ctx, id, model.TaskInProgress, "", "")
}

func (q *Queue) MarkCompleted(ctx context.Context, id, output string) (*model.Task, error) {
	return q.transition(ctx, id, model.TaskCompleted, output, "")
}

func (q *Queue) MarkFailed(ctx context.Context, id, message string) (*model.Task, error) {
	return q.transition(ctx, id, model.TaskFailed, "", message)
}

// Report applies a worker's status update. The reporting node must be the
// task's addressee.
func (q *Queue) Report(ctx context.Context, nodeID string, rep model.StatusReport) (*model.Task, error) {
	t, err := q.Get(ctx, rep.TaskID)
	if err != nil {
		return nil, err
	}
	if t.NodeID != nodeID {
		return nil, model.ErrForeignTask
	}
	switch rep.Status {
	case model.TaskAcknowledged:
		return q.MarkAcknowledged(ctx, rep.TaskID)
	case model.TaskInProgress:
		return q.MarkInProgress(ctx, rep.TaskID)
	case model.TaskCompleted:
		return q.MarkCompleted(ctx, rep.TaskID, rep.Output)
	case model.TaskFailed:
		return q.MarkFailed(ctx, rep.TaskID, rep.Message)
	}
	return nil, fmt.Errorf("%w: workers cannot report %q", model.ErrInvalidTransition, rep.Status)
}

// CancelPending fails every non-terminal task of a resource that is being deleted.
func (q *Queue) CancelPending(ctx context.Context, rt model.ResourceType, resourceID string) (int, error) {
	return q.cancel(ctx, CancelFilter{ResourceType: rt, ResourceID: resourceID}, model.CancelledMarker)
}

// CancelForNode fails every non-terminal task of a node that is being removed.
func (q *Queue) CancelForNode(ctx context.Context, nodeID string) (int, error) {
	return q.cancel(ctx, CancelFilter{NodeID: nodeID}, model.DrainedMarker)
}

func (q *Queue) OpenCount(ctx context.Context, nodeID string) (int, error) {
	return q.store.CountOpenTasks(ctx, nodeID)
}

// PurgeOlderThan deletes terminal tasks that finished more than days ago.
// Non-terminal tasks are never deleted. When an archiver is configured each
// batch is archived first and a failed archive stops the purge.
func (q *Queue) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	var total int64
	for {
		batch, err := q.store.TerminalTasksBefore(ctx, cutoff, purgeBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if q.archiver != nil {
			if err := q.archiver.ArchiveTasks(ctx, batch); err != nil {
				return total, fmt.Errorf("archive tasks: %w", err)
			}
		}
		ids := make([]string, len(batch))
		for i, t := range batch {
			ids[i] = t.ID
		}
		n, err := q.store.DeleteTerminalTasks(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		if len(batch) < purgeBatch || n == 0 {
			return total, nil
		}
	}
}

// Enrich attaches the current runtime configuration of the task's resource.
// It is applied on every read for delivery, never at enqueue time, so a worker
// always sees the latest configuration.
func (q *Queue) Enrich(ctx context.Context, t *model.Task) {
	if q.resolvers == nil {
		return
	}
	res := q.resolvers.lookup(t.ResourceType, t.Type)
	if res == nil {
		return
	}
	c, err := res.Resolve(ctx, t)
	if err != nil {
		log.Warn().Err(err).Str("component", "tasks").Str("task", t.ID).Str("resource", t.ResourceID).Msg("enrichment failed")
		t.Context = &model.TaskContext{Kind: t.ResourceType, Error: err.Error()}
		return
	}
	t.Context = c
}

func (q *Queue) enrichAll(ctx context.Context, ts []model.Task) {
	for i := range ts {
		q.Enrich(ctx, &ts[i])
	}
}

func (q *Queue) transition(ctx context.Context, id string, to model.TaskStatus, output, message string) (*model.Task, error) {
	from, ok := to.Previous()
	if !ok {
		return nil, fmt.Errorf("%w: nothing moves to %q", model.ErrInvalidTransition, to)
	}
	t, err := q.store.TransitionTask(ctx, id, from, to, q.now(), output, message)
	if err != nil {
		return nil, err
	}
	if t == nil {
		cur, err := q.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, model.ErrUnknownTask
		}
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur.Status, to)
	}
	q.notifyStatus(ctx, t)
	return t, nil
}

func (q *Queue) cancel(ctx context.Context, f CancelFilter, marker string) (int, error) {
	cancelled, err := q.store.CancelTasks(ctx, f, marker, q.now())
	if err != nil {
		return 0, err
	}
	for i := range cancelled {
		q.notifyStatus(ctx, &cancelled[i])
	}
	if len(cancelled) > 0 {
		log.Info().Str("component", "tasks").Str("node", f.NodeID).Str("resource", f.ResourceID).
			Int("cancelled", len(cancelled)).Msg("tasks cancelled")
	}
	return len(cancelled), nil
}

func (q *Queue) notifyStatus(ctx context.Context, t *model.Task) {
	q.notifier.Notify(ctx, events.Event{
		Type:   events.TaskStatus,
		NodeID: t.NodeID,
		TaskID: t.ID,
		Status: string(t.Status),
		Reason: t.Error,
		At:     q.now(),
	})
}

func orDefault(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}
