package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"fleet/api/model"
	"fleet/api/tasks"
)

var (
	_ tasks.Store = (*DB)(nil)
	_ tasks.Store = (*Memory)(nil)
)

const taskColumns = `id, seq, node_id, type, resource_type, resource_id, payload, priority, status,
	output, error, created_at, sent_at, acknowledged_at, started_at, finished_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var payload []byte
	err := row.Scan(&t.ID, &t.Seq, &t.NodeID, &t.Type, &t.ResourceType, &t.ResourceID, &payload, &t.Priority, &t.Status,
		&t.Output, &t.Error, &t.CreatedAt, &t.SentAt, &t.AcknowledgedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(payload) > 0 {
		t.Payload = payload
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (db *DB) InsertTask(ctx context.Context, t *model.Task) error {
	var payload []byte
	if len(t.Payload) > 0 {
		payload = t.Payload
	}
	return db.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, node_id, type, resource_type, resource_id, payload, priority, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		t.ID, t.NodeID, t.Type, t.ResourceType, t.ResourceID, payload, t.Priority, t.Status, t.CreatedAt,
	).Scan(&t.Seq)
}

func (db *DB) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(db.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (db *DB) ListTasks(ctx context.Context, f tasks.Filter) ([]model.Task, error) {
	where := ""
	args := []interface{}{}
	argN := 1

	if f.NodeID != "" {
		where += fmt.Sprintf(" AND node_id = $%d", argN)
		args = append(args, f.NodeID)
		argN++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, f.Status)
		argN++
	}
	if f.ResourceType != "" {
		where += fmt.Sprintf(" AND resource_type = $%d", argN)
		args = append(args, f.ResourceType)
		argN++
	}
	if f.ResourceID != "" {
		where += fmt.Sprintf(" AND resource_id = $%d", argN)
		args = append(args, f.ResourceID)
		argN++
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE 1=1%s ORDER BY seq DESC LIMIT $%d`, taskColumns, where, argN),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (db *DB) NodeTasks(ctx context.Context, nodeID string, statuses []model.TaskStatus, limit int) ([]model.Task, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE node_id = $1 AND status = ANY($2)
		 ORDER BY priority ASC, created_at ASC, seq ASC
		 LIMIT $3`,
		nodeID, ss, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (db *DB) TransitionTask(ctx context.Context, id string, from, to model.TaskStatus, at time.Time, output, errMsg string) (*model.Task, error) {
	args := []interface{}{id, from, to, at}
	var set string
	switch to {
	case model.TaskSent:
		set = "sent_at = $4"
	case model.TaskAcknowledged:
		set = "acknowledged_at = $4"
	case model.TaskInProgress:
		set = "started_at = $4"
	case model.TaskCompleted:
		set = "finished_at = $4, output = $5"
		args = append(args, output)
	case model.TaskFailed:
		set = "finished_at = $4, error = $5"
		args = append(args, errMsg)
	default:
		return nil, fmt.Errorf("%w: unknown target %q", model.ErrInvalidTransition, to)
	}
	return scanTask(db.pool.QueryRow(ctx,
		`UPDATE tasks SET status = $3, `+set+`
		 WHERE id = $1 AND status = $2
		 RETURNING `+taskColumns,
		args...,
	))
}

func (db *DB) CancelTasks(ctx context.Context, f tasks.CancelFilter, marker string, at time.Time) ([]model.Task, error) {
	where := ""
	args := []interface{}{marker, at}
	argN := 3

	if f.NodeID != "" {
		where += fmt.Sprintf(" AND node_id = $%d", argN)
		args = append(args, f.NodeID)
		argN++
	}
	if f.ResourceType != "" {
		where += fmt.Sprintf(" AND resource_type = $%d AND resource_id = $%d", argN, argN+1)
		args = append(args, f.ResourceType, f.ResourceID)
	}
	if where == "" {
		return nil, errors.New("cancel tasks: empty filter")
	}

	rows, err := db.pool.Query(ctx,
		`UPDATE tasks SET status = 'failed', error = $1, finished_at = $2
		 WHERE status NOT IN ('completed', 'failed')`+where+`
		 RETURNING `+taskColumns,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (db *DB) CountOpenTasks(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE node_id = $1 AND status NOT IN ('completed', 'failed')`,
		nodeID,
	).Scan(&n)
	return n, err
}

func (db *DB) TerminalTasksBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Task, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN ('completed', 'failed') AND finished_at < $1
		 ORDER BY seq LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (db *DB) DeleteTerminalTasks(ctx context.Context, ids []string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM tasks WHERE id = ANY($1) AND status IN ('completed', 'failed')`,
		ids,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
