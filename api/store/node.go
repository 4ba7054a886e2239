package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"fleet/api/model"
	"fleet/api/registry"
)

var (
	_ registry.Store = (*DB)(nil)
	_ registry.Store = (*Memory)(nil)
)

const nodeColumns = `id, name, org, region, hostname, status, override,
	cpu_total, memory_total, disk_total, cpu_used, memory_used, disk_used, containers,
	secret, last_heartbeat, created_at, updated_at`

func scanNode(row pgx.Row) (*model.Node, error) {
	var n model.Node
	err := row.Scan(&n.ID, &n.Name, &n.Org, &n.Region, &n.Hostname, &n.Status, &n.Override,
		&n.Capacity.CPUMillicores, &n.Capacity.MemoryMB, &n.Capacity.DiskMB,
		&n.Usage.CPUMillicores, &n.Usage.MemoryMB, &n.Usage.DiskMB, &n.Usage.Containers,
		&n.Secret, &n.LastHeartbeat, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

func (db *DB) CreateToken(ctx context.Context, tok *model.RegistrationToken, tokenHash string, node *model.Node) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO nodes (id, name, org, region, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		node.ID, node.Name, node.Org, node.Region, node.Status, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO registration_tokens (token_hash, node_id, org, region, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tokenHash, tok.NodeID, tok.Org, tok.Region, tok.ExpiresAt, tok.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return tx.Commit(ctx)
}

func (db *DB) ConsumeToken(ctx context.Context, tokenHash string, reg model.Registration, secret string, now time.Time) (*model.Node, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var nodeID string
	err = tx.QueryRow(ctx,
		`UPDATE registration_tokens SET used_at = $2
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		 RETURNING node_id`,
		tokenHash, now,
	).Scan(&nodeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	node, err := scanNode(tx.QueryRow(ctx,
		`UPDATE nodes SET
		   name = CASE WHEN $2 = '' THEN name ELSE $2 END,
		   hostname = $3, cpu_total = $4, memory_total = $5, disk_total = $6,
		   secret = $7, status = 'online', last_heartbeat = $8, updated_at = $8
		 WHERE id = $1
		 RETURNING `+nodeColumns,
		nodeID, reg.Name, reg.Hostname, reg.CPUTotal, reg.MemoryTotal, reg.DiskTotal,
		secret, now,
	))
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, model.ErrInvalidToken
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

func (db *DB) GetNode(ctx context.Context, id string) (*model.Node, error) {
	return scanNode(db.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
}

func (db *DB) ListNodes(ctx context.Context, f registry.NodeFilter) ([]model.Node, error) {
	where := ""
	args := []interface{}{}
	argN := 1

	if f.Region != "" {
		where += fmt.Sprintf(" AND region = $%d", argN)
		args = append(args, f.Region)
		argN++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, f.Status)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE 1=1`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (db *DB) RecordHeartbeat(ctx context.Context, id string, u model.Usage, at time.Time) (*model.Node, bool, error) {
	var wasOffline bool
	var n model.Node
	err := db.pool.QueryRow(ctx,
		`WITH prev AS (SELECT status AS prev_status FROM nodes WHERE id = $1 FOR UPDATE)
		 UPDATE nodes SET
		   cpu_used = $2, memory_used = $3, disk_used = $4, containers = $5,
		   last_heartbeat = $6, updated_at = $6,
		   status = CASE WHEN nodes.status = 'offline' THEN 'online' ELSE nodes.status END
		 FROM prev
		 WHERE nodes.id = $1
		 RETURNING prev.prev_status = 'offline', `+nodeColumns,
		id, u.CPUMillicores, u.MemoryMB, u.DiskMB, u.Containers, at,
	).Scan(&wasOffline, &n.ID, &n.Name, &n.Org, &n.Region, &n.Hostname, &n.Status, &n.Override,
		&n.Capacity.CPUMillicores, &n.Capacity.MemoryMB, &n.Capacity.DiskMB,
		&n.Usage.CPUMillicores, &n.Usage.MemoryMB, &n.Usage.DiskMB, &n.Usage.Containers,
		&n.Secret, &n.LastHeartbeat, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &n, wasOffline, nil
}

func (db *DB) MarkNodeOnline(ctx context.Context, id string, at time.Time) (*model.Node, error) {
	return scanNode(db.pool.QueryRow(ctx,
		`UPDATE nodes SET status = 'online', updated_at = $2
		 WHERE id = $1 AND status = 'offline'
		 RETURNING `+nodeColumns,
		id, at,
	))
}

func (db *DB) MarkNodeOffline(ctx context.Context, id string, at, staleBefore time.Time) (*model.Node, error) {
	if staleBefore.IsZero() {
		return scanNode(db.pool.QueryRow(ctx,
			`UPDATE nodes SET status = 'offline', updated_at = $2
			 WHERE id = $1 AND status = 'online'
			 RETURNING `+nodeColumns,
			id, at,
		))
	}
	return scanNode(db.pool.QueryRow(ctx,
		`UPDATE nodes SET status = 'offline', updated_at = $2
		 WHERE id = $1 AND status = 'online'
		   AND (last_heartbeat IS NULL OR last_heartbeat < $3)
		 RETURNING `+nodeColumns,
		id, at, staleBefore,
	))
}

func (db *DB) StaleNodes(ctx context.Context, cutoff time.Time) ([]model.Node, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE status = 'online' AND override <> 'disabled'
		   AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		 ORDER BY id`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (db *DB) SetNodeOverride(ctx context.Context, id string, o model.NodeOverride, at time.Time) (*model.Node, error) {
	return scanNode(db.pool.QueryRow(ctx,
		`UPDATE nodes SET override = $2, updated_at = $3 WHERE id = $1 RETURNING `+nodeColumns,
		id, o, at,
	))
}

func (db *DB) DeleteNode(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	return err
}

func collectNodes(rows pgx.Rows) ([]model.Node, error) {
	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}
