// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// PgQueue Postgres 队列：queue 表，SKIP LOCKED 租约，多 worker 并发安全
type PgQueue struct {
	pool *pgxpool.Pool
	gen  *ident.Generator
}

// NewPgQueue 创建基于 PostgreSQL 的队列
func NewPgQueue(ctx context.Context, dsn string, shardID int64) (*PgQueue, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	gen, err := ident.NewGenerator(shardID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PgQueue{pool: pool, gen: gen}, nil
}

// Close 关闭连接池
func (q *PgQueue) Close() {
	q.pool.Close()
}

// Enqueue 入队；(execution_id, node_id) 冲突返回已有 queue_id
func (q *PgQueue) Enqueue(ctx context.Context, e *Entry) (int64, error) {
	queueID := e.QueueID
	if queueID == 0 {
		queueID = q.gen.Next()
	}
	maxAttempts := e.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	kind := e.Kind
	if kind == "" && e.Action != nil {
		if k, ok := e.Action["kind"].(string); ok {
			kind = k
		}
	}
	availableAt := e.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	actionJSON, err := json.Marshal(e.Action)
	if err != nil {
		return 0, err
	}
	ctxJSON, err := marshalMap(e.Context)
	if err != nil {
		return 0, err
	}
	metaJSON, err := marshalMap(e.Meta)
	if err != nil {
		return 0, err
	}
	var got int64
	err = q.pool.QueryRow(ctx,
		`INSERT INTO queue (queue_id, execution_id, catalog_id, node_id, node_name, kind,
			action, context, meta, priority, status, attempts, max_attempts, available_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'queued', 0, $11, $12, now())
		 ON CONFLICT (execution_id, node_id) DO NOTHING
		 RETURNING queue_id`,
		queueID, e.ExecutionID, e.CatalogID, e.NodeID, e.NodeName, kind,
		actionJSON, ctxJSON, metaJSON, e.Priority, maxAttempts, availableAt).Scan(&got)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// 冲突：读回已有条目
	err = q.pool.QueryRow(ctx,
		`SELECT queue_id FROM queue WHERE execution_id = $1 AND node_id = $2`,
		e.ExecutionID, e.NodeID).Scan(&got)
	if err != nil {
		return 0, err
	}
	return got, nil
}

const entryColumns = `queue_id, execution_id, catalog_id, node_id, node_name, kind,
	action, context, meta, priority, status, attempts, max_attempts,
	available_at, lease_until, last_heartbeat, worker_id, error, result, created_at`

// Lease 领取最旧可用条目（优先级高者先出）；无可用返回 (nil, nil)
func (q *PgQueue) Lease(ctx context.Context, workerID string, leaseFor time.Duration, f LeaseFilter) (*Entry, error) {
	sub := `SELECT queue_id FROM queue
		WHERE status = 'queued' AND available_at <= now()`
	args := []interface{}{workerID, leaseFor.Seconds()}
	if len(f.Kinds) > 0 {
		args = append(args, f.Kinds)
		sub += ` AND kind = ANY($3)`
	}
	sub += ` ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	query := `UPDATE queue SET status = 'leased', worker_id = $1, attempts = attempts + 1,
			lease_until = now() + make_interval(secs => $2), last_heartbeat = now()
		 WHERE queue_id = (` + sub + `)
		 RETURNING ` + entryColumns
	row := q.pool.QueryRow(ctx, query, args...)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.QueueLeaseTotal.WithLabelValues("empty").Inc()
			return nil, nil
		}
		return nil, err
	}
	metrics.QueueLeaseTotal.WithLabelValues("acquired").Inc()
	return e, nil
}

// Heartbeat 续约；行未命中说明租约已易主
func (q *PgQueue) Heartbeat(ctx context.Context, queueID int64, workerID string, extend time.Duration) error {
	query := `UPDATE queue SET last_heartbeat = now()`
	args := []interface{}{queueID, workerID}
	if extend > 0 {
		args = append(args, extend.Seconds())
		query += `, lease_until = now() + make_interval(secs => $3)`
	}
	query += ` WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'`
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseStolen
	}
	return nil
}

// Complete 完成条目并记录结果
func (q *PgQueue) Complete(ctx context.Context, queueID int64, workerID string, result map[string]interface{}) error {
	resJSON, err := marshalMap(result)
	if err != nil {
		return err
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = 'done', result = $3
		 WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'`,
		queueID, workerID, resJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseStolen
	}
	return nil
}

// Fail 失败；允许重试且未达上限时重新排队，否则 dead
func (q *PgQueue) Fail(ctx context.Context, queueID int64, workerID string, errMsg string, retryAllowed bool, availableAt time.Time) error {
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	retry := "false"
	if retryAllowed {
		retry = "true"
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue SET
			error = $3,
			worker_id = NULL,
			lease_until = NULL,
			status = CASE WHEN `+retry+` AND attempts < max_attempts THEN 'queued' ELSE 'dead' END,
			available_at = CASE WHEN `+retry+` AND attempts < max_attempts THEN $4 ELSE available_at END
		 WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'`,
		queueID, workerID, errMsg, availableAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseStolen
	}
	return nil
}

// Requeue 编排侧重投，可选改写上下文
func (q *PgQueue) Requeue(ctx context.Context, queueID int64, availableAt time.Time, patch *Patch) error {
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	query := `UPDATE queue SET status = 'queued', worker_id = NULL, lease_until = NULL, available_at = $2`
	args := []interface{}{queueID, availableAt}
	if patch != nil {
		if patch.Action != nil {
			data, err := json.Marshal(patch.Action)
			if err != nil {
				return err
			}
			args = append(args, data)
			query += fmt.Sprintf(`, action = $%d`, len(args))
		}
		if patch.Context != nil {
			data, err := json.Marshal(patch.Context)
			if err != nil {
				return err
			}
			args = append(args, data)
			query += fmt.Sprintf(`, context = $%d`, len(args))
		}
		if patch.Meta != nil {
			data, err := json.Marshal(patch.Meta)
			if err != nil {
				return err
			}
			args = append(args, data)
			query += fmt.Sprintf(`, meta = $%d`, len(args))
		}
	}
	query += ` WHERE queue_id = $1`
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// Bury 强制标记条目为 dead
func (q *PgQueue) Bury(ctx context.Context, queueID int64) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = 'dead', worker_id = NULL, lease_until = NULL WHERE queue_id = $1`,
		queueID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// CancelByExecution 将执行的未完成条目全部标记为 dead
func (q *PgQueue) CancelByExecution(ctx context.Context, executionID int64) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = 'dead', worker_id = NULL, lease_until = NULL
		 WHERE execution_id = $1 AND status IN ('queued', 'leased')`,
		executionID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Get 按 queue_id 取条目
func (q *PgQueue) Get(ctx context.Context, queueID int64) (*Entry, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue WHERE queue_id = $1`, queueID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// GetByNode 按 (execution_id, node_id) 取条目
func (q *PgQueue) GetByNode(ctx context.Context, executionID int64, nodeID string) (*Entry, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM queue WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListByExecution 取执行的全部条目
func (q *PgQueue) ListByExecution(ctx context.Context, executionID int64) ([]*Entry, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM queue WHERE execution_id = $1 ORDER BY created_at`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sweep 归还租约过期条目
func (q *PgQueue) Sweep(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue SET status = 'queued', worker_id = NULL, lease_until = NULL, available_at = now()
		 WHERE status = 'leased' AND lease_until < now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Stats 各状态计数
func (q *PgQueue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
		metrics.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var actionJSON, ctxJSON, metaJSON, resJSON []byte
	var status string
	var leaseUntil, lastHeartbeat *time.Time
	var workerID, errMsg *string
	err := row.Scan(&e.QueueID, &e.ExecutionID, &e.CatalogID, &e.NodeID, &e.NodeName, &e.Kind,
		&actionJSON, &ctxJSON, &metaJSON, &e.Priority, &status, &e.Attempts, &e.MaxAttempts,
		&e.AvailableAt, &leaseUntil, &lastHeartbeat, &workerID, &errMsg, &resJSON, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if leaseUntil != nil {
		e.LeaseUntil = *leaseUntil
	}
	if lastHeartbeat != nil {
		e.LastHeartbeat = *lastHeartbeat
	}
	if workerID != nil {
		e.WorkerID = *workerID
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	if len(actionJSON) > 0 {
		_ = json.Unmarshal(actionJSON, &e.Action)
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &e.Context)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &e.Meta)
	}
	if len(resJSON) > 0 {
		_ = json.Unmarshal(resJSON, &e.Result)
	}
	return &e, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
