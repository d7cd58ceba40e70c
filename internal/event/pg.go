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

package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
	"github.com/noetl/noetl-sub001/pkg/metrics"
)

// PgStore Postgres 事件存储：event / workload / error_log 三表，
// 与队列同库，供 server 多副本共享
type PgStore struct {
	pool *pgxpool.Pool
	gen  *ident.Generator

	mu        sync.RWMutex
	listeners []Listener
}

// NewPgStore 创建基于 PostgreSQL 的事件存储
func NewPgStore(ctx context.Context, dsn string, shardID int64) (*PgStore, error) {
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
	return &PgStore{pool: pool, gen: gen}, nil
}

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

// Subscribe 注册追加回调
func (s *PgStore) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Append 追加事件；瞬时数据库错误重试一次
func (s *PgStore) Append(ctx context.Context, e *Event) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	stored, dup, err := s.insert(ctx, e)
	if err != nil && transient(err) {
		stored, dup, err = s.insert(ctx, e)
	}
	if err != nil {
		return 0, err
	}
	metrics.EventAppendTotal.WithLabelValues(string(e.EventType)).Inc()
	if dup {
		metrics.EventAppendDuplicateTotal.Inc()
		return stored.EventID, nil
	}
	s.notify(ctx, stored)
	return stored.EventID, nil
}

func (s *PgStore) insert(ctx context.Context, e *Event) (*Event, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if e.CatalogID == 0 {
		var catalogID int64
		err := tx.QueryRow(ctx,
			`SELECT catalog_id FROM event WHERE execution_id = $1 ORDER BY event_id LIMIT 1`,
			e.ExecutionID).Scan(&catalogID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, false, ErrMissingCatalogID
			}
			return nil, false, err
		}
		e.CatalogID = catalogID
	}

	if IsMarker(e.EventType) {
		var existing int64
		query := `SELECT event_id FROM event
			WHERE execution_id = $1 AND node_name = $2 AND event_type = $3`
		args := []interface{}{e.ExecutionID, e.NodeName, string(e.EventType)}
		if e.EventType == TypeIterationStarted {
			query += ` AND (meta->>'iteration_index')::int = $4`
			args = append(args, e.IterationIndex())
		}
		query += ` LIMIT 1`
		err := tx.QueryRow(ctx, query, args...).Scan(&existing)
		if err == nil {
			clone := *e
			clone.EventID = existing
			return &clone, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}
	}

	clone := *e
	if clone.EventID == 0 {
		clone.EventID = s.gen.Next()
	}
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now()
	}
	ctxJSON, err := marshalJSON(clone.Context)
	if err != nil {
		return nil, false, err
	}
	resJSON, err := marshalJSON(clone.Result)
	if err != nil {
		return nil, false, err
	}
	metaJSON, err := marshalJSON(clone.Meta)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO event (event_id, parent_event_id, execution_id, parent_execution_id,
			catalog_id, event_type, node_id, node_name, node_type, status,
			ts, duration, context, result, meta, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		clone.EventID, nullID(clone.ParentEventID), clone.ExecutionID, nullID(clone.ParentExecutionID),
		clone.CatalogID, string(clone.EventType), clone.NodeID, clone.NodeName, clone.NodeType,
		string(clone.Status), clone.Timestamp, clone.Duration, ctxJSON, resJSON, metaJSON, clone.Error)
	if err != nil {
		// 标记唯一索引冲突：并发追加输给对方，读回已存记录
		if IsMarker(e.EventType) && uniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return s.readMarker(ctx, e)
		}
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &clone, false, nil
}

func (s *PgStore) readMarker(ctx context.Context, e *Event) (*Event, bool, error) {
	var existing int64
	query := `SELECT event_id FROM event
		WHERE execution_id = $1 AND node_name = $2 AND event_type = $3`
	args := []interface{}{e.ExecutionID, e.NodeName, string(e.EventType)}
	if e.EventType == TypeIterationStarted {
		query += ` AND (meta->>'iteration_index')::int = $4`
		args = append(args, e.IterationIndex())
	}
	query += ` LIMIT 1`
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&existing); err != nil {
		return nil, false, err
	}
	clone := *e
	clone.EventID = existing
	return &clone, true, nil
}

func (s *PgStore) notify(ctx context.Context, e *Event) {
	s.mu.RLock()
	ls := make([]Listener, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.RUnlock()
	for _, l := range ls {
		if err := l(ctx, e); err != nil {
			slog.Error("事件回调失败", "event_id", e.EventID, "event_type", e.EventType, "err", err)
		}
	}
}

const eventColumns = `event_id, parent_event_id, execution_id, parent_execution_id,
	catalog_id, event_type, node_id, node_name, node_type, status,
	ts, duration, context, result, meta, error`

// Get 按 event_id 取事件
func (s *PgStore) Get(ctx context.Context, eventID int64) (*Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM event WHERE event_id = $1`, eventID)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListByExecution 按 execution_id 取事件，event_id 升序
func (s *PgStore) ListByExecution(ctx context.Context, executionID int64, f Filter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM event WHERE execution_id = $1`
	args := []interface{}{executionID}
	if f.SinceID > 0 {
		args = append(args, f.SinceID)
		query += ` AND event_id > $2`
	}
	if f.NodeName != "" {
		args = append(args, f.NodeName)
		query += ` AND node_name = $` + itoa(len(args))
	}
	if len(f.Types) > 0 {
		ts := make([]string, len(f.Types))
		for i, t := range f.Types {
			ts[i] = string(t)
		}
		args = append(args, ts)
		query += ` AND event_type = ANY($` + itoa(len(args)) + `)`
	}
	query += ` ORDER BY event_id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FirstByType 取最早的指定类型事件
func (s *PgStore) FirstByType(ctx context.Context, executionID int64, t Type) (*Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM event
		 WHERE execution_id = $1 AND event_type = $2 ORDER BY event_id LIMIT 1`,
		executionID, string(t))
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// Children 取子执行根事件
func (s *PgStore) Children(ctx context.Context, parentExecutionID int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM event
		 WHERE parent_execution_id = $1 AND event_type = 'execution_started'
		 ORDER BY event_id`,
		parentExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasTerminal 判定执行是否已终态
func (s *PgStore) HasTerminal(ctx context.Context, executionID int64) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM event
		 WHERE execution_id = $1 AND event_type IN ('execution_completed', 'execution_failed')`,
		executionID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetWorkload 保存执行初始参数（upsert）
func (s *PgStore) SetWorkload(ctx context.Context, executionID int64, workload map[string]interface{}) error {
	data, err := marshalJSON(workload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workload (execution_id, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (execution_id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		executionID, data)
	return err
}

// GetWorkload 读取执行初始参数
func (s *PgStore) GetWorkload(ctx context.Context, executionID int64) (map[string]interface{}, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM workload WHERE execution_id = $1`, executionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LogError 写入错误日志表
func (s *PgStore) LogError(ctx context.Context, entry *ErrorEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO error_log (execution_id, node_id, node_name, component, message, detail, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ExecutionID, entry.NodeID, entry.NodeName, entry.Component, entry.Message, entry.Detail, ts)
	return err
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var parentEvent, parentExec *int64
	var ctxJSON, resJSON, metaJSON []byte
	var eventType, status string
	err := row.Scan(&e.EventID, &parentEvent, &e.ExecutionID, &parentExec,
		&e.CatalogID, &eventType, &e.NodeID, &e.NodeName, &e.NodeType, &status,
		&e.Timestamp, &e.Duration, &ctxJSON, &resJSON, &metaJSON, &e.Error)
	if err != nil {
		return nil, err
	}
	e.EventType = Type(eventType)
	e.Status = Status(status)
	if parentEvent != nil {
		e.ParentEventID = *parentEvent
	}
	if parentExec != nil {
		e.ParentExecutionID = *parentExec
	}
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &e.Context)
	}
	if len(resJSON) > 0 {
		_ = json.Unmarshal(resJSON, &e.Result)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &e.Meta)
	}
	return &e, nil
}

func marshalJSON(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullID(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "timeout")
}

func uniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
