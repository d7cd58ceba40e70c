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

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-sub001/pkg/config"
	"github.com/noetl/noetl-sub001/pkg/errors"
)

// WorkflowRow 步骤定义行（规划后只读，供检视）
type WorkflowRow struct {
	ExecutionID int64                  `json:"execution_id"`
	StepName    string                 `json:"step_name"`
	StepType    string                 `json:"step_type,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// WorkbookRow 可复用任务定义行
type WorkbookRow struct {
	ExecutionID int64                  `json:"execution_id"`
	TaskName    string                 `json:"task_name"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// TransitionRow 条件迁移边
type TransitionRow struct {
	ExecutionID int64                  `json:"execution_id"`
	FromStep    string                 `json:"from_step"`
	ToStep      string                 `json:"to_step"`
	Condition   string                 `json:"condition,omitempty"`
	With        map[string]interface{} `json:"with,omitempty"`
}

// Defs 一次规划产出的全部定义行
type Defs struct {
	Workflow    []*WorkflowRow
	Workbook    []*WorkbookRow
	Transitions []*TransitionRow
}

// DefStore 定义行存储接口
type DefStore interface {
	// Save 持久化执行的定义行
	Save(ctx context.Context, executionID int64, defs *Defs) error
	// Get 读取执行的定义行
	Get(ctx context.Context, executionID int64) (*Defs, error)
	// Close 释放底层资源
	Close()
}

// NewDefStore 根据配置创建定义行存储
func NewDefStore(ctx context.Context, cfg config.StoreConfig) (DefStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryDefStore(), nil
	case "postgres":
		return NewPgDefStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("不支持的定义存储类型: %s", cfg.Type)
	}
}

// MemoryDefStore 内存定义行存储
type MemoryDefStore struct {
	mu   sync.RWMutex
	defs map[int64]*Defs
}

// NewMemoryDefStore 创建内存定义行存储
func NewMemoryDefStore() *MemoryDefStore {
	return &MemoryDefStore{defs: make(map[int64]*Defs)}
}

// Save 持久化定义行
func (s *MemoryDefStore) Save(ctx context.Context, executionID int64, defs *Defs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[executionID] = defs
	return nil
}

// Get 读取定义行
func (s *MemoryDefStore) Get(ctx context.Context, executionID int64) (*Defs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[executionID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return d, nil
}

// Close 无资源可释放
func (s *MemoryDefStore) Close() {}

// PgDefStore Postgres 定义行存储：workflow / workbook / transition 三表
type PgDefStore struct {
	pool *pgxpool.Pool
}

// NewPgDefStore 创建基于 PostgreSQL 的定义行存储
func NewPgDefStore(ctx context.Context, dsn string) (*PgDefStore, error) {
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
	return &PgDefStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PgDefStore) Close() {
	s.pool.Close()
}

// Save 持久化定义行
func (s *PgDefStore) Save(ctx context.Context, executionID int64, defs *Defs) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, w := range defs.Workflow {
		cfg, err := json.Marshal(w.Config)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow (execution_id, step_name, step_type, config)
			 VALUES ($1, $2, $3, $4) ON CONFLICT (execution_id, step_name) DO NOTHING`,
			executionID, w.StepName, w.StepType, cfg); err != nil {
			return err
		}
	}
	for _, w := range defs.Workbook {
		cfg, err := json.Marshal(w.Config)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO workbook (execution_id, task_name, config)
			 VALUES ($1, $2, $3) ON CONFLICT (execution_id, task_name) DO NOTHING`,
			executionID, w.TaskName, cfg); err != nil {
			return err
		}
	}
	for _, t := range defs.Transitions {
		with, err := json.Marshal(t.With)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO transition (execution_id, from_step, to_step, condition, with_params)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (execution_id, from_step, to_step) DO NOTHING`,
			executionID, t.FromStep, t.ToStep, t.Condition, with); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Get 读取定义行
func (s *PgDefStore) Get(ctx context.Context, executionID int64) (*Defs, error) {
	defs := &Defs{}
	rows, err := s.pool.Query(ctx,
		`SELECT step_name, step_type, config FROM workflow WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		w := &WorkflowRow{ExecutionID: executionID}
		var cfg []byte
		if err := rows.Scan(&w.StepName, &w.StepType, &cfg); err != nil {
			rows.Close()
			return nil, err
		}
		if len(cfg) > 0 {
			_ = json.Unmarshal(cfg, &w.Config)
		}
		defs.Workflow = append(defs.Workflow, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT task_name, config FROM workbook WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		w := &WorkbookRow{ExecutionID: executionID}
		var cfg []byte
		if err := rows.Scan(&w.TaskName, &cfg); err != nil {
			rows.Close()
			return nil, err
		}
		if len(cfg) > 0 {
			_ = json.Unmarshal(cfg, &w.Config)
		}
		defs.Workbook = append(defs.Workbook, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT from_step, to_step, condition, with_params FROM transition WHERE execution_id = $1`,
		executionID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		t := &TransitionRow{ExecutionID: executionID}
		var with []byte
		if err := rows.Scan(&t.FromStep, &t.ToStep, &t.Condition, &with); err != nil {
			rows.Close()
			return nil, err
		}
		if len(with) > 0 {
			_ = json.Unmarshal(with, &t.With)
		}
		defs.Transitions = append(defs.Transitions, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(defs.Workflow) == 0 && len(defs.Workbook) == 0 && len(defs.Transitions) == 0 {
		return nil, errors.ErrNotFound
	}
	return defs, nil
}
