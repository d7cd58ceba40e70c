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

package plugin

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPlugin SQL 任务执行器。连接池按 DSN 复用，进程生命周期内常驻。
type PostgresPlugin struct {
	mu         sync.Mutex
	pools      map[string]*pgxpool.Pool
	defaultDSN string
}

// NewPostgresPlugin 创建 Postgres 插件；defaultDSN 供任务未指定 dsn 时使用
func NewPostgresPlugin(defaultDSN string) *PostgresPlugin {
	return &PostgresPlugin{pools: make(map[string]*pgxpool.Pool), defaultDSN: defaultDSN}
}

// Kind 实现 Handler
func (p *PostgresPlugin) Kind() string { return "postgres" }

// Execute 执行 SQL。参数取 action.args.params（位置参数 $1..）。
// 返回行集的语句给出 {rows, count}，其余给出 {rows_affected}。
func (p *PostgresPlugin) Execute(ctx context.Context, job *Job) *Envelope {
	query := job.ActionString("query")
	if query == "" {
		return Failure("invalid_task", "postgres 任务缺少 query")
	}
	dsn := job.ActionString("dsn")
	if dsn == "" {
		dsn = p.defaultDSN
	}
	if dsn == "" {
		return Failure("invalid_task", "postgres 任务缺少 dsn 且无默认连接")
	}
	pool, err := p.pool(ctx, dsn)
	if err != nil {
		return Failure("db_error", "连接数据库失败: %v", err)
	}

	var params []interface{}
	if args := job.ActionMap("args"); args != nil {
		params, _ = args["params"].([]interface{})
	}

	rows, err := pool.Query(ctx, query, params...)
	if err != nil {
		return Failure("db_error", "执行 SQL 失败: %v", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]interface{}, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Failure("db_error", "读取结果行失败: %v", err)
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Failure("db_error", "遍历结果失败: %v", err)
	}

	if len(fields) == 0 {
		return Success(map[string]interface{}{"rows_affected": rows.CommandTag().RowsAffected()})
	}
	return Success(map[string]interface{}{"rows": out, "count": len(out)})
}

// pool 按 DSN 取连接池，首次使用时建立
func (p *PostgresPlugin) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p.pools[dsn] = pool
	return pool, nil
}

// Close 释放全部连接池
func (p *PostgresPlugin) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		pool.Close()
	}
	p.pools = map[string]*pgxpool.Pool{}
}
