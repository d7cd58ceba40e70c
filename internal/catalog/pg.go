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

package catalog

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-sub001/pkg/errors"
	"github.com/noetl/noetl-sub001/pkg/ident"
)

// PgStore Postgres 目录存储：catalog 表，(path, version) 唯一索引
type PgStore struct {
	pool *pgxpool.Pool
	gen  *ident.Generator
}

// NewPgStore 创建基于 PostgreSQL 的目录存储
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

// Register 注册剧本；版本冲突返回 ErrConflict
func (s *PgStore) Register(ctx context.Context, path, version, content string) (int64, error) {
	if path == "" || version == "" {
		return 0, errors.ErrInvalidArg
	}
	id := s.gen.Next()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO catalog (catalog_id, path, version, content, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		id, path, version, content)
	if err != nil {
		if strings.Contains(err.Error(), "23505") {
			return 0, errors.Wrapf(errors.ErrConflict, "剧本 %s 版本 %s 已注册", path, version)
		}
		return 0, err
	}
	return id, nil
}

// Get 按 catalog_id 取条目
func (s *PgStore) Get(ctx context.Context, catalogID int64) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT catalog_id, path, version, content, created_at FROM catalog WHERE catalog_id = $1`,
		catalogID)
	return scanEntry(row)
}

// GetByPath 按 (path, version) 取条目
func (s *PgStore) GetByPath(ctx context.Context, path, version string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT catalog_id, path, version, content, created_at FROM catalog
		 WHERE path = $1 AND version = $2`,
		path, version)
	return scanEntry(row)
}

// GetLatest 取最高版本。点分数字版本在 SQL 中按数值数组排序，
// 与 compareVersion 的语义一致。
func (s *PgStore) GetLatest(ctx context.Context, path string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT catalog_id, path, version, content, created_at FROM catalog
		 WHERE path = $1
		 ORDER BY string_to_array(version, '.')::int[] DESC
		 LIMIT 1`,
		path)
	e, err := scanEntry(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		// 非数字版本段导致的转换失败：回退到内存比较
		entries, lerr := s.listVersions(ctx, path)
		if lerr != nil {
			return nil, lerr
		}
		if len(entries) == 0 {
			return nil, errors.ErrNotFound
		}
		best := entries[0]
		for _, x := range entries[1:] {
			if compareVersion(x.Version, best.Version) > 0 {
				best = x
			}
		}
		return best, nil
	}
	return nil, err
}

func (s *PgStore) listVersions(ctx context.Context, path string) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT catalog_id, path, version, content, created_at FROM catalog WHERE path = $1`,
		path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// List 列出每 path 的最新版本
func (s *PgStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (path) catalog_id, path, version, content, created_at
		 FROM catalog ORDER BY path, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.CatalogID, &e.Path, &e.Version, &e.Content, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}
