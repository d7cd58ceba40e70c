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

package keychain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-sub001/pkg/errors"
)

// PgStore Postgres 凭据存储：keychain 表，
// (catalog_id, keychain_name, execution_id) 唯一（global 的 execution_id 为 0）
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建基于 PostgreSQL 的凭据存储
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
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
	return &PgStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

// Put 写入或覆盖条目（upsert）
func (s *PgStore) Put(ctx context.Context, e *Entry) error {
	if !ValidScope(e.Scope) {
		return errors.Wrapf(errors.ErrInvalidArg, "非法 scope: %s", e.Scope)
	}
	execID := int64(0)
	if e.Scope == ScopeLocal || e.Scope == ScopeShared {
		execID = e.ExecutionID
	}
	var renewJSON []byte
	if e.RenewConfig != nil {
		var err error
		renewJSON, err = json.Marshal(e.RenewConfig)
		if err != nil {
			return err
		}
	}
	var expires interface{}
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO keychain (catalog_id, keychain_name, scope, execution_id,
			encrypted_data, expires_at, auto_renew, renew_config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 ON CONFLICT (catalog_id, keychain_name, execution_id) DO UPDATE SET
			scope = EXCLUDED.scope,
			encrypted_data = EXCLUDED.encrypted_data,
			expires_at = EXCLUDED.expires_at,
			auto_renew = EXCLUDED.auto_renew,
			renew_config = EXCLUDED.renew_config,
			updated_at = now()`,
		e.CatalogID, e.Name, string(e.Scope), execID,
		e.Encrypted, expires, e.AutoRenew, renewJSON)
	return err
}

// Get 按键取条目；先按 executionID 精确命中，再回退 global 行
func (s *PgStore) Get(ctx context.Context, catalogID int64, name string, executionID int64) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT catalog_id, keychain_name, scope, execution_id, encrypted_data,
			expires_at, auto_renew, renew_config, created_at, updated_at
		 FROM keychain
		 WHERE catalog_id = $1 AND keychain_name = $2 AND execution_id IN ($3, 0)
		 ORDER BY execution_id DESC LIMIT 1`,
		catalogID, name, executionID)
	return scanKeychain(row)
}

// Delete 删除条目
func (s *PgStore) Delete(ctx context.Context, catalogID int64, name string, executionID int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM keychain WHERE catalog_id = $1 AND keychain_name = $2 AND execution_id = $3`,
		catalogID, name, executionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// DeleteByCatalog 清理目录下全部凭据
func (s *PgStore) DeleteByCatalog(ctx context.Context, catalogID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM keychain WHERE catalog_id = $1`, catalogID)
	return err
}

func scanKeychain(row pgx.Row) (*Entry, error) {
	var e Entry
	var scope string
	var expires *time.Time
	var renewJSON []byte
	err := row.Scan(&e.CatalogID, &e.Name, &scope, &e.ExecutionID, &e.Encrypted,
		&expires, &e.AutoRenew, &renewJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, err
	}
	e.Scope = Scope(scope)
	if expires != nil {
		e.ExpiresAt = *expires
	}
	if len(renewJSON) > 0 {
		_ = json.Unmarshal(renewJSON, &e.RenewConfig)
	}
	return &e, nil
}
