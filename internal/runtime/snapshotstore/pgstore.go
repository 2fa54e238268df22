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

package snapshotstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema kernel_snapshots 表结构；NewPostgresStore 启动时执行（幂等）
const Schema = `
CREATE TABLE IF NOT EXISTS kernel_snapshots (
    hash           TEXT PRIMARY KEY,
    xc_id          TEXT NOT NULL,
    schema_version INT NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    payload        JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_kernel_snapshots_xc_ts ON kernel_snapshots (xc_id, ts DESC);
`

// PostgresStore PostgreSQL 实现：每个快照一行，payload 为完整快照 JSON（不做 delta 存储）
type PostgresStore struct {
	pool *pgxpool.Pool
	keep int
}

// NewPostgresStore 创建基于 PostgreSQL 的快照存储；keep<=0 使用 DefaultKeepSnapshots
func NewPostgresStore(ctx context.Context, dsn string, keep int) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure kernel_snapshots schema: %w", err)
	}
	if keep <= 0 {
		keep = DefaultKeepSnapshots
	}
	return &PostgresStore{pool: pool, keep: keep}, nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Append 写入快照；同一 hash 已存在时不覆盖
func (s *PostgresStore) Append(ctx context.Context, snap *Snapshot, _ AppendOptions) error {
	if err := validate(snap); err != nil {
		return err
	}
	payload, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kernel_snapshots (hash, xc_id, schema_version, ts, payload) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (hash) DO NOTHING`,
		snap.Hash, snap.XCID, snap.SchemaVersion, snap.TS, payload)
	return err
}

// GetByHash 读取快照；不存在返回 (nil, nil)
func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM kernel_snapshots WHERE hash = $1`, hash).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return Decode(payload)
}

// CleanupOldSnapshots 每个执行只保留最近 keep 个快照
func (s *PostgresStore) CleanupOldSnapshots(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM kernel_snapshots WHERE hash IN (
			SELECT hash FROM (
				SELECT hash, row_number() OVER (PARTITION BY xc_id ORDER BY ts DESC, created_at DESC) AS rn
				FROM kernel_snapshots
			) ranked WHERE rn > $1
		)`, s.keep)
	return err
}

// CountByXCID 某执行的快照数
func (s *PostgresStore) CountByXCID(ctx context.Context, xcID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kernel_snapshots WHERE xc_id = $1`, xcID).Scan(&n)
	return n, err
}
