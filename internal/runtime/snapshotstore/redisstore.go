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

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix Redis key 前缀
const DefaultKeyPrefix = "kernel:snapshot"

// RedisStore Redis 实现：
//
//	<prefix>:<hash>          快照 JSON
//	<prefix>:index:<xcID>    ZSET，score 为 ts（纳秒），member 为 hash
//	<prefix>:xcids           SET，所有出现过的执行 ID
type RedisStore struct {
	client *redis.Client
	prefix string
	keep   int
}

// NewRedisStore 创建 Redis 快照存储并 PING 校验连接
func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string, keep int) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStoreWithClient(client, prefix, keep), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string, keep int) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if keep <= 0 {
		keep = DefaultKeepSnapshots
	}
	return &RedisStore{client: client, prefix: prefix, keep: keep}
}

func (s *RedisStore) snapshotKey(hash string) string { return s.prefix + ":" + hash }
func (s *RedisStore) indexKey(xcID string) string    { return s.prefix + ":index:" + xcID }
func (s *RedisStore) xcidsKey() string               { return s.prefix + ":xcids" }

// Close 关闭客户端
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Append 写入快照与索引（单个 MULTI 事务）
func (s *RedisStore) Append(ctx context.Context, snap *Snapshot, _ AppendOptions) error {
	if err := validate(snap); err != nil {
		return err
	}
	payload, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.snapshotKey(snap.Hash), payload, 0)
		pipe.ZAdd(ctx, s.indexKey(snap.XCID), redis.Z{Score: float64(snap.TS.UnixNano()), Member: snap.Hash})
		pipe.SAdd(ctx, s.xcidsKey(), snap.XCID)
		return nil
	})
	return err
}

// GetByHash 读取快照；不存在返回 (nil, nil)
func (s *RedisStore) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return Decode(data)
}

// CleanupOldSnapshots 每个执行只保留最近 keep 个快照
func (s *RedisStore) CleanupOldSnapshots(ctx context.Context) error {
	xcIDs, err := s.client.SMembers(ctx, s.xcidsKey()).Result()
	if err != nil {
		return err
	}
	for _, xcID := range xcIDs {
		// 按 score 升序，排除最新 keep 个
		stale, err := s.client.ZRange(ctx, s.indexKey(xcID), 0, int64(-s.keep-1)).Result()
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			continue
		}
		keys := make([]string, 0, len(stale))
		members := make([]interface{}, 0, len(stale))
		for _, h := range stale {
			keys = append(keys, s.snapshotKey(h))
			members = append(members, h)
		}
		if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, s.indexKey(xcID), members...)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// CountByXCID 某执行的快照数
func (s *RedisStore) CountByXCID(ctx context.Context, xcID string) (int64, error) {
	return s.client.ZCard(ctx, s.indexKey(xcID)).Result()
}
