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
	"fmt"

	"github.com/redis/go-redis/v9"

	"exec-kernel/pkg/config"
)

// NewPersistor 根据配置创建 Persistor：memory（默认）| postgres | redis
func NewPersistor(ctx context.Context, cfg config.PersistorConfig) (Persistor, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg.KeepSnapshots), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("persistor.dsn is required for postgres")
		}
		return NewPostgresStore(ctx, cfg.DSN, cfg.KeepSnapshots)
	case "redis":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("persistor.addr is required for redis")
		}
		return NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, cfg.KeyPrefix, cfg.KeepSnapshots)
	default:
		return nil, fmt.Errorf("unsupported persistor type: %s", cfg.Type)
	}
}
