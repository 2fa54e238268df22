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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDSN(t *testing.T) string {
	dsn := os.Getenv("TEST_SNAPSHOT_DSN")
	if dsn == "" {
		t.Skip("TEST_SNAPSHOT_DSN not set, skipping Postgres snapshot store tests")
	}
	return dsn
}

func newTestPgStore(t *testing.T, ctx context.Context) *PostgresStore {
	store, err := NewPostgresStore(ctx, testDSN(t), 2)
	require.NoError(t, err)
	// 清空表以便测试独立
	_, _ = store.pool.Exec(ctx, `DELETE FROM kernel_snapshots`)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPgStore_AppendGet(t *testing.T) {
	ctx := context.Background()
	store := newTestPgStore(t, ctx)

	missing, err := store.GetByHash(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	snap, err := New(testState("t1:job-1"), time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, snap, AppendOptions{}))
	require.NoError(t, store.Append(ctx, snap, AppendOptions{}))

	got, err := store.GetByHash(ctx, snap.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, got.Verify())
}

func TestPgStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestPgStore(t, ctx)
	base := time.Now()
	for i := 0; i < 4; i++ {
		st := testState("t1:job-1")
		st.EventCount = int64(i)
		snap, err := New(st, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, snap, AppendOptions{}))
	}
	require.NoError(t, store.CleanupOldSnapshots(ctx))
	n, err := store.CountByXCID(ctx, "t1:job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
