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

package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-kernel/internal/runtime/eventbus"
	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/internal/statussync"
	"exec-kernel/pkg/config"
	"exec-kernel/pkg/errors"
	"exec-kernel/pkg/log"
)

type testEnv struct {
	k        *Kernel
	store    *snapshotstore.MemoryStore
	runtimes atomic.Int32
	bus      atomic.Pointer[eventbus.Bus]
}

func newTestKernel(t *testing.T, mutate func(*config.KernelConfig), opts ...Option) *testEnv {
	t.Helper()
	cfg := config.DefaultKernelConfig()
	cfg.TenantID = "t1"
	cfg.JobID = "j1"
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{store: snapshotstore.NewMemoryStore(0)}
	base := []Option{
		WithPersistor(env.store),
		WithMemoryReader(func() uint64 { return 0 }),
		WithRuntimeFactory(func(o eventbus.Options) (eventbus.Runtime, error) {
			env.runtimes.Add(1)
			b := eventbus.New(o)
			env.bus.Store(b)
			return b, nil
		}),
	}
	k, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(k.Clear)
	env.k = k
	return env
}

func domainEvent(typ string) Event {
	return Event{Payload: eventbus.Domain{Type: typ, Data: json.RawMessage(`{"ok":true}`)}}
}

// readyMatchesState 检查 IsRuntimeReady 与 (runtime != nil && status == running) 一致
func readyMatchesState(t *testing.T, k *Kernel) {
	t.Helper()
	ready := k.IsRuntimeReady()
	k.stateMu.RLock()
	want := k.runtime != nil && k.state.Status == StatusRunning
	k.stateMu.RUnlock()
	assert.Equal(t, want, ready)
}

func TestNew_RequiresTenant(t *testing.T) {
	cfg := config.DefaultKernelConfig()
	cfg.TenantID = ""
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInitializationFailed))
}

func TestNew_GeneratesJobID(t *testing.T) {
	cfg := config.DefaultKernelConfig()
	cfg.TenantID = "acme"
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(k.Clear)
	assert.Contains(t, k.ID(), "acme:")
	assert.Equal(t, StatusInitialized, k.GetStatus().Status)
}

func TestIsRuntimeReady_AcrossLifecycle(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()

	readyMatchesState(t, k)
	assert.False(t, k.IsRuntimeReady())

	_, err := k.Initialize(ctx)
	require.NoError(t, err)
	readyMatchesState(t, k)
	assert.True(t, k.IsRuntimeReady())

	hash, err := k.Pause(ctx, "manual")
	require.NoError(t, err)
	readyMatchesState(t, k)
	assert.False(t, k.IsRuntimeReady())

	require.NoError(t, k.Resume(ctx, hash))
	readyMatchesState(t, k)
	assert.True(t, k.IsRuntimeReady())

	require.NoError(t, k.Complete(ctx, map[string]int{"n": 1}))
	readyMatchesState(t, k)
	assert.False(t, k.IsRuntimeReady())

	k.Reset()
	readyMatchesState(t, k)
	assert.False(t, k.IsRuntimeReady())
}

func TestIsRuntimeReady_RepairsDesync(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	_, err := k.Initialize(context.Background())
	require.NoError(t, err)

	// running 但 Runtime 丢失
	k.stateMu.Lock()
	k.runtime = nil
	k.stateMu.Unlock()
	assert.False(t, k.IsRuntimeReady())
	assert.Equal(t, StatusFailed, k.GetStatus().Status)

	// 非运行状态残留 Runtime
	k.Reset()
	stale := eventbus.New(eventbus.Options{})
	k.stateMu.Lock()
	k.runtime = stale
	k.stateMu.Unlock()
	assert.False(t, k.IsRuntimeReady())
	assert.Nil(t, k.currentRuntime())
	_, err = stale.Emit(context.Background(), eventbus.Domain{Type: "x"}, eventbus.EmitOptions{})
	assert.ErrorIs(t, err, eventbus.ErrClosed)
}

func TestInitialize_Idempotent(t *testing.T) {
	env := newTestKernel(t, nil)
	ctx := context.Background()

	wf1, err := env.k.Initialize(ctx)
	require.NoError(t, err)
	wf2, err := env.k.Initialize(ctx)
	require.NoError(t, err)

	assert.Same(t, wf1, wf2)
	assert.Equal(t, int32(1), env.runtimes.Load())
	assert.Equal(t, StatusRunning, env.k.GetStatus().Status)
}

func TestInitialize_DrainsStartedEvent(t *testing.T) {
	var started atomic.Int32
	env := newTestKernel(t, nil, WithRuntimeFactory(func(o eventbus.Options) (eventbus.Runtime, error) {
		b := eventbus.New(o)
		b.On(eventbus.TypeKernelStarted, func(ctx context.Context, evt eventbus.Event) error {
			started.Add(1)
			assert.Equal(t, "t1", evt.TenantID)
			return nil
		})
		return b, nil
	}))
	_, err := env.k.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, 0, env.k.GetComprehensiveStatus().Runtime.Queue.Size)
}

func TestInitialize_WorkflowFactory(t *testing.T) {
	env := newTestKernel(t, nil, WithWorkflowFactory(func(ctx context.Context, id Identity) (*WorkflowContext, error) {
		return &WorkflowContext{ID: "wf-" + id.JobID, KernelID: id.ID}, nil
	}))
	wf, err := env.k.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wf-j1", wf.ID)
	assert.Equal(t, "t1:j1", wf.KernelID)
}

func TestInitialize_RollbackOnRuntimeFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	env := newTestKernel(t, nil, WithRuntimeFactory(func(o eventbus.Options) (eventbus.Runtime, error) {
		if fail.Load() {
			return nil, fmt.Errorf("broker down")
		}
		return eventbus.New(o), nil
	}))
	k := env.k
	ctx := context.Background()

	_, err := k.Initialize(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInitializationFailed))
	assert.Equal(t, StatusFailed, k.GetStatus().Status)
	assert.Nil(t, k.currentRuntime())
	readyMatchesState(t, k)

	// failed 不能直接 Initialize
	_, err = k.Initialize(ctx)
	assert.True(t, errors.IsCode(err, errors.CodeInitializationFailed))

	assert.False(t, k.RecoverFromError(ctx))
	fail.Store(false)
	assert.True(t, k.RecoverFromError(ctx))
	assert.Equal(t, StatusRunning, k.GetStatus().Status)
	assert.True(t, k.IsRuntimeReady())
}

func TestRecoverFromError(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()

	assert.False(t, k.RecoverFromError(ctx), "initialized is not recoverable")
	_, err := k.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, k.RecoverFromError(ctx), "running is already healthy")

	k.stateMu.Lock()
	k.runtime = nil
	k.stateMu.Unlock()
	assert.True(t, k.RecoverFromError(ctx))
	assert.Equal(t, StatusRunning, k.GetStatus().Status)
	assert.Equal(t, int32(2), env.runtimes.Load())
}

func TestSendEvent_RequiresRunning(t *testing.T) {
	env := newTestKernel(t, nil)
	_, err := env.k.SendEvent(context.Background(), domainEvent("job.step"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInitializationFailed))
	assert.Equal(t, int64(0), env.k.GetStatus().EventCount)
}

func TestSendEvent_CountsAndProcesses(t *testing.T) {
	var seen atomic.Int32
	env := newTestKernel(t, nil, WithRuntimeFactory(func(o eventbus.Options) (eventbus.Runtime, error) {
		b := eventbus.New(o)
		b.On("job.step", func(ctx context.Context, evt eventbus.Event) error {
			seen.Add(1)
			return nil
		})
		return b, nil
	}))
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := k.SendEvent(ctx, domainEvent("job.step"))
		require.NoError(t, err)
	}
	res, err := k.ProcessWithAcks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.ByType["job.step"])
	assert.Equal(t, int32(3), seen.Load())
	assert.Equal(t, int64(3), k.GetStatus().EventCount)
	assert.Equal(t, "job.step", k.GetComprehensiveStatus().LastEventType)
}

func TestSendEvent_Idempotent(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Idempotency.EnableEventIdempotency = true
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	evt := domainEvent("job.step")
	evt.ID = "evt-1"
	first, err := k.SendEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	second, err := k.SendEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(1), k.GetStatus().EventCount)
}

func TestSendEvent_BatchedFlushesCritical(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Performance.EnableBatching = true
		c.Performance.BatchSize = 100
		c.Performance.BatchTimeout = time.Hour
		c.Runtime.CriticalEvents = []string{"job.critical"}
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	res, err := k.SendEvent(ctx, domainEvent("job.step"))
	require.NoError(t, err)
	assert.True(t, res.Batched)

	res, err = k.SendEvent(ctx, domainEvent("job.critical"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	st := k.GetComprehensiveStatus().Runtime
	require.NotNil(t, st)
	assert.Equal(t, 2, st.Queue.Size)
	assert.Equal(t, 0, st.Queue.Buffered)
}

func TestExecuteAtomicOperation_DuplicateInFlight(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	release := make(chan struct{})

	var (
		wg     sync.WaitGroup
		result any
		runErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, runErr = k.ExecuteAtomicOperation(context.Background(), "op-1", func(ctx context.Context) (any, error) {
			<-release
			return "done", nil
		}, AtomicOptions{})
	}()
	require.Eventually(t, func() bool { return len(k.atomic.pendingIDs()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := k.ExecuteAtomicOperation(context.Background(), "op-1", func(ctx context.Context) (any, error) {
		return "second", nil
	}, AtomicOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationInProgress)
	assert.Contains(t, err.Error(), "already in progress")

	close(release)
	wg.Wait()
	require.NoError(t, runErr)
	assert.Equal(t, "done", result)
	assert.Empty(t, k.atomic.pendingIDs())

	st := k.GetStatus()
	assert.Equal(t, "op-1", st.OperationID)
	assert.Len(t, st.LastOperationHash, 64)
}

func TestExecuteAtomicOperation_ConcurrencyBound(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Isolation.MaxConcurrentOperations = 2
	})
	k := env.k
	release := make(chan struct{})
	block := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := k.ExecuteAtomicOperation(context.Background(), id, block, AtomicOptions{})
			assert.NoError(t, err)
		}(id)
	}
	require.Eventually(t, func() bool { return len(k.atomic.pendingIDs()) == 2 }, time.Second, 5*time.Millisecond)

	_, err := k.ExecuteAtomicOperation(context.Background(), "c", block, AtomicOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyOperations)
	assert.Contains(t, err.Error(), "maximum concurrent operations reached")

	close(release)
	wg.Wait()
	assert.Empty(t, k.atomic.pendingIDs())
}

func TestExecuteAtomicOperation_Timeout(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k

	_, err := k.ExecuteAtomicOperation(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, AtomicOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeOperationTimeout))
	assert.Empty(t, k.atomic.pendingIDs())
	assert.Empty(t, k.GetStatus().LastOperationHash)
}

func TestExecuteAtomicOperation_RecoversPanic(t *testing.T) {
	env := newTestKernel(t, nil)
	_, err := env.k.ExecuteAtomicOperation(context.Background(), "boom", func(ctx context.Context) (any, error) {
		panic("bad")
	}, AtomicOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Empty(t, env.k.atomic.pendingIDs())
}

func TestEventQuota_PausesAfterMaxEvents(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Quotas.MaxEvents = 5
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := k.SendEvent(ctx, domainEvent("job.step"))
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, k.GetStatus().Status)
	}
	_, err = k.SendEvent(ctx, domainEvent("job.step"))
	require.NoError(t, err)

	st := k.GetComprehensiveStatus()
	assert.Equal(t, StatusPaused, st.Status)
	assert.Equal(t, int64(5), st.EventCount)
	require.NotNil(t, st.LastPause)
	assert.Equal(t, QuotaPauseReason(QuotaEvents), st.LastPause.Reason)
	assert.Equal(t, 1, env.store.AppendCount())

	snap, err := env.store.GetByHash(ctx, st.LastPause.SnapshotHash)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, k.ID(), snap.XCID)
	assert.Equal(t, int64(5), snap.State.EventCount)

	_, err = k.SendEvent(ctx, domainEvent("job.step"))
	assert.True(t, errors.IsCode(err, errors.CodeInitializationFailed))
}

func TestDurationQuota_PausesAutonomously(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Quotas.MaxDuration = 100 * time.Millisecond
	})
	k := env.k
	_, err := k.Initialize(context.Background())
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	require.Eventually(t, func() bool { return k.GetStatus().Status == StatusPaused }, time.Second, 10*time.Millisecond)

	st := k.GetComprehensiveStatus()
	require.NotNil(t, st.LastPause)
	assert.Equal(t, "quota-exceeded-duration", st.LastPause.Reason)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.store.AppendCount())
}

func TestDurationQuota_StaleTimerIgnoredAfterReset(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Quotas.MaxDuration = time.Hour
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)
	stale := k.quotaGen.Load()

	k.Reset()
	_, err = k.Initialize(ctx)
	require.NoError(t, err)

	// 上一轮的时长定时器已触发，直到新一轮运行开始后才拿到生命周期锁
	k.handleDurationQuota(stale)
	assert.Equal(t, StatusRunning, k.GetStatus().Status)
	assert.Nil(t, k.GetComprehensiveStatus().LastPause)
	assert.Equal(t, 0, env.store.AppendCount())

	k.handleDurationQuota(k.quotaGen.Load())
	assert.Equal(t, StatusPaused, k.GetStatus().Status)
	assert.Equal(t, QuotaPauseReason(QuotaDuration), k.GetComprehensiveStatus().LastPause.Reason)
}

func TestMemoryQuota_PausesAfterCleanup(t *testing.T) {
	var heap atomic.Uint64
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Quotas.MaxMemory = 1 << 20
		c.Monitor.MemoryCheckInterval = 10 * time.Millisecond
	}, WithMemoryReader(func() uint64 { return heap.Load() }))
	k := env.k
	_, err := k.Initialize(context.Background())
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StatusRunning, k.GetStatus().Status)

	heap.Store(2 << 20)
	require.Eventually(t, func() bool { return k.GetStatus().Status == StatusPaused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, QuotaPauseReason(QuotaMemory), k.GetComprehensiveStatus().LastPause.Reason)
}

func TestQuotaExceeded_IgnoredWhenNotRunning(t *testing.T) {
	env := newTestKernel(t, nil)
	env.k.handleQuotaExceeded(QuotaEvents)
	assert.Equal(t, StatusInitialized, env.k.GetStatus().Status)
	assert.Equal(t, 0, env.store.AppendCount())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	k.SetContext("plan", "step", "fetch")
	k.SetContext("plan", "attempts", 2)
	k.SetContext("memory", "notes", map[string]any{"a": []any{"x", "y"}}, "thread-1")
	_, err = k.SendEvent(ctx, domainEvent("job.step"))
	require.NoError(t, err)
	before, err := k.ContextData()
	require.NoError(t, err)

	hash, err := k.Pause(ctx, "checkpoint")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, StatusPaused, k.GetStatus().Status)

	// 暂停后的修改不应出现在恢复结果中
	k.SetContext("plan", "step", "mutated")

	require.NoError(t, k.Resume(ctx, hash))
	assert.Equal(t, StatusRunning, k.GetStatus().Status)
	after, err := k.ContextData()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	v, ok := k.GetContext("plan", "step")
	require.True(t, ok)
	assert.Equal(t, "fetch", v)
	assert.Equal(t, int64(1), k.GetStatus().EventCount)
}

func TestSnapshot_ResumePreservesNumbers(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	k.SetContext("ids", "cursor", int64(9007199254740993))
	k.SetContext("ids", "attempt", 2)
	k.SetContext("ids", "ratio", 2.5)
	k.SetContext("ids", "window", []any{int64(1) << 60, 0.5})

	hash, err := k.Pause(ctx, "checkpoint")
	require.NoError(t, err)
	require.NoError(t, k.Resume(ctx, hash))

	v, ok := k.GetContext("ids", "cursor")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), v)

	v, ok = k.GetContext("ids", "attempt")
	require.True(t, ok)
	assert.Equal(t, int64(2), v)

	v, ok = k.GetContext("ids", "ratio")
	require.True(t, ok)
	assert.Equal(t, 2.5, v)

	v, ok = k.GetContext("ids", "window")
	require.True(t, ok)
	assert.Equal(t, []any{int64(1) << 60, 0.5}, v)

	n, err := k.IncrementContext("ids", "attempt", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(3), n)
}

// sharedSnapshotStore 返回与写入时同一个快照对象，模拟按引用缓存的存储
type sharedSnapshotStore struct {
	mu    sync.Mutex
	snaps map[string]*snapshotstore.Snapshot
}

func (s *sharedSnapshotStore) Append(ctx context.Context, snap *snapshotstore.Snapshot, opts snapshotstore.AppendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps == nil {
		s.snaps = make(map[string]*snapshotstore.Snapshot)
	}
	s.snaps[snap.Hash] = snap
	return nil
}

func (s *sharedSnapshotStore) GetByHash(ctx context.Context, hash string) (*snapshotstore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[hash], nil
}

func TestResume_DoesNotAliasSnapshot(t *testing.T) {
	shared := &sharedSnapshotStore{}
	env := newTestKernel(t, nil, WithPersistor(shared))
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	k.SetContext("plan", "step", "fetch")
	hash, err := k.Pause(ctx, "checkpoint")
	require.NoError(t, err)
	require.NoError(t, k.Resume(ctx, hash))

	k.SetContext("plan", "step", "mutated")
	k.SetContext("plan", "extra", true)

	snap, err := shared.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, snap.Verify())
	plan := snap.State.ContextData["tenant:t1"].(map[string]any)["plan"].(map[string]any)
	assert.Equal(t, map[string]any{"step": "fetch"}, plan)

	// 同一快照可再次恢复
	_, err = k.Pause(ctx, "")
	require.NoError(t, err)
	require.NoError(t, k.Resume(ctx, hash))
	v, ok := k.GetContext("plan", "step")
	require.True(t, ok)
	assert.Equal(t, "fetch", v)
}

func TestResume_Errors(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	err = k.Resume(ctx, "missing")
	assert.True(t, errors.IsCode(err, errors.CodeOperationTimeout), "resume requires paused")

	_, err = k.Pause(ctx, "")
	require.NoError(t, err)
	_, err = k.Pause(ctx, "")
	assert.True(t, errors.IsCode(err, errors.CodeOperationTimeout), "pause requires running")

	err = k.Resume(ctx, "deadbeef")
	assert.True(t, errors.IsCode(err, errors.CodeContextCorruption))
	assert.Equal(t, StatusPaused, k.GetStatus().Status)
}

func TestResume_RejectsForeignSnapshot(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)
	_, err = k.Pause(ctx, "")
	require.NoError(t, err)

	foreign, err := snapshotstore.New(snapshotstore.State{ID: "t1:other", TenantID: "t1", JobID: "other"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.store.Append(ctx, foreign, snapshotstore.AppendOptions{}))

	err = k.Resume(ctx, foreign.Hash)
	assert.True(t, errors.IsCode(err, errors.CodeContextCorruption))
}

func TestPause_UnserializableContext(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	k.SetContext("bad", "fn", func() {})
	_, err = k.Pause(ctx, "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSnapshotUnserializable))
	assert.Equal(t, StatusRunning, k.GetStatus().Status)
	assert.Equal(t, 0, env.store.AppendCount())
}

func TestAutoSnapshot_ByEventCount(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Performance.AutoSnapshot.Enabled = true
		c.Performance.AutoSnapshot.EventInterval = 2
		c.Performance.AutoSnapshot.Interval = time.Hour
		c.Performance.AutoSnapshot.UseDelta = true
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		k.SetContext("progress", "i", i)
		_, err := k.SendEvent(ctx, domainEvent("job.step"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, env.store.AppendCount())
	hashes := env.store.Hashes(k.ID())
	require.Len(t, hashes, 2)
	assert.True(t, env.store.IsDelta(hashes[1]))
	assert.False(t, k.GetComprehensiveStatus().LastSnapshotAt.IsZero())
}

func TestAutoSnapshot_ByInterval(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Performance.AutoSnapshot.Enabled = true
		c.Performance.AutoSnapshot.Interval = 20 * time.Millisecond
		c.Performance.AutoSnapshot.EventInterval = 1000
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.store.AppendCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, k.GetComprehensiveStatus().LastSnapshotAt.IsZero())

	_, err = k.Pause(ctx, "")
	require.NoError(t, err)
	paused := env.store.AppendCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, paused, env.store.AppendCount(), "no interval snapshots while paused")
}

func TestComplete_Idempotent(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	require.NoError(t, k.Complete(ctx, map[string]string{"answer": "42"}))
	st := k.GetComprehensiveStatus()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.JSONEq(t, `{"answer":"42"}`, string(st.Result))

	require.NoError(t, k.Complete(ctx, "ignored"))
	assert.JSONEq(t, `{"answer":"42"}`, string(k.GetComprehensiveStatus().Result))
	for _, ti := range k.timers.List() {
		assert.NotEqual(t, durationTimerName, ti.Name)
	}
}

func TestReset_RestoresFreshState(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)
	before := k.GetStatus().CorrelationID
	k.SetContext("ns", "k", "v")
	_, err = k.SendEvent(ctx, domainEvent("job.step"))
	require.NoError(t, err)

	k.Reset()
	st := k.GetStatus()
	assert.Equal(t, StatusInitialized, st.Status)
	assert.Equal(t, int64(0), st.EventCount)
	assert.NotEqual(t, before, st.CorrelationID)
	_, ok := k.GetContext("ns", "k")
	assert.False(t, ok)
	assert.Nil(t, k.currentRuntime())

	_, err = k.Initialize(ctx)
	require.NoError(t, err)
	assert.True(t, k.IsRuntimeReady())
}

func TestClear_CancelsAllTimers(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Quotas.MaxDuration = time.Hour
		c.Quotas.MaxMemory = 1 << 30
		c.Recovery.Enabled = true
	})
	k := env.k
	_, err := k.Initialize(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, k.timers.Len(), 4)

	k.Reset()
	assert.True(t, k.timers.Has(recoveryTimerName), "reset keeps monitor timers")

	k.Clear()
	assert.Equal(t, 0, k.timers.Len())
	assert.Equal(t, StatusInitialized, k.GetStatus().Status)
}

func TestContext_TenantAndThreadIsolation(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k

	k.SetContext("chat", "topic", "billing", "th-a")
	k.SetContext("chat", "topic", "search", "th-b")
	k.SetContext("chat", "topic", "global")

	v, _ := k.GetContext("chat", "topic", "th-a")
	assert.Equal(t, "billing", v)
	v, _ = k.GetContext("chat", "topic", "th-b")
	assert.Equal(t, "search", v)
	v, _ = k.GetContext("chat", "topic")
	assert.Equal(t, "global", v)

	data, err := k.ContextData()
	require.NoError(t, err)
	assert.Contains(t, data, "tenant:t1")
	assert.Contains(t, data, "tenant:t1:thread:th-a")
}

func TestContext_BatchedWritesFlush(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Performance.EnableBatching = true
		c.Performance.ContextUpdateDebounce = 20 * time.Millisecond
	})
	k := env.k

	k.SetContext("ns", "a", 1)
	k.SetContext("ns", "b", 2)
	v, ok := k.GetContext("ns", "a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, k.GetComprehensiveStatus().QueuedWrites)

	require.Eventually(t, func() bool { return k.GetComprehensiveStatus().QueuedWrites == 0 }, time.Second, 5*time.Millisecond)
	v, ok = k.GetContext("ns", "b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestPause_FlushesQueuedWrites(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Performance.EnableBatching = true
		c.Performance.ContextUpdateDebounce = time.Hour
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	k.SetContext("ns", "a", "v")
	require.Equal(t, 1, k.GetComprehensiveStatus().QueuedWrites)

	hash, err := k.Pause(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, k.GetComprehensiveStatus().QueuedWrites)

	snap, err := env.store.GetByHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, snap)
	ns := snap.State.ContextData["tenant:t1"].(map[string]any)["ns"].(map[string]any)
	assert.Equal(t, "v", ns["a"])
}

func TestContext_Increment(t *testing.T) {
	env := newTestKernel(t, nil)
	k := env.k

	n, err := k.IncrementContext("stats", "calls", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), n)
	n, err = k.IncrementContext("stats", "calls", 2.5)
	require.NoError(t, err)
	assert.Equal(t, 3.5, n)

	k.SetContext("stats", "name", "x")
	_, err = k.IncrementContext("stats", "name", 1)
	assert.Error(t, err)
}

func TestDLQRecovery_BoundedAttempts(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Runtime.MaxRetries = 0
		c.Recovery.MaxAttempts = 2
	}, WithRuntimeFactory(func(o eventbus.Options) (eventbus.Runtime, error) {
		b := eventbus.New(o)
		b.On("job.step", func(ctx context.Context, evt eventbus.Event) error {
			if failing.Load() {
				return fmt.Errorf("downstream unavailable")
			}
			return nil
		})
		return b, nil
	}))
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	_, err = k.Run(ctx, domainEvent("job.step"))
	require.NoError(t, err)
	dlq := k.GetDLQOperations().Stats()
	require.NotNil(t, dlq)
	assert.Equal(t, 1, dlq.Size)
	assert.Equal(t, 1, dlq.ByType["job.step"])

	failing.Store(false)
	rec := k.GetRecoveryOperations()
	res, err := rec.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReprocessedCount)
	processed, err := k.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed.Acked)
	assert.Equal(t, 0, k.GetDLQOperations().Stats().Size)
	assert.False(t, rec.Status().LastRecoveryTime.IsZero())

	_, err = rec.Trigger(ctx)
	require.NoError(t, err)
	_, err = rec.Trigger(ctx)
	assert.ErrorIs(t, err, ErrRecoveryExhausted)
	assert.Equal(t, 2, rec.Status().Attempts)

	rec.ResetAttempts()
	_, err = rec.Trigger(ctx)
	assert.NoError(t, err)
}

func TestWithHandler_RegisteredOnEveryRuntime(t *testing.T) {
	var seen atomic.Int32
	var failing atomic.Bool
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Runtime.MaxRetries = 0
	}, WithHandlers(map[string]eventbus.Handler{
		"job.step": func(ctx context.Context, evt eventbus.Event) error {
			seen.Add(1)
			if failing.Load() {
				return fmt.Errorf("downstream unavailable")
			}
			return nil
		},
	}))
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	res, err := k.Run(ctx, domainEvent("job.step"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)
	assert.Equal(t, int32(1), seen.Load())

	failing.Store(true)
	_, err = k.Run(ctx, domainEvent("job.step"))
	require.NoError(t, err)
	dlq := k.GetDLQOperations().Stats()
	require.NotNil(t, dlq)
	assert.Equal(t, 1, dlq.ByType["job.step"])

	// Reset 后新建的 Runtime 同样带上处理函数
	failing.Store(false)
	k.Reset()
	_, err = k.Initialize(ctx)
	require.NoError(t, err)
	_, err = k.Run(ctx, domainEvent("job.step"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), seen.Load())
	assert.Equal(t, int32(2), env.runtimes.Load())
}

func TestRecovery_AdaptiveCriteria(t *testing.T) {
	var heap atomic.Uint64
	m := newRecoveryManager(config.RecoveryConfig{}, 1000, func() eventbus.Runtime { return nil },
		func() uint64 { return heap.Load() }, log.NewNop())
	dlq := &eventbus.DLQStats{Size: 5, ByType: map[string]int{"a": 1, "b": 4}}

	c := m.buildCriteria(dlq, 5)
	assert.Equal(t, 24*time.Hour, c.MaxAge)
	assert.Equal(t, 50, c.Limit)
	assert.Empty(t, c.EventType)

	heap.Store(900)
	c = m.buildCriteria(dlq, 1)
	assert.Equal(t, time.Hour, c.MaxAge)
	assert.Equal(t, 10, c.Limit)
	assert.Empty(t, c.EventType)

	c = m.buildCriteria(dlq, 3)
	assert.Equal(t, "b", c.EventType)
}

func TestEventIsolation_RejectsForeignTenant(t *testing.T) {
	env := newTestKernel(t, func(c *config.KernelConfig) {
		c.Isolation.EnableEventIsolation = true
	})
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)

	_, err = k.SendEvent(ctx, domainEvent("job.step"))
	require.NoError(t, err)

	foreign := env.bus.Load().ForTenant("t2")
	_, err = foreign.Emit(ctx, eventbus.Domain{Type: "job.step"}, eventbus.EmitOptions{})
	assert.Error(t, err)
}

func TestStatusSync_ReceivesTransitions(t *testing.T) {
	rec := &recordingSyncer{}
	env := newTestKernel(t, nil, WithStatusSyncer(rec))
	k := env.k
	ctx := context.Background()
	_, err := k.Initialize(ctx)
	require.NoError(t, err)
	hash, err := k.Pause(ctx, "manual")
	require.NoError(t, err)
	require.NoError(t, k.Resume(ctx, hash))
	require.NoError(t, k.Complete(ctx, nil))

	assert.Equal(t, []string{"running", "paused", "running", "completed"}, rec.statuses())
	assert.Equal(t, hash, rec.updates[1].SnapshotHash)
}

type recordingSyncer struct {
	mu      sync.Mutex
	updates []statussync.Update
}

func (r *recordingSyncer) Sync(ctx context.Context, u statussync.Update) errors.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return errors.Ok("record")
}

func (r *recordingSyncer) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}
