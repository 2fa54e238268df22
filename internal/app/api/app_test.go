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
package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-kernel/internal/app"
	"exec-kernel/internal/kernel"
	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/pkg/config"
)

func TestNewApp_WiresManager(t *testing.T) {
	kc := config.DefaultKernelConfig()
	kc.Recovery.Enabled = false
	cfg := &config.Config{Kernel: kc, Persistor: config.PersistorConfig{Type: "memory", KeepSnapshots: 2}}
	b, err := app.NewBootstrap(context.Background(), cfg)
	require.NoError(t, err)

	a, err := NewApp(b, kernel.WithMemoryReader(func() uint64 { return 0 }))
	require.NoError(t, err)

	k, err := a.Manager().Create("acme", "job-1", nil)
	require.NoError(t, err)
	_, err = k.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, k.IsRuntimeReady())

	// hertz 未启动时 Shutdown 仍需暂停 Kernel 并关闭 bootstrap
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, 0, a.Manager().Len())
	store, ok := b.Persistor.(*snapshotstore.MemoryStore)
	require.True(t, ok)
	assert.Len(t, store.Hashes("acme:job-1"), 1)
}

func TestNewApp_RequiresBootstrap(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)
}
