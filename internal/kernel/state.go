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
	"time"

	"exec-kernel/internal/runtime/snapshotstore"
	"exec-kernel/pkg/config"
)

// Status Kernel 生命周期状态
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// KernelState 单个 Kernel 独占的可变状态。
// ContextData 由 contextStore 持有并加锁访问，这里只在快照/恢复时出现；PendingOperations 由原子执行器维护。
type KernelState struct {
	ID                string
	TenantID          string
	JobID             string
	CorrelationID     string
	StateData         map[string]any
	Status            Status
	StartTime         time.Time
	EventCount        int64
	Quotas            config.QuotaConfig
	OperationID       string
	LastOperationHash string
}

func newKernelState(id, tenantID, jobID, correlationID string, quotas config.QuotaConfig) *KernelState {
	return &KernelState{
		ID:            id,
		TenantID:      tenantID,
		JobID:         jobID,
		CorrelationID: correlationID,
		StateData:     make(map[string]any),
		Status:        StatusInitialized,
		Quotas:        quotas,
	}
}

// toSnapshot 转为快照中的可序列化形式；contextData/stateData 须已深拷贝
func (s *KernelState) toSnapshot(contextData, stateData map[string]any, pending []string) snapshotstore.State {
	return snapshotstore.State{
		ID:                s.ID,
		TenantID:          s.TenantID,
		JobID:             s.JobID,
		CorrelationID:     s.CorrelationID,
		ContextData:       contextData,
		StateData:         stateData,
		Status:            string(s.Status),
		StartTime:         s.StartTime,
		EventCount:        s.EventCount,
		Quotas:            snapshotstore.Quotas(s.Quotas),
		OperationID:       s.OperationID,
		LastOperationHash: s.LastOperationHash,
		PendingOperations: pending,
	}
}

// stateFromSnapshot 由快照还原 KernelState（不含 ContextData）
func stateFromSnapshot(st snapshotstore.State) *KernelState {
	stateData := st.StateData
	if stateData == nil {
		stateData = make(map[string]any)
	}
	return &KernelState{
		ID:                st.ID,
		TenantID:          st.TenantID,
		JobID:             st.JobID,
		CorrelationID:     st.CorrelationID,
		StateData:         stateData,
		Status:            Status(st.Status),
		StartTime:         st.StartTime,
		EventCount:        st.EventCount,
		Quotas:            config.QuotaConfig(st.Quotas),
		OperationID:       st.OperationID,
		LastOperationHash: st.LastOperationHash,
	}
}
