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

package eventbus

import (
	"fmt"
)

// TenantGuard 事件隔离：未打标的事件打上 tenantID，属于其他租户的事件直接拒绝
func TenantGuard(tenantID string) Middleware {
	return func(evt *Event) error {
		if evt.TenantID == "" {
			evt.TenantID = tenantID
			return nil
		}
		if evt.TenantID != tenantID {
			return fmt.Errorf("event %s belongs to tenant %q, runtime is isolated to %q", evt.ID, evt.TenantID, tenantID)
		}
		return nil
	}
}

// WithMetadata 给每个事件附加固定元数据（已存在的键不覆盖）
func WithMetadata(kv map[string]string) Middleware {
	return func(evt *Event) error {
		if len(kv) == 0 {
			return nil
		}
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]string, len(kv))
		}
		for k, v := range kv {
			if _, ok := evt.Metadata[k]; !ok {
				evt.Metadata[k] = v
			}
		}
		return nil
	}
}
