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
// Package auth 请求级身份信息在 context 中的传递
package auth

import (
	"context"
)

type contextKey string

const tenantIDKey contextKey = "auth.tenant_id"

// WithTenantID 将调用方租户写入 ctx；空租户原样返回
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID 读取调用方租户，未声明时返回空
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok {
		return v
	}
	return ""
}

// Allows 未声明租户的调用方不受限；否则只能访问本租户资源
func Allows(ctx context.Context, owner string) bool {
	tenant := GetTenantID(ctx)
	return tenant == "" || tenant == owner
}
