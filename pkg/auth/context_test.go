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
package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", GetTenantID(ctx))
	assert.True(t, Allows(ctx, "acme"))

	ctx = WithTenantID(ctx, "acme")
	assert.Equal(t, "acme", GetTenantID(ctx))
	assert.True(t, Allows(ctx, "acme"))
	assert.False(t, Allows(ctx, "other"))

	assert.Equal(t, ctx, WithTenantID(ctx, ""), "empty tenant leaves ctx untouched")
}
