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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-kernel/internal/api/http/middleware"
	"exec-kernel/internal/kernel"
	"exec-kernel/pkg/config"
)

func buildRouterForTest(t *testing.T) *server.Hertz {
	t.Helper()
	cfg := config.DefaultKernelConfig()
	cfg.Recovery.Enabled = false
	m := kernel.NewManager(cfg)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	r := NewRouter(NewHandler(m), middleware.NewMiddleware(nil))
	return r.Build(":0")
}

func perform(s *server.Hertz, method, path string, body any, headers ...ut.Header) *ut.ResponseRecorder {
	var data []byte
	if body != nil {
		data, _ = json.Marshal(body)
	}
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	return ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(data), Len: len(data)}, headers...)
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Result().Body(), &out), "body: %s", w.Result().Body())
	return out
}

func TestHealthCheck(t *testing.T) {
	s := buildRouterForTest(t)
	w := perform(s, "GET", "/api/health", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestExecutionLifecycle(t *testing.T) {
	s := buildRouterForTest(t)
	const id = "/api/executions/acme:j1"

	w := perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "acme", "job_id": "j1"})
	require.Equal(t, 201, w.Result().StatusCode(), "%s", w.Result().Body())
	assert.Equal(t, "acme:j1", decode(t, w)["id"])

	w = perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "acme", "job_id": "j1"})
	assert.Equal(t, 409, w.Result().StatusCode())

	w = perform(s, "POST", id+"/events", map[string]any{"type": "job.step", "data": map[string]int{"n": 1}, "process": true})
	require.Equal(t, 202, w.Result().StatusCode(), "%s", w.Result().Body())

	w = perform(s, "PUT", id+"/context/plan/step", map[string]any{"value": "fetch"})
	require.Equal(t, 200, w.Result().StatusCode())
	w = perform(s, "GET", id+"/context/plan/step", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "fetch", decode(t, w)["value"])
	w = perform(s, "GET", id+"/context/plan/missing", nil)
	assert.Equal(t, 404, w.Result().StatusCode())

	w = perform(s, "GET", id+"/status", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	st := decode(t, w)
	assert.Equal(t, "running", st["status"])
	assert.Equal(t, float64(1), st["event_count"])

	w = perform(s, "POST", id+"/pause", map[string]string{"reason": "operator"})
	require.Equal(t, 200, w.Result().StatusCode(), "%s", w.Result().Body())
	hash, _ := decode(t, w)["snapshot_hash"].(string)
	require.NotEmpty(t, hash)

	w = perform(s, "POST", id+"/events", map[string]any{"type": "job.step"})
	assert.Equal(t, 409, w.Result().StatusCode())
	assert.Equal(t, "KERNEL_INITIALIZATION_FAILED", decode(t, w)["code"])

	w = perform(s, "POST", id+"/resume", map[string]string{"snapshot_hash": hash})
	require.Equal(t, 200, w.Result().StatusCode(), "%s", w.Result().Body())
	assert.Equal(t, "running", decode(t, w)["status"])

	w = perform(s, "POST", id+"/complete", map[string]any{"result": map[string]string{"answer": "42"}})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, "completed", decode(t, w)["status"])

	w = perform(s, "GET", id, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	full := decode(t, w)
	assert.Equal(t, map[string]any{"answer": "42"}, full["result"])

	w = perform(s, "GET", "/api/executions", nil)
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = perform(s, "DELETE", id, nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	w = perform(s, "GET", id, nil)
	assert.Equal(t, 404, w.Result().StatusCode())
}

func TestCreateExecution_Validation(t *testing.T) {
	s := buildRouterForTest(t)

	w := perform(s, "POST", "/api/executions", map[string]any{})
	assert.Equal(t, 400, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "tenant_id is required")

	w = perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "acme", "quotas": map[string]any{"max_duration": "soon"}})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestSendEvent_Validation(t *testing.T) {
	s := buildRouterForTest(t)
	w := perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "acme", "job_id": "j1"})
	require.Equal(t, 201, w.Result().StatusCode())

	w = perform(s, "POST", "/api/executions/acme:j1/events", map[string]any{"data": map[string]int{}})
	assert.Equal(t, 400, w.Result().StatusCode())

	w = perform(s, "POST", "/api/executions/acme:j1/events", map[string]any{"type": "kernel.started"})
	assert.Equal(t, 400, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "reserved")
}

func TestResume_CorruptionMapsTo422(t *testing.T) {
	s := buildRouterForTest(t)
	w := perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "acme", "job_id": "j1"})
	require.Equal(t, 201, w.Result().StatusCode())
	w = perform(s, "POST", "/api/executions/acme:j1/pause", nil)
	require.Equal(t, 200, w.Result().StatusCode())

	w = perform(s, "POST", "/api/executions/acme:j1/resume", map[string]string{"snapshot_hash": "nope"})
	assert.Equal(t, 422, w.Result().StatusCode())
	assert.Equal(t, "KERNEL_CONTEXT_CORRUPTION", decode(t, w)["code"])

	w = perform(s, "POST", "/api/executions/acme:j1/resume", map[string]string{})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestTenantScope(t *testing.T) {
	s := buildRouterForTest(t)
	w := perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "acme", "job_id": "j1"})
	require.Equal(t, 201, w.Result().StatusCode())

	w = perform(s, "GET", "/api/executions/acme:j1/status", nil, ut.Header{Key: middleware.TenantHeader, Value: "other"})
	assert.Equal(t, 403, w.Result().StatusCode())

	w = perform(s, "GET", "/api/executions/acme:j1/status", nil, ut.Header{Key: middleware.TenantHeader, Value: "acme"})
	assert.Equal(t, 200, w.Result().StatusCode())
}

func TestTenantHeader_CreateAndList(t *testing.T) {
	s := buildRouterForTest(t)
	acme := ut.Header{Key: middleware.TenantHeader, Value: "acme"}

	// tenant_id 缺省时取租户头
	w := perform(s, "POST", "/api/executions", map[string]any{"job_id": "j1"}, acme)
	require.Equal(t, 201, w.Result().StatusCode())
	assert.Equal(t, "acme:j1", decode(t, w)["id"])

	w = perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "other", "job_id": "j2"}, acme)
	assert.Equal(t, 403, w.Result().StatusCode())

	w = perform(s, "POST", "/api/executions", map[string]any{"tenant_id": "other", "job_id": "j3"})
	require.Equal(t, 201, w.Result().StatusCode())

	w = perform(s, "GET", "/api/executions", nil, acme)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, float64(1), decode(t, w)["total"])

	w = perform(s, "GET", "/api/executions", nil)
	assert.Equal(t, float64(2), decode(t, w)["total"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := buildRouterForTest(t)
	w := perform(s, "GET", "/metrics", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "kernel_status_sync_fail_total")
}

func TestMetricsDisabled(t *testing.T) {
	m := kernel.NewManager(config.DefaultKernelConfig())
	r := NewRouter(NewHandler(m), middleware.NewMiddleware(nil))
	r.SetMetricsEnabled(false)
	s := r.Build(":0")
	w := perform(s, "GET", "/metrics", nil)
	assert.Equal(t, 404, w.Result().StatusCode())
}
