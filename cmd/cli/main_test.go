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

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Tenant string
	Body   map[string]any
}

// fakeServer 记录请求并按路径返回预置响应
type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response map[string]any
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Tenant: r.Header.Get("X-Tenant-ID"),
		Body:   body,
	})
	status, resp := f.status, f.response
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeServer) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newFake(t *testing.T, status int, resp map[string]any) (*fakeServer, *client) {
	t.Helper()
	f := &fakeServer{status: status, response: resp}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, newClient(srv.URL, "acme")
}

func TestRun_Create(t *testing.T) {
	f, c := newFake(t, http.StatusCreated, map[string]any{"id": "acme:job-1"})
	var stdout, stderr bytes.Buffer

	code := run(c, []string{"create", "acme", "job-1", "10"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	req := f.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/executions", req.Path)
	assert.Equal(t, "acme", req.Tenant)
	assert.Equal(t, "acme", req.Body["tenant_id"])
	assert.Equal(t, "job-1", req.Body["job_id"])
	assert.Equal(t, map[string]any{"max_events": float64(10)}, req.Body["quotas"])
	assert.Contains(t, stdout.String(), "acme:job-1")
}

func TestRun_SendWithProcess(t *testing.T) {
	f, c := newFake(t, http.StatusAccepted, map[string]any{"status": "running"})
	var stdout, stderr bytes.Buffer

	code := run(c, []string{"send", "acme:job-1", "task.created", `{"n":1}`, "--process"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	req := f.last(t)
	assert.Equal(t, "/api/executions/acme:job-1/events", req.Path)
	assert.Equal(t, "task.created", req.Body["type"])
	assert.Equal(t, true, req.Body["process"])
	assert.Equal(t, map[string]any{"n": float64(1)}, req.Body["data"])
}

func TestRun_SendRejectsInvalidJSON(t *testing.T) {
	f, c := newFake(t, http.StatusAccepted, nil)
	var stdout, stderr bytes.Buffer

	code := run(c, []string{"send", "acme:job-1", "task.created", "{bad"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Empty(t, f.requests)
}

func TestRun_PauseAndResume(t *testing.T) {
	f, c := newFake(t, http.StatusOK, map[string]any{"snapshot_hash": "abc"})
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, run(c, []string{"pause", "acme:job-1", "maintenance"}, &stdout, &stderr))
	assert.Equal(t, "maintenance", f.last(t).Body["reason"])

	require.Equal(t, 0, run(c, []string{"resume", "acme:job-1", "abc"}, &stdout, &stderr))
	req := f.last(t)
	assert.Equal(t, "/api/executions/acme:job-1/resume", req.Path)
	assert.Equal(t, "abc", req.Body["snapshot_hash"])
}

func TestRun_ServerErrorIncludesCode(t *testing.T) {
	_, c := newFake(t, http.StatusUnprocessableEntity, map[string]any{
		"error": "snapshot not found",
		"code":  "KERNEL_CONTEXT_CORRUPTION",
	})
	var stdout, stderr bytes.Buffer

	code := run(c, []string{"resume", "acme:job-1", "missing"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "KERNEL_CONTEXT_CORRUPTION")
	assert.Contains(t, stderr.String(), "422")
}

func TestRun_CtxPutParsesJSONValue(t *testing.T) {
	f, c := newFake(t, http.StatusOK, map[string]any{"value": 3})
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, run(c, []string{"ctx-put", "acme:job-1", "vars", "count", "3"}, &stdout, &stderr))
	req := f.last(t)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/api/executions/acme:job-1/context/vars/count", req.Path)
	assert.Equal(t, float64(3), req.Body["value"])

	require.Equal(t, 0, run(c, []string{"ctx-put", "acme:job-1", "vars", "name", "plain"}, &stdout, &stderr))
	assert.Equal(t, "plain", f.last(t).Body["value"])
}

func TestRun_UsageErrors(t *testing.T) {
	_, c := newFake(t, http.StatusOK, nil)
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 1, run(c, []string{"resume", "acme:job-1"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: kernelctl resume")
	assert.Equal(t, 1, run(c, []string{"bogus"}, &stdout, &stderr))
	assert.Equal(t, 0, run(c, nil, &stdout, &stderr))
}

func TestRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 9100\npersistor:\n  type: memory\n"), 0644))
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, runConfig(path, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "api.port=9100")
	assert.Contains(t, stdout.String(), "persistor.type=memory")
}
