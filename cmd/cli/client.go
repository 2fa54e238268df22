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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"exec-kernel/pkg/utils"
)

func apiBaseURL() string {
	return utils.CoalesceString(os.Getenv("KERNEL_API_URL"), "http://localhost:8090")
}

// client 管理面 HTTP 客户端；tenant 非空时附带 X-Tenant-ID
type client struct {
	rc *resty.Client
}

func newClient(baseURL, tenant string) *client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if tenant != "" {
		rc.SetHeader("X-Tenant-ID", tenant)
	}
	return &client{rc: rc}
}

func executionPath(id string, suffix string) string {
	return "/api/executions/" + url.PathEscape(id) + suffix
}

// do 发送请求并把 JSON 响应解到 map；状态码不在 want 中时返回服务端错误信息
func (c *client) do(method, path string, body any, want ...int) (map[string]any, error) {
	var out map[string]any
	req := c.rc.R().SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	for _, code := range want {
		if resp.StatusCode() == code {
			return out, nil
		}
	}
	if msg, ok := out["error"].(string); ok {
		if code, ok := out["code"].(string); ok && code != "" {
			return nil, fmt.Errorf("%s %s: %d %s (%s)", method, path, resp.StatusCode(), msg, code)
		}
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), msg)
	}
	return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), resp.String())
}

func (c *client) health() (map[string]any, error) {
	return c.do(http.MethodGet, "/api/health", nil, http.StatusOK)
}

func (c *client) createExecution(tenantID, jobID string, quotas map[string]any) (map[string]any, error) {
	body := map[string]any{"tenant_id": tenantID, "job_id": jobID}
	if len(quotas) > 0 {
		body["quotas"] = quotas
	}
	return c.do(http.MethodPost, "/api/executions", body, http.StatusCreated)
}

func (c *client) listExecutions() (map[string]any, error) {
	return c.do(http.MethodGet, "/api/executions", nil, http.StatusOK)
}

func (c *client) getExecution(id string, full bool) (map[string]any, error) {
	suffix := "/status"
	if full {
		suffix = ""
	}
	return c.do(http.MethodGet, executionPath(id, suffix), nil, http.StatusOK)
}

func (c *client) deleteExecution(id string) (map[string]any, error) {
	return c.do(http.MethodDelete, executionPath(id, ""), nil, http.StatusOK)
}

func (c *client) sendEvent(id, eventType string, data json.RawMessage, process bool) (map[string]any, error) {
	body := map[string]any{"type": eventType, "process": process}
	if len(data) > 0 {
		body["data"] = data
	}
	return c.do(http.MethodPost, executionPath(id, "/events"), body, http.StatusAccepted)
}

func (c *client) process(id string) (map[string]any, error) {
	return c.do(http.MethodPost, executionPath(id, "/process"), nil, http.StatusOK)
}

func (c *client) pause(id, reason string) (map[string]any, error) {
	return c.do(http.MethodPost, executionPath(id, "/pause"), map[string]string{"reason": reason}, http.StatusOK)
}

func (c *client) resume(id, snapshotHash string) (map[string]any, error) {
	return c.do(http.MethodPost, executionPath(id, "/resume"), map[string]string{"snapshot_hash": snapshotHash}, http.StatusOK)
}

func (c *client) complete(id string, result json.RawMessage) (map[string]any, error) {
	var body any
	if len(result) > 0 {
		body = map[string]any{"result": result}
	}
	return c.do(http.MethodPost, executionPath(id, "/complete"), body, http.StatusOK)
}

func (c *client) reset(id string) (map[string]any, error) {
	return c.do(http.MethodPost, executionPath(id, "/reset"), nil, http.StatusOK)
}

func (c *client) recover(id string) (map[string]any, error) {
	return c.do(http.MethodPost, executionPath(id, "/recover"), nil, http.StatusOK)
}

func (c *client) getContext(id, namespace, key string) (map[string]any, error) {
	return c.do(http.MethodGet, executionPath(id, "/context/"+url.PathEscape(namespace)+"/"+url.PathEscape(key)), nil, http.StatusOK)
}

func (c *client) putContext(id, namespace, key string, value any) (map[string]any, error) {
	return c.do(http.MethodPut, executionPath(id, "/context/"+url.PathEscape(namespace)+"/"+url.PathEscape(key)),
		map[string]any{"value": value}, http.StatusOK)
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
