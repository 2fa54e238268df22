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
	"io"
	"os"
	"strconv"

	"exec-kernel/pkg/config"
)

const version = "kernelctl 0.1.0"

func main() {
	c := newClient(apiBaseURL(), os.Getenv("KERNEL_TENANT_ID"))
	os.Exit(run(c, os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行子命令并返回退出码
func run(c *client, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := args[0], args[1:]

	need := func(n int, usage string) bool {
		if len(args) < n {
			fmt.Fprintf(stderr, "Usage: kernelctl %s\n", usage)
			return false
		}
		return true
	}
	arg := func(i int, def string) string {
		if len(args) > i {
			return args[i]
		}
		return def
	}

	var (
		out map[string]any
		err error
	)
	switch cmd {
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	case "config":
		return runConfig(arg(0, "configs/kernel.yaml"), stdout, stderr)
	case "health":
		out, err = c.health()
	case "list":
		out, err = c.listExecutions()
	case "create":
		if !need(1, "create <tenant_id> [job_id] [max_events]") {
			return 1
		}
		var quotas map[string]any
		if s := arg(2, ""); s != "" {
			n, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				fmt.Fprintf(stderr, "max_events 非法: %v\n", perr)
				return 1
			}
			quotas = map[string]any{"max_events": n}
		}
		out, err = c.createExecution(args[0], arg(1, ""), quotas)
	case "status":
		if !need(1, "status <id> [--full]") {
			return 1
		}
		out, err = c.getExecution(args[0], arg(1, "") == "--full")
	case "delete":
		if !need(1, "delete <id>") {
			return 1
		}
		out, err = c.deleteExecution(args[0])
	case "send":
		if !need(2, "send <id> <type> [json_data] [--process]") {
			return 1
		}
		data := arg(2, "")
		process := arg(3, "") == "--process"
		if data == "--process" {
			data, process = "", true
		}
		if data != "" && !json.Valid([]byte(data)) {
			fmt.Fprintln(stderr, "json_data 不是合法 JSON")
			return 1
		}
		out, err = c.sendEvent(args[0], args[1], json.RawMessage(data), process)
	case "process":
		if !need(1, "process <id>") {
			return 1
		}
		out, err = c.process(args[0])
	case "pause":
		if !need(1, "pause <id> [reason]") {
			return 1
		}
		out, err = c.pause(args[0], arg(1, ""))
	case "resume":
		if !need(2, "resume <id> <snapshot_hash>") {
			return 1
		}
		out, err = c.resume(args[0], args[1])
	case "complete":
		if !need(1, "complete <id> [json_result]") {
			return 1
		}
		result := arg(1, "")
		if result != "" && !json.Valid([]byte(result)) {
			fmt.Fprintln(stderr, "json_result 不是合法 JSON")
			return 1
		}
		out, err = c.complete(args[0], json.RawMessage(result))
	case "reset":
		if !need(1, "reset <id>") {
			return 1
		}
		out, err = c.reset(args[0])
	case "recover":
		if !need(1, "recover <id>") {
			return 1
		}
		out, err = c.recover(args[0])
	case "ctx-get":
		if !need(3, "ctx-get <id> <namespace> <key>") {
			return 1
		}
		out, err = c.getContext(args[0], args[1], args[2])
	case "ctx-put":
		if !need(4, "ctx-put <id> <namespace> <key> <json_value>") {
			return 1
		}
		var v any
		if uerr := json.Unmarshal([]byte(args[3]), &v); uerr != nil {
			v = args[3]
		}
		out, err = c.putContext(args[0], args[1], args[2], v)
	default:
		printUsage(stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s 失败: %v\n", cmd, err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(out))
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: kernelctl <command> [args]")
	fmt.Fprintln(w, "  version                         - 显示版本")
	fmt.Fprintln(w, "  config [path]                   - 显示配置概要")
	fmt.Fprintln(w, "  health                          - 健康检查")
	fmt.Fprintln(w, "  list                            - 列出执行")
	fmt.Fprintln(w, "  create <tenant> [job] [max_events] - 创建并初始化执行")
	fmt.Fprintln(w, "  status <id> [--full]            - 查询状态")
	fmt.Fprintln(w, "  send <id> <type> [json] [--process] - 发送事件")
	fmt.Fprintln(w, "  process <id>                    - 排空事件队列")
	fmt.Fprintln(w, "  pause <id> [reason]             - 暂停并生成快照")
	fmt.Fprintln(w, "  resume <id> <snapshot_hash>     - 从快照恢复")
	fmt.Fprintln(w, "  complete <id> [json]            - 完成执行")
	fmt.Fprintln(w, "  reset | recover | delete <id>   - 重置 / 从失败恢复 / 移除")
	fmt.Fprintln(w, "  ctx-get <id> <ns> <key>         - 读取上下文")
	fmt.Fprintln(w, "  ctx-put <id> <ns> <key> <json>  - 写入上下文")
	fmt.Fprintln(w, "环境变量: KERNEL_API_URL（默认 http://localhost:8090）、KERNEL_TENANT_ID")
}

func runConfig(path string, stdout, stderr io.Writer) int {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "api.host=%s\n", cfg.API.Host)
	fmt.Fprintf(stdout, "api.port=%d\n", cfg.API.Port)
	fmt.Fprintf(stdout, "persistor.type=%s\n", cfg.Persistor.Type)
	fmt.Fprintf(stdout, "kernel.performance.enable_batching=%t\n", cfg.Kernel.Performance.EnableBatching)
	return 0
}
