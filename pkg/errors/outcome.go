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

package errors

// Outcome 尽力而为操作的结果（DLQ 重处理、内存清理、状态同步等）。
// 返回 Outcome 的函数自行记录日志且从不向上传播错误；调用方按需检查或以 `_ =` 显式丢弃。
type Outcome struct {
	Op  string
	Err error
}

// Ok 成功的 Outcome
func Ok(op string) Outcome { return Outcome{Op: op} }

// Failed 失败的 Outcome
func Failed(op string, err error) Outcome { return Outcome{Op: op, Err: err} }

// IsFailure 是否失败
func (o Outcome) IsFailure() bool { return o.Err != nil }
