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

package snapshotstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CloneData 经 JSON 往返深拷贝上下文数据，数字不丢精度：
// 整数还原为 int64（超出范围时 uint64），其余为 float64；无法精确表示的数字保留为 json.Number。
func CloneData(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeValue(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeValue 以 UseNumber 解码并把 json.Number 还原为 Go 数值
func decodeValue(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch p := v.(type) {
	case *map[string]any:
		*p = normalizeMap(*p)
	case *any:
		*p = normalizeValue(*p)
	default:
		return fmt.Errorf("decode value: unsupported target %T", v)
	}
	return nil
}

func normalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return normalizeMap(x)
	case []any:
		for i, e := range x {
			x[i] = normalizeValue(e)
		}
		return x
	case json.Number:
		return numberValue(x)
	}
	return v
}

func numberValue(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil && strconv.FormatInt(i, 10) == s {
			return i
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil && strconv.FormatUint(u, 10) == s {
			return u
		}
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	// 只在 float64 能原样编码回同一文本时转换，否则保留原文
	if b, err := json.Marshal(f); err != nil || string(b) != s {
		return n
	}
	return f
}
