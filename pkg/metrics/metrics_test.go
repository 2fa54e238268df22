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

package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePrometheus(t *testing.T) {
	QuotaExceededTotal.WithLabelValues("t-metrics", "events").Inc()
	SnapshotTotal.WithLabelValues("pause", "ok").Inc()

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, "kernel_quota_exceeded_total")
	assert.Contains(t, out, `tenant="t-metrics"`)
	assert.Contains(t, out, "kernel_snapshot_total")
}
