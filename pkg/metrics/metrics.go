package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Kernel 与 HTTP 管理面注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		KernelTransitionsTotal, KernelEventsTotal,
		QuotaExceededTotal,
		SnapshotTotal, SnapshotDuration,
		AtomicOperationsTotal, PendingOperations,
		ContextCacheTotal,
		DLQReprocessedTotal,
		StatusSyncFailTotal,
	)
}

// KernelTransitionsTotal 生命周期状态迁移次数
var KernelTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_transitions_total",
		Help: "Kernel 生命周期状态迁移次数",
	},
	[]string{"tenant", "to"}, // initialized | running | paused | completed | failed
)

// KernelEventsTotal 被接受的事件数
var KernelEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_events_total",
		Help: "Kernel 接受的事件总数",
	},
	[]string{"tenant", "mode"}, // sync | async | duplicate
)

// QuotaExceededTotal 配额超限次数
var QuotaExceededTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_quota_exceeded_total",
		Help: "配额超限触发暂停的次数",
	},
	[]string{"tenant", "quota"}, // duration | memory | events
)

// SnapshotTotal 快照创建次数（按触发来源与结果）
var SnapshotTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_snapshot_total",
		Help: "快照创建次数",
	},
	[]string{"trigger", "result"}, // trigger: pause | auto; result: ok | error
)

// SnapshotDuration 快照创建+持久化耗时（秒）
var SnapshotDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "kernel_snapshot_duration_seconds",
		Help:    "快照创建与持久化耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// AtomicOperationsTotal 原子操作结果
var AtomicOperationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_atomic_operations_total",
		Help: "原子操作执行结果",
	},
	[]string{"result"}, // ok | error | timeout | duplicate | saturated
)

// PendingOperations 当前执行中的原子操作数
var PendingOperations = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "kernel_pending_operations",
		Help: "当前执行中的原子操作数",
	},
	[]string{"kernel_id"},
)

// ContextCacheTotal 上下文缓存命中/未命中
var ContextCacheTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_context_cache_total",
		Help: "上下文读缓存命中情况",
	},
	[]string{"result"}, // hit | miss
)

// DLQReprocessedTotal 死信重处理事件数
var DLQReprocessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kernel_dlq_reprocessed_total",
		Help: "死信队列重处理的事件数",
	},
	[]string{"trigger"}, // auto | manual
)

// StatusSyncFailTotal 外部状态同步失败次数（失败被吞掉，仅计数）
var StatusSyncFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "kernel_status_sync_fail_total",
		Help: "外部执行状态同步失败次数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
