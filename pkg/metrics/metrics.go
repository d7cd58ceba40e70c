package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Server/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EventAppendTotal, EventAppendDuplicateTotal,
		QueueLeaseTotal, QueueDepth,
		BrokerEvalDurationSeconds, BrokerEvalErrorsTotal,
		RetryDecisionTotal,
		JobDurationSeconds, JobTotal, WorkerBusy,
		IterationTotal,
	)
}

// EventAppendTotal 事件写入总数（按 event_type）
var EventAppendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_event_append_total",
		Help: "事件写入总数（按 event_type）",
	},
	[]string{"event_type"},
)

// EventAppendDuplicateTotal 幂等标记命中数（被丢弃的重复 marker）
var EventAppendDuplicateTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_event_append_duplicate_total",
		Help: "幂等标记命中数（重复 marker 被丢弃）",
	},
)

// QueueLeaseTotal 队列租约尝试数（acquired=true/false）
var QueueLeaseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_queue_lease_total",
		Help: "队列租约尝试数",
	},
	[]string{"acquired"},
)

// QueueDepth 各状态队列条目数
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "noetl_queue_depth",
		Help: "各状态队列条目数",
	},
	[]string{"status"},
)

// BrokerEvalDurationSeconds Broker 单次评估耗时（秒）
var BrokerEvalDurationSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "noetl_broker_eval_duration_seconds",
		Help:    "Broker 单次评估耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// BrokerEvalErrorsTotal Broker 评估错误数（执行保持 in_progress）
var BrokerEvalErrorsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "noetl_broker_eval_errors_total",
		Help: "Broker 评估错误数",
	},
)

// RetryDecisionTotal 重试评估结果数（requeue | exhausted | terminal）
var RetryDecisionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_retry_decision_total",
		Help: "重试评估结果数",
	},
	[]string{"decision"},
)

// JobDurationSeconds Worker 任务执行耗时（秒，按插件 kind）
var JobDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "noetl_job_duration_seconds",
		Help:    "Worker 任务执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// JobTotal Worker 任务总数（按结果）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_job_total",
		Help: "Worker 任务总数（按结果）",
	},
	[]string{"status"}, // success | error | stolen
)

// WorkerBusy 当前正在执行的任务数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "noetl_worker_busy",
		Help: "当前正在执行的任务数",
	},
	[]string{"worker_id"},
)

// IterationTotal 迭代器单项执行数（按结果）
var IterationTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "noetl_iteration_total",
		Help: "迭代器单项执行数",
	},
	[]string{"status"}, // success | failed
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
