package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 开关操作、事件输出、巡检与 API 的计数器

var (
	// 开关操作
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "switch",
		Name:      "operations_total",
		Help:      "Total switch operations by result",
	}, []string{"operation", "result"})

	TriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "switch",
		Name:      "triggers_total",
		Help:      "Total switches distributed to heirs",
	})

	// 事件输出
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "output",
		Name:      "events_published_total",
		Help:      "Total events written to sinks",
	}, []string{"sink", "kind"})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "output",
		Name:      "errors_total",
		Help:      "Total sink write errors",
	}, []string{"sink"})

	// 巡检
	WatchdogRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "watchdog",
		Name:      "runs_total",
		Help:      "Total watchdog sweeps",
	})

	WatchdogChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "watchdog",
		Name:      "checks_total",
		Help:      "Total checks issued by the watchdog by result",
	}, []string{"result"})

	WatchdogLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deadswitch",
		Subsystem: "watchdog",
		Name:      "sweep_duration_seconds",
		Help:      "Watchdog sweep duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// API
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total API requests",
	}, []string{"method", "route", "status"})

	APIRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deadswitch",
		Subsystem: "api",
		Name:      "rejected_total",
		Help:      "Total API requests rejected before reaching a handler",
	}, []string{"reason"})
)

// ObserveOperation 记录一次开关操作
func ObserveOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(operation, result).Inc()
}
