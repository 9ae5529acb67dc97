package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // prometheus collectors are package-level by convention
var (
	recordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aihive",
		Subsystem: "monitor",
		Name:      "recorded_total",
		Help:      "Envelopes recorded by the monitor, by kind and type.",
	}, []string{"kind", "type"})

	workflowGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aihive",
		Subsystem: "monitor",
		Name:      "workflows",
		Help:      "Workflows known to the monitor, by status.",
	}, []string{"status"})
)

func updateWorkflowGauges(counts map[WorkflowStatus]int) {
	for _, status := range []WorkflowStatus{WorkflowActive, WorkflowStalled, WorkflowCompleted} {
		workflowGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
