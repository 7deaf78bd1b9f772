package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueMessagesTotal counts consumer outcomes: acked, retried, dead_lettered.
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_queue_messages_total",
			Help: "Total number of deployment queue messages by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// QueueSendTotal counts producer sends by result: sent, duplicate, error.
	QueueSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_queue_send_total",
			Help: "Total number of deployment messages sent by result",
		},
		[]string{"queue", "result"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_dead_letters_total",
			Help: "Total number of dead-lettered deployment messages by reason",
		},
		[]string{"reason"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_workflow_duration_seconds",
			Help:    "Deployment workflow duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"result"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_step_duration_seconds",
			Help:    "Deployment workflow step duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 300},
		},
		[]string{"step", "result"},
	)

	QuotaDeductionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_quota_deductions_total",
			Help: "Total number of quota deductions by plan kind (free, paid, replayed, exceeded)",
		},
		[]string{"plan"},
	)

	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_admission_rejections_total",
			Help: "Total number of rejected deployment requests by reason",
		},
		[]string{"reason"},
	)

	SandboxTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_sandbox_terminations_total",
			Help: "Total number of sandbox terminations by result",
		},
		[]string{"result"},
	)
)

// Result returns the label value used for success/failure histograms.
func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
