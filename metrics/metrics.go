package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stageRows counts rows per stage and outcome bucket (written, dropped, skipped, synthetic_id...).
	stageRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "stage_rows_total",
		Help:      "Rows processed per reconciliation stage and bucket",
	}, []string{"stage", "bucket"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recon",
		Name:      "stage_duration_seconds",
		Help:      "Reconciliation stage duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage", "status"})

	// alerts counts emission outcomes (created, suppressed, error).
	alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "alerts_total",
		Help:      "Alert emissions by event type and outcome",
	}, []string{"event_type", "outcome"})

	suggestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "suggestions_total",
		Help:      "Mapping suggestion mutations by action and result",
	}, []string{"action", "result"})

	upstreamWindows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recon",
		Name:      "upstream_windows_total",
		Help:      "Hour entry windows pulled from the upstream source",
	}, []string{"result"})
)

func AddStageRows(stage string, bucket string, n int) {
	if n <= 0 {
		return
	}
	stageRows.WithLabelValues(stage, bucket).Add(float64(n))
}

// ObserveStage records a finished stage.
func ObserveStage(stage string, status string, d time.Duration) {
	stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func IncAlert(eventType string, outcome string) {
	alerts.WithLabelValues(eventType, outcome).Inc()
}

func IncSuggestion(action string, result string) {
	suggestions.WithLabelValues(action, result).Inc()
}

func IncUpstreamWindow(result string) {
	upstreamWindows.WithLabelValues(result).Inc()
}
