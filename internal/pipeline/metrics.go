package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	JobDuration     prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	RemoteAttempts  *prometheus.CounterVec
	RemoteRetries   *prometheus.CounterVec
	ForcedRefreshes prometheus.Counter
	AuthAlerts      prometheus.Counter
	InFlight        prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Pass a fresh registry in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebot_jobs_total",
			Help: "Voice jobs by terminal outcome",
		}, []string{"outcome"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebot_job_duration_seconds",
			Help:    "End-to-end voice job latency",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicebot_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}, []string{"stage"}),
		RemoteAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebot_remote_attempts_total",
			Help: "STT/TTS vendor calls, including retries",
		}, []string{"op"}),
		RemoteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebot_remote_retries_total",
			Help: "STT/TTS calls retried after a transient failure",
		}, []string{"op"}),
		ForcedRefreshes: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebot_forced_token_refreshes_total",
			Help: "Token refreshes forced by a vendor auth rejection",
		}),
		AuthAlerts: f.NewCounter(prometheus.CounterOpts{
			Name: "voicebot_auth_rejection_alerts_total",
			Help: "Times repeated auth rejections crossed the alert threshold",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicebot_jobs_in_flight",
			Help: "Jobs currently inside Submit",
		}),
	}
}

// registerGateGauges exposes waiting/active counts for each gate
func registerGateGauges(reg prometheus.Registerer, gates ...*gate) {
	f := promauto.With(reg)
	for _, g := range gates {
		g := g
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "voicebot_gate_waiting",
			Help:        "Jobs waiting for a concurrency gate",
			ConstLabels: prometheus.Labels{"gate": g.name},
		}, func() float64 { return float64(g.Waiting()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "voicebot_gate_active",
			Help:        "Jobs holding a concurrency gate slot",
			ConstLabels: prometheus.Labels{"gate": g.name},
		}, func() float64 { return float64(g.Active()) })
	}
}
