package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "node_provisioner"

var (
	provisioningRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_runs_total",
			Help:      "Provisioning runs by terminal stage and error kind.",
		},
		[]string{"result", "kind"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provisioning_stage_duration_seconds",
			Help:      "Time spent in each provisioning stage.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600, 1200},
		},
		[]string{"stage"},
	)
	deprovisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_deprovisioned_total",
			Help:      "Servers removed from the inventory, by trigger.",
		},
		[]string{"trigger"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Server deletion notifications by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(provisioningRuns)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(deprovisioned)
	prometheus.MustRegister(notifications)
}

// RunFinished counts a run ending with result ("complete" or "failed") and the failure kind, if any.
func RunFinished(result, kind string) {
	provisioningRuns.WithLabelValues(result, kind).Inc()
}

func ObserveStage(stage string, started time.Time) {
	stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func ServerDeprovisioned(trigger string) {
	deprovisioned.WithLabelValues(trigger).Inc()
}

func NotificationSent(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	notifications.WithLabelValues(backend, outcome).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
