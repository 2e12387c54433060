package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	sessionsByStatus *prometheus.GaugeVec
	sessionStarts    *prometheus.CounterVec
	sessionCloses    *prometheus.CounterVec
	startDuration    prometheus.Histogram

	snapshotTotal    *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	restoreTotal     *prometheus.CounterVec

	healthRuns         *prometheus.CounterVec
	healthNeedsRestart prometheus.Gauge

	webhookDeliveries *prometheus.CounterVec
	socketClients     prometheus.Gauge

	bulkTotal    *prometheus.CounterVec
	bulkDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsByStatus: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lifeline_sessions",
					Help: "Current session count by status.",
				},
				[]string{"status"},
			),
			sessionStarts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_session_starts_total",
					Help: "Session start attempts by result.",
				},
				[]string{"result"},
			),
			sessionCloses: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_session_closes_total",
					Help: "Session closes by reason.",
				},
				[]string{"reason"},
			),
			startDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lifeline_session_start_duration_seconds",
					Help:    "Time from start request to CONNECTED or failure.",
					Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
				},
			),
			snapshotTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_snapshot_total",
					Help: "Profile snapshot runs by result.",
				},
				[]string{"result"},
			),
			snapshotDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lifeline_snapshot_duration_seconds",
					Help:    "Profile snapshot duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			restoreTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_restore_total",
					Help: "Profile restores performed before connect by source.",
				},
				[]string{"source"},
			),
			healthRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_health_runs_total",
					Help: "Health check runs by outcome.",
				},
				[]string{"outcome"},
			),
			healthNeedsRestart: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "lifeline_health_sessions_needing_restart",
					Help: "Sessions classified as needing restart by the last health run.",
				},
			),
			webhookDeliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_webhook_deliveries_total",
					Help: "Webhook deliveries by event and status.",
				},
				[]string{"event", "status"},
			),
			socketClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "lifeline_socket_clients",
					Help: "Connected websocket clients.",
				},
			),
			bulkTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lifeline_bulk_backup_total",
					Help: "Bulk export/import operations by kind and status.",
				},
				[]string{"kind", "status"},
			),
			bulkDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lifeline_bulk_backup_duration_seconds",
					Help:    "Bulk export/import duration in seconds by kind.",
					Buckets: []float64{1, 5, 15, 60, 300, 900},
				},
				[]string{"kind"},
			),
		}

		prometheus.MustRegister(
			m.sessionsByStatus,
			m.sessionStarts,
			m.sessionCloses,
			m.startDuration,
			m.snapshotTotal,
			m.snapshotDuration,
			m.restoreTotal,
			m.healthRuns,
			m.healthNeedsRestart,
			m.webhookDeliveries,
			m.socketClients,
			m.bulkTotal,
			m.bulkDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetSessionCounts replaces the per-status session gauge.
func SetSessionCounts(counts map[string]int) {
	m := getMetrics()
	m.sessionsByStatus.Reset()
	for status, n := range counts {
		m.sessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func RecordSessionStart(result string, duration time.Duration) {
	m := getMetrics()
	m.sessionStarts.WithLabelValues(result).Inc()
	if duration > 0 {
		m.startDuration.Observe(duration.Seconds())
	}
}

func RecordSessionClose(reason string) {
	getMetrics().sessionCloses.WithLabelValues(reason).Inc()
}

func RecordSnapshot(duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.snapshotTotal.WithLabelValues(status).Inc()
	m.snapshotDuration.Observe(duration.Seconds())
}

func RecordRestore(source string) {
	getMetrics().restoreTotal.WithLabelValues(source).Inc()
}

func RecordHealthRun(outcome string, needsRestart int) {
	m := getMetrics()
	m.healthRuns.WithLabelValues(outcome).Inc()
	m.healthNeedsRestart.Set(float64(needsRestart))
}

func RecordWebhookDelivery(event string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().webhookDeliveries.WithLabelValues(event, status).Inc()
}

func SetSocketClients(count int) {
	getMetrics().socketClients.Set(float64(count))
}

func RecordBulkOperation(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.bulkTotal.WithLabelValues(kind, status).Inc()
	m.bulkDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
