package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easycicd_builds_total",
			Help: "Total number of finished builds by status",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "easycicd_build_duration_seconds",
			Help:    "Build duration from clone to artifact in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easycicd_queue_depth",
			Help: "Number of builds waiting in the queue",
		},
	)

	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easycicd_deployments_total",
			Help: "Total number of deployments by result",
		},
		[]string{"result"},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easycicd_rollbacks_total",
			Help: "Total number of manual rollbacks",
		},
	)

	HealthCheckAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easycicd_health_check_attempts_total",
			Help: "Total number of deployment health gate attempts",
		},
	)

	// Inventory metrics
	ProjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easycicd_projects_total",
			Help: "Total number of projects",
		},
	)

	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easycicd_containers_total",
			Help: "Total number of standalone containers by state",
		},
		[]string{"state"},
	)

	// Transport metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easycicd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easycicd_proxy_requests_total",
			Help: "Total number of proxied requests by status",
		},
		[]string{"status"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easycicd_events_published_total",
			Help: "Total number of events published to the bus by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(HealthCheckAttempts)
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(EventsPublished)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
