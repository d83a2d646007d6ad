package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds prometheus.ObserverVec = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	WelcomesDepositedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomes_deposited_total",
			Help: "Welcome payloads deposited for later pickup.",
		},
		[]string{"service", "result"},
	)

	WelcomesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomes_consumed_total",
			Help: "Welcome payloads handed out exactly once.",
		},
		[]string{"service", "result"},
	)

	KeyPackagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_packages_published_total",
			Help: "Key package publish operations.",
		},
		[]string{"service", "result"},
	)

	KeyPackagesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_packages_fetched_total",
			Help: "Key package fetches by prospective adders.",
		},
		[]string{"service", "result"},
	)

	BootstrapRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrap_requests_total",
			Help: "Bootstrap requests filed by devices missing channel state.",
		},
		[]string{"service", "reason"},
	)

	DeviceLinkOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_link_operations_total",
			Help: "Device link token operations by stage.",
		},
		[]string{"service", "stage", "result"},
	)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(labels)
	WelcomesDepositedTotal = WelcomesDepositedTotal.MustCurryWith(labels)
	WelcomesConsumedTotal = WelcomesConsumedTotal.MustCurryWith(labels)
	KeyPackagesPublishedTotal = KeyPackagesPublishedTotal.MustCurryWith(labels)
	KeyPackagesFetchedTotal = KeyPackagesFetchedTotal.MustCurryWith(labels)
	BootstrapRequestsTotal = BootstrapRequestsTotal.MustCurryWith(labels)
	DeviceLinkOperationsTotal = DeviceLinkOperationsTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		WelcomesDepositedTotal,
		WelcomesConsumedTotal,
		KeyPackagesPublishedTotal,
		KeyPackagesFetchedTotal,
		BootstrapRequestsTotal,
		DeviceLinkOperationsTotal,
	)
}
