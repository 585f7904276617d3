package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	ResultAcquired  = "acquired"
	ResultRecovered = "recovered"
	ResultDenied    = "denied"
	ResultAdmitted  = "admitted"
	ResultRejected  = "rejected"
)

var (
	// AcquireCounter tracks lock acquisition attempts by job and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "joblock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"job", "result"})
	// ReleaseCounter tracks explicit lock releases.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "joblock_release_total",
		Help: "Total number of lock releases",
	}, []string{"job"})
	// RefreshCounter tracks lock refreshes.
	RefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "joblock_refresh_total",
		Help: "Total number of lock refreshes",
	}, []string{"job"})
	// ExpiredCounter tracks executions that outlived their timed lock.
	ExpiredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "joblock_expired_before_release_total",
		Help: "Total number of locks that expired before the job finished",
	}, []string{"job"})
	// EnqueueCounter tracks loner admission decisions.
	EnqueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "joblock_enqueue_total",
		Help: "Total number of loner admission checks",
	}, []string{"job", "result"})
	// RunningGauge reports the jobs currently executing under a lock in this
	// process.
	RunningGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "joblock_running",
		Help: "Current number of jobs running under a lock",
	}, []string{"job"})
	// AcquireLatency observes the time spent acquiring a lock.
	AcquireLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "joblock_acquire_latency_seconds",
		Help:    "Latency of lock acquisition",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	// CommandCounter tracks commands served by the RESP lock server.
	CommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "joblock_resp_commands_total",
		Help: "Total number of commands served by the lock server",
	}, []string{"command"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ReleaseCounter,
		RefreshCounter,
		ExpiredCounter,
		EnqueueCounter,
		RunningGauge,
		AcquireLatency,
	)
}

// RegisterServerMetrics registers the lock server metrics on the provided
// registry.
func RegisterServerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CommandCounter)
}
