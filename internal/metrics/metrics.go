package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status_code"},
	)

	// Database connection pool metrics
	DBMaxOpenConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_max_open_connections",
			Help: "Maximum number of open database connections",
		},
		[]string{"database"},
	)

	DBOpenConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_open_connections",
			Help: "Number of open database connections",
		},
		[]string{"database"},
	)

	DBIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_idle_connections",
			Help: "Number of idle database connections",
		},
		[]string{"database"},
	)

	DBInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_in_use_connections",
			Help: "Number of database connections in use",
		},
		[]string{"database"},
	)

	DBWaitCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_wait_count_total",
			Help: "Total number of connections waited for",
		},
		[]string{"database"},
	)

	DBWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_wait_duration_seconds",
			Help:    "Total time blocked waiting for a new connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database"},
	)

	DBMaxIdleClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_max_idle_closed_total",
			Help: "Total number of connections closed due to SetMaxIdleConns",
		},
		[]string{"database"},
	)

	DBMaxLifetimeClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_max_lifetime_closed_total",
			Help: "Total number of connections closed due to SetConnMaxLifetime",
		},
		[]string{"database"},
	)

	// Scan metrics
	ScanTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_tasks_total",
			Help: "Total number of scan tasks that reached a settled status",
		},
		[]string{"source_type", "scan_type", "status"},
	)

	ScanJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_total",
			Help: "Total number of scan jobs that reached a settled status",
		},
		[]string{"status"},
	)

	ScanActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scan_active_workers",
			Help: "Number of scan tasks currently executing in this process",
		},
	)

	ScanJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_job_duration_seconds",
			Help:    "Wall-clock duration of finished scan jobs",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	RawFactsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raw_facts_ingested_total",
			Help: "Total number of inspect results persisted",
		},
		[]string{"source_type"},
	)

	FingerprintsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fingerprints_created_total",
			Help: "Total number of system fingerprints written to deployments reports",
		},
	)

	// Protocol client metrics
	ProtocolRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_requests_total",
			Help: "Total number of outbound requests to scanned sources",
		},
		[]string{"client", "status_code"},
	)

	ProtocolRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_retries_total",
			Help: "Total number of retried outbound requests",
		},
		[]string{"client"},
	)

	APIKeysUsedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_keys_used_total",
			Help: "Total number of API key authentications",
		},
	)
)

// RegisterDBMetrics registers database connection pool metrics
func RegisterDBMetrics(db *sql.DB, dbName string) {
	go func() {
		stats := db.Stats()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			stats = db.Stats()

			DBMaxOpenConns.WithLabelValues(dbName).Set(float64(stats.MaxOpenConnections))
			DBOpenConns.WithLabelValues(dbName).Set(float64(stats.OpenConnections))
			DBIdleConns.WithLabelValues(dbName).Set(float64(stats.Idle))
			DBInUseConns.WithLabelValues(dbName).Set(float64(stats.InUse))
			DBWaitCount.WithLabelValues(dbName).Add(float64(stats.WaitCount))
			DBWaitDuration.WithLabelValues(dbName).Observe(stats.WaitDuration.Seconds())
			DBMaxIdleClosed.WithLabelValues(dbName).Add(float64(stats.MaxIdleClosed))
			DBMaxLifetimeClosed.WithLabelValues(dbName).Add(float64(stats.MaxLifetimeClosed))
		}
	}()
}
