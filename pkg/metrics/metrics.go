package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingress metrics
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_uploads_total",
			Help: "Total number of upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	UploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darkroom_upload_bytes",
			Help:    "Size distribution of accepted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	// Queue metrics
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by priority",
		},
		[]string{"priority"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_jobs_claimed_total",
			Help: "Total number of successful claims",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_jobs_completed_total",
			Help: "Total number of finished jobs by result",
		},
		[]string{"result"},
	)

	JobAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "darkroom_job_attempts",
			Help:    "Attempts used by jobs reaching a terminal state",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "darkroom_queue_depth",
			Help: "Number of jobs per queue state",
		},
		[]string{"state"},
	)

	StalledRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_stalled_requeued_total",
			Help: "Total number of lease-expired jobs returned to waiting",
		},
	)

	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_dead_letters_total",
			Help: "Total number of jobs moved to the dead-letter stream",
		},
	)

	// Event metrics
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_events_published_total",
			Help: "Total number of events published by type",
		},
		[]string{"type"},
	)

	EventsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_events_delivered_total",
			Help: "Total number of events delivered to subscription handlers",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_events_dropped_total",
			Help: "Total number of events dropped on full subscriber lanes",
		},
	)

	// Pipeline metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkroom_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_stage_failures_total",
			Help: "Total number of stage failures by stage and kind",
		},
		[]string{"stage", "kind"},
	)

	PhotosByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "darkroom_photos_by_status",
			Help: "Number of photo records per status",
		},
		[]string{"status"},
	)

	// Worker metrics
	WorkerActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "darkroom_worker_active_jobs",
			Help: "Jobs currently held by this process's consumers",
		},
	)

	WorkerConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "darkroom_worker_consumers",
			Help: "Consumer goroutines currently running",
		},
	)

	// Fabric metrics
	FabricConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "darkroom_fabric_connections",
			Help: "Connected fabric clients",
		},
	)

	FabricRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "darkroom_fabric_rooms",
			Help: "Active fabric rooms",
		},
	)

	FabricDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_fabric_dropped_total",
			Help: "Events dropped on full client send queues",
		},
	)

	// Blob metrics
	BlobOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkroom_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	BlobBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "darkroom_blob_breaker_open",
			Help: "Whether the blob store circuit breaker is open (1) or closed (0)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "darkroom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "darkroom_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Sweeper metrics
	SweepOrphansReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "darkroom_sweep_orphans_reclaimed_total",
			Help: "Orphaned staging blobs removed by the consistency sweeper",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadBytes)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobAttempts)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StalledRequeuedTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsDeliveredTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageFailuresTotal)
	prometheus.MustRegister(PhotosByStatus)
	prometheus.MustRegister(WorkerActiveJobs)
	prometheus.MustRegister(WorkerConsumers)
	prometheus.MustRegister(FabricConnections)
	prometheus.MustRegister(FabricRooms)
	prometheus.MustRegister(FabricDroppedTotal)
	prometheus.MustRegister(BlobOperationDuration)
	prometheus.MustRegister(BlobBreakerOpen)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SweepOrphansReclaimed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
