package service

import "github.com/prometheus/client_golang/prometheus"

var (
	TransfersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "transfers",
		Name:      "created_total",
		Help:      "Total number of transfers created",
	})

	UploadsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "uploads",
		Name:      "created_total",
		Help:      "Total number of resumable upload sessions created",
	})

	UploadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "uploads",
		Name:      "bytes_total",
		Help:      "Total number of upload bytes durably staged",
	})

	// FinalizationsTotal counts finalization outcomes: success, failure, retry.
	FinalizationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "uploads",
		Name:      "finalizations_total",
		Help:      "Total number of file finalization attempts by outcome",
	}, []string{"outcome"})

	FinalizeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dropbeam",
		Subsystem: "uploads",
		Name:      "finalize_duration_seconds",
		Help:      "Time spent moving a completed upload to permanent storage",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "transfers",
		Name:      "downloads_total",
		Help:      "Total number of counted downloads",
	}, []string{"kind"})

	PasswordFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "access",
		Name:      "password_failures_total",
		Help:      "Total number of rejected password attempts",
	})

	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "access",
		Name:      "rate_limited_total",
		Help:      "Total number of requests rejected by a rate limiter",
	}, []string{"limiter"})
)

func init() {
	prometheus.MustRegister(
		TransfersCreatedTotal,
		UploadsCreatedTotal,
		UploadBytesTotal,
		FinalizationsTotal,
		FinalizeDuration,
		DownloadsTotal,
		PasswordFailuresTotal,
		RateLimitedTotal,
	)
}
