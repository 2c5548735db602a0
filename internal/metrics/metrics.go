package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "tiledetect"

var (
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Total number of detection runs, labeled by detector and outcome.",
		},
		[]string{"detector", "outcome"},
	)

	DetectionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_latency_seconds",
			Help:      "Latency of a detection run from staging to assembled result (seconds).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"detector", "outcome"},
	)

	DetectedTiles = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detected_tiles",
			Help:      "Number of tiles found per successful run.",
			Buckets:   []float64{0, 1, 5, 10, 14, 20, 40, 80, 144},
		},
	)

	StagedBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "staged_bytes",
			Help:      "Size of staged uploads in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 6),
		},
	)

	ArtifactResolutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_resolution_total",
			Help:      "Total number of artifact resolutions, labeled by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	ArtifactServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_served_total",
			Help:      "Total number of artifact retrievals, labeled by route and outcome.",
		},
		[]string{"route", "outcome"},
	)

	RetentionRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_removed_total",
			Help:      "Total number of items removed by the retention sweep, labeled by kind.",
		},
		[]string{"kind"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by rate limiting.",
		},
		[]string{"scope", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		DetectionsTotal,
		DetectionLatencySeconds,
		DetectedTiles,
		StagedBytes,
		ArtifactResolutionTotal,
		ArtifactServedTotal,
		RetentionRemovedTotal,
		RateLimitHitsTotal,
	)
}
