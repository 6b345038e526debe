package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// AnalyzeTotal counts analyze operations by delivery mode and outcome.
	AnalyzeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodlens",
		Name:      "analyze_total",
		Help:      "Total number of analyze operations, labeled by mode (sync|stream) and result.",
	}, []string{"mode", "result"})

	// AnalyzeDurationSeconds is end-to-end time per analyze operation,
	// including intake and the remote model call.
	AnalyzeDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "prodlens",
		Name:      "analyze_duration_seconds",
		Help:      "End-to-end time of an analyze operation.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"mode", "result"})

	// ArtifactsActive is the number of artifact files currently on disk.
	ArtifactsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "prodlens",
		Name:      "artifacts_active",
		Help:      "Number of temporary image artifacts currently materialized.",
	})

	// ArtifactCleanupFailures counts artifacts that could not be deleted.
	// Any non-zero rate is a leak and should alert.
	ArtifactCleanupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "prodlens",
		Name:      "artifact_cleanup_failures_total",
		Help:      "Total number of temporary image artifacts whose deletion failed.",
	})

	StreamChunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "prodlens",
		Name:      "stream_chunks_total",
		Help:      "Total number of text chunks forwarded to callers.",
	})

	// ImageFetchTotal counts remote image fetches by result.
	ImageFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prodlens",
		Name:      "image_fetch_total",
		Help:      "Total number of remote image fetches, labeled by result.",
	}, []string{"result"})
)

// Register registers the collectors with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			AnalyzeTotal,
			AnalyzeDurationSeconds,
			ArtifactsActive,
			ArtifactCleanupFailures,
			StreamChunksTotal,
			ImageFetchTotal,
		)
	})
}
