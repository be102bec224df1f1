package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProfileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "woq_profile_duration_seconds",
		Help:    "Wall time spent profiling one GEMM identity",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"precision"})

	ProfiledBuckets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woq_profiled_buckets_total",
		Help: "Total number of M buckets profiled",
	}, []string{"precision"})

	TacticMeasurements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woq_tactic_measurements_total",
		Help: "Tactic benchmarks by outcome",
	}, []string{"result"})

	TacticLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woq_tactic_lookups_total",
		Help: "Tactic cache lookups by outcome",
	}, []string{"result"})

	TacticCacheEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "woq_tactic_cache_records_total",
		Help: "Total number of tactics recorded into mutable caches",
	})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woq_dispatch_total",
		Help: "Executed GEMMs by kernel path",
	}, []string{"path", "precision"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	ArtifactBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woq_artifact_bytes_total",
		Help: "Serialized artifact bytes by operation",
	}, []string{"op"})

	CollectiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "woq_collective_bytes_total",
		Help: "Point-to-point bytes moved between ranks",
	}, []string{"direction"})
)

func RecordProfile(precision string, d time.Duration, buckets int) {
	ProfileDuration.WithLabelValues(precision).Observe(d.Seconds())
	ProfiledBuckets.WithLabelValues(precision).Add(float64(buckets))
}

// RecordTacticMeasurement counts one benchmark; result is "ok" or "skipped".
func RecordTacticMeasurement(result string) {
	TacticMeasurements.WithLabelValues(result).Inc()
}

func RecordTacticLookup(hit bool) {
	if hit {
		TacticLookups.WithLabelValues("hit").Inc()
		return
	}
	TacticLookups.WithLabelValues("miss").Inc()
}

func RecordTacticRecorded() {
	TacticCacheEntries.Inc()
}

func RecordDispatch(path, precision string) {
	Dispatches.WithLabelValues(path, precision).Inc()
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordArtifact(op string, bytes int) {
	ArtifactBytes.WithLabelValues(op).Add(float64(bytes))
}

// RecordCollectiveBytes counts payload bytes; direction is "send" or "recv".
func RecordCollectiveBytes(direction string, n int) {
	CollectiveBytes.WithLabelValues(direction).Add(float64(n))
}
