package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_tokens_total",
		Help: "Total number of tokens emitted by the pipeline",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_step_duration_seconds",
		Help:    "Duration of a single prefill chunk or generation step",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	CacheUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_update_duration_seconds",
		Help:    "Duration of an async cache-updater call",
		Buckets: prometheus.DefBuckets,
	})

	ContextOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "context_overflow_total",
		Help: "Total number of predict calls terminated by ContextOverflow",
	})

	InferenceFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_failed_total",
		Help: "Total number of fragment predict failures by fragment id",
	}, []string{"fragment"})

	CancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "predict_cancelled_total",
		Help: "Total number of predict streams closed by cancellation",
	})

	FragmentLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fragment_load_duration_seconds",
		Help:    "Duration of loading one fragment, by role",
		Buckets: prometheus.DefBuckets,
	}, []string{"role"})

	CacheOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_occupancy_positions",
		Help: "Number of populated context positions (cache cursor t)",
	})

	TokenizerEncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_encode_duration_seconds",
		Help:    "Time to encode prompt text to token ids",
		Buckets: prometheus.DefBuckets,
	})

	TokenizerDecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tokenizer_decode_duration_seconds",
		Help:    "Time to decode accumulated token ids to text",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordStep records the wall-clock duration of one prefill chunk or
// generation step.
func RecordStep(phase string, d time.Duration) {
	StepDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordToken records one emitted token for throughput accounting.
func RecordToken() {
	TokensTotal.Inc()
	totalTokens.Add(1)
}

// RecordCacheUpdate records the duration of one async cache-updater call.
func RecordCacheUpdate(d time.Duration) {
	CacheUpdateDuration.Observe(d.Seconds())
}

// RecordContextOverflow records a terminal ContextOverflow event.
func RecordContextOverflow() {
	ContextOverflowTotal.Inc()
}

// RecordInferenceFailed records a fragment predict failure.
func RecordInferenceFailed(fragmentID string) {
	InferenceFailedTotal.WithLabelValues(fragmentID).Inc()
}

// RecordCancelled records a stream closed by consumer cancellation.
func RecordCancelled() {
	CancelledTotal.Inc()
}

// RecordFragmentLoad records how long one fragment took to load.
func RecordFragmentLoad(role string, d time.Duration) {
	FragmentLoadDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordCacheCursor reports the current cache cursor t as a gauge.
func RecordCacheCursor(t int) {
	CacheOccupancy.Set(float64(t))
}

// TotalTokens returns the number of tokens emitted so far in this process.
func TotalTokens() int64 {
	return totalTokens.Load()
}

// RecordTokenizerEncode records the duration of one Tokenize call.
func RecordTokenizerEncode(d time.Duration) {
	TokenizerEncodeDuration.Observe(d.Seconds())
}

// RecordTokenizerDecode records the duration of one Detokenize call.
func RecordTokenizerDecode(d time.Duration) {
	TokenizerDecodeDuration.Observe(d.Seconds())
}
