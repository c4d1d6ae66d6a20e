package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
		},
		[]string{"path", "method", "status_code"},
	)

	// Histogram: upstream call latency, labelled by operation and status.
	UpstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of calls to the upstream model API in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status_code"},
	)

	// Counter: delta chunks emitted on streaming completions.
	StreamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_chunks_total",
			Help: "Total number of streamed completion chunks sent to clients.",
		},
	)

	// Counter: stream fragments that could not be parsed and were dropped.
	StreamFragmentsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_fragments_dropped_total",
			Help: "Total number of upstream stream fragments discarded as incomplete.",
		},
	)

	// Histogram: status polls needed per image job.
	ImagePollAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_poll_attempts",
			Help:    "Number of operation status polls per image generation job.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60},
		},
	)

	// Counter: image store operations by op and result.
	ImageStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_store_ops_total",
			Help: "Image store operations by operation and result.",
		},
		[]string{"op", "result"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		GatewayLatencySeconds,
		UpstreamLatencySeconds,
		StreamChunksTotal,
		StreamFragmentsDroppedTotal,
		ImagePollAttempts,
		ImageStoreOpsTotal,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstream records one upstream call.
func ObserveUpstream(operation string, status int, d time.Duration) {
	UpstreamLatencySeconds.
		WithLabelValues(operation, strconv.Itoa(status)).
		Observe(d.Seconds())
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			// keeps /v1/images/{name} from exploding label cardinality
			path = rctx.RoutePattern()
		}
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		GatewayLatencySeconds.
			WithLabelValues(path, method, status).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
