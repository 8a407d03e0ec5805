package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "indicatorfeed",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indicatorfeed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "indicatorfeed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indicatorfeed",
			Subsystem: "feed",
			Name:      "polls_total",
			Help:      "Completed polls per feed and outcome.",
		},
		[]string{"feed", "outcome"},
	)

	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "indicatorfeed",
			Subsystem: "feed",
			Name:      "poll_duration_seconds",
			Help:      "Duration of feed polls including every provider.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"feed"},
	)

	skippedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indicatorfeed",
			Subsystem: "scheduler",
			Name:      "skipped_ticks_total",
			Help:      "Ticks skipped because a poll was still in flight.",
		},
		[]string{"feed"},
	)

	staleDiscards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "indicatorfeed",
			Subsystem: "store",
			Name:      "stale_discards_total",
			Help:      "Results discarded because a newer sequence number was already published.",
		},
		[]string{"feed"},
	)

	provenance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "indicatorfeed",
			Subsystem: "store",
			Name:      "fallback",
			Help:      "1 while the feed shows fallback data, 0 while live.",
		},
		[]string{"feed"},
	)

	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "indicatorfeed",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		polls,
		pollDuration,
		skippedTicks,
		staleDiscards,
		provenance,
		subscribers,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordPoll records one completed poll. outcome is "live", "fallback" or
// "discarded".
func RecordPoll(feed, outcome string, duration time.Duration) {
	if feed == "" {
		feed = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	polls.WithLabelValues(feed, outcome).Inc()
	pollDuration.WithLabelValues(feed).Observe(duration.Seconds())
}

// RecordSkippedTick counts a tick skipped while a poll was in flight.
func RecordSkippedTick(feed string) {
	skippedTicks.WithLabelValues(feed).Inc()
}

// RecordStaleDiscard counts a late response dropped by sequence number.
func RecordStaleDiscard(feed string) {
	staleDiscards.WithLabelValues(feed).Inc()
}

// SetFallback flags whether a feed currently shows fallback data.
func SetFallback(feed string, fallback bool) {
	v := 0.0
	if fallback {
		v = 1
	}
	provenance.WithLabelValues(feed).Set(v)
}

// WSConnected adjusts the open websocket gauge by delta.
func WSConnected(delta int) {
	subscribers.Add(float64(delta))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// canonicalPath collapses feed ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "feeds":
		parts[2] = ":id"
	case len(parts) >= 3 && parts[0] == "ws" && parts[1] == "feeds":
		parts[2] = ":id"
	}
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return "/" + strings.Join(parts, "/")
}
