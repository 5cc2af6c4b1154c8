package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// routerMetrics carries the Router's Prometheus instruments. Each Router
// owns its registry so several instances can coexist in one process without
// duplicate registration.
type routerMetrics struct {
	registry *prometheus.Registry

	frames      *prometheus.CounterVec
	dropped     prometheus.Counter
	routed      prometheus.Counter
	routeMisses prometheus.Counter
	relayed     prometheus.Counter
	services    prometheus.GaugeFunc
}

func newRouterMetrics(serviceCount func() int) *routerMetrics {
	m := &routerMetrics{registry: prometheus.NewRegistry()}

	m.frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshrpc",
		Subsystem: "router",
		Name:      "frames_total",
		Help:      "Frames received, by type.",
	}, []string{"type"})

	m.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrpc",
		Subsystem: "router",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped as malformed or unroutable.",
	})

	m.routed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrpc",
		Subsystem: "router",
		Name:      "calls_routed_total",
		Help:      "Calls forwarded to a service instance.",
	})

	m.routeMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrpc",
		Subsystem: "router",
		Name:      "route_misses_total",
		Help:      "Calls with no eligible service instance.",
	})

	m.relayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshrpc",
		Subsystem: "router",
		Name:      "replies_relayed_total",
		Help:      "Reply and stream frames relayed back to callers.",
	})

	m.services = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "meshrpc",
		Subsystem: "router",
		Name:      "services_registered",
		Help:      "Service records currently held, in any state.",
	}, func() float64 { return float64(serviceCount()) })

	m.registry.MustRegister(m.frames, m.dropped, m.routed, m.routeMisses, m.relayed, m.services)
	return m
}

func (m *routerMetrics) frame(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *routerMetrics) drop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *routerMetrics) route() {
	if m == nil {
		return
	}
	m.routed.Inc()
}

func (m *routerMetrics) routeMiss() {
	if m == nil {
		return
	}
	m.routeMisses.Inc()
}

func (m *routerMetrics) relay() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

// dealerMetrics carries the Dealer's instruments, one registry per instance.
type dealerMetrics struct {
	registry *prometheus.Registry

	calls    *prometheus.CounterVec
	inFlight prometheus.Gauge
	duration *prometheus.HistogramVec
}

func newDealerMetrics() *dealerMetrics {
	m := &dealerMetrics{registry: prometheus.NewRegistry()}

	m.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshrpc",
		Subsystem: "dealer",
		Name:      "calls_total",
		Help:      "Calls processed, by method and outcome.",
	}, []string{"method", "outcome"})

	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshrpc",
		Subsystem: "dealer",
		Name:      "calls_in_flight",
		Help:      "Calls currently holding a concurrency slot.",
	})

	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshrpc",
		Subsystem: "dealer",
		Name:      "call_duration_seconds",
		Help:      "Handler execution time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	m.registry.MustRegister(m.calls, m.inFlight, m.duration)
	return m
}

func (m *dealerMetrics) callStart() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *dealerMetrics) callFinish(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}
