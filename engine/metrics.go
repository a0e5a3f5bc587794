package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors wired into the Router and Break
// Orchestrator. It is optional: a nil *Metrics disables instrumentation
// everywhere it's threaded through (see Router.Send, Orchestrator).
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	roundTripSeconds   *prometheus.HistogramVec
	breakpointHits     prometheus.Counter
	exceptionsRaised   prometheus.Counter
	sessionsTerminated prometheus.Counter
}

// NewMetrics registers a fresh collector set on its own registry so an
// embedder can mount it (or several sessions' registries) independently.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodedebug_requests_total",
			Help: "Requests sent to the debuggee, by command.",
		}, []string{"command"}),
		roundTripSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nodedebug_request_round_trip_seconds",
			Help:    "Synchronous request round-trip latency, by command.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		breakpointHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodedebug_breakpoint_hits_total",
			Help: "BreakpointHit events emitted.",
		}),
		exceptionsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodedebug_exceptions_raised_total",
			Help: "ExceptionRaised events emitted.",
		}),
		sessionsTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodedebug_sessions_terminated_total",
			Help: "Sessions that have completed Terminate.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.roundTripSeconds, m.breakpointHits, m.exceptionsRaised, m.sessionsTerminated)
	return m
}

// Registry exposes the collector registry so an embedder can mount a
// /metrics handler; this package has no HTTP server of its own.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequestSent(command string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) ObserveRoundTrip(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundTripSeconds.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) ObserveBreakpointHit() {
	if m == nil {
		return
	}
	m.breakpointHits.Inc()
}

func (m *Metrics) ObserveExceptionRaised() {
	if m == nil {
		return
	}
	m.exceptionsRaised.Inc()
}

func (m *Metrics) ObserveSessionTerminated() {
	if m == nil {
		return
	}
	m.sessionsTerminated.Inc()
}
