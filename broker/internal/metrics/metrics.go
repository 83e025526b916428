// Package metrics exposes Prometheus metrics for the broker. Counters are
// driven from the event bus so components do not depend on this package.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
)

const namespace = "devtools_broker"

// Gauges are read at scrape time.
type Gauges struct {
	Sessions    func() int
	Connections func() int
	Users       func() int
}

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionsRejected prometheus.Counter

	ConnectionEvents *prometheus.CounterVec

	ToolCalls        *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	Registrations *prometheus.CounterVec
}

// New creates the metrics on a private registry. bus may be nil.
func New(g Gauges, bus *events.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, by reason",
		}, []string{"reason"}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Sessions rejected because the session cap was reached",
		}),
		ConnectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Browser connection state transitions",
		}, []string{"event"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		}, []string{"tool", "status"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_events_total",
			Help:      "User registrations and removals",
		}, []string{"event"}),
	}

	gauge := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(fn()) })
	}
	gauge("sessions_active", "Number of active sessions", g.Sessions)
	gauge("connections_active", "Number of pooled browser connections", g.Connections)
	gauge("users_routed", "Number of users with a browser route", g.Users)

	start := time.Now()
	f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Broker uptime in seconds"},
		func() float64 { return time.Since(start).Seconds() })
	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped for slow subscribers"},
			func() float64 { return float64(bus.Dropped()) })
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency labelled by chi route
// pattern, so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Observe applies one bus event to the counters.
func (m *Metrics) Observe(e events.Event) {
	switch e.Type {
	case events.SessionCreated:
		m.SessionsCreated.Inc()
	case events.SessionClosed:
		var ev events.SessionEvent
		if e.Decode(&ev) == nil {
			m.SessionsClosed.WithLabelValues(ev.Reason).Inc()
		}
	case events.SessionRejected:
		m.SessionsRejected.Inc()
	case events.ConnectionConnected, events.ConnectionReconnecting, events.ConnectionRestored,
		events.ConnectionFailed, events.ConnectionEvicted, events.ConnectionClosed:
		m.ConnectionEvents.WithLabelValues(e.Type).Inc()
	case events.ToolCalled:
		var ev events.ToolEvent
		if e.Decode(&ev) != nil {
			return
		}
		status := "ok"
		if ev.Error {
			status = "error"
		}
		m.ToolCalls.WithLabelValues(ev.Tool, status).Inc()
		m.ToolCallDuration.WithLabelValues(ev.Tool).Observe(float64(ev.Millis) / 1000)
	case events.UserRegistered, events.UserUnregistered:
		m.Registrations.WithLabelValues(e.Type).Inc()
	}
}

// Consume feeds bus events into the counters until ctx is done or the bus
// closes.
func (m *Metrics) Consume(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
