// Package metrics holds the relay's prometheus collectors.
//
// Collectors live on a private registry per Metrics value so tests can build
// as many as they like without duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Metrics struct {
	reg *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Channels        prometheus.Gauge
	Hydrations      *prometheus.CounterVec
	Lifecycle       *prometheus.CounterVec
	Persists        *prometheus.CounterVec
	TokenExchanges  *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	SendDuration    prometheus.Histogram
	Broadcasts      *prometheus.CounterVec
	EventsExported  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Inbound requests by route and status code.",
		}, []string{"route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Inbound request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "channels",
			Help:      "Channels currently registered.",
		}),
		Hydrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "hydrations_total",
			Help:      "Registry hydrations by outcome (loaded, empty, fallback).",
		}, []string{"outcome"}),
		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "lifecycle_events_total",
			Help:      "Install and uninstall callbacks by action and whether they changed the registry.",
		}, []string{"action", "applied"}),
		Persists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "persists_total",
			Help:      "Registry persists by result.",
		}, []string{"result"}),
		TokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stride",
			Name:      "token_exchanges_total",
			Help:      "OAuth client-credentials exchanges by result.",
		}, []string{"result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stride",
			Name:      "messages_total",
			Help:      "Outbound messages by result.",
		}, []string{"result"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stride",
			Name:      "message_duration_seconds",
			Help:      "Token exchange plus message post latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "total",
			Help:      "Build broadcasts by result.",
		}, []string{"result"}),
		EventsExported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "exported_total",
			Help:      "Bus events written to the external sink by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.RequestDuration,
		m.Channels,
		m.Hydrations,
		m.Lifecycle,
		m.Persists,
		m.TokenExchanges,
		m.Sends,
		m.SendDuration,
		m.Broadcasts,
		m.EventsExported,
	)
	return m
}

// Registerer exposes the registry for collectors owned elsewhere.
func (m *Metrics) Registerer() prometheus.Registerer { return m.reg }

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
