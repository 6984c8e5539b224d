// Package metrics holds the server counters. Disabled metrics discard every
// observation.
package metrics

import (
	"net/http"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imapgate"

type Metrics struct {
	Connections   metrics.Counter
	Logins        metrics.Counter
	LoginFailures metrics.Counter
	Commands      metrics.Counter // label: verb
	Throttled     metrics.Counter
	IdleSessions  metrics.Gauge
}

// New registers prometheus collectors on the default registry when enabled.
// It must only be called once per process with enabled set.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{
			Connections:   discard.NewCounter(),
			Logins:        discard.NewCounter(),
			LoginFailures: discard.NewCounter(),
			Commands:      discard.NewCounter(),
			Throttled:     discard.NewCounter(),
			IdleSessions:  discard.NewGauge(),
		}
	}

	return &Metrics{
		Connections: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "connections_total",
			Help:      "Number of accepted connections",
		}, nil),
		Logins: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "logins_total",
			Help:      "Number of successful logins",
		}, nil),
		LoginFailures: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "login_failures_total",
			Help:      "Number of rejected logins",
		}, nil),
		Commands: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "commands_total",
			Help:      "Number of processed commands by verb",
		}, []string{"verb"}),
		Throttled: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "throttled_total",
			Help:      "Number of commands rejected by the rate limiter",
		}, nil),
		IdleSessions: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "idle_sessions",
			Help:      "Number of sessions currently in IDLE",
		}, nil),
	}
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
