package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ticketgate"

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	restocks      *prometheus.CounterVec
	ticks         *prometheus.CounterVec
	ticketBalance prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions by target status.",
		}, []string{"status"}),
		restocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restocks_total",
			Help:      "Ticket reserve restock attempts by result.",
		}, []string{"result"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_ticks_total",
			Help:      "Worker ticks by outcome.",
		}, []string{"outcome"}),
		ticketBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ticket_balance",
			Help:      "Last observed treasury ticket balance in whole tickets.",
		}),
	}
	registry.MustRegister(
		m.transitions,
		m.restocks,
		m.ticks,
		m.ticketBalance,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Restock(result string) {
	if m == nil {
		return
	}
	m.restocks.WithLabelValues(result).Inc()
}

func (m *Metrics) Tick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TicketBalance(whole int64) {
	if m == nil {
		return
	}
	m.ticketBalance.Set(float64(whole))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
