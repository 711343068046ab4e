package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	operationsTotal *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	replaysTotal    *prometheus.CounterVec
	rejectedTotal   *prometheus.CounterVec
	ledgerBalance   prometheus.Gauge
	activeListings  prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeescrow_operations_total",
		Help: "Escrow operations by outcome",
	}, []string{"operation", "result"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeescrow_events_total",
		Help: "Committed escrow transitions by event type",
	}, []string{"type"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeescrow_idempotent_replays_total",
		Help: "Mutations answered from the replay store",
	}, []string{"operation"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homeescrow_rejected_requests_total",
		Help: "Requests rejected before reaching the engine",
	}, []string{"reason"})

	balance := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeescrow_ledger_balance",
		Help: "Funds held by the escrow ledger in base units (float approximation)",
	})

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "homeescrow_active_listings",
		Help: "Number of assets currently listed",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(operations, events, replays, rejected, balance, active)

	return &metricsRegistry{
		registry:        r,
		operationsTotal: operations,
		eventsTotal:     events,
		replaysTotal:    replays,
		rejectedTotal:   rejected,
		ledgerBalance:   balance,
		activeListings:  active,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOperation(operation, result string) {
	m.operationsTotal.WithLabelValues(operation, result).Inc()
}

func (m *metricsRegistry) incEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *metricsRegistry) incReplay(operation string) {
	m.replaysTotal.WithLabelValues(operation).Inc()
}

func (m *metricsRegistry) incRejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *metricsRegistry) setLedger(balance float64, active int) {
	m.ledgerBalance.Set(balance)
	m.activeListings.Set(float64(active))
}
