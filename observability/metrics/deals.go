package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DealMetrics aggregates the counters exposed by the deal registry surfaces.
type DealMetrics struct {
	admissions    *prometheus.CounterVec
	stepChanges   *prometheus.CounterVec
	disputesOpen  prometheus.Gauge
	rpcFailures   *prometheus.CounterVec
	escrowSettled prometheus.Counter
}

var (
	dealsOnce     sync.Once
	dealsRegistry *DealMetrics
)

// Deals returns the process-wide deal metrics, registering them on first use.
func Deals() *DealMetrics {
	dealsOnce.Do(func() {
		dealsRegistry = &DealMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deal_admissions_total",
				Help: "Count of admission attempts by outcome.",
			}, []string{"outcome"}),
			stepChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deal_step_changes_total",
				Help: "Count of lifecycle transitions by target step.",
			}, []string{"to"}),
			disputesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "deal_disputes_open",
				Help: "Number of deals currently in the disputed step.",
			}),
			rpcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "deal_rpc_failures_total",
				Help: "Count of failed RPC calls by method.",
			}, []string{"method"}),
			escrowSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_settlements_total",
				Help: "Count of successful escrow settlements.",
			}),
		}
		prometheus.MustRegister(
			dealsRegistry.admissions,
			dealsRegistry.stepChanges,
			dealsRegistry.disputesOpen,
			dealsRegistry.rpcFailures,
			dealsRegistry.escrowSettled,
		)
	})
	return dealsRegistry
}

func (m *DealMetrics) ObserveAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.escrowSettled.Inc()
	}
}

func (m *DealMetrics) ObserveStepChange(to string) {
	if m == nil {
		return
	}
	m.stepChanges.WithLabelValues(to).Inc()
	switch to {
	case "disputed":
		m.disputesOpen.Inc()
	case "resolved_supplier", "resolved_buyer":
		m.disputesOpen.Dec()
	}
}

func (m *DealMetrics) ObserveRPCFailure(method string) {
	if m == nil {
		return
	}
	m.rpcFailures.WithLabelValues(method).Inc()
}
