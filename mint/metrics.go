package mint

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts operations through the mint. Each Mint carries its
// own registry so tests can load several mints in one process.
type Metrics struct {
	registry *prometheus.Registry

	SwapsInFlight  prometheus.Gauge
	SwapsCompleted prometheus.Counter

	MeltsInFlight    prometheus.Gauge
	MeltsCompleted   prometheus.Counter
	MeltsCompensated prometheus.Counter

	MintsCompleted prometheus.Counter

	SagaRecoveries prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SwapsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mint_swaps_in_flight",
			Help: "Number of swap operations currently executing.",
		}),
		SwapsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_swaps_completed_total",
			Help: "Total number of completed swap operations.",
		}),
		MeltsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mint_melts_in_flight",
			Help: "Number of melt operations currently executing.",
		}),
		MeltsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_melts_completed_total",
			Help: "Total number of melt operations settled as paid.",
		}),
		MeltsCompensated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_melts_compensated_total",
			Help: "Total number of melt operations rolled back after a failed payment.",
		}),
		MintsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_mints_completed_total",
			Help: "Total number of mint quotes issued.",
		}),
		SagaRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mint_saga_recoveries_total",
			Help: "Total number of melt sagas resolved during startup recovery.",
		}),
	}

	m.registry.MustRegister(
		m.SwapsInFlight,
		m.SwapsCompleted,
		m.MeltsInFlight,
		m.MeltsCompleted,
		m.MeltsCompensated,
		m.MintsCompleted,
		m.SagaRecoveries,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
