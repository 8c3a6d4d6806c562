package regen

import "github.com/prometheus/client_golang/prometheus"

// Metrics счётчики планировщика регенерации
type Metrics struct {
	blocksBroken prometheus.Counter
	triggered    prometheus.Counter
	failed       prometheus.Counter
	active       prometheus.Gauge
}

// NewMetrics создаёт метрики и регистрирует их, если reg не nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocksBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worlds",
			Subsystem: "regen",
			Name:      "blocks_broken_total",
			Help:      "Blocks reported broken in tracked mines",
		}),
		triggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worlds",
			Subsystem: "regen",
			Name:      "triggered_total",
			Help:      "Regenerations started",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worlds",
			Subsystem: "regen",
			Name:      "failed_total",
			Help:      "Regenerations that returned an error",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worlds",
			Subsystem: "regen",
			Name:      "active",
			Help:      "Regenerations currently running",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.blocksBroken, m.triggered, m.failed, m.active)
	}
	return m
}
