package provision

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics Prometheus-метрики сборки инстансов
type Metrics struct {
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	blocksWritten prometheus.Counter
	inflight      prometheus.Gauge
	regens        *prometheus.CounterVec
}

// NewMetrics создаёт метрики и регистрирует их в reg (nil: без регистрации)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worlds",
			Name:      "builds_total",
			Help:      "Число сборок инстансов по результату.",
		}, []string{"result"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worlds",
			Name:      "build_duration_seconds",
			Help:      "Длительность сборки инстанса из шаблона.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		blocksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worlds",
			Name:      "blocks_written_total",
			Help:      "Общее число записанных в движок блоков.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worlds",
			Name:      "builds_inflight",
			Help:      "Сборки, выполняющиеся прямо сейчас.",
		}),
		regens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worlds",
			Name:      "restamps_total",
			Help:      "Повторные записи раскладки в существующий инстанс.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.builds, m.buildDuration, m.blocksWritten, m.inflight, m.regens)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
