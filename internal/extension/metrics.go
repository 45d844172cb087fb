package extension

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts lifecycle outcomes for the /metrics endpoint.
type Metrics struct {
	Loads   *prometheus.CounterVec
	Reloads *prometheus.CounterVec
	Loaded  prometheus.Gauge
}

// NewMetrics registers the lifecycle collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Loads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bark_extension_loads_total",
			Help: "Extension load attempts by result.",
		}, []string{"result"}),
		Reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bark_extension_reloads_total",
			Help: "Extension reload attempts by result.",
		}, []string{"result"}),
		Loaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bark_extensions_loaded",
			Help: "Number of extensions currently loaded.",
		}),
	}
}

func (m *Metrics) load(err error) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) reload(err error) {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.Loaded.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
