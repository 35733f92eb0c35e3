package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	mean         *prometheus.GaugeVec
	stdev        *prometheus.GaugeVec
	norm         *prometheus.GaugeVec
	observations *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
}

func newMetrics() *metrics {
	labels := []string{"key"}
	return &metrics{
		mean: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollnorm_mean",
			Help: "Rolling mean of the window",
		}, labels),
		stdev: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollnorm_stdev",
			Help: "Rolling population standard deviation of the window",
		}, labels),
		norm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rollnorm_norm",
			Help: "Z-score of the latest value within the window",
		}, labels),
		observations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollnorm_observations_total",
			Help: "Total values observed",
		}, labels),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rollnorm_anomalies_total",
			Help: "Total values flagged as anomalies",
		}, labels),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.mean, m.stdev, m.norm, m.observations, m.anomalies} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// publish sets the gauges only.
func (m *metrics) publish(res Result) {
	m.mean.WithLabelValues(res.Key).Set(res.Mean)
	m.stdev.WithLabelValues(res.Key).Set(res.Stdev)
	m.norm.WithLabelValues(res.Key).Set(res.Norm)
}

func (m *metrics) observe(res Result) {
	m.publish(res)
	m.observations.WithLabelValues(res.Key).Inc()
	if res.Anomaly {
		m.anomalies.WithLabelValues(res.Key).Inc()
	}
}
