package acquire

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the instrumentation of one Manager.
type Metrics struct {
	Samples  prometheus.Counter
	Retries  prometheus.Counter
	Timeouts prometheus.Counter
	Drops    prometheus.Counter
	Rejected prometheus.Counter
	Mode     prometheus.Gauge
}

// NewMetrics creates the metric set and registers it with reg when reg is
// non-nil.  Passing nil yields working but unregistered metrics, which is
// what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "aefi",
			Name:      "samples_total",
			Help:      "Samples successfully acquired and decoded.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "aefi",
			Name:      "frame_retries_total",
			Help:      "Acquisition frames discarded due to protocol errors.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "aefi",
			Name:      "read_timeouts_total",
			Help:      "Serial reads that hit their deadline.",
		}),
		Drops: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "aefi",
			Name:      "backpressure_drops_total",
			Help:      "Samples dropped because the export writer lagged.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "aefi",
			Name:      "config_rejections_total",
			Help:      "Configuration updates rolled back after failed verification.",
		}),
		Mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: "aefi",
			Name:      "acquisition_mode",
			Help:      "Current mode: 0 stopped, 1 exploration, 2 pausing, 3 export.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Samples, m.Retries, m.Timeouts, m.Drops, m.Rejected, m.Mode)
	}
	return m
}
