package metrics

import "github.com/prometheus/client_golang/prometheus"

// Instruments counts sampler traffic so subprocess pressure is observable.
type Instruments struct {
	SamplerInvocations *prometheus.CounterVec
	SamplerFailures    *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	CollectLatency     prometheus.Histogram
}

// NewInstruments builds the collectors and registers them when reg is not nil.
func NewInstruments(reg prometheus.Registerer) *Instruments {
	in := &Instruments{
		SamplerInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "sampler",
			Name:      "invocations_total",
			Help:      "External sampler invocations by kind.",
		}, []string{"kind"}),
		SamplerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "sampler",
			Name:      "failures_total",
			Help:      "External sampler failures by kind.",
		}, []string{"kind"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "metrics_cache",
			Name:      "lookups_total",
			Help:      "Metrics cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		CollectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "metrics_cache",
			Name:      "system_collect_seconds",
			Help:      "Wall time of one system metrics collection.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
	if reg != nil {
		reg.MustRegister(in.SamplerInvocations, in.SamplerFailures, in.CacheLookups, in.CollectLatency)
	}
	return in
}

func (in *Instruments) invoked(kind string) {
	if in == nil {
		return
	}
	in.SamplerInvocations.WithLabelValues(kind).Inc()
}

func (in *Instruments) failed(kind string) {
	if in == nil {
		return
	}
	in.SamplerFailures.WithLabelValues(kind).Inc()
}

func (in *Instruments) lookup(cache string, hit bool) {
	if in == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	in.CacheLookups.WithLabelValues(cache, result).Inc()
}

func (in *Instruments) observeCollect(seconds float64) {
	if in == nil {
		return
	}
	in.CollectLatency.Observe(seconds)
}
