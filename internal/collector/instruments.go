package collector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fleet-telemetry-agent/internal/model"
)

type TickInstruments struct {
	Ticks        *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Servers      *prometheus.GaugeVec
	CrashAlerts  *prometheus.CounterVec
}

func NewTickInstruments(reg prometheus.Registerer) *TickInstruments {
	in := &TickInstruments{
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "aggregator",
			Name:      "ticks_total",
			Help:      "Aggregator ticks by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "aggregator",
			Name:      "tick_seconds",
			Help:      "Wall time of one aggregator tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		Servers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleet",
			Subsystem: "aggregator",
			Name:      "servers",
			Help:      "Servers by composite status at the last tick.",
		}, []string{"status"}),
		CrashAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "aggregator",
			Name:      "crash_alerts_total",
			Help:      "Crash alerts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(in.Ticks, in.TickDuration, in.Servers, in.CrashAlerts)
	}
	return in
}

func (in *TickInstruments) tick(result string, d time.Duration) {
	if in == nil {
		return
	}
	in.Ticks.WithLabelValues(result).Inc()
	in.TickDuration.Observe(d.Seconds())
}

func (in *TickInstruments) observeStatuses(snap model.TickSnapshot) {
	if in == nil {
		return
	}
	counts := map[model.CompositeStatus]int{
		model.StatusRunning: 0,
		model.StatusStopped: 0,
		model.StatusCrashed: 0,
	}
	for _, s := range snap.Servers {
		counts[s.Status]++
	}
	for status, n := range counts {
		in.Servers.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (in *TickInstruments) alert(outcome string) {
	if in == nil {
		return
	}
	in.CrashAlerts.WithLabelValues(outcome).Inc()
}
