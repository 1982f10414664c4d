package provider

import "github.com/prometheus/client_golang/prometheus"

var (
	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydoc",
		Subsystem: "provider",
		Name:      "flushes_total",
		Help:      "Coalesced local delta flushes by reason.",
	}, []string{"reason"})

	persistTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydoc",
		Subsystem: "provider",
		Name:      "persist_total",
		Help:      "Snapshot writes to the durable store by result.",
	}, []string{"result"})

	recoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relaydoc",
		Subsystem: "provider",
		Name:      "recoveries_total",
		Help:      "Mesh teardown and re-registration cycles.",
	})

	peersGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relaydoc",
		Subsystem: "provider",
		Name:      "peers",
		Help:      "Transport peers by state.",
	}, []string{"state"})
)

// Collectors returns the provider metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{flushesTotal, persistTotal, recoveriesTotal, peersGauge}
}
