package docstore

import "github.com/prometheus/client_golang/prometheus"

var (
	writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaydoc",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Document writes by result.",
	}, []string{"result"})

	watchersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaydoc",
		Subsystem: "store",
		Name:      "watchers",
		Help:      "Open document watchers.",
	})

	instancesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relaydoc",
		Subsystem: "store",
		Name:      "instances",
		Help:      "Registered client instances.",
	})
)

// Collectors returns the store metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{writesTotal, watchersGauge, instancesGauge}
}
