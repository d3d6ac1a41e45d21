package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Completed retention sweeps.",
	})
	SweepDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "sweeper",
		Name:      "deleted_total",
		Help:      "Expired transfers removed by the sweeper.",
	})
	SweepBytesFreedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "sweeper",
		Name:      "bytes_freed_total",
		Help:      "Bytes of stored objects and staged chunks removed by the sweeper.",
	})
	SweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "sweeper",
		Name:      "failures_total",
		Help:      "Objects or transfers the sweeper failed to remove.",
	})
)

func init() {
	prometheus.MustRegister(SweepRunsTotal, SweepDeletedTotal, SweepBytesFreedTotal, SweepFailuresTotal)
}
