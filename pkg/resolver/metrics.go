package resolver

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	queries   prometheus.Counter
	cacheHits prometheus.Counter
	resolved  prometheus.Counter
	timeouts  prometheus.Counter
	evictions prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queries_total",
			Help: "Number of multicast queries sent.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Number of lookups answered from the cache.",
		}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resolved_total",
			Help: "Number of address records ingested from responses.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeouts_total",
			Help: "Number of queries that expired without a response.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Number of cache entries evicted under capacity pressure.",
		}),
	}
}

// register registers all engine collectors plus a live gauge of the
// cache size on reg.
func (m *metrics) register(reg prometheus.Registerer, cacheLen func() int) {
	reg.MustRegister(
		m.queries,
		m.cacheHits,
		m.resolved,
		m.timeouts,
		m.evictions,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current number of cache entries.",
		}, func() float64 { return float64(cacheLen()) }),
	)
}
