package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_paste_burned_total",
		Help: "no. of burn-after-reading pastes consumed",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_paste_deleted_total",
		Help: "no. of pastes deleted on request",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_highlight_cache_hits_total",
		Help: "no. of highlight cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_highlight_cache_misses_total",
		Help: "no. of highlight cache misses",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_sweep_cycles_total",
		Help: "no. of expiry sweeper cycles",
	})
	SweepPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wastebin_sweep_purged_total",
		Help: "no. of expired rows purged by the sweeper",
	})
)
