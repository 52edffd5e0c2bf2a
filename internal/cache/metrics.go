package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_prediction_cache_hits_total",
		Help: "Prediction cache lookups that found an entry",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_prediction_cache_misses_total",
		Help: "Prediction cache lookups that found nothing",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_prediction_cache_evictions_total",
		Help: "Entries dropped to respect the cache capacity",
	})
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_prediction_cache_entries",
		Help: "Current number of cached predictions",
	})
)
