package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "loads_total",
			Help:      "Total number of model load attempts",
		},
		[]string{"outcome"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Total number of finished generations",
		},
		[]string{"outcome"},
	)

	generatedTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generated_tokens_total",
			Help:      "Total number of tokens produced",
		},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "cache_hits_total",
			Help:      "Generations served from the result cache",
		},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "inferd",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Duration of generations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, generationsTotal, generatedTokensTotal, cacheHitsTotal, generationDuration)
}
