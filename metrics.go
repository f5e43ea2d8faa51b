package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voteservice_votes_total",
		Help: "Total applied votes by direction",
	}, []string{"vote"})
	LocationsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_locations_created_total",
		Help: "Total locations created by a first vote",
	})
	LookupInconsistenciesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_lookup_inconsistencies_total",
		Help: "Total votes dropped because a geometry had no feature",
	})
	PartialCreatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voteservice_partial_creates_total",
		Help: "Total failed location creates by failing step",
	}, []string{"step"})
	RoadQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_road_queries_total",
		Help: "Total road-data queries",
	})
	RoadQueryFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_road_query_fail_total",
		Help: "Total failed road-data queries",
	})
	RoadQueryDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voteservice_road_query_duration_ms",
		Help:    "Road-data query duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	RoadCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_road_cache_hits_total",
		Help: "Total road-data cache hits",
	})
	RoadCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_road_cache_misses_total",
		Help: "Total road-data cache misses",
	})
	WaysPersistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_ways_persisted_total",
		Help: "Total way records written",
	})
	WayPersistFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voteservice_way_persist_fail_total",
		Help: "Total way record writes that failed",
	})
)

func init() {
	prometheus.MustRegister(
		VotesTotal,
		LocationsCreatedTotal,
		LookupInconsistenciesTotal,
		PartialCreatesTotal,
		RoadQueriesTotal,
		RoadQueryFailTotal,
		RoadQueryDurationMs,
		RoadCacheHitsTotal,
		RoadCacheMissesTotal,
		WaysPersistedTotal,
		WayPersistFailTotal,
	)
}

// MetricsHandler serves the Prometheus registry
func MetricsHandler() http.Handler { return promhttp.Handler() }
