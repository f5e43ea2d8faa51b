package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
)

// SafetyService wires route simplification, voting and road enrichment
type SafetyService struct {
	aggregator *ScoreAggregator
	enricher   *NearbyRoadEnricher
	profiles   SimplifyProfiles
	config     VotingConfig

	background sync.WaitGroup
}

// NewSafetyService creates a new safety service
func NewSafetyService(aggregator *ScoreAggregator, enricher *NearbyRoadEnricher, profiles SimplifyProfiles, config VotingConfig) *SafetyService {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &SafetyService{
		aggregator: aggregator,
		enricher:   enricher,
		profiles:   profiles,
		config:     config,
	}
}

// RouteRequest describes a route to prepare for voting
type RouteRequest struct {
	Polyline          []Point
	Profile           string
	DistanceThreshold *float64
	AngleThreshold    *float64
	Radius            float64
	Enrich            bool
}

// RoutePlan is a simplified route ready for voting
type RoutePlan struct {
	Profile       SimplifyProfile            `json:"profile"`
	InputPoints   int                        `json:"inputPoints"`
	Waypoints     []Point                    `json:"waypoints"`
	Features      *geojson.FeatureCollection `json:"features"`
	Nearby        [][]WaySegment             `json:"nearby,omitempty"`
	FetchFailures int                        `json:"fetchFailures"`
}

// PrepareRoute simplifies the polyline and, when requested, fetches the
// roads around every waypoint. A failed fetch leaves that waypoint without
// roads and is counted in FetchFailures.
func (s *SafetyService) PrepareRoute(ctx context.Context, req RouteRequest) (*RoutePlan, error) {
	profile, err := s.profiles.Get(req.Profile)
	if err != nil {
		return nil, err
	}
	if req.DistanceThreshold != nil {
		profile.DistanceThreshold = *req.DistanceThreshold
	}
	if req.AngleThreshold != nil {
		profile.AngleThreshold = *req.AngleThreshold
	}

	waypoints := SimplifyRoute(req.Polyline, profile.DistanceThreshold, profile.AngleThreshold)
	plan := &RoutePlan{
		Profile:     profile,
		InputPoints: len(req.Polyline),
		Waypoints:   waypoints,
		Features:    WaypointFeatures(waypoints, WaypointOptions{StreetViewKey: s.config.StreetViewKey}),
	}

	slog.Debug("route simplified",
		"profile", profile.Name,
		"input_points", len(req.Polyline),
		"waypoints", len(waypoints))

	if !req.Enrich || len(waypoints) == 0 {
		return plan, nil
	}

	radius := req.Radius
	if radius <= 0 {
		radius = s.config.NearbyRadius
	}

	nearby, failures, err := s.fetchNearbyAll(ctx, waypoints, radius)
	if err != nil {
		return nil, err
	}
	plan.Nearby = nearby
	plan.FetchFailures = failures
	return plan, nil
}

func (s *SafetyService) fetchNearbyAll(ctx context.Context, waypoints []Point, radius float64) ([][]WaySegment, int, error) {
	nearby := make([][]WaySegment, len(waypoints))
	var mu sync.Mutex
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())

	for i, wp := range waypoints {
		g.Go(func() error {
			segments, err := s.enricher.FetchNearby(gctx, wp, radius)
			if err != nil {
				var fetchErr *EnrichmentFetchError
				if errors.As(err, &fetchErr) && gctx.Err() == nil {
					slog.Warn("nearby roads unavailable", "waypoint", i, "error", err)
					mu.Lock()
					failures++
					mu.Unlock()
					return nil
				}
				return err
			}
			nearby[i] = segments
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("fetch nearby roads: %w", err)
	}
	return nearby, failures, nil
}

func (s *SafetyService) workers() int {
	if s.config.EnrichWorkers > 0 {
		return s.config.EnrichWorkers
	}
	return 4
}

// Vote applies a vote. When the vote creates a new location the roads
// around it are cached in the background; enrichment never changes the
// vote result.
func (s *SafetyService) Vote(ctx context.Context, location Point, vote VoteDirection) (*VoteResult, error) {
	result, err := s.aggregator.ApplyVote(ctx, location, vote)
	if err != nil {
		return nil, err
	}

	if result.Created && s.config.EnrichOnCreate && s.enricher != nil {
		s.enrichAsync(ctx, result)
	}
	return result, nil
}

func (s *SafetyService) enrichAsync(ctx context.Context, result *VoteResult) {
	timeout := s.config.EnrichTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()

		logger := slog.With("feature_id", result.FeatureID)
		report, err := s.enricher.Enrich(ctx, result.FeatureID, result.Location, s.config.NearbyRadius)
		if err != nil {
			logger.Warn("enrichment incomplete", "error", err)
			return
		}
		logger.Debug("enrichment complete", "ways", report.Written)
	}()
}

// CurrentScore returns the stored score at location, 0 when never voted
func (s *SafetyService) CurrentScore(ctx context.Context, location Point) (float64, error) {
	score, _, err := s.aggregator.CurrentScore(ctx, location)
	return score, err
}

// Nearby fetches the roads around location
func (s *SafetyService) Nearby(ctx context.Context, location Point, radius float64) ([]WaySegment, error) {
	if radius <= 0 {
		radius = s.config.NearbyRadius
	}
	return s.enricher.FetchNearby(ctx, location, radius)
}

// Overlay returns every cached way coloured by score
func (s *SafetyService) Overlay(ctx context.Context) (*geojson.FeatureCollection, error) {
	return s.enricher.Overlay(ctx)
}

// Wait blocks until background enrichment has finished
func (s *SafetyService) Wait() {
	s.background.Wait()
}
