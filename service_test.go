package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lRoute turns 90 degrees about 111m in
var lRoute = []Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.001}, {Lat: 0.001, Lng: 0.001}}

func testVotingConfig() VotingConfig {
	return VotingConfig{
		CoordPrecision: -1,
		NearbyRadius:   DefaultNearbyRadius,
		EnrichOnCreate: true,
		EnrichTimeout:  5 * time.Second,
		EnrichWorkers:  2,
	}
}

func newTestService(store RecordStore, roads RoadDataClient, cfg VotingConfig) *SafetyService {
	return NewSafetyService(
		NewScoreAggregator(store),
		NewNearbyRoadEnricher(roads, store),
		DefaultProfiles(),
		cfg,
	)
}

func TestPrepareRoute(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &stubRoads{}, testVotingConfig())

	plan, err := svc.PrepareRoute(context.Background(), RouteRequest{Polyline: lRoute})
	require.NoError(t, err)

	assert.Equal(t, "default", plan.Profile.Name)
	assert.Equal(t, 3, plan.InputPoints)
	assert.Equal(t, lRoute, plan.Waypoints)
	assert.Len(t, plan.Features.Features, 3)
	assert.Nil(t, plan.Nearby)
}

func TestPrepareRoute_ThresholdOverride(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &stubRoads{}, testVotingConfig())
	far := 500.0

	plan, err := svc.PrepareRoute(context.Background(), RouteRequest{Polyline: lRoute, DistanceThreshold: &far})
	require.NoError(t, err)

	assert.Equal(t, 500.0, plan.Profile.DistanceThreshold)
	assert.Equal(t, DefaultAngleThreshold, plan.Profile.AngleThreshold)
	assert.Equal(t, []Point{lRoute[0], lRoute[2]}, plan.Waypoints)
}

func TestPrepareRoute_UnknownProfile(t *testing.T) {
	svc := newTestService(NewMemoryStore(), &stubRoads{}, testVotingConfig())

	_, err := svc.PrepareRoute(context.Background(), RouteRequest{Polyline: lRoute, Profile: "offroad"})
	var unknown *UnknownProfileError
	assert.ErrorAs(t, err, &unknown)
}

func TestPrepareRoute_Enrich(t *testing.T) {
	roads := &stubRoads{resp: &RoadDataResponse{Elements: []RoadElement{
		wayElement(11, LatLon{Lat: 0, Lon: 0}, LatLon{Lat: 0, Lon: 0.0005}),
	}}}
	svc := newTestService(NewMemoryStore(), roads, testVotingConfig())

	plan, err := svc.PrepareRoute(context.Background(), RouteRequest{Polyline: lRoute, Enrich: true, Radius: 25})
	require.NoError(t, err)

	require.Len(t, plan.Nearby, 3)
	for _, segments := range plan.Nearby {
		require.Len(t, segments, 1)
		assert.Equal(t, int64(11), segments[0].ID)
	}
	assert.Zero(t, plan.FetchFailures)
	assert.Equal(t, 3, roads.callCount())
}

// A failed road lookup leaves that waypoint empty instead of failing the route
func TestPrepareRoute_EnrichFailures(t *testing.T) {
	roads := &stubRoads{err: errors.New("overpass: 429 too many requests")}
	svc := newTestService(NewMemoryStore(), roads, testVotingConfig())

	plan, err := svc.PrepareRoute(context.Background(), RouteRequest{Polyline: lRoute, Enrich: true})
	require.NoError(t, err)

	assert.Equal(t, 3, plan.FetchFailures)
	require.Len(t, plan.Nearby, 3)
	for _, segments := range plan.Nearby {
		assert.Nil(t, segments)
	}
}

func TestPrepareRoute_EnrichCancelled(t *testing.T) {
	roads := &stubRoads{err: context.Canceled}
	svc := newTestService(NewMemoryStore(), roads, testVotingConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.PrepareRoute(ctx, RouteRequest{Polyline: lRoute, Enrich: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVote_EnrichesNewLocation(t *testing.T) {
	store := NewMemoryStore()
	roads := &stubRoads{resp: &RoadDataResponse{Elements: []RoadElement{
		wayElement(1, LatLon{Lat: 1, Lon: 1}, LatLon{Lat: 1, Lon: 1.001}),
		wayElement(2, LatLon{Lat: 1, Lon: 1}, LatLon{Lat: 1.001, Lon: 1}),
	}}}
	svc := newTestService(store, roads, testVotingConfig())

	// The request context ends with the request; enrichment outlives it
	ctx, cancel := context.WithCancel(context.Background())
	result, err := svc.Vote(ctx, Point{Lat: 1, Lng: 1}, VoteUp)
	cancel()
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 51.0, result.Score)

	svc.Wait()
	assert.Equal(t, 2, store.Count(CollectionWays))
	assert.Equal(t, 1, roads.callCount())

	// A repeat vote on a known location does not enrich again
	result, err = svc.Vote(context.Background(), Point{Lat: 1, Lng: 1}, VoteUp)
	require.NoError(t, err)
	assert.False(t, result.Created)
	svc.Wait()
	assert.Equal(t, 1, roads.callCount())
	assert.Equal(t, 2, store.Count(CollectionWays))

	score, err := svc.CurrentScore(context.Background(), Point{Lat: 1, Lng: 1})
	require.NoError(t, err)
	assert.InDelta(t, 91.8, score, 1e-9)
}

// Enrichment failure never changes the vote outcome
func TestVote_EnrichmentFailureKeepsVote(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, &stubRoads{err: errors.New("timeout")}, testVotingConfig())

	result, err := svc.Vote(context.Background(), Point{Lat: 5, Lng: 5}, VoteDown)
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, -51.0, result.Score)
	assert.Equal(t, 1, store.Count(CollectionProperties))
	assert.Zero(t, store.Count(CollectionWays))
}

func TestVote_EnrichDisabled(t *testing.T) {
	cfg := testVotingConfig()
	cfg.EnrichOnCreate = false
	roads := &stubRoads{resp: &RoadDataResponse{}}
	svc := newTestService(NewMemoryStore(), roads, cfg)

	_, err := svc.Vote(context.Background(), Point{Lat: 1, Lng: 1}, VoteUp)
	require.NoError(t, err)
	svc.Wait()
	assert.Zero(t, roads.callCount())
}

func TestVote_ConcurrentDifferentLocations(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, &stubRoads{resp: &RoadDataResponse{}}, testVotingConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Vote(context.Background(), Point{Lat: float64(i), Lng: 0}, VoteUp)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	svc.Wait()

	assert.Equal(t, 10, store.Count(CollectionGeometries))
	report, err := VerifyStore(context.Background(), store, 3, 100)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestServiceNearbyAndOverlay(t *testing.T) {
	store := NewMemoryStore()
	roads := &stubRoads{resp: &RoadDataResponse{Elements: []RoadElement{
		wayElement(3, LatLon{Lat: 2, Lon: 2}, LatLon{Lat: 2, Lon: 2.001}),
	}}}
	svc := newTestService(store, roads, testVotingConfig())
	ctx := context.Background()

	segments, err := svc.Nearby(ctx, Point{Lat: 2, Lng: 2}, 0)
	require.NoError(t, err)
	require.Len(t, segments, 1)

	_, err = svc.Vote(ctx, Point{Lat: 2, Lng: 2}, VoteUp)
	require.NoError(t, err)
	svc.Wait()

	fc, err := svc.Overlay(ctx)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, 51.0, fc.Features[0].Properties["score"])
}
