package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func overpassServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOverpassClient_QueryNearby(t *testing.T) {
	queries := make(chan string, 1)
	srv := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		queries <- r.PostForm.Get("data")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elements":[
			{"type":"way","id":11,"bounds":{"minlat":1,"minlon":2,"maxlat":3,"maxlon":4},
			 "geometry":[{"lat":1,"lon":2},{"lat":3,"lon":4}],"tags":{"highway":"primary","name":"Main St"}}
		]}`))
	})

	client := NewOverpassClient(srv.URL)
	resp, err := client.QueryNearby(context.Background(), Point{Lat: 45.5, Lng: -122.6}, 30)
	require.NoError(t, err)

	assert.Equal(t, `[out:json][timeout:25];way(around:30,45.500000,-122.600000)["highway"];out geom;`, <-queries)
	require.Len(t, resp.Elements, 1)
	assert.Equal(t, int64(11), resp.Elements[0].ID)
	assert.Equal(t, "Main St", resp.Elements[0].Tags["name"])
	require.NotNil(t, resp.Elements[0].Bounds)
	assert.Equal(t, 4.0, resp.Elements[0].Bounds.MaxLon)
}

func TestOverpassClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte(`{"elements":[]}`))
	})

	client := NewOverpassClient(srv.URL, WithOverpassRetries(3), WithOverpassBackoff(time.Millisecond))
	resp, err := client.QueryNearby(context.Background(), Point{}, 30)
	require.NoError(t, err)
	assert.Empty(t, resp.Elements)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOverpassClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := overpassServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	client := NewOverpassClient(srv.URL, WithOverpassRetries(5), WithOverpassBackoff(time.Millisecond))
	_, err := client.QueryNearby(context.Background(), Point{}, 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOverpassClient_RejectsNonPositiveRadius(t *testing.T) {
	client := NewOverpassClient("http://127.0.0.1:0")
	_, err := client.QueryNearby(context.Background(), Point{}, 0)
	require.Error(t, err)
}

func TestOverpassClient_WayFilter(t *testing.T) {
	client := NewOverpassClient("", WithOverpassWayFilter(""))
	assert.Equal(t, `[out:json][timeout:25];way(around:50,1.000000,2.000000);out geom;`, client.BuildNearbyQuery(Point{Lat: 1, Lng: 2}, 50))
}

func TestFetchNearby_SkipsNonWaysAndMissingGeometry(t *testing.T) {
	roads := &stubRoads{resp: &RoadDataResponse{Elements: []RoadElement{
		wayElement(1, LatLon{Lat: 0, Lon: 0}, LatLon{Lat: 0, Lon: 0.001}),
		{Type: "node", ID: 2, Geometry: []LatLon{{Lat: 0, Lon: 0}}},
		{Type: "way", ID: 3},
		{Type: "relation", ID: 4},
		wayElement(5, LatLon{Lat: 1, Lon: 1}, LatLon{Lat: 2, Lon: 3}),
	}}}
	enricher := NewNearbyRoadEnricher(roads, nil)

	segments, err := enricher.FetchNearby(context.Background(), Point{}, 30)
	require.NoError(t, err)

	require.Len(t, segments, 2)
	assert.Equal(t, int64(1), segments[0].ID)
	assert.Equal(t, int64(5), segments[1].ID)
	assert.Equal(t, []Point{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 3}}, segments[1].Geometry)

	// Bounds fall back to the geometry extent
	require.NotNil(t, segments[1].Bounds)
	assert.Equal(t, 1.0, segments[1].Bounds.Min.Lon())
	assert.Equal(t, 3.0, segments[1].Bounds.Max.Lon())
	assert.Equal(t, 2.0, segments[1].Bounds.Max.Lat())
}

func TestFetchNearby_QueryFailure(t *testing.T) {
	boom := errors.New("connection refused")
	enricher := NewNearbyRoadEnricher(&stubRoads{err: boom}, nil)

	segments, err := enricher.FetchNearby(context.Background(), Point{Lat: 1, Lng: 2}, 30)
	assert.Nil(t, segments)

	var fetchErr *EnrichmentFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, Point{Lat: 1, Lng: 2}, fetchErr.Location)
	assert.Equal(t, 30.0, fetchErr.Radius)
	assert.ErrorIs(t, err, boom)
}

func TestPersistWays(t *testing.T) {
	store := NewMemoryStore()
	enricher := NewNearbyRoadEnricher(nil, store)
	ctx := context.Background()
	segments := []WaySegment{
		segmentFromElement(wayElement(100, LatLon{Lat: 0, Lon: 0}, LatLon{Lat: 0, Lon: 1})),
		segmentFromElement(wayElement(200, LatLon{Lat: 1, Lon: 1}, LatLon{Lat: 1, Lon: 2})),
	}

	report := enricher.PersistWays(ctx, "feature-1", segments)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, 0, report.Failed)

	res, err := store.List(ctx, CollectionWays, Eq("featuresId", "feature-1"), 1, 10)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, 100.0, res.Items[0]["wayId"])

	way, err := decodeWay(res.Items[1])
	require.NoError(t, err)
	assert.Equal(t, "feature-1", way.FeaturesID)
	assert.Equal(t, []Point{{Lat: 1, Lng: 1}, {Lat: 1, Lng: 2}}, way.Geometry)
	assert.Equal(t, "residential", way.Tags["highway"])
}

func TestPersistWays_ContinuesPastFailures(t *testing.T) {
	store := newFaultyStore()
	store.failCreate[CollectionWays] = errors.New("quota exceeded")
	store.failCreateN[CollectionWays] = 2
	enricher := NewNearbyRoadEnricher(nil, store)

	segments := []WaySegment{
		{ID: 1, Geometry: []Point{{0, 0}, {0, 1}}},
		{ID: 2, Geometry: []Point{{1, 0}, {1, 1}}},
		{ID: 3, Geometry: []Point{{2, 0}, {2, 1}}},
	}

	report := enricher.PersistWays(context.Background(), "f", segments)
	assert.Equal(t, 2, report.Written)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, int64(2), report.Errors[0].WayID)

	var persistErr *EnrichmentPersistError
	require.ErrorAs(t, report.Err(), &persistErr)
	assert.Equal(t, "f", persistErr.FeatureID)
	assert.Equal(t, 2, store.Count(CollectionWays))
}

func TestPersistWays_Cancelled(t *testing.T) {
	store := NewMemoryStore()
	enricher := NewNearbyRoadEnricher(nil, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := enricher.PersistWays(ctx, "f", []WaySegment{{ID: 1}, {ID: 2}})
	assert.Equal(t, 0, report.Written)
	assert.Equal(t, 2, report.Failed)
	assert.ErrorIs(t, report.Errors[0].Err, context.Canceled)
	assert.Equal(t, 0, store.Count(CollectionWays))
}

func TestEnrich(t *testing.T) {
	store := NewMemoryStore()
	roads := &stubRoads{resp: &RoadDataResponse{Elements: []RoadElement{
		wayElement(1, LatLon{Lat: 0, Lon: 0}, LatLon{Lat: 0, Lon: 0.001}),
		{Type: "node", ID: 2},
	}}}
	enricher := NewNearbyRoadEnricher(roads, store)

	report, err := enricher.Enrich(context.Background(), "feature-9", Point{}, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 1, store.Count(CollectionWays))
}

func TestOverlay(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	agg := NewScoreAggregator(store)
	enricher := NewNearbyRoadEnricher(nil, store, WithPaging(1, 10))

	voted, err := agg.ApplyVote(ctx, Point{Lat: 1, Lng: 1}, VoteDown)
	require.NoError(t, err)

	report := enricher.PersistWays(ctx, voted.FeatureID, []WaySegment{
		{ID: 1, Geometry: []Point{{0, 0}, {0, 1}}},
		{ID: 2, Geometry: []Point{{1, 0}, {1, 1}}},
	})
	require.NoError(t, report.Err())
	// A way whose feature no longer exists is drawn at the neutral score
	report = enricher.PersistWays(ctx, "missing-feature", []WaySegment{{ID: 3, Geometry: []Point{{2, 0}, {2, 1}}}})
	require.NoError(t, report.Err())

	fc, err := enricher.Overlay(ctx)
	require.NoError(t, err)
	require.Len(t, fc.Features, 3)

	assert.Equal(t, -51.0, fc.Features[0].Properties["score"])
	assert.Equal(t, voted.FeatureID, fc.Features[0].Properties["featureId"])
	assert.Equal(t, ColorHex(ScoreColor(-51)), fc.Features[0].Properties["color"])
	assert.Equal(t, 0.0, fc.Features[2].Properties["score"])
}

func TestOverlay_PageLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	enricher := NewNearbyRoadEnricher(nil, store, WithPaging(1, 2))

	for i := int64(1); i <= 3; i++ {
		report := enricher.PersistWays(ctx, "f", []WaySegment{{ID: i, Geometry: []Point{{0, 0}, {0, 1}}}})
		require.NoError(t, report.Err())
	}

	fc, err := enricher.Overlay(ctx)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 2)
}

func TestScoreColor(t *testing.T) {
	testCases := []struct {
		score    float64
		expected string
	}{
		{score: -255, expected: "#ff0000"},
		{score: 255, expected: "#00ff00"},
		{score: 0, expected: "#808000"},
		{score: 1000, expected: "#00ff00"},
		{score: -1000, expected: "#ff0000"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, ColorHex(ScoreColor(tc.score)), "score %g", tc.score)
	}
}

func TestSegmentFeatures(t *testing.T) {
	segments := []WaySegment{{ID: 42, Geometry: []Point{{0, 0}, {0, 1}}, Tags: map[string]string{"name": "Elm"}}}

	fc := SegmentFeatures(segments, 51)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tag:name":"Elm"`)
	assert.Equal(t, 42, int(fc.Features[0].ID.(int64)))
	assert.Equal(t, ColorHex(ScoreColor(51)), fc.Features[0].Properties["color"])
}
