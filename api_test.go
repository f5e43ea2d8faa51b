package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	store   *faultyStore
	roads   *stubRoads
	service *SafetyService
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := newFaultyStore()
	roads := &stubRoads{resp: &RoadDataResponse{Elements: []RoadElement{
		wayElement(42, LatLon{Lat: 45.5, Lon: -122.6}, LatLon{Lat: 45.5, Lon: -122.601}),
	}}}
	cfg := &Config{
		Voting:  testVotingConfig(),
		Service: ServiceConfig{Store: StoreMemory, PerPage: 50, MaxPages: 10},
	}
	svc := newTestService(store, roads, cfg.Voting)
	t.Cleanup(svc.Wait)

	return &apiFixture{
		store:   store,
		roads:   roads,
		service: svc,
		handler: NewAPIServer(svc, store, cfg).Handler(),
	}
}

func (f *apiFixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, StoreMemory, body["store"])
}

func TestAPI_Metrics(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(1.0), Lng: ptr(1.0), Vote: "up"})

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voteservice_votes_total")
}

func TestAPI_Vote(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(45.5), Lng: ptr(-122.6), Vote: "up"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first VoteResult
	decodeBody(t, rec, &first)
	assert.True(t, first.Created)
	assert.Equal(t, 51.0, first.Score)
	assert.NotEmpty(t, first.FeatureID)

	rec = f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(45.5), Lng: ptr(-122.6), Vote: "down"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var second VoteResult
	decodeBody(t, rec, &second)
	assert.False(t, second.Created)
	assert.InDelta(t, -10.2, second.Score, 1e-9)
	assert.Equal(t, first.FeatureID, second.FeatureID)
}

func TestAPI_VoteBadRequest(t *testing.T) {
	f := newAPIFixture(t)

	testCases := []struct {
		name string
		body interface{}
	}{
		{name: "Not JSON", body: "{"},
		{name: "Missing lat", body: `{"lng": 1, "vote": "up"}`},
		{name: "Missing vote", body: `{"lat": 1, "lng": 1}`},
		{name: "Unknown direction", body: VoteRequest{Lat: ptr(1.0), Lng: ptr(1.0), Vote: "sideways"}},
		{name: "Latitude out of range", body: VoteRequest{Lat: ptr(91.0), Lng: ptr(1.0), Vote: "up"}},
		{name: "Longitude out of range", body: VoteRequest{Lat: ptr(1.0), Lng: ptr(-180.5), Vote: "up"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/votes", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body ErrorResponse
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
	assert.Zero(t, f.store.Count(CollectionGeometries))
}

// Zero is a valid coordinate, not a missing one
func TestAPI_VoteAtOrigin(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/api/votes", `{"lat": 0, "lng": 0, "vote": "up"}`)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAPI_VoteInconsistent(t *testing.T) {
	f := newAPIFixture(t)
	geom, err := f.store.Create(t.Context(), CollectionGeometries, Document{"latitude": 3.0, "longitude": 4.0, "type": "Point"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(3.0), Lng: ptr(4.0), Vote: "up"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, geom.ID(), body.GeometryID)
}

func TestAPI_VotePartialCreate(t *testing.T) {
	f := newAPIFixture(t)
	f.store.failCreate[CollectionFeatures] = errors.New("disk full")

	rec := f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(3.0), Lng: ptr(4.0), Vote: "up"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, StepFeature, body.Step)
	assert.Len(t, body.CreatedIDs, 2)
	assert.Contains(t, body.Error, "disk full")
}

func TestAPI_Score(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/score?lat=45.5&lng=-122.6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Score float64 `json:"score"`
		Color string  `json:"color"`
	}
	decodeBody(t, rec, &body)
	assert.Zero(t, body.Score)
	assert.Equal(t, "#808000", body.Color)

	f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(45.5), Lng: ptr(-122.6), Vote: "up"})
	rec = f.do(t, http.MethodGet, "/api/score?lat=45.5&lng=-122.6", nil)
	decodeBody(t, rec, &body)
	assert.Equal(t, 51.0, body.Score)

	rec = f.do(t, http.MethodGet, "/api/score?lat=abc&lng=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Simplify(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/routes/simplify", SimplifyRequest{Polyline: lRoute})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var plan struct {
		Waypoints []Point                   `json:"waypoints"`
		Features  geojson.FeatureCollection `json:"features"`
	}
	decodeBody(t, rec, &plan)
	assert.Equal(t, lRoute, plan.Waypoints)
	assert.Len(t, plan.Features.Features, 3)

	rec = f.do(t, http.MethodPost, "/api/routes/simplify", SimplifyRequest{Polyline: lRoute, Profile: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/routes/simplify", `{"profile": "default"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_SimplifyWithEnrich(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/routes/simplify", SimplifyRequest{Polyline: lRoute, Enrich: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var plan RoutePlan
	decodeBody(t, rec, &plan)
	assert.Len(t, plan.Nearby, 3)
	assert.Equal(t, 3, f.roads.callCount())
}

func TestAPI_Nearby(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/nearby?lat=45.5&lng=-122.6&radius=40", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "#808000", fc.Features[0].Properties["color"])

	rec = f.do(t, http.MethodGet, "/api/nearby?lat=45.5&lng=-122.6&radius=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.roads.err = errors.New("overpass down")
	rec = f.do(t, http.MethodGet, "/api/nearby?lat=45.5&lng=-122.6", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAPI_OverlayAndVerify(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/votes", VoteRequest{Lat: ptr(45.5), Lng: ptr(-122.6), Vote: "down"})
	require.Equal(t, http.StatusCreated, rec.Code)
	f.service.Wait()

	rec = f.do(t, http.MethodGet, "/api/overlay", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, -51.0, fc.Features[0].Properties["score"])

	rec = f.do(t, http.MethodGet, "/api/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report StoreIntegrityReport
	decodeBody(t, rec, &report)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Ways)
}

func ptr[T any](v T) *T { return &v }
