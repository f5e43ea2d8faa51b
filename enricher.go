package main

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// DefaultNearbyRadius is the search radius in meters used around a waypoint
const DefaultNearbyRadius = 30.0

// NearbyRoadEnricher looks up road segments around voted locations and
// caches them as way records for the score overlay.
type NearbyRoadEnricher struct {
	roads    RoadDataClient
	store    RecordStore
	perPage  int
	maxPages int
	logger   *slog.Logger
}

// EnricherOption configures a NearbyRoadEnricher
type EnricherOption func(*NearbyRoadEnricher)

// WithPaging sets the page size and page limit used when scanning way records
func WithPaging(perPage, maxPages int) EnricherOption {
	return func(e *NearbyRoadEnricher) {
		e.perPage = perPage
		e.maxPages = maxPages
	}
}

// NewNearbyRoadEnricher creates an enricher. store may be nil when only
// FetchNearby is used.
func NewNearbyRoadEnricher(roads RoadDataClient, store RecordStore, opts ...EnricherOption) *NearbyRoadEnricher {
	e := &NearbyRoadEnricher{
		roads:    roads,
		store:    store,
		perPage:  200,
		maxPages: 500,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchNearby returns the ways with geometry within radius of location.
// Elements that are not ways or lack geometry are skipped.
func (e *NearbyRoadEnricher) FetchNearby(ctx context.Context, location Point, radiusMeters float64) ([]WaySegment, error) {
	resp, err := e.roads.QueryNearby(ctx, location, radiusMeters)
	if err != nil {
		return nil, &EnrichmentFetchError{Location: location, Radius: radiusMeters, Err: err}
	}

	segments := make([]WaySegment, 0, len(resp.Elements))
	skipped := 0
	for _, el := range resp.Elements {
		if el.Type != "way" || len(el.Geometry) == 0 {
			skipped++
			continue
		}
		segments = append(segments, segmentFromElement(el))
	}

	e.logger.Debug("nearby roads fetched",
		"lat", location.Lat, "lng", location.Lng, "radius", radiusMeters,
		"ways", len(segments), "skipped", skipped)

	return segments, nil
}

func segmentFromElement(el RoadElement) WaySegment {
	seg := WaySegment{
		ID:       el.ID,
		Geometry: make([]Point, len(el.Geometry)),
		Tags:     el.Tags,
	}
	for i, ll := range el.Geometry {
		seg.Geometry[i] = Point{Lat: ll.Lat, Lng: ll.Lon}
	}

	if el.Bounds != nil {
		seg.Bounds = &orb.Bound{
			Min: orb.Point{el.Bounds.MinLon, el.Bounds.MinLat},
			Max: orb.Point{el.Bounds.MaxLon, el.Bounds.MaxLat},
		}
	} else {
		b := seg.LineString().Bound()
		seg.Bounds = &b
	}
	return seg
}

// PersistReport is the outcome of writing way records for one feature
type PersistReport struct {
	FeatureID string
	Written   int
	Failed    int
	Errors    []WayPersistError
}

// Err returns an *EnrichmentPersistError when any write failed
func (r *PersistReport) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return &EnrichmentPersistError{
		FeatureID: r.FeatureID,
		Written:   r.Written,
		Failed:    r.Failed,
		Errors:    r.Errors,
	}
}

// PersistWays writes one way record per segment linked to featureID. A
// failed write is counted and the loop continues; cancellation stops the
// loop and counts the remaining segments as failed.
func (e *NearbyRoadEnricher) PersistWays(ctx context.Context, featureID string, segments []WaySegment) *PersistReport {
	report := &PersistReport{FeatureID: featureID}
	logger := e.logger.With("feature_id", featureID)

	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			for _, rest := range segments[i:] {
				report.Failed++
				report.Errors = append(report.Errors, WayPersistError{WayID: rest.ID, Err: err})
			}
			WayPersistFailTotal.Add(float64(len(segments) - i))
			break
		}

		doc, err := toDocument(WayRecord{
			Type:       "way",
			Bounds:     seg.Bounds,
			Geometry:   seg.Geometry,
			Tags:       seg.Tags,
			FeaturesID: featureID,
		})
		if err == nil {
			delete(doc, "id")
			doc["wayId"] = seg.ID
			_, err = e.store.Create(ctx, CollectionWays, doc)
		}
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, WayPersistError{WayID: seg.ID, Err: err})
			WayPersistFailTotal.Inc()
			logger.Warn("failed to persist way", "way_id", seg.ID, "error", err)
			continue
		}

		report.Written++
		WaysPersistedTotal.Inc()
	}

	logger.Info("ways persisted", "written", report.Written, "failed", report.Failed)
	return report
}

// Enrich fetches the ways around location and caches them for featureID
func (e *NearbyRoadEnricher) Enrich(ctx context.Context, featureID string, location Point, radiusMeters float64) (*PersistReport, error) {
	segments, err := e.FetchNearby(ctx, location, radiusMeters)
	if err != nil {
		return nil, err
	}
	report := e.PersistWays(ctx, featureID, segments)
	return report, report.Err()
}

// Overlay builds a FeatureCollection of every cached way coloured by the
// score of the feature it was discovered for.
func (e *NearbyRoadEnricher) Overlay(ctx context.Context) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	scores := make(map[string]float64)

	it := NewPageIterator(e.store, CollectionWays, nil, e.perPage, e.maxPages)
	for it.Next(ctx) {
		for _, doc := range it.Items() {
			way, err := decodeWay(doc)
			if err != nil {
				e.logger.Warn("skipping malformed way record", "error", err)
				continue
			}

			score, ok := scores[way.FeaturesID]
			if !ok {
				score, err = e.featureScore(ctx, way.FeaturesID)
				if err != nil {
					return nil, err
				}
				scores[way.FeaturesID] = score
			}

			fc.Append(wayFeature(way, score))
		}
	}

	if err := it.Err(); err != nil {
		if errors.Is(err, ErrPageLimit) {
			e.logger.Warn("way scan stopped at page limit", "pages", it.Page())
			return fc, nil
		}
		return nil, fmt.Errorf("scan ways: %w", err)
	}

	return fc, nil
}

// featureScore resolves feature -> properties -> score, defaulting to 0
func (e *NearbyRoadEnricher) featureScore(ctx context.Context, featureID string) (float64, error) {
	if featureID == "" {
		return 0, nil
	}

	doc, err := e.store.GetOne(ctx, CollectionFeatures, featureID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load feature %s: %w", featureID, err)
	}
	feature, err := decodeFeature(doc)
	if err != nil {
		return 0, nil
	}

	doc, err = e.store.GetOne(ctx, CollectionProperties, feature.Properties)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load properties %s: %w", feature.Properties, err)
	}
	props, err := decodeProperties(doc)
	if err != nil {
		return 0, nil
	}
	return props.Score, nil
}

func wayFeature(way *WayRecord, score float64) *geojson.Feature {
	ls := make(orb.LineString, len(way.Geometry))
	for i, p := range way.Geometry {
		ls[i] = p.Orb()
	}

	f := geojson.NewFeature(ls)
	f.ID = way.ID
	f.Properties["featureId"] = way.FeaturesID
	f.Properties["score"] = score
	f.Properties["color"] = ColorHex(ScoreColor(score))
	for k, v := range way.Tags {
		f.Properties["tag:"+k] = v
	}
	return f
}

// SegmentFeatures renders fetched segments coloured by one score
func SegmentFeatures(segments []WaySegment, score float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	hex := ColorHex(ScoreColor(score))
	for _, seg := range segments {
		f := geojson.NewFeature(seg.LineString())
		f.ID = seg.ID
		f.Properties["score"] = score
		f.Properties["color"] = hex
		for k, v := range seg.Tags {
			f.Properties["tag:"+k] = v
		}
		fc.Append(f)
	}
	return fc
}

// ScoreColor maps a score in [-255, 255] linearly from red to green
func ScoreColor(score float64) color.RGBA {
	normalized := (clampScore(score) - MinScore) / (MaxScore - MinScore)
	return color.RGBA{
		R: uint8(math.Round(255 * (1 - normalized))),
		G: uint8(math.Round(255 * normalized)),
		B: 0,
		A: 255,
	}
}

// ColorHex formats a colour as #rrggbb
func ColorHex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
