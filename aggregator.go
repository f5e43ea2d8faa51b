package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ScoreAggregator applies safety votes to per-location score records.
//
// A location is stored as three records: a geometry, a properties record
// holding the score and a feature linking the two. Lookups and updates are
// not atomic; two concurrent first votes on the same location can both
// create a geometry.
type ScoreAggregator struct {
	store     RecordStore
	precision int
	logger    *slog.Logger
}

// AggregatorOption configures a ScoreAggregator
type AggregatorOption func(*ScoreAggregator)

// WithCoordinatePrecision snaps vote locations to the given number of
// decimal places before matching. Negative means exact matching.
func WithCoordinatePrecision(precision int) AggregatorOption {
	return func(a *ScoreAggregator) {
		a.precision = precision
	}
}

// NewScoreAggregator creates an aggregator backed by store
func NewScoreAggregator(store RecordStore, opts ...AggregatorOption) *ScoreAggregator {
	a := &ScoreAggregator{
		store:     store,
		precision: -1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplyVote records one vote at location and returns the new score.
// Result.Created is set when the vote created the location; enrichment of
// new locations is left to the caller.
func (a *ScoreAggregator) ApplyVote(ctx context.Context, location Point, vote VoteDirection) (*VoteResult, error) {
	if vote != VoteUp && vote != VoteDown {
		return nil, fmt.Errorf("invalid vote direction: %q", vote)
	}

	location = location.Snap(a.precision)
	logger := a.logger.With("lat", location.Lat, "lng", location.Lng, "vote", vote)

	geom, err := a.findGeometry(ctx, location)
	if err != nil {
		return nil, err
	}

	if geom == nil {
		result, err := a.createLocation(ctx, location, vote)
		if err != nil {
			var partial *PartialCreateError
			if errors.As(err, &partial) {
				PartialCreatesTotal.WithLabelValues(partial.Step).Inc()
			}
			logger.Error("failed to create location", "error", err)
			return nil, err
		}
		VotesTotal.WithLabelValues(string(vote)).Inc()
		LocationsCreatedTotal.Inc()
		logger.Info("location created", "feature_id", result.FeatureID, "score", result.Score)
		return result, nil
	}

	feature, err := a.findFeature(ctx, geom.ID)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		LookupInconsistenciesTotal.Inc()
		logger.Warn("geometry without feature, vote dropped", "geometry_id", geom.ID)
		return nil, &LookupInconsistencyError{Location: location, GeometryID: geom.ID}
	}

	doc, err := a.store.GetOne(ctx, CollectionProperties, feature.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to load properties %s: %w", feature.Properties, err)
	}
	props, err := decodeProperties(doc)
	if err != nil {
		return nil, err
	}

	score := NextScore(props.Score, vote)
	if _, err := a.store.Update(ctx, CollectionProperties, props.ID, Document{"score": score}); err != nil {
		return nil, fmt.Errorf("failed to update score of %s: %w", props.ID, err)
	}

	VotesTotal.WithLabelValues(string(vote)).Inc()
	logger.Debug("score updated", "feature_id", feature.ID, "from", props.Score, "to", score)

	return &VoteResult{
		Location:     location,
		Vote:         vote,
		Score:        score,
		GeometryID:   geom.ID,
		PropertiesID: props.ID,
		FeatureID:    feature.ID,
	}, nil
}

// CurrentScore returns the stored score at location and whether one exists
func (a *ScoreAggregator) CurrentScore(ctx context.Context, location Point) (float64, bool, error) {
	location = location.Snap(a.precision)

	geom, err := a.findGeometry(ctx, location)
	if err != nil || geom == nil {
		return 0, false, err
	}
	feature, err := a.findFeature(ctx, geom.ID)
	if err != nil || feature == nil {
		return 0, false, err
	}
	doc, err := a.store.GetOne(ctx, CollectionProperties, feature.Properties)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load properties %s: %w", feature.Properties, err)
	}
	props, err := decodeProperties(doc)
	if err != nil {
		return 0, false, err
	}
	return props.Score, true, nil
}

func (a *ScoreAggregator) findGeometry(ctx context.Context, location Point) (*GeometryRecord, error) {
	filter := Eq("latitude", location.Lat).And("longitude", location.Lng)
	res, err := a.store.List(ctx, CollectionGeometries, filter, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to look up geometry at %s: %w", location, err)
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	if res.TotalItems > 1 {
		a.logger.Debug("duplicate geometries at location", "lat", location.Lat, "lng", location.Lng, "count", res.TotalItems)
	}
	return decodeGeometry(res.Items[0])
}

func (a *ScoreAggregator) findFeature(ctx context.Context, geometryID string) (*FeatureRecord, error) {
	res, err := a.store.List(ctx, CollectionFeatures, Eq("geometry", geometryID), 1, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to look up feature of geometry %s: %w", geometryID, err)
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	return decodeFeature(res.Items[0])
}

// createLocation creates the geometry, properties and feature records of a
// new location in that order. There is no rollback; a failure reports the
// records that were already created.
func (a *ScoreAggregator) createLocation(ctx context.Context, location Point, vote VoteDirection) (*VoteResult, error) {
	score := InitialScore(vote)
	perr := &PartialCreateError{Location: location}

	geomDoc, err := a.store.Create(ctx, CollectionGeometries, Document{
		"latitude":  location.Lat,
		"longitude": location.Lng,
		"type":      "Point",
	})
	if err != nil {
		perr.Step, perr.Err = StepGeometry, err
		return nil, perr
	}
	perr.GeometryID = geomDoc.ID()

	propsDoc, err := a.store.Create(ctx, CollectionProperties, Document{
		"name":  fmt.Sprintf("%.6f,%.6f", location.Lat, location.Lng),
		"score": score,
	})
	if err != nil {
		perr.Step, perr.Err = StepProperties, err
		return nil, perr
	}
	perr.PropertiesID = propsDoc.ID()

	featureDoc, err := a.store.Create(ctx, CollectionFeatures, Document{
		"type":       "Feature",
		"geometry":   perr.GeometryID,
		"properties": perr.PropertiesID,
	})
	if err != nil {
		perr.Step, perr.Err = StepFeature, err
		return nil, perr
	}

	return &VoteResult{
		Location:     location,
		Vote:         vote,
		Score:        score,
		Created:      true,
		GeometryID:   perr.GeometryID,
		PropertiesID: perr.PropertiesID,
		FeatureID:    featureDoc.ID(),
	}, nil
}
