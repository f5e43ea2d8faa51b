package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

// DuplicateLocation is a location stored by more than one geometry record
type DuplicateLocation struct {
	Location    Point
	GeometryIDs []string
}

// StoreIntegrityReport is the result of checking the vote records for
// duplicates and broken links
type StoreIntegrityReport struct {
	OK                 bool
	Geometries         int
	Features           int
	Ways               int
	DuplicateLocations []DuplicateLocation
	OrphanGeometries   []string // geometries without a feature
	DanglingFeatures   []string // features whose properties record is missing
	OrphanWays         []string // ways whose feature is missing
}

// Print logs the report details
func (r *StoreIntegrityReport) Print() {
	logger := slog.With("geometries", r.Geometries, "features", r.Features, "ways", r.Ways)

	if r.OK {
		logger.Info("store integrity check PASSED")
	} else {
		logger.Error("store integrity check FAILED",
			"duplicate_locations", len(r.DuplicateLocations),
			"orphan_geometries", len(r.OrphanGeometries),
			"dangling_features", len(r.DanglingFeatures),
			"orphan_ways", len(r.OrphanWays),
		)
	}

	show := r.DuplicateLocations
	if len(show) > 20 {
		show = show[:20]
	}
	for _, d := range show {
		slog.Warn("duplicate geometry", "lat", d.Location.Lat, "lng", d.Location.Lng, "ids", d.GeometryIDs)
	}
	if len(r.DuplicateLocations) > 20 {
		slog.Warn("... and more duplicate locations", "total", len(r.DuplicateLocations))
	}
	for _, id := range r.OrphanGeometries {
		slog.Warn("geometry without feature", "geometry_id", id)
	}
	for _, id := range r.DanglingFeatures {
		slog.Warn("feature without properties", "feature_id", id)
	}
	if len(r.OrphanWays) > 0 {
		slog.Warn("ways without feature", "count", len(r.OrphanWays))
	}
}

// VerifyStore scans every geometry, feature and way record and reports
// duplicated locations and broken references.
func VerifyStore(ctx context.Context, store RecordStore, perPage, maxPages int) (*StoreIntegrityReport, error) {
	report := &StoreIntegrityReport{}

	byLocation := make(map[Point][]string)
	var geometryIDs []string
	err := scanCollection(ctx, store, CollectionGeometries, perPage, maxPages, func(doc Document) error {
		geom, err := decodeGeometry(doc)
		if err != nil {
			slog.Warn("skipping malformed geometry", "error", err)
			return nil
		}
		report.Geometries++
		geometryIDs = append(geometryIDs, geom.ID)
		byLocation[geom.Point()] = append(byLocation[geom.Point()], geom.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for loc, ids := range byLocation {
		if len(ids) > 1 {
			report.DuplicateLocations = append(report.DuplicateLocations, DuplicateLocation{Location: loc, GeometryIDs: ids})
		}
	}
	sort.Slice(report.DuplicateLocations, func(i, j int) bool {
		a, b := report.DuplicateLocations[i].Location, report.DuplicateLocations[j].Location
		if a.Lat != b.Lat {
			return a.Lat < b.Lat
		}
		return a.Lng < b.Lng
	})

	linked := make(map[string]bool)
	features := make(map[string]bool)
	err = scanCollection(ctx, store, CollectionFeatures, perPage, maxPages, func(doc Document) error {
		feature, err := decodeFeature(doc)
		if err != nil {
			slog.Warn("skipping malformed feature", "error", err)
			return nil
		}
		report.Features++
		features[feature.ID] = true
		linked[feature.Geometry] = true

		_, err = store.GetOne(ctx, CollectionProperties, feature.Properties)
		switch {
		case errors.Is(err, ErrNotFound):
			report.DanglingFeatures = append(report.DanglingFeatures, feature.ID)
		case err != nil:
			return fmt.Errorf("load properties %s of feature %s: %w", feature.Properties, feature.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range geometryIDs {
		if !linked[id] {
			report.OrphanGeometries = append(report.OrphanGeometries, id)
		}
	}

	err = scanCollection(ctx, store, CollectionWays, perPage, maxPages, func(doc Document) error {
		way, err := decodeWay(doc)
		if err != nil {
			slog.Warn("skipping malformed way", "error", err)
			return nil
		}
		report.Ways++
		if !features[way.FeaturesID] {
			report.OrphanWays = append(report.OrphanWays, way.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.OK = len(report.DuplicateLocations) == 0 &&
		len(report.OrphanGeometries) == 0 &&
		len(report.DanglingFeatures) == 0 &&
		len(report.OrphanWays) == 0

	return report, nil
}

func scanCollection(ctx context.Context, store RecordStore, collection string, perPage, maxPages int, fn func(Document) error) error {
	it := NewPageIterator(store, collection, nil, perPage, maxPages)
	for it.Next(ctx) {
		for _, doc := range it.Items() {
			if err := fn(doc); err != nil {
				return fmt.Errorf("scan %s: %w", collection, err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", collection, err)
	}
	return nil
}
