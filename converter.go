package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// LoadRoute reads a route polyline from a GeoJSON, KML or KMZ file
func LoadRoute(path string) ([]Point, error) {
	logger := slog.With("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file: %w", err)
	}

	var points []Point
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kml":
		points, err = ParseRouteKML(data)
	case ".kmz":
		points, err = parseRouteKMZ(data)
	case ".geojson", ".json":
		points, err = ParseRouteGeoJSON(data)
	default:
		return nil, fmt.Errorf("unsupported route file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	logger.Debug("route loaded", "points", len(points))
	return points, nil
}

// ParseRouteGeoJSON reads a polyline from a bare LineString geometry, a
// Feature, or the first line feature of a FeatureCollection. A
// MultiLineString is flattened in order.
func ParseRouteGeoJSON(data []byte) ([]Point, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
	}

	var geom orb.Geometry
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
		}
		for _, f := range fc.Features {
			switch f.Geometry.(type) {
			case orb.LineString, orb.MultiLineString:
				geom = f.Geometry
			}
			if geom != nil {
				break
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
		}
		geom = f.Geometry
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
		}
		geom = g.Geometry()
	}

	return pointsFromGeometry(geom)
}

func pointsFromGeometry(geom orb.Geometry) ([]Point, error) {
	var points []Point
	switch g := geom.(type) {
	case orb.LineString:
		for _, p := range g {
			points = append(points, PointFromOrb(p))
		}
	case orb.MultiLineString:
		for _, ls := range g {
			for _, p := range ls {
				points = append(points, PointFromOrb(p))
			}
		}
	case nil:
		return nil, fmt.Errorf("no LineString found in GeoJSON")
	default:
		return nil, fmt.Errorf("unsupported route geometry %s", geom.GeoJSONType())
	}
	return points, nil
}

// ParseRouteKML reads every LineString in the document, in order, into one
// polyline.
func ParseRouteKML(data []byte) ([]Point, error) {
	// Match on local names so files with and without the KML namespace parse
	var doc struct {
		LineStrings []struct {
			Coordinates string `xml:"coordinates"`
		} `xml:"Document>Placemark>LineString"`
		FolderLineStrings []struct {
			Coordinates string `xml:"coordinates"`
		} `xml:"Document>Folder>Placemark>LineString"`
	}
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse KML: %w", err)
	}

	var points []Point
	add := func(coords string) {
		for _, c := range parseKMLCoordinates(coords) {
			points = append(points, Point{Lat: c[1], Lng: c[0]})
		}
	}
	for _, ls := range doc.LineStrings {
		add(ls.Coordinates)
	}
	for _, ls := range doc.FolderLineStrings {
		add(ls.Coordinates)
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("no LineString coordinates found in KML")
	}
	return points, nil
}

// parseRouteKMZ reads the first .kml entry (doc.kml preferred) of a KMZ archive
func parseRouteKMZ(data []byte) ([]Point, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open KMZ file: %w", err)
	}

	var kmlFile *zip.File
	for _, file := range reader.File {
		if !strings.EqualFold(filepath.Ext(file.Name), ".kml") {
			continue
		}
		if kmlFile == nil || strings.EqualFold(filepath.Base(file.Name), "doc.kml") {
			kmlFile = file
		}
	}
	if kmlFile == nil {
		return nil, fmt.Errorf("no KML file found in KMZ archive")
	}

	rc, err := kmlFile.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", kmlFile.Name, err)
	}
	defer rc.Close()

	kml, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to extract %s: %w", kmlFile.Name, err)
	}
	return ParseRouteKML(kml)
}

// ParseRouteCoordinates parses "lat,lng;lat,lng;..." as given on the command line
func ParseRouteCoordinates(s string) ([]Point, error) {
	var points []Point
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		p, err := ParsePoint(pair)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// ParsePoint parses "lat,lng"
func ParsePoint(s string) (Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("invalid coordinate %q, expected lat,lng", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid latitude in %q: %w", s, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid longitude in %q: %w", s, err)
	}
	p := Point{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// parseKMLCoordinates parses KML coordinate string into [[lng, lat], ...] format
// KML format: "lng,lat,elev lng,lat,elev ..." (space-separated, comma-separated inner)
func parseKMLCoordinates(coordString string) [][]float64 {
	var coordinates [][]float64

	for _, part := range strings.Fields(coordString) {
		// Split by comma to get lng,lat[,elev]
		values := strings.Split(part, ",")
		if len(values) < 2 {
			continue
		}

		lng, err1 := strconv.ParseFloat(values[0], 64)
		lat, err2 := strconv.ParseFloat(values[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}

		coordinates = append(coordinates, []float64{lng, lat})
	}

	return coordinates
}
