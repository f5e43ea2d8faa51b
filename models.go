package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// Record store collection names
const (
	CollectionGeometries = "geometries"
	CollectionProperties = "properties"
	CollectionFeatures   = "features"
	CollectionWays       = "ways"
)

// Point is an immutable geographic coordinate
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Orb returns the point in orb's (lng, lat) order
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// PointFromOrb converts an orb point back to a Point
func PointFromOrb(p orb.Point) Point {
	return Point{Lat: p.Lat(), Lng: p.Lon()}
}

// Snap rounds the point to the given number of decimal places.
// A negative precision leaves the point untouched (exact matching).
func (p Point) Snap(precision int) Point {
	if precision < 0 {
		return p
	}
	scale := math.Pow(10, float64(precision))
	return Point{
		Lat: math.Round(p.Lat*scale) / scale,
		Lng: math.Round(p.Lng*scale) / scale,
	}
}

// Validate reports a latitude outside [-90, 90] or longitude outside [-180, 180]
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("coordinate %s out of range", p)
	}
	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("(%g, %g)", p.Lat, p.Lng)
}

// VoteDirection is the direction of a single safety vote
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// ParseVoteDirection accepts "up"/"down" and a few common aliases
func ParseVoteDirection(s string) (VoteDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "upvote", "safe", "+", "+1":
		return VoteUp, nil
	case "down", "downvote", "unsafe", "-", "-1":
		return VoteDown, nil
	}
	return "", fmt.Errorf("invalid vote direction: %q", s)
}

// GeometryRecord is the persisted form of a voted location
type GeometryRecord struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Type      string  `json:"type"`
}

// Point returns the record location
func (g *GeometryRecord) Point() Point {
	return Point{Lat: g.Latitude, Lng: g.Longitude}
}

// PropertiesRecord holds the aggregate score for one location
type PropertiesRecord struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// FeatureRecord links a geometry to its properties
type FeatureRecord struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Geometry   string `json:"geometry"`
	Properties string `json:"properties"`
}

// WayRecord caches a nearby road segment for rendering
type WayRecord struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Bounds     *orb.Bound        `json:"bounds,omitempty"`
	Geometry   []Point           `json:"geometry"`
	Tags       map[string]string `json:"tags,omitempty"`
	FeaturesID string            `json:"featuresId"`
}

// WaySegment is a road segment returned by the road-data service
type WaySegment struct {
	ID       int64             `json:"id"`
	Geometry []Point           `json:"geometry"`
	Tags     map[string]string `json:"tags,omitempty"`
	Bounds   *orb.Bound        `json:"bounds,omitempty"`
}

// LineString returns the segment geometry as an orb line string
func (w WaySegment) LineString() orb.LineString {
	ls := make(orb.LineString, len(w.Geometry))
	for i, p := range w.Geometry {
		ls[i] = p.Orb()
	}
	return ls
}

// VoteResult is the outcome of applying a single vote
type VoteResult struct {
	Location     Point         `json:"location"`
	Vote         VoteDirection `json:"vote"`
	Score        float64       `json:"score"`
	Created      bool          `json:"created"`
	GeometryID   string        `json:"geometryId"`
	PropertiesID string        `json:"propertiesId"`
	FeatureID    string        `json:"featureId"`
}
