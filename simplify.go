package main

import (
	"fmt"
	"math"
	"net/url"

	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

const (
	// DefaultDistanceThreshold is the minimum distance in meters between waypoints
	DefaultDistanceThreshold = 50.0
	// DefaultAngleThreshold is the minimum turn angle in degrees for a waypoint
	DefaultAngleThreshold = 30.0
	// ReversalTolerance is how close to 180 degrees a turn may come before it
	// counts as doubling back along the same line rather than turning
	ReversalTolerance = 1.0

	streetViewBaseURL = "https://maps.googleapis.com/maps/api/streetview"
)

// SimplifyRoute reduces a routed polyline to its significant turn points.
// The first and last points are always kept. Every interior point is compared
// against the last accepted point and the next raw point of the input, and is
// kept only when it is farther than distanceThreshold meters from the last
// accepted point and turns by at least angleThreshold degrees. A turn within
// ReversalTolerance of 180 degrees is collinear and never kept.
func SimplifyRoute(polyline []Point, distanceThreshold, angleThreshold float64) []Point {
	if len(polyline) < 2 {
		out := make([]Point, len(polyline))
		copy(out, polyline)
		return out
	}

	out := make([]Point, 0, len(polyline))
	out = append(out, polyline[0])
	prev := polyline[0]

	for i := 1; i < len(polyline)-1; i++ {
		c := polyline[i]
		next := polyline[i+1]

		if isTurnPoint(prev, c, next, distanceThreshold, angleThreshold) {
			out = append(out, c)
			prev = c
		}
	}

	return append(out, polyline[len(polyline)-1])
}

// isTurnPoint applies the waypoint acceptance test to c
func isTurnPoint(prev, c, next Point, distanceThreshold, angleThreshold float64) bool {
	distance := greatCircleDistance(prev, c)
	if distance <= distanceThreshold {
		return false
	}
	angle := turnAngle(prev, c, next)
	return angle >= angleThreshold && 180-angle > ReversalTolerance
}

// greatCircleDistance returns the haversine distance between two points in meters
func greatCircleDistance(a, b Point) float64 {
	return geo.DistanceHaversine(a.Orb(), b.Orb())
}

// turnAngle returns the angle in degrees between the vectors prev->c and c->next.
// The vectors are planar (lng, lat) deltas. A zero-length segment has no
// direction and yields 0, so the point is never treated as a turn.
func turnAngle(prev, c, next Point) float64 {
	ax, ay := c.Lng-prev.Lng, c.Lat-prev.Lat
	bx, by := next.Lng-c.Lng, next.Lat-c.Lat

	magA := math.Hypot(ax, ay)
	magB := math.Hypot(bx, by)
	if magA == 0 || magB == 0 {
		return 0
	}

	cos := (ax*bx + ay*by) / (magA * magB)
	// rounding can push |cos| slightly above 1
	cos = math.Max(-1, math.Min(1, cos))

	return math.Acos(cos) * 180 / math.Pi
}

// WaypointOptions controls the properties attached to waypoint features
type WaypointOptions struct {
	StreetViewKey string
}

// WaypointFeatures converts waypoints into an ordered point FeatureCollection.
// Feature order is the voting order.
func WaypointFeatures(points []Point, opts WaypointOptions) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for i, p := range points {
		f := geojson.NewFeature(p.Orb())
		f.Properties["index"] = i

		heading := waypointHeading(points, i)
		f.Properties["bearing"] = heading

		if opts.StreetViewKey != "" {
			f.Properties["streetViewUrl"] = StreetViewURL(p, heading, opts.StreetViewKey)
		}

		fc.Append(f)
	}

	return fc
}

// waypointHeading is the bearing from point i towards the next waypoint, or
// from the previous waypoint for the last one
func waypointHeading(points []Point, i int) float64 {
	var from, to Point
	switch {
	case i+1 < len(points):
		from, to = points[i], points[i+1]
	case i > 0:
		from, to = points[i-1], points[i]
	default:
		return 0
	}

	bearing := geo.Bearing(from.Orb(), to.Orb())
	if bearing < 0 {
		bearing += 360
	}
	return bearing
}

// StreetViewURL builds a Street View static image URL looking along heading
func StreetViewURL(p Point, heading float64, key string) string {
	q := url.Values{}
	q.Set("size", "640x480")
	q.Set("location", fmt.Sprintf("%f,%f", p.Lat, p.Lng))
	q.Set("heading", fmt.Sprintf("%.0f", heading))
	q.Set("pitch", "0")
	q.Set("key", key)
	return streetViewBaseURL + "?" + q.Encode()
}
