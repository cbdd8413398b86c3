// Package geo holds the geometric predicates used to gate escrow release on
// physical presence. All functions are pure and never touch I/O.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether the point lies in [-90,90]x[-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return fmt.Errorf("coordinate is not a number")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %f out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %f out of range", p.Lng)
	}
	return nil
}

// PointInPolygon reports whether point lies inside the polygon described by
// vertices, using ray casting over lat/lng as planar coordinates.
// Points exactly on an edge may resolve either way. The polygon must have at
// least three vertices and must not self-intersect.
func PointInPolygon(point Point, vertices []Point) bool {
	if len(vertices) < 3 {
		return false
	}

	x, y := point.Lat, point.Lng
	inside := false
	for i, j := 0, len(vertices)-1; i < len(vertices); j, i = i, i+1 {
		xi, yi := vertices[i].Lat, vertices[i].Lng
		xj, yj := vertices[j].Lat, vertices[j].Lng

		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// HaversineMeters returns the great-circle distance between a and b.
func HaversineMeters(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinRadius reports whether point is at most radiusMeters from center.
// The measured distance is returned so callers can report it on denial.
func WithinRadius(point, center Point, radiusMeters float64) (bool, float64) {
	distance := HaversineMeters(point, center)
	return distance <= radiusMeters, distance
}

// Centroid returns the arithmetic mean of the vertices. It is only meaningful
// for convex polygons and is used to describe a fence in audit metadata.
func Centroid(vertices []Point) Point {
	if len(vertices) == 0 {
		return Point{}
	}
	var sumLat, sumLng float64
	for _, v := range vertices {
		sumLat += v.Lat
		sumLng += v.Lng
	}
	n := float64(len(vertices))
	return Point{Lat: sumLat / n, Lng: sumLng / n}
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
