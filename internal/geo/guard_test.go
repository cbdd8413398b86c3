package geo

import (
	"math"
	"testing"
)

var squareFence = []Point{
	{Lat: 40.7500, Lng: -73.9900},
	{Lat: 40.7500, Lng: -73.9800},
	{Lat: 40.7400, Lng: -73.9800},
	{Lat: 40.7400, Lng: -73.9900},
}

// offsetNorth moves a point north by the given number of meters.
func offsetNorth(p Point, meters float64) Point {
	return Point{Lat: p.Lat + (meters/EarthRadiusMeters)*180/math.Pi, Lng: p.Lng}
}

func TestPointInPolygon_CentroidIsInside(t *testing.T) {
	if !PointInPolygon(Centroid(squareFence), squareFence) {
		t.Fatal("expected centroid to be inside the polygon")
	}
}

func TestPointInPolygon_OutsidePoints(t *testing.T) {
	tests := []struct {
		name  string
		point Point
	}{
		{name: "north of fence", point: Point{Lat: 40.7600, Lng: -73.9850}},
		{name: "east of fence", point: Point{Lat: 40.7450, Lng: -73.9700}},
		{name: "far away", point: Point{Lat: 51.5072, Lng: -0.1276}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if PointInPolygon(tt.point, squareFence) {
				t.Fatalf("expected %+v to be outside", tt.point)
			}
		})
	}
}

func TestPointInPolygon_ConcaveShape(t *testing.T) {
	// U shape opening north; the notch between the arms is outside.
	u := []Point{
		{Lat: 0, Lng: 0}, {Lat: 0, Lng: 3}, {Lat: 3, Lng: 3}, {Lat: 3, Lng: 2},
		{Lat: 1, Lng: 2}, {Lat: 1, Lng: 1}, {Lat: 3, Lng: 1}, {Lat: 3, Lng: 0},
	}

	if !PointInPolygon(Point{Lat: 2, Lng: 0.5}, u) {
		t.Fatal("expected left arm to be inside")
	}
	if PointInPolygon(Point{Lat: 2, Lng: 1.5}, u) {
		t.Fatal("expected notch to be outside")
	}
}

func TestPointInPolygon_TooFewVertices(t *testing.T) {
	if PointInPolygon(Point{}, squareFence[:2]) {
		t.Fatal("expected degenerate polygon to contain nothing")
	}
}

func TestWithinRadius_CenterIsInside(t *testing.T) {
	center := Point{Lat: 37.7749, Lng: -122.4194}
	ok, distance := WithinRadius(center, center, 100)
	if !ok {
		t.Fatal("expected center to be inside its own fence")
	}
	if distance != 0 {
		t.Fatalf("expected zero distance, got %f", distance)
	}
}

func TestWithinRadius_TenKilometresOutside(t *testing.T) {
	center := Point{Lat: 37.7749, Lng: -122.4194}
	far := offsetNorth(center, 10000)

	ok, distance := WithinRadius(far, center, 100)
	if ok {
		t.Fatal("expected point 10km away to be outside a 100m fence")
	}
	if math.Abs(distance-10000) > 1 {
		t.Fatalf("expected ~10000m, got %f", distance)
	}
}

func TestWithinRadius_EightyMetresFromFiftyMetreFence(t *testing.T) {
	center := Point{Lat: -33.8688, Lng: 151.2093}
	point := offsetNorth(center, 80)

	ok, distance := WithinRadius(point, center, 50)
	if ok {
		t.Fatal("expected point 80m away to be outside a 50m fence")
	}
	if math.Round(distance) != 80 {
		t.Fatalf("expected rounded distance 80, got %f", distance)
	}
}

func TestHaversineMeters_KnownDistance(t *testing.T) {
	paris := Point{Lat: 48.8566, Lng: 2.3522}
	london := Point{Lat: 51.5074, Lng: -0.1278}

	got := HaversineMeters(paris, london)
	if got < 343000 || got > 344500 {
		t.Fatalf("expected ~343.5km, got %f", got)
	}
	if back := HaversineMeters(london, paris); math.Abs(back-got) > 1e-6 {
		t.Fatalf("expected symmetric distance, got %f and %f", got, back)
	}
}

func TestPointValidate(t *testing.T) {
	tests := []struct {
		point   Point
		wantErr bool
	}{
		{point: Point{Lat: 0, Lng: 0}},
		{point: Point{Lat: 90, Lng: 180}},
		{point: Point{Lat: -90.01, Lng: 0}, wantErr: true},
		{point: Point{Lat: 0, Lng: 180.5}, wantErr: true},
		{point: Point{Lat: math.NaN(), Lng: 0}, wantErr: true},
	}

	for _, tt := range tests {
		err := tt.point.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("Validate(%+v) error = %v, wantErr %t", tt.point, err, tt.wantErr)
		}
	}
}
