// Package geo provides the great-circle math and grid spatial key used by the
// thing store. Distances are computed on a spherical earth with the haversine
// formula; the same function is used for radius filtering and for the distance
// reported to callers.
package geo

import (
	"errors"
	"math"
)

// EarthRadius is the IUGG mean earth radius in meters.
const EarthRadius = 6371008.8

// CellDegrees is the edge length of one grid cell in degrees (~1.1 km of latitude).
const CellDegrees = 0.01

// boxPadding widens covering boxes slightly so rounding never excludes a point
// sitting exactly on the radius. Exact filtering happens afterwards.
const boxPadding = 1e-7

var (
	ErrLatitude  = errors.New("latitude must be between -90 and 90")
	ErrLongitude = errors.New("longitude must be between -180 and 180")
)

// Point is a WGS 84 coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Validate reports whether the point lies in the valid coordinate range.
// NaN and infinities are rejected.
func (p Point) Validate() error {
	if !(p.Lat >= -90 && p.Lat <= 90) {
		return ErrLatitude
	}
	if !(p.Lng >= -180 && p.Lng <= 180) {
		return ErrLongitude
	}
	return nil
}

// Distance returns the haversine great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lng - a.Lng)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadius * math.Asin(math.Sqrt(h))
}

// Cell is the grid spatial key of a point: the row (latitude) and column
// (longitude) of the CellDegrees grid the point falls into.
type Cell struct {
	Y int64
	X int64
}

// CellOf returns the grid cell containing p.
func CellOf(p Point) Cell {
	return Cell{Y: cellIndex(p.Lat), X: cellIndex(p.Lng)}
}

func cellIndex(deg float64) int64 {
	return int64(math.Floor(deg / CellDegrees))
}

// Bounds is a latitude/longitude box that does not cross the antimeridian.
type Bounds struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

// CellRange is an inclusive rectangle of grid cells.
type CellRange struct {
	MinY, MaxY int64
	MinX, MaxX int64
}

// Cells returns the inclusive cell rectangle covering b.
func (b Bounds) Cells() CellRange {
	return CellRange{
		MinY: cellIndex(b.MinLat),
		MaxY: cellIndex(b.MaxLat),
		MinX: cellIndex(b.MinLng),
		MaxX: cellIndex(b.MaxLng),
	}
}

// Contains reports whether c lies inside the range.
func (r CellRange) Contains(c Cell) bool {
	return c.Y >= r.MinY && c.Y <= r.MaxY && c.X >= r.MinX && c.X <= r.MaxX
}

// CoveringBounds returns boxes that together contain every point within
// radiusMeters of center. A circle crossing the antimeridian yields two boxes;
// a circle reaching a pole covers all longitudes.
func CoveringBounds(center Point, radiusMeters float64) []Bounds {
	d := radiusMeters / EarthRadius
	if d >= math.Pi {
		return []Bounds{{MinLat: -90, MinLng: -180, MaxLat: 90, MaxLng: 180}}
	}

	dLat := degrees(d) + boxPadding
	minLat := center.Lat - dLat
	maxLat := center.Lat + dLat

	if minLat <= -90 || maxLat >= 90 {
		return []Bounds{{
			MinLat: math.Max(minLat, -90),
			MinLng: -180,
			MaxLat: math.Min(maxLat, 90),
			MaxLng: 180,
		}}
	}

	dLng := degrees(math.Asin(math.Min(1, math.Sin(d)/math.Cos(radians(center.Lat))))) + boxPadding
	minLng := center.Lng - dLng
	maxLng := center.Lng + dLng

	switch {
	case minLng < -180 && maxLng > 180, dLng >= 180:
		return []Bounds{{MinLat: minLat, MinLng: -180, MaxLat: maxLat, MaxLng: 180}}
	case minLng < -180:
		return []Bounds{
			{MinLat: minLat, MinLng: minLng + 360, MaxLat: maxLat, MaxLng: 180},
			{MinLat: minLat, MinLng: -180, MaxLat: maxLat, MaxLng: maxLng},
		}
	case maxLng > 180:
		return []Bounds{
			{MinLat: minLat, MinLng: minLng, MaxLat: maxLat, MaxLng: 180},
			{MinLat: minLat, MinLng: -180, MaxLat: maxLat, MaxLng: maxLng - 360},
		}
	}
	return []Bounds{{MinLat: minLat, MinLng: minLng, MaxLat: maxLat, MaxLng: maxLng}}
}

// CoveringCells returns the cell rectangles of CoveringBounds.
func CoveringCells(center Point, radiusMeters float64) []CellRange {
	bounds := CoveringBounds(center, radiusMeters)
	ranges := make([]CellRange, len(bounds))
	for i, b := range bounds {
		ranges[i] = b.Cells()
	}
	return ranges
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
