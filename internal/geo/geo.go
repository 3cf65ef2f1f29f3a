package geo

import (
	"errors"
	"math"
)

const EarthRadius float64 = 6371000

var ErrInvalidInput = errors.New("invalid coordinate")

type Coordinate struct {
	Latitude  float64
	Longitude float64
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ValidCoordinate reports whether c is a finite latitude in [-90,90] and
// longitude in [-180,180].
func ValidCoordinate(c Coordinate) bool {
	if !finite(c.Latitude) || !finite(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

func rad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the haversine distance between a and b in meters on a
// spherical earth.
func Distance(a, b Coordinate) (float64, error) {
	if !ValidCoordinate(a) || !ValidCoordinate(b) {
		return 0, ErrInvalidInput
	}
	dlat := rad(b.Latitude - a.Latitude)
	dlon := rad(b.Longitude - a.Longitude)
	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rad(a.Latitude))*math.Cos(rad(b.Latitude))*math.Sin(dlon/2)*math.Sin(dlon/2)
	// rounding can push h a hair above 1 for antipodal points
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadius * math.Asin(math.Sqrt(h)), nil
}

func MovedSignificantly(prev, next Coordinate, threshold float64) (bool, error) {
	d, err := Distance(prev, next)
	if err != nil {
		return false, err
	}
	return d >= threshold, nil
}
