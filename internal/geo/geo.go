// Package geo converts WGS-84 geodetic coordinates into local tangent-plane
// vectors. The estimator consumes it as a pure function: no state, no frames
// beyond ECEF -> ENU -> NED.
package geo

import (
	"math"

	"github.com/banshee-data/targetfusion/internal/units"
)

// WGS-84 ellipsoid parameters.
const (
	SemiMajorAxis = 6378137.0
	Flattening    = 1.0 / 298.257223563
)

// LLA is a geodetic position: latitude/longitude in degrees, altitude in
// metres above the ellipsoid.
type LLA struct {
	LatDeg float64
	LonDeg float64
	AltM   float64
}

// ECEF returns the earth-centred earth-fixed coordinates of p in metres.
func (p LLA) ECEF() (x, y, z float64) {
	lat := units.DegToRad(p.LatDeg)
	lon := units.DegToRad(p.LonDeg)
	e2 := Flattening * (2 - Flattening)

	sinLat := math.Sin(lat)
	cosLat := math.Cos(lat)
	n := SemiMajorAxis / math.Sqrt(1-e2*sinLat*sinLat)

	x = (n + p.AltM) * cosLat * math.Cos(lon)
	y = (n + p.AltM) * cosLat * math.Sin(lon)
	z = (n*(1-e2) + p.AltM) * sinLat
	return x, y, z
}

// RelativeNED returns the north/east/down vector in metres from ref to p.
// Accuracy degrades with separation as with any tangent-plane projection;
// intended for the sub-kilometre baselines this estimator operates over.
func RelativeNED(ref, p LLA) [3]float64 {
	rx, ry, rz := ref.ECEF()
	px, py, pz := p.ECEF()
	dx, dy, dz := px-rx, py-ry, pz-rz

	lat := units.DegToRad(ref.LatDeg)
	lon := units.DegToRad(ref.LonDeg)
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)

	east := -sinLon*dx + cosLon*dy
	north := -sinLat*cosLon*dx - sinLat*sinLon*dy + cosLat*dz
	up := cosLat*cosLon*dx + cosLat*sinLon*dy + sinLat*dz

	return [3]float64{north, east, -up}
}

// IsLatLonAltValid reports whether a geodetic triple is geographically
// plausible: |lat| <= 90 deg, |lon| <= 180 deg, -350 m <= alt <= 10 km.
func IsLatLonAltValid(latDeg, lonDeg, altM float64) bool {
	if math.IsNaN(latDeg) || math.IsNaN(lonDeg) || math.IsNaN(altM) {
		return false
	}
	if math.Abs(latDeg) > 90 || math.Abs(lonDeg) > 180 {
		return false
	}
	return altM >= -350 && altM <= 10000
}
