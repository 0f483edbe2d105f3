// Package units provides shared angle and speed conversions. Internal state
// is always radians and metres per second; conversions happen at the edges
// (sensor ingest and report rendering).
package units

import "math"

// Speed unit identifiers accepted by report rendering.
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidSpeedUnits contains all valid speed unit values.
var ValidSpeedUnits = []string{MPS, MPH, KMPH, KPH}

// IsValidSpeedUnit checks if the given unit is in the list of valid units.
func IsValidSpeedUnit(unit string) bool {
	for _, u := range ValidSpeedUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}

// ConvertSpeed converts a speed in metres per second to the target units.
// Unknown units fall through to m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}
