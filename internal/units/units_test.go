package units

import (
	"math"
	"testing"
)

func TestIsValidSpeedUnit(t *testing.T) {
	for _, u := range ValidSpeedUnits {
		if !IsValidSpeedUnit(u) {
			t.Errorf("IsValidSpeedUnit(%q) = false", u)
		}
	}
	for _, u := range []string{"", "knots", "MPS"} {
		if IsValidSpeedUnit(u) {
			t.Errorf("IsValidSpeedUnit(%q) = true", u)
		}
	}
}

func TestAngleConversionsRoundTrip(t *testing.T) {
	if got := DegToRad(180); math.Abs(got-math.Pi) > 1e-12 {
		t.Errorf("DegToRad(180) = %v, want pi", got)
	}
	for _, deg := range []float64{-90, 0, 47.397742, 360} {
		if got := RadToDeg(DegToRad(deg)); math.Abs(got-deg) > 1e-9 {
			t.Errorf("round trip %v -> %v", deg, got)
		}
	}
}

func TestConvertSpeed(t *testing.T) {
	cases := []struct {
		units string
		want  float64
	}{
		{MPS, 10},
		{MPH, 22.369362920544},
		{KMPH, 36},
		{KPH, 36},
		{"unknown", 10}, // falls through to m/s
	}
	for _, c := range cases {
		if got := ConvertSpeed(10, c.units); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ConvertSpeed(10, %q) = %v, want %v", c.units, got, c.want)
		}
	}
}
