// Package testutil provides shared test helpers for numeric estimator
// tests.
package testutil

import (
	"math"
	"testing"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertInDelta fails the test unless got is within delta of want.
func AssertInDelta(t *testing.T, got, want, delta float64, msg string) {
	t.Helper()
	if math.IsNaN(got) || math.Abs(got-want) > delta {
		t.Errorf("%s: got %v, want %v (±%v)", msg, got, want, delta)
	}
}

// AssertVecInDelta checks each component of a 3-vector against want.
func AssertVecInDelta(t *testing.T, got, want [3]float64, delta float64, msg string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if math.IsNaN(got[i]) || math.Abs(got[i]-want[i]) > delta {
			t.Errorf("%s[%d]: got %v, want %v (±%v)", msg, i, got[i], want[i], delta)
		}
	}
}
