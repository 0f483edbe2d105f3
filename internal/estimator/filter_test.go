package estimator

import (
	"math"
	"testing"
)

func newTestFilter() *AxisFilter {
	f := NewAxisFilter(1.0, 0.05, 1.0, 3.84)
	f.SetState([NumStates]float64{IdxRelPos: 10, IdxVehicleVel: 1, IdxTargetVel: 0.5})
	f.SetStateVar([NumStates]float64{0.5, 0.5, 1.0, 0.1, 0.5})
	return f
}

// syncProbe reconstructs the sync state by probing each component with a
// unit measurement row.
func syncProbe(f *AxisFilter) [NumStates]float64 {
	var out [NumStates]float64
	for i := 0; i < NumStates; i++ {
		var row [NumStates]float64
		row[i] = 1
		f.SetH(row)
		out[i] = -f.ComputeInnov(0)
	}
	return out
}

func TestPredictCovDiagonalNonDecreasing(t *testing.T) {
	for _, dt := range []float64{0, 0.01, 0.1, 1, 5} {
		f := newTestFilter()
		before := f.StateVar()
		f.PredictCov(dt)
		after := f.StateVar()
		for i := 0; i < NumStates; i++ {
			if after[i] < before[i]-1e-12 {
				t.Errorf("dt=%v: variance[%d] decreased from %v to %v", dt, i, before[i], after[i])
			}
		}
	}
}

func TestPredictStateZeroDtNoOp(t *testing.T) {
	f := newTestFilter()
	before := f.State()
	f.PredictState(0, 2.5)
	if got := f.State(); got != before {
		t.Errorf("dt=0 changed state: %v -> %v", before, got)
	}
}

func TestPredictStateConstantAcceleration(t *testing.T) {
	f := NewAxisFilter(1, 1, 1, 3.84)
	f.SetState([NumStates]float64{IdxRelPos: 0, IdxVehicleVel: 0})
	f.PredictState(2.0, 1.0) // vehicle accelerates away from a static target

	s := f.State()
	// r = -0.5*a*t^2, vd = a*t
	if math.Abs(s[IdxRelPos]-(-2.0)) > 1e-12 {
		t.Errorf("rel pos = %v, want -2.0", s[IdxRelPos])
	}
	if math.Abs(s[IdxVehicleVel]-2.0) > 1e-12 {
		t.Errorf("vehicle vel = %v, want 2.0", s[IdxVehicleVel])
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	f := newTestFilter()
	f.SetState([NumStates]float64{3, -0.4, 0.2, 0.05, 1.2})
	orig := syncProbe(f)

	const dt, acc = 0.35, 0.8
	f.SyncState(dt, acc)
	f.SyncState(-dt, acc)

	got := syncProbe(f)
	for i := 0; i < NumStates; i++ {
		if math.Abs(got[i]-orig[i]) > 1e-9 {
			t.Errorf("component %d: round trip %v -> %v", i, orig[i], got[i])
		}
	}
}

func TestSyncStateDoesNotTouchCanonicalState(t *testing.T) {
	f := newTestFilter()
	before := f.State()
	beforeVar := f.StateVar()
	f.SyncState(-0.25, 1.5)
	if got := f.State(); got != before {
		t.Errorf("SyncState mutated canonical state: %v -> %v", before, got)
	}
	if got := f.StateVar(); got != beforeVar {
		t.Errorf("SyncState mutated covariance diagonal: %v -> %v", beforeVar, got)
	}
}

func TestComputeInnovCovAtLeastMeasurementNoise(t *testing.T) {
	f := newTestFilter()
	for _, unc := range []float64{0, 0.01, 0.25, 4} {
		f.SetH([NumStates]float64{1, 0, 1, 0, 0})
		if s := f.ComputeInnovCov(unc); s < unc {
			t.Errorf("innov cov %v below measurement uncertainty %v", s, unc)
		}
	}
}

func TestTestRatioSentinel(t *testing.T) {
	f := NewAxisFilter(1, 1, 1, 3.84)
	// Zero covariance and zero measurement noise give a degenerate S.
	f.SetH([NumStates]float64{1, 0, 0, 0, 0})
	f.ComputeInnov(5)
	f.ComputeInnovCov(0)
	if got := f.TestRatio(); got != UntestableRatio {
		t.Errorf("test ratio = %v, want %v sentinel", got, UntestableRatio)
	}

	// A healthy S gives innov^2/S.
	f = newTestFilter()
	f.SetH([NumStates]float64{1, 0, 0, 0, 0})
	innov := f.ComputeInnov(11) // state rel pos is 10
	s := f.ComputeInnovCov(0.25)
	want := innov * innov / s
	if got := f.TestRatio(); math.Abs(got-want) > 1e-12 {
		t.Errorf("test ratio = %v, want %v", got, want)
	}
}

func TestUpdateZeroInnovationKeepsState(t *testing.T) {
	f := newTestFilter()
	f.SetH([NumStates]float64{1, 0, 0, 0, 0})

	before := f.State()
	beforeVar := f.StateVar()

	f.ComputeInnov(before[IdxRelPos]) // measurement equals prediction
	f.ComputeInnovCov(0.25)
	if !f.Update(f.TestRatio()) {
		t.Fatal("update with zero innovation rejected")
	}

	after := f.State()
	for i := 0; i < NumStates; i++ {
		if math.Abs(after[i]-before[i]) > 1e-12 {
			t.Errorf("state[%d] changed by zero-innovation update: %v -> %v", i, before[i], after[i])
		}
	}
	if got := f.StateVar()[IdxRelPos]; got >= beforeVar[IdxRelPos] {
		t.Errorf("position variance did not decrease: %v -> %v", beforeVar[IdxRelPos], got)
	}
}

func TestUpdateRejectsGateFailure(t *testing.T) {
	f := newTestFilter()
	f.SetH([NumStates]float64{1, 0, 0, 0, 0})

	before := f.State()
	f.ComputeInnov(before[IdxRelPos] + 100) // wildly off
	f.ComputeInnovCov(0.25)
	ratio := f.TestRatio()
	if ratio <= 3.84 {
		t.Fatalf("expected gate failure, ratio = %v", ratio)
	}
	if f.Update(ratio) {
		t.Error("update accepted a gated-out measurement")
	}
	if got := f.State(); got != before {
		t.Errorf("rejected update changed state: %v -> %v", before, got)
	}
}

func TestUpdateRejectsDegenerateInnovCov(t *testing.T) {
	f := NewAxisFilter(1, 1, 1, 3.84)
	f.SetH([NumStates]float64{1, 0, 0, 0, 0})
	f.ComputeInnov(1)
	f.ComputeInnovCov(0)
	if f.Update(f.TestRatio()) {
		t.Error("update accepted with degenerate innovation covariance")
	}
}

func TestUpdateConvergesToMeasurements(t *testing.T) {
	f := NewAxisFilter(0.01, 0.001, 0.01, 12)
	f.SetState([NumStates]float64{IdxRelPos: 0})
	f.SetStateVar([NumStates]float64{10, 1, 1, 0.1, 1})

	const truth = 7.5
	for i := 0; i < 50; i++ {
		f.PredictState(0.1, 0)
		f.PredictCov(0.1)
		f.SetH([NumStates]float64{1, 0, 0, 0, 0})
		f.ComputeInnov(truth)
		f.ComputeInnovCov(0.04)
		f.Update(f.TestRatio())
	}
	if got := f.State()[IdxRelPos]; math.Abs(got-truth) > 0.05 {
		t.Errorf("filter converged to %v, want %v", got, truth)
	}
}
