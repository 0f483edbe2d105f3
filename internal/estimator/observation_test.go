package estimator

import (
	"testing"
	"time"

	"github.com/banshee-data/targetfusion/internal/geo"
	"github.com/banshee-data/targetfusion/internal/timeutil"
)

func newObsEstimator(cfg Config) (*Estimator, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	return New(cfg, clock), clock
}

func TestProcessObservationsRespectsAidMask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AidMask = AidVision
	e, clock := newObsEstimator(cfg)
	now := clock.Now()

	e.SetVehicleGNSS(VehicleGNSSReport{
		Timestamp: now, Pos: testVehiclePos, PosValid: true, EPH: 0.5, EPV: 0.8,
		VelNED: [3]float64{1, 0, 0}, VelValid: true, SAcc: 0.2,
	})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, Pos: testTargetPos, PosValid: true, EPH: 0.5, EPV: 0.8})
	e.SetVisionReport(VisionReport{Timestamp: now, Valid: true, RelPosNED: [3]float64{1, 2, 3}, Var: [3]float64{0.01, 0.01, 0.01}})

	set := e.processObservations(now)
	if set.Valid != ValidVision {
		t.Errorf("valid mask = %b, want only vision (%b)", set.Valid, ValidVision)
	}
}

func TestStaleInputsProduceNoObservations(t *testing.T) {
	cfg := DefaultConfig()
	e, clock := newObsEstimator(cfg)
	old := clock.Now()
	clock.Advance(cfg.StalenessWindow + time.Second)
	now := clock.Now()

	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: old, Pos: testVehiclePos, PosValid: true})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: old, Pos: testTargetPos, PosValid: true})
	e.SetVisionReport(VisionReport{Timestamp: old, Valid: true, Var: [3]float64{0.01, 0.01, 0.01}})
	e.SetUWBReport(UWBReport{Timestamp: old, Valid: true})

	if set := e.processObservations(now); set.Valid != 0 {
		t.Errorf("stale inputs produced valid mask %b", set.Valid)
	}
}

func TestObservationsNotRebuiltForSameTimestamp(t *testing.T) {
	e, clock := newObsEstimator(DefaultConfig())
	now := clock.Now()

	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: now, Pos: testVehiclePos, PosValid: true, EPH: 0.5, EPV: 0.8})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, Pos: testTargetPos, PosValid: true, EPH: 0.5, EPV: 0.8})

	set := e.processObservations(now)
	if set.Valid&ValidTargetGNSSPos == 0 {
		t.Fatal("fresh target GNSS fix produced no observation")
	}
	e.lastObsTime[ObsTargetGNSSPos] = set.Obs[ObsTargetGNSSPos].Timestamp

	// Same fix again: consumed, must not reappear.
	if set := e.processObservations(now); set.Valid&ValidTargetGNSSPos != 0 {
		t.Error("already-fused fix rebuilt into an observation")
	}

	// A newer fix does.
	clock.Advance(100 * time.Millisecond)
	later := clock.Now()
	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: later, Pos: testVehiclePos, PosValid: true, EPH: 0.5, EPV: 0.8})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: later, Pos: testTargetPos, PosValid: true, EPH: 0.5, EPV: 0.8})
	if set := e.processObservations(later); set.Valid&ValidTargetGNSSPos == 0 {
		t.Error("newer fix produced no observation")
	}
}

func TestGeographicLimitsRejectFixes(t *testing.T) {
	e, clock := newObsEstimator(DefaultConfig())
	now := clock.Now()

	bad := geo.LLA{LatDeg: 91, LonDeg: 8.5, AltM: 488}
	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: now, Pos: bad, PosValid: true})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, Pos: testTargetPos, PosValid: true})
	if set := e.processObservations(now); set.Valid&ValidTargetGNSSPos != 0 {
		t.Error("accepted a vehicle fix with latitude 91")
	}

	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: now, Pos: testVehiclePos, PosValid: true})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, Pos: geo.LLA{LatDeg: 47.4, LonDeg: 181, AltM: 488}, PosValid: true})
	if set := e.processObservations(now); set.Valid&ValidTargetGNSSPos != 0 {
		t.Error("accepted a target fix with longitude 181")
	}

	// SetMissionPosition rejects at the setter.
	e.SetMissionPosition(47.4, 8.5, 20000)
	if e.missionSet {
		t.Error("accepted a mission waypoint at 20 km altitude")
	}
}

func TestTargetGNSSObservationShape(t *testing.T) {
	cfg := DefaultConfig()
	e, clock := newObsEstimator(cfg)
	now := clock.Now()

	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: now, Pos: testVehiclePos, PosValid: true, EPH: 1.0, EPV: 2.0})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, Pos: testTargetPos, PosValid: true, EPH: 1.0, EPV: 2.0})

	set := e.processObservations(now)
	obs := set.Obs[ObsTargetGNSSPos]
	if set.Valid&ValidTargetGNSSPos == 0 {
		t.Fatal("no target GNSS observation")
	}

	want := geo.RelativeNED(testVehiclePos, testTargetPos)
	if obs.Meas != want {
		t.Errorf("meas = %v, want %v", obs.Meas, want)
	}
	for axis := 0; axis < 3; axis++ {
		if obs.H[axis][IdxRelPos] != 1 || obs.H[axis][IdxBias] != 1 {
			t.Errorf("axis %d: H = %v, want rel pos and bias observed", axis, obs.H[axis])
		}
		if obs.H[axis][IdxVehicleVel] != 0 || obs.H[axis][IdxTargetVel] != 0 {
			t.Errorf("axis %d: H observes velocity states: %v", axis, obs.H[axis])
		}
	}
	// EPH 1.0 each side: combined variance 2.0 beats the configured floor.
	if obs.MeasUnc[0] != 2.0 || obs.MeasUnc[2] != 8.0 {
		t.Errorf("meas unc = %v, want [2 2 8]", obs.MeasUnc)
	}
}

func TestGNSSPosOffsetApplied(t *testing.T) {
	e, clock := newObsEstimator(DefaultConfig())
	now := clock.Now()

	offset := [3]float64{0.5, -0.2, 0.1}
	e.SetGNSSPosOffset(offset, true)
	e.SetVehicleGNSS(VehicleGNSSReport{Timestamp: now, Pos: testVehiclePos, PosValid: true, EPH: 0.5, EPV: 0.8})
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, Pos: testTargetPos, PosValid: true, EPH: 0.5, EPV: 0.8})

	set := e.processObservations(now)
	raw := geo.RelativeNED(testVehiclePos, testTargetPos)
	got := set.Obs[ObsTargetGNSSPos].Meas
	for i := 0; i < 3; i++ {
		if got[i] != raw[i]-offset[i] {
			t.Errorf("meas[%d] = %v, want %v", i, got[i], raw[i]-offset[i])
		}
	}
}

func TestVehicleVelocityOffsetApplied(t *testing.T) {
	e, clock := newObsEstimator(DefaultConfig())
	now := clock.Now()

	e.SetVelocityOffset([3]float64{0.1, 0.2, 0.3})
	e.SetVehicleGNSS(VehicleGNSSReport{
		Timestamp: now, VelNED: [3]float64{5, 0, -1}, VelValid: true, SAcc: 0.2,
	})

	set := e.processObservations(now)
	if set.Valid&ValidVehicleGNSSVel == 0 {
		t.Fatal("no vehicle velocity observation")
	}
	obs := set.Obs[ObsVehicleGNSSVel]
	want := [3]float64{5.1, 0.2, -0.7}
	for i := 0; i < 3; i++ {
		if diff := obs.Meas[i] - want[i]; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("meas[%d] = %v, want %v", i, obs.Meas[i], want[i])
		}
		if obs.H[i][IdxVehicleVel] != 1 {
			t.Errorf("axis %d: H = %v, want vehicle velocity observed", i, obs.H[i])
		}
	}
}

func TestTargetVelocityRequiresMovingTarget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MovingTarget = false
	e, clock := newObsEstimator(cfg)
	now := clock.Now()

	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, VelNED: [3]float64{1, 1, 0}, VelValid: true, SAcc: 0.2})
	if set := e.processObservations(now); set.Valid&ValidTargetGNSSVel != 0 {
		t.Error("target velocity observed for a static target model")
	}

	cfg.MovingTarget = true
	e, clock = newObsEstimator(cfg)
	now = clock.Now()
	e.SetTargetGNSS(TargetGNSSReport{Timestamp: now, VelNED: [3]float64{1, 1, 0}, VelValid: true, SAcc: 0.2})
	if set := e.processObservations(now); set.Valid&ValidTargetGNSSVel == 0 {
		t.Error("target velocity not observed for a moving target model")
	}
}

func TestVisionVarianceModes(t *testing.T) {
	// EV-noise mode: reported covariance trusted, bounded below by the floor.
	cfg := DefaultConfig()
	cfg.EVNoiseMode = true
	cfg.EVPosNoise = 0.1
	e, clock := newObsEstimator(cfg)
	now := clock.Now()

	e.SetVisionReport(VisionReport{Timestamp: now, Valid: true, Var: [3]float64{0.5, 0.001, 0.5}})
	set := e.processObservations(now)
	if set.Valid&ValidVision == 0 {
		t.Fatal("no vision observation")
	}
	unc := set.Obs[ObsVision].MeasUnc
	if unc[0] != 0.5 {
		t.Errorf("reported variance 0.5 not used: got %v", unc[0])
	}
	if unc[1] != 0.01 {
		t.Errorf("floor not applied below 0.1^2: got %v", unc[1])
	}

	// EV-noise mode rejects a report without usable covariance.
	e.SetVisionReport(VisionReport{Timestamp: now, Valid: true})
	if set := e.processObservations(now); set.Valid&ValidVision != 0 {
		t.Error("accepted a covariance-free vision report in EV-noise mode")
	}

	// Range-scaled mode: variance grows with distance to ground.
	cfg.EVNoiseMode = false
	e, clock = newObsEstimator(cfg)
	now = clock.Now()
	e.SetVisionReport(VisionReport{Timestamp: now, Valid: true})

	set = e.processObservations(now)
	base := set.Obs[ObsVision].MeasUnc[0]

	e.SetRangeSensor(20, true, now)
	e.SetVisionReport(VisionReport{Timestamp: now.Add(time.Millisecond), Valid: true})
	set = e.processObservations(now.Add(time.Millisecond))
	scaled := set.Obs[ObsVision].MeasUnc[0]
	if scaled <= base {
		t.Errorf("variance did not grow with range: %v -> %v", base, scaled)
	}
}

func TestUWBObservationUsesNoiseFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UWBPosNoise = 0.2
	e, clock := newObsEstimator(cfg)
	now := clock.Now()

	e.SetUWBReport(UWBReport{Timestamp: now, Valid: true, RelPosNED: [3]float64{3, 4, 0}, Var: 0.001})
	set := e.processObservations(now)
	if set.Valid&ValidUWB == 0 {
		t.Fatal("no UWB observation")
	}
	obs := set.Obs[ObsUWB]
	for i := 0; i < 3; i++ {
		if obs.MeasUnc[i] != 0.04 {
			t.Errorf("axis %d: meas unc = %v, want floor 0.04", i, obs.MeasUnc[i])
		}
		if obs.H[i][IdxBias] != 0 {
			t.Errorf("axis %d: UWB observes the bias state", i)
		}
	}
}

func TestValidMaskHelpers(t *testing.T) {
	cases := []struct {
		mask    ObsValidMask
		pos     bool
		relOnly bool
	}{
		{0, false, false},
		{ValidVehicleGNSSVel, false, false},
		{ValidTargetGNSSPos, true, false},
		{ValidMissionPos, true, false},
		{ValidVision, true, true},
		{ValidUWB, true, true},
		{ValidTargetGNSSPos | ValidVision, true, true},
	}
	for _, c := range cases {
		if got := c.mask.HasPositionData(); got != c.pos {
			t.Errorf("mask %b: HasPositionData = %v, want %v", c.mask, got, c.pos)
		}
		if got := c.mask.HasRelativePositionData(); got != c.relOnly {
			t.Errorf("mask %b: HasRelativePositionData = %v, want %v", c.mask, got, c.relOnly)
		}
	}
}

func TestObsTypeStrings(t *testing.T) {
	for typ := ObsType(0); typ < obsTypeCount; typ++ {
		if typ.String() == "unknown" {
			t.Errorf("observation type %d has no string", typ)
		}
	}
}
