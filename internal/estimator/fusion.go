package estimator

import (
	"math"
	"time"

	"github.com/banshee-data/targetfusion/internal/geo"
	"github.com/banshee-data/targetfusion/internal/monitoring"
	"github.com/banshee-data/targetfusion/internal/timeutil"
)

// LifecycleState is the joint lifecycle of the three axis filters. They are
// always initialised, predicted, and reset together, never independently.
type LifecycleState string

const (
	StateUninitialized LifecycleState = "uninitialized"
	StateRunning       LifecycleState = "running"
	StateTimedOut      LifecycleState = "timed_out"
)

// FusedState is the recombined output of the three axis filters.
type FusedState struct {
	Timestamp time.Time
	Valid     bool // filters initialised and not timed out
	Stale     bool // timed out: last estimate held but no longer trustworthy

	RelPos        [3]float64
	RelPosVar     [3]float64
	VehicleVel    [3]float64
	VehicleVelVar [3]float64
	Bias          [3]float64
	BiasVar       [3]float64
	TargetAcc     [3]float64
	TargetAccVar  [3]float64
	TargetVel     [3]float64
	TargetVelVar  [3]float64

	// Target position in the vehicle local frame, available when a valid
	// local position input was cached this cycle.
	TargetPosLocal      [3]float64
	TargetPosLocalValid bool
}

// InnovationRecord is the per-axis fusion diagnostic for one observation
// type, emitted every cycle the observation was attempted.
type InnovationRecord struct {
	Type          ObsType
	Axis          int
	Timestamp     time.Time
	Innovation    float64
	InnovationVar float64
	TestRatio     float64
	Fused         bool
}

// Estimator fuses the cached collaborator inputs into a relative target
// state. It owns the three axis filters and the bias estimate exclusively;
// all inputs arrive through setters between cycles and Update runs one full
// cycle to completion. Single-threaded by design: the caller ticks it from
// one control loop.
type Estimator struct {
	cfg   Config
	clock timeutil.Clock

	filters [3]*AxisFilter
	state   LifecycleState

	biasSet bool
	bias    [3]float64

	lastPredict time.Time // timestamp of last covariance prediction
	lastUpdate  time.Time // timestamp of last accepted fusion, drives timeout

	// Cached collaborator inputs, copied by setters.
	vehicleGNSS     VehicleGNSSReport
	targetGNSS      TargetGNSSReport
	vision          VisionReport
	uwb             UWBReport
	mission         geo.LLA
	missionSet      bool
	rangeSensor     rangeSample
	localPos        vecStamped
	localVel        vecStamped
	velOffset       vecStamped
	gnssPosOffset   vecStamped
	gnssPosIsOffset bool

	// Derived GNSS relative position, refreshed by the target GNSS handler
	// and consumed by bias estimation.
	relGNSS vecStamped

	lastObsTime [obsTypeCount]time.Time

	output      FusedState
	innovations []InnovationRecord

	predictPerf *monitoring.Counter
	updatePerf  *monitoring.Counter
}

// New creates an estimator in the Uninitialized state. The configuration is
// constructed once before the lifecycle begins; there is no ambient tuning
// state.
func New(cfg Config, clock timeutil.Clock) *Estimator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Estimator{
		cfg:         cfg,
		clock:       clock,
		state:       StateUninitialized,
		predictPerf: monitoring.NewCounter("estimator predict"),
		updatePerf:  monitoring.NewCounter("estimator update"),
	}
}

// Setters: collaborator inputs are copied into the estimator's own cached
// fields. The estimator never holds a live reference into caller memory.

// SetMissionPosition caches the static mission waypoint.
func (e *Estimator) SetMissionPosition(latDeg, lonDeg, altM float64) {
	if !geo.IsLatLonAltValid(latDeg, lonDeg, altM) {
		monitoring.Logf("[Estimator] rejecting mission position outside geographic limits: lat=%.6f lon=%.6f alt=%.1f",
			latDeg, lonDeg, altM)
		return
	}
	e.mission = geo.LLA{LatDeg: latDeg, LonDeg: lonDeg, AltM: altM}
	e.missionSet = true
}

// SetVehicleGNSS caches the vehicle GNSS fix (position and velocity).
func (e *Estimator) SetVehicleGNSS(r VehicleGNSSReport) { e.vehicleGNSS = r }

// SetTargetGNSS caches the target GNSS fix.
func (e *Estimator) SetTargetGNSS(r TargetGNSSReport) { e.targetGNSS = r }

// SetVisionReport caches the vision relative position report.
func (e *Estimator) SetVisionReport(r VisionReport) { e.vision = r }

// SetUWBReport caches the UWB relative position report.
func (e *Estimator) SetUWBReport(r UWBReport) { e.uwb = r }

// SetRangeSensor caches the range-to-ground sample.
func (e *Estimator) SetRangeSensor(dist float64, valid bool, ts time.Time) {
	e.rangeSensor = rangeSample{timestamp: ts, valid: valid, dist: dist}
}

// SetLocalPosition caches the vehicle local position.
func (e *Estimator) SetLocalPosition(xyz [3]float64, valid bool, ts time.Time) {
	e.localPos = vecStamped{timestamp: ts, valid: valid, xyz: xyz}
}

// SetLocalVelocity caches the vehicle local velocity.
func (e *Estimator) SetLocalVelocity(xyz [3]float64, valid bool, ts time.Time) {
	e.localVel = vecStamped{timestamp: ts, valid: valid, xyz: xyz}
}

// SetGNSSPosOffset caches the GNSS antenna position offset in the navigation
// frame, applied to GNSS-derived relative positions when isOffset is true.
func (e *Estimator) SetGNSSPosOffset(xyz [3]float64, isOffset bool) {
	e.gnssPosOffset = vecStamped{valid: isOffset, xyz: xyz}
	e.gnssPosIsOffset = isOffset
}

// SetVelocityOffset caches the antenna velocity offset added to vehicle GNSS
// velocity observations.
func (e *Estimator) SetVelocityOffset(xyz [3]float64) {
	e.velOffset = vecStamped{valid: true, xyz: xyz}
}

// State returns the joint lifecycle state.
func (e *Estimator) State() LifecycleState { return e.state }

// HasTimedOut reports whether the estimator stopped accepting fusions for
// longer than the configured timeout.
func (e *Estimator) HasTimedOut() bool { return e.state == StateTimedOut }

// HasFusionEnabled reports whether any sensor type is enabled for fusion.
func (e *Estimator) HasFusionEnabled() bool { return e.cfg.AidMask != AidNone }

// BiasEstimate returns the bias latched between the GNSS and relative
// position sources, and whether one has been committed this lifecycle.
func (e *Estimator) BiasEstimate() ([3]float64, bool) { return e.bias, e.biasSet }

// Output returns the fused state published by the last cycle.
func (e *Estimator) Output() FusedState { return e.output }

// CycleInnovations returns the innovation diagnostics recorded during the
// last cycle, one record per axis per observation type attempted.
func (e *Estimator) CycleInnovations() []InnovationRecord {
	out := make([]InnovationRecord, len(e.innovations))
	copy(out, e.innovations)
	return out
}

// PerfCounters returns the prediction and update timing counters.
func (e *Estimator) PerfCounters() (predict, update *monitoring.Counter) {
	return e.predictPerf, e.updatePerf
}

// Reset discards the filter bank and the bias estimate and returns the
// lifecycle to Uninitialized. The next cycle with a valid position
// observation re-seeds the filters.
func (e *Estimator) Reset() {
	e.filters = [3]*AxisFilter{}
	e.state = StateUninitialized
	e.biasSet = false
	e.bias = [3]float64{}
	e.relGNSS = vecStamped{}
	e.lastObsTime = [obsTypeCount]time.Time{}
	e.lastPredict = time.Time{}
	e.lastUpdate = time.Time{}
	e.output = FusedState{}
	e.innovations = nil
	monitoring.Logf("[Estimator] reset to uninitialized")
}

// Update runs one estimation cycle against the cached inputs: build and
// validate observations, initialise or predict the filter bank, fuse what
// passed the gate, and publish the fused state plus diagnostics. accNED is
// the current vehicle acceleration in the navigation frame.
func (e *Estimator) Update(accNED [3]float64) {
	now := e.clock.Now()
	e.innovations = e.innovations[:0]

	set := e.processObservations(now)

	switch e.state {
	case StateUninitialized:
		if set.Valid.HasPositionData() {
			e.initialize(now, set)
		}
	case StateRunning:
		e.updateBias(set)

		start := e.clock.Now()
		e.predict(now, accNED)
		e.predictPerf.Observe(e.clock.Since(start))

		start = e.clock.Now()
		fusedAny := e.fuse(now, accNED, set)
		e.updatePerf.Observe(e.clock.Since(start))

		if fusedAny {
			e.lastUpdate = now
		} else if e.clock.Since(e.lastUpdate) > e.cfg.Timeout {
			e.state = StateTimedOut
			monitoring.Logf("[Estimator] timed out: no accepted fusion for %s", e.clock.Since(e.lastUpdate))
		}
	case StateTimedOut:
		// Output held stale until an explicit reset.
	}

	e.publish(now)
}

// initPosition picks the best available position estimate to seed the
// filters: target GNSS > vision > UWB > mission.
func initPosition(set ObservationSet) ([3]float64, ObsType) {
	order := []struct {
		bit ObsValidMask
		typ ObsType
	}{
		{ValidTargetGNSSPos, ObsTargetGNSSPos},
		{ValidVision, ObsVision},
		{ValidUWB, ObsUWB},
		{ValidMissionPos, ObsMissionPos},
	}
	for _, c := range order {
		if set.Valid&c.bit != 0 {
			return set.Obs[c.typ].Meas, c.typ
		}
	}
	return [3]float64{}, obsTypeCount
}

// initialize constructs the three axis filters from the best available
// position observation, with zero velocity, bias, and target acceleration,
// and diagonal covariance from the configured input variances.
func (e *Estimator) initialize(now time.Time, set ObservationSet) {
	pos, src := initPosition(set)
	if src == obsTypeCount {
		return
	}

	// Seed the vehicle velocity state from the local velocity input when a
	// fresh sample is cached; otherwise start from zero.
	var vel [3]float64
	if e.localVel.valid && e.isFresh(now, e.localVel.timestamp) {
		vel = e.localVel.xyz
	}

	vars := [NumStates]float64{
		IdxRelPos:     e.cfg.PosVarInit,
		IdxVehicleVel: e.cfg.VelVarInit,
		IdxBias:       e.cfg.BiasVarInit,
		IdxTargetAcc:  e.cfg.AccVarInit,
		IdxTargetVel:  e.cfg.VelVarInit,
	}
	for axis := 0; axis < 3; axis++ {
		f := NewAxisFilter(e.cfg.InputAccVar, e.cfg.BiasVar, e.cfg.TargetAccVar, e.cfg.NISThreshold)
		f.SetState([NumStates]float64{IdxRelPos: pos[axis], IdxVehicleVel: vel[axis]})
		f.SetStateVar(vars)
		e.filters[axis] = f
	}

	e.state = StateRunning
	e.lastPredict = now
	e.lastUpdate = now

	// Observations consumed for seeding are not re-fused next cycle.
	for _, h := range obsHandlers {
		if set.Valid&h.valid != 0 {
			e.lastObsTime[h.typ] = set.Obs[h.typ].Timestamp
		}
	}
	monitoring.Logf("[Estimator] initialized from %s at rel=[%.2f %.2f %.2f]", src, pos[0], pos[1], pos[2])
}

// updateBias latches the bias between the GNSS relative position and a
// simultaneous non-GNSS relative position source, exactly once per
// lifecycle. Re-biasing against a converging filter would drift, so the
// first usable pair wins.
func (e *Estimator) updateBias(set ObservationSet) {
	if e.biasSet || !e.relGNSS.valid || !set.Valid.HasRelativePositionData() {
		return
	}
	if set.Valid&ValidTargetGNSSPos == 0 {
		return
	}

	var secondary [3]float64
	if set.Valid&ValidVision != 0 {
		secondary = set.Obs[ObsVision].Meas
	} else {
		secondary = set.Obs[ObsUWB].Meas
	}

	var bias [3]float64
	var norm2 float64
	for i := 0; i < 3; i++ {
		bias[i] = e.relGNSS.xyz[i] - secondary[i]
		norm2 += bias[i] * bias[i]
	}
	if e.cfg.BiasLimit > 0 && math.Sqrt(norm2) > e.cfg.BiasLimit {
		monitoring.Logf("[Estimator] discarding implausible GNSS bias |b|=%.2fm (limit %.2fm)",
			math.Sqrt(norm2), e.cfg.BiasLimit)
		return
	}

	e.bias = bias
	e.biasSet = true
	for axis, f := range e.filters {
		f.SetStateComponent(IdxBias, bias[axis])
	}
	monitoring.Logf("[Estimator] latched GNSS bias [%.2f %.2f %.2f]", bias[0], bias[1], bias[2])
}

// predict propagates all three filters to now.
func (e *Estimator) predict(now time.Time, accNED [3]float64) {
	dt := now.Sub(e.lastPredict).Seconds()
	if dt < 0 {
		dt = 0
	}
	for axis, f := range e.filters {
		f.PredictState(dt, accNED[axis])
		f.PredictCov(dt)
	}
	e.lastPredict = now
}

// fuse performs the sequential scalar update for every valid observation and
// every axis it measures. Returns whether any scalar correction was
// accepted.
func (e *Estimator) fuse(now time.Time, accNED [3]float64, set ObservationSet) bool {
	fusedAny := false
	for _, h := range obsHandlers {
		if set.Valid&h.valid == 0 {
			continue
		}
		obs := set.Obs[h.typ]
		if e.fuseObservation(now, accNED, obs) {
			fusedAny = true
		}
		e.lastObsTime[h.typ] = obs.Timestamp
	}
	return fusedAny
}

// fuseObservation applies one observation across the three axes. An
// observation older than the last prediction is reconciled by syncing the
// comparison state backwards rather than rewinding covariance; the small
// approximation error is preferred over a full filter rewind.
func (e *Estimator) fuseObservation(now time.Time, accNED [3]float64, obs Observation) bool {
	syncDt := 0.0
	if obs.Timestamp.Before(e.lastPredict) {
		syncDt = obs.Timestamp.Sub(e.lastPredict).Seconds()
	}

	fusedAny := false
	for axis := 0; axis < 3; axis++ {
		row := obs.H[axis]
		measured := false
		for _, v := range row {
			if v != 0 {
				measured = true
				break
			}
		}
		if !measured {
			continue
		}

		f := e.filters[axis]
		if syncDt < 0 {
			f.SyncState(syncDt, accNED[axis])
		}

		f.SetH(row)
		innov := f.ComputeInnov(obs.Meas[axis])
		innovCov := f.ComputeInnovCov(obs.MeasUnc[axis])
		ratio := f.TestRatio()
		fused := f.Update(ratio)

		if syncDt < 0 && !fused {
			// Restore the comparison state to the canonical time base.
			f.SyncState(-syncDt, accNED[axis])
		}

		e.innovations = append(e.innovations, InnovationRecord{
			Type:          obs.Type,
			Axis:          axis,
			Timestamp:     now,
			Innovation:    innov,
			InnovationVar: innovCov,
			TestRatio:     ratio,
			Fused:         fused,
		})
		if fused {
			fusedAny = true
		}
	}
	return fusedAny
}

// publish recombines the three axis states into the fused output.
func (e *Estimator) publish(now time.Time) {
	out := FusedState{Timestamp: now}

	if e.state == StateUninitialized {
		e.output = out
		return
	}

	out.Valid = e.state == StateRunning
	out.Stale = e.state == StateTimedOut

	for axis, f := range e.filters {
		s := f.State()
		v := f.StateVar()
		out.RelPos[axis] = s[IdxRelPos]
		out.RelPosVar[axis] = v[IdxRelPos]
		out.VehicleVel[axis] = s[IdxVehicleVel]
		out.VehicleVelVar[axis] = v[IdxVehicleVel]
		out.Bias[axis] = s[IdxBias]
		out.BiasVar[axis] = v[IdxBias]
		out.TargetAcc[axis] = s[IdxTargetAcc]
		out.TargetAccVar[axis] = v[IdxTargetAcc]
		out.TargetVel[axis] = s[IdxTargetVel]
		out.TargetVelVar[axis] = v[IdxTargetVel]
	}

	if e.localPos.valid && e.isFresh(now, e.localPos.timestamp) {
		for axis := 0; axis < 3; axis++ {
			out.TargetPosLocal[axis] = e.localPos.xyz[axis] + out.RelPos[axis]
		}
		out.TargetPosLocalValid = true
	}

	e.output = out
}
