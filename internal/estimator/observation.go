package estimator

import (
	"time"

	"github.com/banshee-data/targetfusion/internal/geo"
	"github.com/banshee-data/targetfusion/internal/monitoring"
)

// ObsType identifies one of the six candidate measurement sources.
type ObsType int

const (
	ObsTargetGNSSPos ObsType = iota
	ObsMissionPos
	ObsVehicleGNSSVel
	ObsTargetGNSSVel
	ObsVision
	ObsUWB
	obsTypeCount
)

// String returns a stable identifier used in logs and persisted diagnostics.
func (t ObsType) String() string {
	switch t {
	case ObsTargetGNSSPos:
		return "target_gnss_pos"
	case ObsMissionPos:
		return "mission_pos"
	case ObsVehicleGNSSVel:
		return "vehicle_gnss_vel"
	case ObsTargetGNSSVel:
		return "target_gnss_vel"
	case ObsVision:
		return "vision"
	case ObsUWB:
		return "uwb"
	}
	return "unknown"
}

// ObsValidMask collects the per-cycle validity bits, one per observation
// type. It is rebuilt from scratch every cycle and never mutated outside a
// single cycle's processing.
type ObsValidMask uint8

const (
	ValidTargetGNSSPos ObsValidMask = 1 << iota
	ValidVehicleGNSSVel
	ValidVision
	ValidMissionPos
	ValidTargetGNSSVel
	ValidUWB
)

// HasPositionData reports whether any position-type observation is valid,
// i.e. whether the filter bank can be seeded this cycle.
func (m ObsValidMask) HasPositionData() bool {
	return m&(ValidTargetGNSSPos|ValidVision|ValidMissionPos|ValidUWB) != 0
}

// HasRelativePositionData reports whether a non-GNSS relative position source
// (vision or UWB) is valid, which is the precondition for estimating the
// GNSS bias.
func (m ObsValidMask) HasRelativePositionData() bool {
	return m&(ValidVision|ValidUWB) != 0
}

// SensorFusionMask selects which observation types are eligible for fusion,
// independent of per-cycle validity. Bit layout matches ObsValidMask.
type SensorFusionMask uint8

const (
	AidTargetGNSSPos SensorFusionMask = 1 << iota
	AidVehicleGNSSVel
	AidVision
	AidMissionPos
	AidTargetGNSSVel
	AidUWB

	AidNone SensorFusionMask = 0
	AidAll  SensorFusionMask = AidTargetGNSSPos | AidVehicleGNSSVel | AidVision |
		AidMissionPos | AidTargetGNSSVel | AidUWB
)

// Observation is one candidate measurement for one sensor type: a 3-vector of
// values, a 3-vector of variances, and a 3xN observation matrix whose row i
// maps state to the value observed along axis i. Observations are ephemeral,
// rebuilt every cycle.
type Observation struct {
	Type      ObsType
	Timestamp time.Time
	Updated   bool
	Meas      [3]float64
	MeasUnc   [3]float64
	H         [3][NumStates]float64
}

// ObservationSet is the per-cycle collection of candidate measurements with
// their joint validity mask.
type ObservationSet struct {
	Obs   [obsTypeCount]Observation
	Valid ObsValidMask
}

// VehicleGNSSReport is a cached snapshot of the vehicle GNSS fix.
type VehicleGNSSReport struct {
	Timestamp time.Time
	Pos       geo.LLA
	PosValid  bool
	EPH       float64 // horizontal position accuracy, 1-sigma metres
	EPV       float64 // vertical position accuracy, 1-sigma metres
	VelNED    [3]float64
	VelValid  bool
	SAcc      float64 // speed accuracy, 1-sigma m/s
}

// TargetGNSSReport is a cached snapshot of the target GNSS fix.
type TargetGNSSReport struct {
	Timestamp time.Time
	Pos       geo.LLA
	PosValid  bool
	EPH       float64
	EPV       float64
	VelNED    [3]float64
	VelValid  bool
	SAcc      float64
}

// VisionReport is a vision-based relative position measurement in the local
// navigation frame. Var carries the reporter's per-axis variances; zeros mean
// the reporter supplied no covariance.
type VisionReport struct {
	Timestamp time.Time
	Valid     bool
	RelPosNED [3]float64
	Var       [3]float64
}

// UWBReport is an ultra-wideband relative position measurement with a scalar
// variance shared by all axes.
type UWBReport struct {
	Timestamp time.Time
	Valid     bool
	RelPosNED [3]float64
	Var       float64
}

// vecStamped is a timestamped, validity-flagged 3-vector snapshot.
type vecStamped struct {
	timestamp time.Time
	valid     bool
	xyz       [3]float64
}

// rangeSample is the cached range-to-ground measurement.
type rangeSample struct {
	timestamp time.Time
	valid     bool
	dist      float64
}

// obsHandler describes how one sensor type turns cached input into a
// candidate observation: which aid bit enables it, which validity bit it
// contributes, and the builder that performs the freshness and plausibility
// checks. The six sources share one processing loop over this table.
type obsHandler struct {
	typ   ObsType
	aid   SensorFusionMask
	valid ObsValidMask
	build func(e *Estimator, now time.Time, obs *Observation) bool
}

var obsHandlers = []obsHandler{
	{ObsTargetGNSSPos, AidTargetGNSSPos, ValidTargetGNSSPos, (*Estimator).buildTargetGNSSPos},
	{ObsMissionPos, AidMissionPos, ValidMissionPos, (*Estimator).buildMissionPos},
	{ObsVehicleGNSSVel, AidVehicleGNSSVel, ValidVehicleGNSSVel, (*Estimator).buildVehicleGNSSVel},
	{ObsTargetGNSSVel, AidTargetGNSSVel, ValidTargetGNSSVel, (*Estimator).buildTargetGNSSVel},
	{ObsVision, AidVision, ValidVision, (*Estimator).buildVision},
	{ObsUWB, AidUWB, ValidUWB, (*Estimator).buildUWB},
}

// isFresh reports whether a sample timestamp falls within the configured
// staleness window of now. Zero timestamps (never set) are stale.
func (e *Estimator) isFresh(now, ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	age := now.Sub(ts)
	return age >= 0 && age <= e.cfg.StalenessWindow
}

// vehicleFixUsable checks the vehicle GNSS fix every GNSS-derived relative
// observation depends on.
func (e *Estimator) vehicleFixUsable(now time.Time) bool {
	f := e.vehicleGNSS
	if !f.PosValid || !e.isFresh(now, f.Timestamp) {
		return false
	}
	if !geo.IsLatLonAltValid(f.Pos.LatDeg, f.Pos.LonDeg, f.Pos.AltM) {
		monitoring.Logf("[Estimator] vehicle GNSS fix outside geographic limits: lat=%.6f lon=%.6f alt=%.1f",
			f.Pos.LatDeg, f.Pos.LonDeg, f.Pos.AltM)
		return false
	}
	return true
}

// buildTargetGNSSPos turns the target GNSS fix into a relative position
// observation against the vehicle fix, and refreshes the cached GNSS-derived
// relative position used by bias estimation.
func (e *Estimator) buildTargetGNSSPos(now time.Time, obs *Observation) bool {
	r := e.targetGNSS
	if !r.PosValid || !e.isFresh(now, r.Timestamp) || !e.vehicleFixUsable(now) {
		return false
	}
	if !geo.IsLatLonAltValid(r.Pos.LatDeg, r.Pos.LonDeg, r.Pos.AltM) {
		monitoring.Logf("[Estimator] target GNSS fix outside geographic limits: lat=%.6f lon=%.6f alt=%.1f",
			r.Pos.LatDeg, r.Pos.LonDeg, r.Pos.AltM)
		return false
	}
	if r.Timestamp.Equal(e.lastObsTime[ObsTargetGNSSPos]) {
		return false
	}

	rel := geo.RelativeNED(e.vehicleGNSS.Pos, r.Pos)
	if e.gnssPosIsOffset {
		for i := range rel {
			rel[i] -= e.gnssPosOffset.xyz[i]
		}
	}
	e.relGNSS = vecStamped{timestamp: r.Timestamp, valid: true, xyz: rel}

	posNoise := e.cfg.GNSSPosNoise * e.cfg.GNSSPosNoise
	horizVar := max(posNoise, r.EPH*r.EPH+e.vehicleGNSS.EPH*e.vehicleGNSS.EPH)
	vertVar := max(posNoise, r.EPV*r.EPV+e.vehicleGNSS.EPV*e.vehicleGNSS.EPV)

	obs.Timestamp = r.Timestamp
	obs.Updated = true
	for i := 0; i < 3; i++ {
		obs.Meas[i] = rel[i]
		obs.H[i][IdxRelPos] = 1
		obs.H[i][IdxBias] = 1
	}
	obs.MeasUnc = [3]float64{horizVar, horizVar, vertVar}
	return true
}

// buildMissionPos turns the static mission waypoint into a relative position
// observation against the vehicle fix. It shares the GNSS frame, so the bias
// state applies.
func (e *Estimator) buildMissionPos(now time.Time, obs *Observation) bool {
	if !e.missionSet || !e.vehicleFixUsable(now) {
		return false
	}
	ts := e.vehicleGNSS.Timestamp
	if ts.Equal(e.lastObsTime[ObsMissionPos]) {
		return false
	}

	rel := geo.RelativeNED(e.vehicleGNSS.Pos, e.mission)
	if e.gnssPosIsOffset {
		for i := range rel {
			rel[i] -= e.gnssPosOffset.xyz[i]
		}
	}

	posNoise := e.cfg.GNSSPosNoise * e.cfg.GNSSPosNoise
	horizVar := max(posNoise, e.vehicleGNSS.EPH*e.vehicleGNSS.EPH)
	vertVar := max(posNoise, e.vehicleGNSS.EPV*e.vehicleGNSS.EPV)

	obs.Timestamp = ts
	obs.Updated = true
	for i := 0; i < 3; i++ {
		obs.Meas[i] = rel[i]
		obs.H[i][IdxRelPos] = 1
		obs.H[i][IdxBias] = 1
	}
	obs.MeasUnc = [3]float64{horizVar, horizVar, vertVar}
	return true
}

// buildVehicleGNSSVel observes the vehicle velocity state directly from the
// vehicle GNSS velocity, corrected by the configured antenna velocity offset.
func (e *Estimator) buildVehicleGNSSVel(now time.Time, obs *Observation) bool {
	f := e.vehicleGNSS
	if !f.VelValid || !e.isFresh(now, f.Timestamp) {
		return false
	}
	if f.Timestamp.Equal(e.lastObsTime[ObsVehicleGNSSVel]) {
		return false
	}

	velVar := max(e.cfg.GNSSVelNoise*e.cfg.GNSSVelNoise, f.SAcc*f.SAcc)

	obs.Timestamp = f.Timestamp
	obs.Updated = true
	for i := 0; i < 3; i++ {
		v := f.VelNED[i]
		if e.velOffset.valid {
			v += e.velOffset.xyz[i]
		}
		obs.Meas[i] = v
		obs.H[i][IdxVehicleVel] = 1
		obs.MeasUnc[i] = velVar
	}
	return true
}

// buildTargetGNSSVel observes the target velocity state from the target GNSS
// velocity. Only meaningful when the target is modelled as moving.
func (e *Estimator) buildTargetGNSSVel(now time.Time, obs *Observation) bool {
	if !e.cfg.MovingTarget {
		return false
	}
	r := e.targetGNSS
	if !r.VelValid || !e.isFresh(now, r.Timestamp) {
		return false
	}
	if r.Timestamp.Equal(e.lastObsTime[ObsTargetGNSSVel]) {
		return false
	}

	velVar := max(e.cfg.GNSSVelNoise*e.cfg.GNSSVelNoise, r.SAcc*r.SAcc)

	obs.Timestamp = r.Timestamp
	obs.Updated = true
	for i := 0; i < 3; i++ {
		obs.Meas[i] = r.VelNED[i]
		obs.H[i][IdxTargetVel] = 1
		obs.MeasUnc[i] = velVar
	}
	return true
}

// visionVariance resolves the measurement variance for one vision axis. The
// configured noise floor is always a lower bound; outside EV-noise mode the
// floor grows with the range-to-ground distance since angular vision error
// scales with distance.
func (e *Estimator) visionVariance(reported float64, now time.Time) float64 {
	floor := e.cfg.EVPosNoise * e.cfg.EVPosNoise
	if e.cfg.EVNoiseMode {
		return max(reported, floor)
	}
	if e.rangeSensor.valid && e.isFresh(now, e.rangeSensor.timestamp) && e.rangeSensor.dist > 0 {
		scale := 1 + 0.1*e.rangeSensor.dist
		return floor * scale * scale
	}
	return floor
}

// buildVision turns the vision relative position report into an observation.
// Vision is the bias-free reference frame, so the bias state is not observed.
func (e *Estimator) buildVision(now time.Time, obs *Observation) bool {
	r := e.vision
	if !r.Valid || !e.isFresh(now, r.Timestamp) {
		return false
	}
	if e.cfg.EVNoiseMode {
		// Reported covariance must be usable when we are told to trust it.
		for _, v := range r.Var {
			if v <= 0 {
				return false
			}
		}
	}
	if r.Timestamp.Equal(e.lastObsTime[ObsVision]) {
		return false
	}

	obs.Timestamp = r.Timestamp
	obs.Updated = true
	for i := 0; i < 3; i++ {
		obs.Meas[i] = r.RelPosNED[i]
		obs.H[i][IdxRelPos] = 1
		obs.MeasUnc[i] = e.visionVariance(r.Var[i], now)
	}
	return true
}

// buildUWB turns the UWB relative position report into an observation. Like
// vision, UWB observes the bias-free relative position.
func (e *Estimator) buildUWB(now time.Time, obs *Observation) bool {
	r := e.uwb
	if !r.Valid || !e.isFresh(now, r.Timestamp) {
		return false
	}
	if r.Timestamp.Equal(e.lastObsTime[ObsUWB]) {
		return false
	}

	unc := max(r.Var, e.cfg.UWBPosNoise*e.cfg.UWBPosNoise)

	obs.Timestamp = r.Timestamp
	obs.Updated = true
	for i := 0; i < 3; i++ {
		obs.Meas[i] = r.RelPosNED[i]
		obs.H[i][IdxRelPos] = 1
		obs.MeasUnc[i] = unc
	}
	return true
}

// processObservations builds this cycle's ObservationSet by running every
// enabled handler and collecting the validity bits of those that produced a
// usable observation.
func (e *Estimator) processObservations(now time.Time) ObservationSet {
	var set ObservationSet
	for _, h := range obsHandlers {
		if e.cfg.AidMask&h.aid == 0 {
			continue
		}
		obs := &set.Obs[h.typ]
		obs.Type = h.typ
		if h.build(e, now, obs) {
			set.Valid |= h.valid
		}
	}
	return set
}
