package estimator

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// NumStates is the dimension of the per-axis state vector. All three axis
// filters and every observation matrix share this dimension.
const NumStates = 5

// Indices into the per-axis state vector.
const (
	IdxRelPos     = 0 // relative position target - vehicle
	IdxVehicleVel = 1 // vehicle velocity
	IdxBias       = 2 // GNSS-to-relative-sensor bias
	IdxTargetAcc  = 3 // target acceleration
	IdxTargetVel  = 4 // target velocity
)

const (
	// innovCovEpsilon is the threshold below which the innovation covariance
	// is considered degenerate and the NIS ratio untestable.
	innovCovEpsilon = 1e-6

	// UntestableRatio is returned by TestRatio when the innovation covariance
	// is numerically negligible. It signals "untestable", not "passed".
	UntestableRatio = -1.0
)

// AxisFilter is a scalar Kalman filter for one spatial axis of the relative
// target state. It has no knowledge of sensor semantics: the orchestrator
// sets the measurement row and drives the predict/update cycle.
type AxisFilter struct {
	state *mat.VecDense // canonical state estimate
	sync  *mat.VecDense // time-shifted copy used for out-of-order innovations
	cov   *mat.Dense    // state covariance
	h     *mat.VecDense // last measurement row

	inputAccVar  float64 // vehicle acceleration process noise variance
	biasVar      float64 // bias random walk variance
	targetAccVar float64 // target acceleration process noise variance
	nisThreshold float64 // gate for the normalised innovation squared test

	innov    float64 // last computed innovation
	innovCov float64 // last computed innovation covariance
}

// NewAxisFilter creates a filter with zero state and covariance. The caller
// seeds both through SetState and SetStateVar before the first prediction.
func NewAxisFilter(inputAccVar, biasVar, targetAccVar, nisThreshold float64) *AxisFilter {
	return &AxisFilter{
		state:        mat.NewVecDense(NumStates, nil),
		sync:         mat.NewVecDense(NumStates, nil),
		cov:          mat.NewDense(NumStates, NumStates, nil),
		h:            mat.NewVecDense(NumStates, nil),
		inputAccVar:  inputAccVar,
		biasVar:      biasVar,
		targetAccVar: targetAccVar,
		nisThreshold: nisThreshold,
	}
}

// propagate applies the constant-relative-acceleration motion model to v over
// dt seconds, driven by the external vehicle acceleration acc and the
// filter's own target acceleration state.
func propagate(v *mat.VecDense, dt, acc float64) {
	r := v.AtVec(IdxRelPos)
	vv := v.AtVec(IdxVehicleVel)
	at := v.AtVec(IdxTargetAcc)
	vt := v.AtVec(IdxTargetVel)

	v.SetVec(IdxRelPos, r+dt*(vt-vv)+0.5*dt*dt*(at-acc))
	v.SetVec(IdxVehicleVel, vv+dt*acc)
	v.SetVec(IdxTargetVel, vt+dt*at)
}

// PredictState propagates the state estimate forward by dt seconds. dt must
// be non-negative; dt == 0 is a no-op. The sync copy is realigned with the
// canonical state so subsequent innovations compare against current time.
func (f *AxisFilter) PredictState(dt, acc float64) {
	if dt <= 0 {
		f.sync.CopyVec(f.state)
		return
	}
	propagate(f.state, dt, acc)
	f.sync.CopyVec(f.state)
}

// SyncState propagates the comparison copy of the state across dt, which may
// be negative, to reconcile the filter's time base with an observation that
// precedes the last prediction. The canonical state and covariance are not
// touched.
func (f *AxisFilter) SyncState(dt, acc float64) {
	propagate(f.sync, dt, acc)
}

// transition returns the linearised state transition matrix for dt.
func transition(dt float64) *mat.Dense {
	phi := mat.NewDense(NumStates, NumStates, nil)
	for i := 0; i < NumStates; i++ {
		phi.Set(i, i, 1)
	}
	phi.Set(IdxRelPos, IdxVehicleVel, -dt)
	phi.Set(IdxRelPos, IdxTargetAcc, 0.5*dt*dt)
	phi.Set(IdxRelPos, IdxTargetVel, dt)
	phi.Set(IdxTargetVel, IdxTargetAcc, dt)
	return phi
}

// PredictCov propagates the covariance by dt seconds and adds process noise.
// Must be called with the same dt as PredictState within a cycle; the split
// allows state-only propagation when covariance is not yet needed.
func (f *AxisFilter) PredictCov(dt float64) {
	if dt <= 0 {
		return
	}
	phi := transition(dt)

	var pp, next mat.Dense
	pp.Mul(phi, f.cov)
	next.Mul(&pp, phi.T())

	// Process noise from three independent sources, each mapped through its
	// first-order discretised input vector.
	gIn := []float64{-0.5 * dt * dt, dt, 0, 0, 0}
	gBias := []float64{0, 0, dt, 0, 0}
	gAcc := []float64{0.5 * dt * dt, 0, 0, dt, 0.5 * dt * dt}

	for i := 0; i < NumStates; i++ {
		for j := 0; j < NumStates; j++ {
			q := f.inputAccVar*gIn[i]*gIn[j] +
				f.biasVar*gBias[i]*gBias[j] +
				f.targetAccVar*gAcc[i]*gAcc[j]
			next.Set(i, j, next.At(i, j)+q)
		}
	}
	f.cov.Copy(&next)
}

// SetH sets the measurement row used by subsequent innovation computations
// and by Update.
func (f *AxisFilter) SetH(row [NumStates]float64) {
	for i, v := range row {
		f.h.SetVec(i, v)
	}
}

// SetState overwrites the state estimate. Used at (re)initialisation.
func (f *AxisFilter) SetState(state [NumStates]float64) {
	for i, v := range state {
		f.state.SetVec(i, v)
	}
	f.sync.CopyVec(f.state)
}

// SetStateComponent overwrites a single state component, leaving covariance
// unchanged. Used when the orchestrator injects a latched bias.
func (f *AxisFilter) SetStateComponent(idx int, v float64) {
	f.state.SetVec(idx, v)
	f.sync.SetVec(idx, v)
}

// SetStateVar rebuilds the covariance as a diagonal matrix from the supplied
// variances, discarding any off-diagonal terms. Used at (re)initialisation.
func (f *AxisFilter) SetStateVar(variances [NumStates]float64) {
	f.cov.Zero()
	for i, v := range variances {
		f.cov.Set(i, i, v)
	}
}

// State returns a copy of the state estimate.
func (f *AxisFilter) State() [NumStates]float64 {
	var out [NumStates]float64
	for i := range out {
		out[i] = f.state.AtVec(i)
	}
	return out
}

// StateVar returns the diagonal of the covariance matrix.
func (f *AxisFilter) StateVar() [NumStates]float64 {
	var out [NumStates]float64
	for i := range out {
		out[i] = f.cov.At(i, i)
	}
	return out
}

// ComputeInnovCov computes and stores the innovation covariance
// S = H*P*H' + measUnc for the current measurement row.
func (f *AxisFilter) ComputeInnovCov(measUnc float64) float64 {
	var ph mat.VecDense
	ph.MulVec(f.cov, f.h)
	f.innovCov = mat.Dot(f.h, &ph) + measUnc
	return f.innovCov
}

// ComputeInnov computes and stores the innovation meas - H*x against the
// (possibly time-synced) state.
func (f *AxisFilter) ComputeInnov(meas float64) float64 {
	f.innov = meas - mat.Dot(f.h, f.sync)
	return f.innov
}

// TestRatio returns the normalised innovation squared statistic for the last
// innovation pair, or UntestableRatio when the innovation covariance is
// numerically negligible.
func (f *AxisFilter) TestRatio() float64 {
	if math.Abs(f.innovCov) < innovCovEpsilon {
		return UntestableRatio
	}
	return f.innov * f.innov / f.innovCov
}

// Update applies the scalar Kalman correction for the most recently computed
// innovation. The caller passes the precomputed NIS test ratio so the gate
// check cannot be skipped: a ratio above the configured threshold rejects the
// measurement and leaves the filter unchanged. An untestable ratio is fused
// as-is only when the innovation covariance itself is usable; a degenerate
// covariance always rejects. Returns whether the correction was applied.
func (f *AxisFilter) Update(testRatio float64) bool {
	if math.Abs(f.innovCov) < innovCovEpsilon {
		return false
	}
	if testRatio >= 0 && testRatio > f.nisThreshold {
		return false
	}

	// K = P*H' / S
	var k mat.VecDense
	k.MulVec(f.cov, f.h)
	k.ScaleVec(1/f.innovCov, &k)

	// x = x + K*innov
	var corr mat.VecDense
	corr.ScaleVec(f.innov, &k)
	f.state.AddVec(f.state, &corr)
	f.sync.CopyVec(f.state)

	// P = (I - K*H') * P
	var kh mat.Dense
	kh.Outer(1, &k, f.h)
	ikh := mat.NewDense(NumStates, NumStates, nil)
	for i := 0; i < NumStates; i++ {
		for j := 0; j < NumStates; j++ {
			id := 0.0
			if i == j {
				id = 1.0
			}
			ikh.Set(i, j, id-kh.At(i, j))
		}
	}
	var next mat.Dense
	next.Mul(ikh, f.cov)
	f.cov.Copy(&next)
	return true
}
