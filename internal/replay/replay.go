// Package replay feeds recorded sensor logs through the estimator. A log is
// JSON-lines, one record per line, with a monotonic time offset in seconds
// from the start of the log. Vehicle acceleration records drive the
// estimation cycle; every other record only refreshes a cached input.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/targetfusion/internal/estimator"
	"github.com/banshee-data/targetfusion/internal/monitoring"
	"github.com/banshee-data/targetfusion/internal/timeutil"
)

// Record kinds accepted in a sensor log.
const (
	KindVehicleAcc  = "vehicle_acc"
	KindVehicleGNSS = "vehicle_gnss"
	KindTargetGNSS  = "target_gnss"
	KindVision      = "vision"
	KindUWB         = "uwb"
	KindMission     = "mission"
	KindRange       = "range"
	KindLocalPos    = "local_pos"
	KindLocalVel    = "local_vel"
	KindReset       = "reset"
)

// Record is one line of a sensor log. Only the fields relevant to the
// record's kind are set.
type Record struct {
	T    float64 `json:"t"` // seconds from log start
	Kind string  `json:"kind"`

	Acc *[3]float64 `json:"acc,omitempty"`

	Lat      *float64    `json:"lat,omitempty"`
	Lon      *float64    `json:"lon,omitempty"`
	Alt      *float64    `json:"alt,omitempty"`
	EPH      *float64    `json:"eph,omitempty"`
	EPV      *float64    `json:"epv,omitempty"`
	SAcc     *float64    `json:"s_acc,omitempty"`
	Vel      *[3]float64 `json:"vel,omitempty"`
	PosValid *bool       `json:"pos_valid,omitempty"`
	VelValid *bool       `json:"vel_valid,omitempty"`

	Pos *[3]float64 `json:"pos,omitempty"`
	Var *[3]float64 `json:"var,omitempty"`
	Unc *float64    `json:"unc,omitempty"`

	Dist *float64 `json:"dist,omitempty"`
}

// TypeSummary aggregates fusion outcomes for one observation type.
type TypeSummary struct {
	Attempted     int
	Fused         int
	Rejected      int
	MeanTestRatio float64
}

// Result collects everything a replay produced.
type Result struct {
	Cycles      int
	States      []estimator.FusedState
	Innovations []estimator.InnovationRecord
	Summaries   map[string]TypeSummary
}

// Runner drives an estimator from a sensor log using a mock clock, so replay
// time is log time rather than wall time.
type Runner struct {
	est   *estimator.Estimator
	clock *timeutil.MockClock
	base  time.Time
}

// NewRunner creates a replay runner. The estimator must have been
// constructed with the same clock.
func NewRunner(est *estimator.Estimator, clock *timeutil.MockClock, base time.Time) *Runner {
	return &Runner{est: est, clock: clock, base: base}
}

func f(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func b(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// apply dispatches one record into the estimator. Returns whether the record
// drove an estimation cycle.
func (r *Runner) apply(rec Record) (bool, error) {
	now := r.clock.Now()
	switch rec.Kind {
	case KindVehicleAcc:
		if rec.Acc == nil {
			return false, fmt.Errorf("vehicle_acc record without acc")
		}
		r.est.Update(*rec.Acc)
		return true, nil

	case KindVehicleGNSS:
		rep := estimator.VehicleGNSSReport{
			Timestamp: now,
			PosValid:  b(rec.PosValid, rec.Lat != nil),
			EPH:       f(rec.EPH),
			EPV:       f(rec.EPV),
			SAcc:      f(rec.SAcc),
			VelValid:  b(rec.VelValid, rec.Vel != nil),
		}
		rep.Pos.LatDeg = f(rec.Lat)
		rep.Pos.LonDeg = f(rec.Lon)
		rep.Pos.AltM = f(rec.Alt)
		if rec.Vel != nil {
			rep.VelNED = *rec.Vel
		}
		r.est.SetVehicleGNSS(rep)

	case KindTargetGNSS:
		rep := estimator.TargetGNSSReport{
			Timestamp: now,
			PosValid:  b(rec.PosValid, rec.Lat != nil),
			EPH:       f(rec.EPH),
			EPV:       f(rec.EPV),
			SAcc:      f(rec.SAcc),
			VelValid:  b(rec.VelValid, rec.Vel != nil),
		}
		rep.Pos.LatDeg = f(rec.Lat)
		rep.Pos.LonDeg = f(rec.Lon)
		rep.Pos.AltM = f(rec.Alt)
		if rec.Vel != nil {
			rep.VelNED = *rec.Vel
		}
		r.est.SetTargetGNSS(rep)

	case KindVision:
		rep := estimator.VisionReport{Timestamp: now, Valid: rec.Pos != nil}
		if rec.Pos != nil {
			rep.RelPosNED = *rec.Pos
		}
		if rec.Var != nil {
			rep.Var = *rec.Var
		}
		r.est.SetVisionReport(rep)

	case KindUWB:
		rep := estimator.UWBReport{Timestamp: now, Valid: rec.Pos != nil, Var: f(rec.Unc)}
		if rec.Pos != nil {
			rep.RelPosNED = *rec.Pos
		}
		r.est.SetUWBReport(rep)

	case KindMission:
		r.est.SetMissionPosition(f(rec.Lat), f(rec.Lon), f(rec.Alt))

	case KindRange:
		r.est.SetRangeSensor(f(rec.Dist), rec.Dist != nil, now)

	case KindLocalPos:
		if rec.Pos != nil {
			r.est.SetLocalPosition(*rec.Pos, true, now)
		}

	case KindLocalVel:
		if rec.Vel != nil {
			r.est.SetLocalVelocity(*rec.Vel, true, now)
		}

	case KindReset:
		r.est.Reset()

	default:
		return false, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return false, nil
}

// Run replays a sensor log from rd and returns the collected outputs.
// Records must be ordered by their time offset; an out-of-order offset is an
// error since the mock clock would run backwards.
func (r *Runner) Run(rd io.Reader) (*Result, error) {
	res := &Result{Summaries: make(map[string]TypeSummary)}
	ratios := make(map[string][]float64)

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lastT := -1.0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.T < lastT {
			return nil, fmt.Errorf("line %d: time offset %.3f precedes %.3f", line, rec.T, lastT)
		}
		lastT = rec.T
		r.clock.Set(r.base.Add(time.Duration(rec.T * float64(time.Second))))

		cycled, err := r.apply(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !cycled {
			continue
		}

		res.Cycles++
		res.States = append(res.States, r.est.Output())
		for _, inn := range r.est.CycleInnovations() {
			res.Innovations = append(res.Innovations, inn)
			key := inn.Type.String()
			s := res.Summaries[key]
			s.Attempted++
			if inn.Fused {
				s.Fused++
			} else {
				s.Rejected++
			}
			res.Summaries[key] = s
			if inn.TestRatio >= 0 {
				ratios[key] = append(ratios[key], inn.TestRatio)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	for key, rs := range ratios {
		s := res.Summaries[key]
		s.MeanTestRatio = stat.Mean(rs, nil)
		res.Summaries[key] = s
	}

	monitoring.Logf("[Replay] %d cycles, %d innovation records", res.Cycles, len(res.Innovations))
	return res, nil
}
