package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/targetfusion/internal/estimator"
)

// FusionRun represents a single replay of a sensor log through the
// estimator.
type FusionRun struct {
	RunID       string          `json:"run_id"`
	SourcePath  string          `json:"source_path"`
	ParamsJSON  json.RawMessage `json:"params_json,omitempty"`
	StartedAt   int64           `json:"started_at"`
	CompletedAt int64           `json:"completed_at"`
	Cycles      int64           `json:"cycles"`
}

// RunStore provides persistence for fusion runs and their outputs.
type RunStore struct {
	db *DB
}

// NewRunStore creates a RunStore backed by the given database.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// InsertRun persists a new run. If RunID is empty, a UUID is generated.
func (s *RunStore) InsertRun(run *FusionRun) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixNano()
	}

	var paramsStr interface{}
	if len(run.ParamsJSON) > 0 {
		paramsStr = string(run.ParamsJSON)
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO fusion_runs (run_id, source_path, params_json, started_at, completed_at, cycles)
			VALUES (?, ?, ?, ?, 0, 0)`,
			run.RunID, run.SourcePath, paramsStr, run.StartedAt,
		)
		return err
	})
}

// CompleteRun marks a run as finished with its final cycle count.
func (s *RunStore) CompleteRun(runID string, cycles int64) error {
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE fusion_runs SET completed_at = ?, cycles = ? WHERE run_id = ?`,
			time.Now().UnixNano(), cycles, runID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no run with id %s", runID)
		}
		return nil
	})
}

// GetRun returns a run by ID.
func (s *RunStore) GetRun(runID string) (*FusionRun, error) {
	row := s.db.QueryRow(`
		SELECT run_id, source_path, params_json, started_at, completed_at, cycles
		FROM fusion_runs WHERE run_id = ?`, runID)

	var run FusionRun
	var params sql.NullString
	err := row.Scan(&run.RunID, &run.SourcePath, &params, &run.StartedAt, &run.CompletedAt, &run.Cycles)
	if err != nil {
		return nil, err
	}
	if params.Valid {
		run.ParamsJSON = json.RawMessage(params.String)
	}
	return &run, nil
}

// InsertState persists one fused state snapshot for a run.
func (s *RunStore) InsertState(runID string, st estimator.FusedState) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO fusion_states (
				run_id, t_nanos, valid, stale,
				rel_n, rel_e, rel_d,
				rel_var_n, rel_var_e, rel_var_d,
				vehicle_vel_n, vehicle_vel_e, vehicle_vel_d,
				bias_n, bias_e, bias_d,
				target_vel_n, target_vel_e, target_vel_d
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, st.Timestamp.UnixNano(), boolToInt(st.Valid), boolToInt(st.Stale),
			st.RelPos[0], st.RelPos[1], st.RelPos[2],
			st.RelPosVar[0], st.RelPosVar[1], st.RelPosVar[2],
			st.VehicleVel[0], st.VehicleVel[1], st.VehicleVel[2],
			st.Bias[0], st.Bias[1], st.Bias[2],
			st.TargetVel[0], st.TargetVel[1], st.TargetVel[2],
		)
		return err
	})
}

// InsertInnovations persists a batch of innovation records in one
// transaction.
func (s *RunStore) InsertInnovations(runID string, recs []estimator.InnovationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO fusion_innovations (run_id, t_nanos, obs_type, axis, innovation, innovation_var, test_ratio, fused)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			if _, err := stmt.Exec(
				runID, r.Timestamp.UnixNano(), r.Type.String(), r.Axis,
				r.Innovation, r.InnovationVar, r.TestRatio, boolToInt(r.Fused),
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// StateRow is a persisted fused state snapshot.
type StateRow struct {
	TNanos     int64
	Valid      bool
	Stale      bool
	RelPos     [3]float64
	RelPosVar  [3]float64
	VehicleVel [3]float64
	Bias       [3]float64
	TargetVel  [3]float64
}

// ListStates returns the fused states of a run in time order.
func (s *RunStore) ListStates(runID string) ([]StateRow, error) {
	rows, err := s.db.Query(`
		SELECT t_nanos, valid, stale,
			rel_n, rel_e, rel_d,
			rel_var_n, rel_var_e, rel_var_d,
			vehicle_vel_n, vehicle_vel_e, vehicle_vel_d,
			bias_n, bias_e, bias_d,
			target_vel_n, target_vel_e, target_vel_d
		FROM fusion_states WHERE run_id = ? ORDER BY t_nanos`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var r StateRow
		var valid, stale int
		if err := rows.Scan(&r.TNanos, &valid, &stale,
			&r.RelPos[0], &r.RelPos[1], &r.RelPos[2],
			&r.RelPosVar[0], &r.RelPosVar[1], &r.RelPosVar[2],
			&r.VehicleVel[0], &r.VehicleVel[1], &r.VehicleVel[2],
			&r.Bias[0], &r.Bias[1], &r.Bias[2],
			&r.TargetVel[0], &r.TargetVel[1], &r.TargetVel[2],
		); err != nil {
			return nil, err
		}
		r.Valid = valid != 0
		r.Stale = stale != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// InnovationRow is a persisted innovation diagnostic.
type InnovationRow struct {
	TNanos        int64
	ObsType       string
	Axis          int
	Innovation    float64
	InnovationVar float64
	TestRatio     float64
	Fused         bool
}

// ListInnovations returns the innovation records of a run in time order,
// optionally filtered by observation type (empty string selects all).
func (s *RunStore) ListInnovations(runID, obsType string) ([]InnovationRow, error) {
	query := `
		SELECT t_nanos, obs_type, axis, innovation, innovation_var, test_ratio, fused
		FROM fusion_innovations WHERE run_id = ?`
	args := []interface{}{runID}
	if obsType != "" {
		query += ` AND obs_type = ?`
		args = append(args, obsType)
	}
	query += ` ORDER BY t_nanos`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InnovationRow
	for rows.Next() {
		var r InnovationRow
		var fused int
		if err := rows.Scan(&r.TNanos, &r.ObsType, &r.Axis, &r.Innovation, &r.InnovationVar, &r.TestRatio, &fused); err != nil {
			return nil, err
		}
		r.Fused = fused != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
