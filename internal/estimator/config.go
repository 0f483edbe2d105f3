package estimator

import (
	"time"

	"github.com/banshee-data/targetfusion/internal/config"
)

// Config holds the tunable parameters of the estimator. It is constructed
// once before the lifecycle begins and passed into New; changing sensor
// selection or noise tuning afterwards requires a Reset.
type Config struct {
	MovingTarget bool             // model the target with acceleration and velocity states
	AidMask      SensorFusionMask // sensor types eligible for fusion

	Timeout         time.Duration // max time since last accepted fusion before TimedOut
	StalenessWindow time.Duration // max age for a cached input to count as fresh

	NISThreshold float64 // gate for the normalised innovation squared test

	// Process noise variances.
	InputAccVar  float64 // vehicle acceleration input
	BiasVar      float64 // GNSS bias random walk
	TargetAccVar float64 // target acceleration

	// Initial state variances (diagonal covariance at seeding).
	PosVarInit  float64
	VelVarInit  float64
	BiasVarInit float64
	AccVarInit  float64

	// Measurement noise floors, 1-sigma.
	GNSSPosNoise float64
	GNSSVelNoise float64
	EVPosNoise   float64
	UWBPosNoise  float64

	// EVNoiseMode trusts the vision report's own covariance (bounded below
	// by EVPosNoise) instead of deriving noise from the configured floor.
	EVNoiseMode bool

	// BiasLimit discards a latched bias whose norm exceeds this many metres.
	// Zero disables the check.
	BiasLimit float64
}

// DefaultConfig returns production-default estimator parameters.
func DefaultConfig() Config {
	return Config{
		MovingTarget:    false,
		AidMask:         AidAll,
		Timeout:         3 * time.Second,
		StalenessWindow: time.Second,
		NISThreshold:    3.84, // chi-square 95%, 1 dof
		InputAccVar:     1.0,
		BiasVar:         0.05,
		TargetAccVar:    1.0,
		PosVarInit:      0.5,
		VelVarInit:      0.5,
		BiasVarInit:     1.0,
		AccVarInit:      0.1,
		GNSSPosNoise:    0.5,
		GNSSVelNoise:    0.3,
		EVPosNoise:      0.1,
		UWBPosNoise:     0.15,
		EVNoiseMode:     true,
		BiasLimit:       10,
	}
}

// ConfigFromTuning derives an estimator Config from the JSON tuning layer,
// falling back to defaults for unset fields.
func ConfigFromTuning(t *config.TuningConfig) Config {
	cfg := DefaultConfig()
	if t == nil {
		return cfg
	}
	cfg.MovingTarget = t.GetMovingTarget()
	cfg.AidMask = SensorFusionMask(t.GetAidMask())
	cfg.Timeout = t.GetEstimatorTimeout()
	cfg.StalenessWindow = t.GetStalenessWindow()
	cfg.NISThreshold = t.GetNISThreshold()
	cfg.InputAccVar = t.GetInputAccVar()
	cfg.BiasVar = t.GetBiasVar()
	cfg.TargetAccVar = t.GetTargetAccVar()
	cfg.PosVarInit = t.GetPosVarInit()
	cfg.VelVarInit = t.GetVelVarInit()
	cfg.BiasVarInit = t.GetBiasVarInit()
	cfg.AccVarInit = t.GetAccVarInit()
	cfg.GNSSPosNoise = t.GetGNSSPosNoise()
	cfg.GNSSVelNoise = t.GetGNSSVelNoise()
	cfg.EVPosNoise = t.GetEVPosNoise()
	cfg.UWBPosNoise = t.GetUWBPosNoise()
	cfg.EVNoiseMode = t.GetEVNoiseMode()
	cfg.BiasLimit = t.GetBiasLimit()
	return cfg
}
