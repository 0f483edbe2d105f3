package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for estimator tuning
// parameters. Fields are pointers so a partial JSON file only overrides what
// it names; the Get* accessors supply defaults for the rest.
type TuningConfig struct {
	// Estimator lifecycle params
	MovingTarget    *bool   `json:"moving_target,omitempty"`
	AidMask         *int    `json:"aid_mask,omitempty"`
	Timeout         *string `json:"timeout,omitempty"`           // duration string like "3s"
	StalenessWindow *string `json:"staleness_window,omitempty"`  // duration string like "1s"
	NISThreshold    *float64 `json:"nis_threshold,omitempty"`

	// Process noise params
	InputAccVar  *float64 `json:"input_acc_var,omitempty"`
	BiasVar      *float64 `json:"bias_var,omitempty"`
	TargetAccVar *float64 `json:"target_acc_var,omitempty"`

	// Initial variance params
	PosVarInit  *float64 `json:"pos_var_init,omitempty"`
	VelVarInit  *float64 `json:"vel_var_init,omitempty"`
	BiasVarInit *float64 `json:"bias_var_init,omitempty"`
	AccVarInit  *float64 `json:"acc_var_init,omitempty"`

	// Measurement noise params
	GNSSPosNoise *float64 `json:"gnss_pos_noise,omitempty"`
	GNSSVelNoise *float64 `json:"gnss_vel_noise,omitempty"`
	EVPosNoise   *float64 `json:"ev_pos_noise,omitempty"`
	UWBPosNoise  *float64 `json:"uwb_pos_noise,omitempty"`
	EVNoiseMode  *bool    `json:"ev_noise_mode,omitempty"`
	BiasLimit    *float64 `json:"bias_limit,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and common parents.
// Panics if the file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.NISThreshold != nil && *c.NISThreshold <= 0 {
		return fmt.Errorf("nis_threshold must be positive, got %f", *c.NISThreshold)
	}
	if c.AidMask != nil && (*c.AidMask < 0 || *c.AidMask > 0x3f) {
		return fmt.Errorf("aid_mask must be a 6-bit mask, got %d", *c.AidMask)
	}
	if c.Timeout != nil && *c.Timeout != "" {
		if _, err := time.ParseDuration(*c.Timeout); err != nil {
			return fmt.Errorf("invalid timeout '%s': %w", *c.Timeout, err)
		}
	}
	if c.StalenessWindow != nil && *c.StalenessWindow != "" {
		if _, err := time.ParseDuration(*c.StalenessWindow); err != nil {
			return fmt.Errorf("invalid staleness_window '%s': %w", *c.StalenessWindow, err)
		}
	}
	for name, v := range map[string]*float64{
		"input_acc_var":  c.InputAccVar,
		"bias_var":       c.BiasVar,
		"target_acc_var": c.TargetAccVar,
		"pos_var_init":   c.PosVarInit,
		"vel_var_init":   c.VelVarInit,
		"bias_var_init":  c.BiasVarInit,
		"acc_var_init":   c.AccVarInit,
		"gnss_pos_noise": c.GNSSPosNoise,
		"gnss_vel_noise": c.GNSSVelNoise,
		"ev_pos_noise":   c.EVPosNoise,
		"uwb_pos_noise":  c.UWBPosNoise,
		"bias_limit":     c.BiasLimit,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	return nil
}

// GetMovingTarget returns the moving_target value or the default.
func (c *TuningConfig) GetMovingTarget() bool {
	if c.MovingTarget == nil {
		return false
	}
	return *c.MovingTarget
}

// GetAidMask returns the aid_mask value or the default (all sensors).
func (c *TuningConfig) GetAidMask() int {
	if c.AidMask == nil {
		return 0x3f
	}
	return *c.AidMask
}

// GetEstimatorTimeout parses and returns the timeout as a time.Duration.
func (c *TuningConfig) GetEstimatorTimeout() time.Duration {
	if c.Timeout == nil || *c.Timeout == "" {
		return 3 * time.Second
	}
	d, err := time.ParseDuration(*c.Timeout)
	if err != nil {
		return 3 * time.Second
	}
	return d
}

// GetStalenessWindow parses and returns the staleness window as a
// time.Duration.
func (c *TuningConfig) GetStalenessWindow() time.Duration {
	if c.StalenessWindow == nil || *c.StalenessWindow == "" {
		return time.Second
	}
	d, err := time.ParseDuration(*c.StalenessWindow)
	if err != nil {
		return time.Second
	}
	return d
}

// GetNISThreshold returns the nis_threshold value or the default.
func (c *TuningConfig) GetNISThreshold() float64 {
	if c.NISThreshold == nil {
		return 3.84
	}
	return *c.NISThreshold
}

// GetInputAccVar returns the input_acc_var value or the default.
func (c *TuningConfig) GetInputAccVar() float64 {
	if c.InputAccVar == nil {
		return 1.0
	}
	return *c.InputAccVar
}

// GetBiasVar returns the bias_var value or the default.
func (c *TuningConfig) GetBiasVar() float64 {
	if c.BiasVar == nil {
		return 0.05
	}
	return *c.BiasVar
}

// GetTargetAccVar returns the target_acc_var value or the default.
func (c *TuningConfig) GetTargetAccVar() float64 {
	if c.TargetAccVar == nil {
		return 1.0
	}
	return *c.TargetAccVar
}

// GetPosVarInit returns the pos_var_init value or the default.
func (c *TuningConfig) GetPosVarInit() float64 {
	if c.PosVarInit == nil {
		return 0.5
	}
	return *c.PosVarInit
}

// GetVelVarInit returns the vel_var_init value or the default.
func (c *TuningConfig) GetVelVarInit() float64 {
	if c.VelVarInit == nil {
		return 0.5
	}
	return *c.VelVarInit
}

// GetBiasVarInit returns the bias_var_init value or the default.
func (c *TuningConfig) GetBiasVarInit() float64 {
	if c.BiasVarInit == nil {
		return 1.0
	}
	return *c.BiasVarInit
}

// GetAccVarInit returns the acc_var_init value or the default.
func (c *TuningConfig) GetAccVarInit() float64 {
	if c.AccVarInit == nil {
		return 0.1
	}
	return *c.AccVarInit
}

// GetGNSSPosNoise returns the gnss_pos_noise value or the default.
func (c *TuningConfig) GetGNSSPosNoise() float64 {
	if c.GNSSPosNoise == nil {
		return 0.5
	}
	return *c.GNSSPosNoise
}

// GetGNSSVelNoise returns the gnss_vel_noise value or the default.
func (c *TuningConfig) GetGNSSVelNoise() float64 {
	if c.GNSSVelNoise == nil {
		return 0.3
	}
	return *c.GNSSVelNoise
}

// GetEVPosNoise returns the ev_pos_noise value or the default.
func (c *TuningConfig) GetEVPosNoise() float64 {
	if c.EVPosNoise == nil {
		return 0.1
	}
	return *c.EVPosNoise
}

// GetUWBPosNoise returns the uwb_pos_noise value or the default.
func (c *TuningConfig) GetUWBPosNoise() float64 {
	if c.UWBPosNoise == nil {
		return 0.15
	}
	return *c.UWBPosNoise
}

// GetEVNoiseMode returns the ev_noise_mode value or the default.
func (c *TuningConfig) GetEVNoiseMode() bool {
	if c.EVNoiseMode == nil {
		return true
	}
	return *c.EVNoiseMode
}

// GetBiasLimit returns the bias_limit value or the default.
func (c *TuningConfig) GetBiasLimit() float64 {
	if c.BiasLimit == nil {
		return 10
	}
	return *c.BiasLimit
}
