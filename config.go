package orca_hand

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in HandConfig.Transport.
const (
	TransportDynamixel = "dynamixel"
	TransportFeetech   = "feetech"
	TransportSim       = "sim"
)

// HandConfig is the hand model: transport, joints, motion and calibration tuning.
type HandConfig struct {
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
	Port      string `json:"port,omitempty" yaml:"port,omitempty"`
	Baudrate  int    `json:"baudrate,omitempty" yaml:"baudrate,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	ControlMode   string `json:"control_mode,omitempty" yaml:"control_mode,omitempty"`
	MaxCurrent    int    `json:"max_current,omitempty" yaml:"max_current,omitempty"`
	CalibCurrent  int    `json:"calib_current,omitempty" yaml:"calib_current,omitempty"`
	VelocityLimit int    `json:"velocity_limit,omitempty" yaml:"velocity_limit,omitempty"`

	ControlCycleMs      int     `json:"control_cycle_ms,omitempty" yaml:"control_cycle_ms,omitempty"`
	Interpolation       string  `json:"interpolation,omitempty" yaml:"interpolation,omitempty"`
	DefaultNumSteps     int     `json:"default_num_steps,omitempty" yaml:"default_num_steps,omitempty"`
	DefaultStepSize     float64 `json:"default_step_size,omitempty" yaml:"default_step_size,omitempty"`
	OutOfRangeTolerance float64 `json:"out_of_range_tolerance,omitempty" yaml:"out_of_range_tolerance,omitempty"`
	DisconnectSettleMs  int     `json:"disconnect_settle_ms,omitempty" yaml:"disconnect_settle_ms,omitempty"`

	Joints              []JointSpec       `json:"joints" yaml:"joints"`
	Calibration         CalibrationConfig `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	CalibrationSequence [][]string        `json:"calibration_sequence,omitempty" yaml:"calibration_sequence,omitempty"`

	// Calibration storage. RedisURL wins over CalibrationFile when both are set.
	CalibrationFile string `json:"calibration_file,omitempty" yaml:"calibration_file,omitempty"`
	RedisURL        string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	HandName        string `json:"hand_name,omitempty" yaml:"hand_name,omitempty"`
}

// Validate fills in defaults and checks the hand model.
func (cfg *HandConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Transport == "" {
		cfg.Transport = TransportDynamixel
	}
	switch cfg.Transport {
	case TransportDynamixel, TransportFeetech:
		if cfg.Port == "" {
			return nil, nil, fmt.Errorf("%s: must specify port for serial communication", path)
		}
	case TransportSim:
	default:
		return nil, nil, fmt.Errorf("%s: unknown transport %q", path, cfg.Transport)
	}

	if cfg.Baudrate == 0 {
		if cfg.Transport == TransportFeetech {
			cfg.Baudrate = 1000000
		} else {
			cfg.Baudrate = 3000000
		}
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = 100
	}
	if cfg.ControlMode == "" {
		cfg.ControlMode = ModeCurrentBasedPosition.String()
	}
	if _, err := ParseOperatingMode(cfg.ControlMode); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.MaxCurrent == 0 {
		cfg.MaxCurrent = 300
	}
	if cfg.CalibCurrent == 0 {
		cfg.CalibCurrent = 200
	}
	if cfg.MaxCurrent < cfg.CalibCurrent {
		return nil, nil, fmt.Errorf("%s: max_current %d must be at least calib_current %d", path, cfg.MaxCurrent, cfg.CalibCurrent)
	}
	if cfg.ControlCycleMs == 0 {
		cfg.ControlCycleMs = 10
	}
	if cfg.Interpolation == "" {
		cfg.Interpolation = string(InterpolationLinear)
	}
	if !Interpolation(cfg.Interpolation).valid() {
		return nil, nil, fmt.Errorf("%s: unknown interpolation %q", path, cfg.Interpolation)
	}
	if cfg.DefaultNumSteps == 0 {
		cfg.DefaultNumSteps = 25
	}
	if cfg.DefaultStepSize == 0 {
		cfg.DefaultStepSize = 1
	}
	if cfg.DefaultStepSize < 0 {
		return nil, nil, fmt.Errorf("%s: default_step_size must be positive", path)
	}
	if cfg.OutOfRangeTolerance == 0 {
		cfg.OutOfRangeTolerance = DefaultOutOfRangeTolerance
	}
	if cfg.DisconnectSettleMs == 0 {
		cfg.DisconnectSettleMs = 100
	}
	if cfg.HandName == "" {
		cfg.HandName = "orca"
	}

	if len(cfg.Joints) == 0 {
		return nil, nil, fmt.Errorf("%s: at least one joint must be configured", path)
	}
	// NewJointMap runs the per-joint checks and rejects shared actuators
	joints, err := NewJointMap(cfg.Joints)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	known := make(map[string]bool)
	for _, id := range joints.Joints() {
		known[id] = true
	}
	for _, step := range cfg.CalibrationSequence {
		for _, id := range step {
			if !known[id] {
				return nil, nil, fmt.Errorf("%s: calibration_sequence names unknown joint %q", path, id)
			}
		}
	}

	var warnings []string
	if cfg.CalibrationFile == "" && cfg.RedisURL == "" {
		warnings = append(warnings, "no calibration_file or redis_url configured, calibration will not persist")
	}
	return nil, warnings, nil
}

// Timeout is the bounded per-operation bus timeout.
func (cfg *HandConfig) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// ControlCycle is the wait between motion steps.
func (cfg *HandConfig) ControlCycle() time.Duration {
	return time.Duration(cfg.ControlCycleMs) * time.Millisecond
}

// DisconnectSettle is the pause between torque off and closing the transport.
func (cfg *HandConfig) DisconnectSettle() time.Duration {
	return time.Duration(cfg.DisconnectSettleMs) * time.Millisecond
}

// OperatingMode returns the parsed control mode.
func (cfg *HandConfig) OperatingMode() OperatingMode {
	mode, err := ParseOperatingMode(cfg.ControlMode)
	if err != nil {
		return ModeCurrentBasedPosition
	}
	return mode
}

// LoadHandConfig reads and validates a YAML hand model.
func LoadHandConfig(path string) (*HandConfig, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read hand config")
	}
	var cfg HandConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse hand config %s", path)
	}
	_, warnings, err := cfg.Validate(path)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, warnings, nil
}
