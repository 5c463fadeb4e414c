package orca_hand

import (
	"context"
	"fmt"
	"strconv"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var (
	OrcaHandModel = resource.NewModel("orcahand", "orca", "hand")

	// defaultPortRegistry is shared by every hand and the discovery service in this process.
	defaultPortRegistry = NewPortRegistry()
)

func init() {
	resource.RegisterComponent(sensor.API, OrcaHandModel,
		resource.Registration[sensor.Sensor, *HandConfig]{
			Constructor: newOrcaHandSensor,
		},
	)
}

// orcaHandSensor exposes a HandController as a sensor: Readings report the hand, DoCommand drives it.
type orcaHandSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *HandConfig
	hand   *HandController
}

func newOrcaHandSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*HandConfig](rawConf)
	if err != nil {
		return nil, err
	}
	return NewOrcaHandSensor(ctx, rawConf.ResourceName(), conf, logger)
}

// NewOrcaHandSensor builds the component and tries to connect. A failed connect is logged and
// can be retried with the "connect" command.
func NewOrcaHandSensor(ctx context.Context, name resource.Name, conf *HandConfig, logger logging.Logger, opts ...HandOption) (sensor.Sensor, error) {
	opts = append([]HandOption{WithPortRegistry(defaultPortRegistry)}, opts...)
	hand, err := NewHandController(conf, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create hand controller: %w", err)
	}

	if ok, detail := hand.Connect(ctx); !ok {
		logger.Warnf("Hand not connected at startup: %s", detail)
	}

	logger.Infof("Orca hand sensor initialized with %d joints on %s", len(conf.Joints), conf.Port)
	return &orcaHandSensor{
		name:   name,
		logger: logger,
		cfg:    conf,
		hand:   hand,
	}, nil
}

func (s *orcaHandSensor) Name() resource.Name {
	return s.name
}

// Readings reports connection, torque and calibration state, and joint angles when the hand is idle.
func (s *orcaHandSensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	status := s.hand.Status()

	joints := make(map[string]any, len(status.Joints))
	for id, state := range status.Joints {
		entry := map[string]any{"state": state}
		if cal, ok := status.Calibration[id]; ok {
			entry["phase"] = cal.PhaseName
			if cal.Message != "" {
				entry["message"] = cal.Message
			}
		}
		joints[id] = entry
	}

	readings := map[string]any{
		"connected":      status.Connected,
		"busy":           status.Busy,
		"torque_enabled": status.TorqueEnabled,
		"control_mode":   status.ControlMode,
		"joints":         joints,
	}

	if status.Task != "" {
		readings["task"] = status.Task
	}

	if status.Connected && !status.Busy && status.Task == "" {
		positions, err := s.hand.GetJointPositions(ctx)
		if err != nil {
			readings["positions_error"] = err.Error()
		} else {
			readings["positions"] = anyAngles(positions)
		}
	}
	return readings, nil
}

// DoCommand handles hand lifecycle commands
func (s *orcaHandSensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	switch command {
	case "connect":
		ok, detail := s.hand.Connect(ctx)
		return map[string]any{"success": ok, "message": detail}, nil

	case "disconnect":
		if err := s.hand.Disconnect(ctx); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil

	case "enable_torque":
		if err := s.hand.EnableTorque(ctx); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil

	case "disable_torque":
		if err := s.hand.DisableTorque(ctx); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil

	case "calibrate":
		joints, err := stringList(cmd, "joints")
		if err != nil {
			return nil, err
		}
		report, err := s.hand.Calibrate(ctx, joints...)
		if err != nil {
			return map[string]any{"success": false}, err
		}
		return reportResult(report), nil

	case "init_joints":
		calibrate, _ := cmd["calibrate"].(bool)
		if err := s.hand.InitJoints(ctx, calibrate); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil

	case "set_joint_positions":
		return s.setJointPositions(ctx, cmd)

	case "get_joint_positions":
		joints, err := stringList(cmd, "joints")
		if err != nil {
			return nil, err
		}
		positions, err := s.hand.GetJointPositions(ctx, joints...)
		if err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true, "positions": anyAngles(positions)}, nil

	case "set_max_current":
		current, err := intArg(cmd, "current", 0)
		if err != nil {
			return nil, err
		}
		if err := s.hand.SetMaxCurrent(ctx, current); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil

	case "set_control_mode":
		mode, _ := cmd["mode"].(string)
		if err := s.hand.SetControlMode(ctx, mode); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true, "mode": mode}, nil

	case "temperatures":
		temps, err := s.hand.MotorTemperatures(ctx)
		if err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true, "temperatures": anyByActuator(temps)}, nil

	case "currents":
		currents, err := s.hand.MotorCurrents(ctx)
		if err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true, "currents": anyByActuator(currents)}, nil

	case "tension":
		moveMotors, _ := cmd["move_motors"].(bool)
		if err := s.hand.Tension(ctx, moveMotors); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true, "task": taskTension}, nil

	case "stop_task":
		if err := s.hand.StopTask(ctx); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil

	case "status":
		return s.Readings(ctx, nil)

	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *orcaHandSensor) setJointPositions(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	raw, ok := cmd["positions"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("positions must be a map of joint to degrees")
	}
	targets := make(map[string]float64, len(raw))
	for joint, v := range raw {
		angle, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("position for %s must be a number", joint)
		}
		targets[joint] = angle
	}
	numSteps, err := intArg(cmd, "num_steps", 0)
	if err != nil {
		return nil, err
	}
	stepSize := 0.0
	if v, ok := cmd["step_size"]; ok {
		if stepSize, ok = v.(float64); !ok {
			return nil, fmt.Errorf("step_size must be a number")
		}
	}

	result, err := s.hand.SetJointPositions(ctx, targets, numSteps, stepSize)
	resp := map[string]any{"success": err == nil}
	if result != nil {
		resp["steps_planned"] = result.StepsPlanned
		resp["steps_executed"] = result.StepsExecuted
		resp["reached"] = anyAngles(result.Reached)
	}
	return resp, err
}

func (s *orcaHandSensor) Close(ctx context.Context) error {
	return s.hand.Close(ctx)
}

func reportResult(report CalibrationReport) map[string]any {
	calibrated := make([]any, 0, len(report.Calibrated))
	for _, joint := range report.Calibrated {
		calibrated = append(calibrated, joint)
	}
	failed := make(map[string]any, len(report.Failed))
	for joint, err := range report.Failed {
		failed[joint] = err.Error()
	}
	return map[string]any{
		"success":    len(report.Failed) == 0,
		"calibrated": calibrated,
		"failed":     failed,
	}
}

func anyAngles(in map[string]float64) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func anyByActuator(in map[int]int) map[string]any {
	out := make(map[string]any, len(in))
	for id, v := range in {
		out[strconv.Itoa(id)] = v
	}
	return out
}

func stringList(cmd map[string]any, key string) ([]string, error) {
	raw, ok := cmd[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a list of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func intArg(cmd map[string]any, key string, def int) (int, error) {
	raw, ok := cmd[key]
	if !ok {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
