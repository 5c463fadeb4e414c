package orca_hand

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

func newTestSensor(t *testing.T) (sensor.Sensor, *SimBus) {
	t.Helper()
	bus := NewSimHand([]int{6, 9})
	s, err := NewOrcaHandSensor(context.Background(), resource.NewName(sensor.API, "hand"), testHandConfig(t),
		logging.NewTestLogger(t), WithBus(bus), WithCalibrationFeedback(instantFeedback{bus}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, bus
}

func TestOrcaHandSensorReadings(t *testing.T) {
	s, _ := newTestSensor(t)
	ctx := context.Background()

	readings, err := s.Readings(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, true, readings["connected"])
	assert.Equal(t, false, readings["torque_enabled"])
	assert.Equal(t, "current_based_position", readings["control_mode"])
	assert.Equal(t, map[string]any{}, readings["positions"])

	joints := readings["joints"].(map[string]any)
	assert.Equal(t, map[string]any{"state": "uncalibrated", "phase": "idle"}, joints["index_mcp"])
}

func TestOrcaHandSensorDoCommand(t *testing.T) {
	s, bus := newTestSensor(t)
	ctx := context.Background()

	resp, err := s.DoCommand(ctx, map[string]any{"command": "enable_torque"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	resp, err = s.DoCommand(ctx, map[string]any{"command": "calibrate", "joints": []any{"index_mcp"}})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, []any{"index_mcp"}, resp["calibrated"])

	resp, err = s.DoCommand(ctx, map[string]any{
		"command":   "set_joint_positions",
		"positions": map[string]any{"index_mcp": 30.0},
		"num_steps": 10.0,
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 30, resp["steps_executed"])

	resp, err = s.DoCommand(ctx, map[string]any{"command": "get_joint_positions", "joints": []any{"index_mcp"}})
	require.NoError(t, err)
	positions := resp["positions"].(map[string]any)
	assert.InDelta(t, 30.0, positions["index_mcp"].(float64), 0.1)

	// middle_mcp was never calibrated
	resp, err = s.DoCommand(ctx, map[string]any{
		"command":   "set_joint_positions",
		"positions": map[string]any{"middle_mcp": 10.0},
	})
	assert.ErrorIs(t, err, ErrCalibrationMissing)
	assert.Equal(t, false, resp["success"])

	resp, err = s.DoCommand(ctx, map[string]any{"command": "set_max_current", "current": 220.0})
	require.NoError(t, err)
	a, _ := bus.Actuator(9)
	assert.Equal(t, 220, a.CurrentLimit)

	resp, err = s.DoCommand(ctx, map[string]any{"command": "temperatures"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"6": 30, "9": 30}, resp["temperatures"])

	resp, err = s.DoCommand(ctx, map[string]any{"command": "set_control_mode", "mode": "position"})
	require.NoError(t, err)
	assert.Equal(t, "position", resp["mode"])

	resp, err = s.DoCommand(ctx, map[string]any{"command": "disconnect"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.False(t, bus.IsOpen())

	resp, err = s.DoCommand(ctx, map[string]any{"command": "status"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["connected"])
	assert.NotContains(t, resp, "positions")

	resp, err = s.DoCommand(ctx, map[string]any{"command": "connect"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Contains(t, resp["message"], "1 of 2 joints calibrated")
}

func TestOrcaHandSensorBadCommands(t *testing.T) {
	s, _ := newTestSensor(t)
	ctx := context.Background()

	_, err := s.DoCommand(ctx, map[string]any{"command": "dance"})
	assert.ErrorContains(t, err, "unknown command")

	_, err = s.DoCommand(ctx, map[string]any{"command": 7})
	assert.Error(t, err)

	_, err = s.DoCommand(ctx, map[string]any{"command": "set_joint_positions", "positions": []any{1.0}})
	assert.Error(t, err)

	_, err = s.DoCommand(ctx, map[string]any{"command": "calibrate", "joints": "index_mcp"})
	assert.Error(t, err)

	_, err = s.DoCommand(ctx, map[string]any{"command": "set_max_current", "current": "lots"})
	assert.Error(t, err)
}

func TestOrcaHandSensorTensionTask(t *testing.T) {
	s, bus := newTestSensor(t)
	ctx := context.Background()

	resp, err := s.DoCommand(ctx, map[string]any{"command": "tension", "move_motors": true})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "tension", resp["task"])

	resp, err = s.DoCommand(ctx, map[string]any{"command": "tension"})
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.Equal(t, false, resp["success"])

	readings, err := s.Readings(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "tension", readings["task"])
	assert.NotContains(t, readings, "positions")

	assert.Eventually(t, func() bool {
		a, _ := bus.Actuator(6)
		return a.Position >= 1100
	}, 2*time.Second, 5*time.Millisecond)

	resp, err = s.DoCommand(ctx, map[string]any{"command": "stop_task"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	readings, err = s.Readings(ctx, nil)
	require.NoError(t, err)
	assert.NotContains(t, readings, "task")
	assert.Equal(t, false, readings["torque_enabled"])
}
