package orca_hand

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// countingGate allows a fixed number of Require calls.
type countingGate struct {
	allow int
	calls int
}

func (g *countingGate) Require() error {
	g.calls++
	if g.calls > g.allow {
		return ErrTorqueDisabled
	}
	return nil
}

type motionFixture struct {
	bus    *SimBus
	joints *JointMap
}

// newMotionFixture calibrates index_mcp (actuator 6, 0..90) and middle_pip (actuator 9, 0..60)
// at 20 raw units per degree from a zero of 1000.
func newMotionFixture(t *testing.T) motionFixture {
	t.Helper()
	bus := NewSimBus(
		SimActuator{ID: 6, Position: 1000, HardMin: 0, HardMax: 4095, TautAt: 4095},
		SimActuator{ID: 9, Position: 1000, HardMin: 0, HardMax: 4095, TautAt: 4095},
	)
	require.NoError(t, bus.Open(context.Background()))
	bus.EnergizeAll()

	joints, err := NewJointMap([]JointSpec{
		singleJoint("index_mcp", 6, 0, 90),
		singleJoint("middle_pip", 9, 0, 60),
	})
	require.NoError(t, err)
	require.NoError(t, joints.ApplyCalibration("index_mcp", record("index_mcp",
		ActuatorCalibration{ActuatorID: 6, ZeroOffset: 1000, MinRaw: 1000, MaxRaw: 2800, Ratio: 20})))
	require.NoError(t, joints.ApplyCalibration("middle_pip", record("middle_pip",
		ActuatorCalibration{ActuatorID: 9, ZeroOffset: 1000, MinRaw: 1000, MaxRaw: 2200, Ratio: 20})))
	return motionFixture{bus: bus, joints: joints}
}

func (f motionFixture) controller(t *testing.T, gate torqueGate, interp Interpolation) *MotionController {
	return NewMotionController(f.bus, f.joints, gate, MotionConfig{Interpolation: interp}, logging.NewTestLogger(t))
}

func TestPlanMotionStepCeiling(t *testing.T) {
	start := map[string]float64{"index_mcp": 0, "middle_pip": 0}
	target := map[string]float64{"index_mcp": 90, "middle_pip": 30}

	plan, err := PlanMotion(start, target, 25, 0.001, InterpolationLinear)
	require.NoError(t, err)
	assert.Equal(t, 90000, plan.Steps)

	plan, err = PlanMotion(start, target, 25, 10, InterpolationLinear)
	require.NoError(t, err)
	assert.Equal(t, 25, plan.Steps)

	plan, err = PlanMotion(start, target, 1, 1, InterpolationEaseInOut)
	require.NoError(t, err)
	assert.Equal(t, int(math.Ceil(math.Pi/2*90)), plan.Steps)

	prev := plan.At(0)
	for k := 1; k <= plan.Steps; k++ {
		cur := plan.At(k)
		for joint := range target {
			assert.LessOrEqual(t, math.Abs(cur[joint]-prev[joint]), 1.0+1e-9, "step %d joint %s", k, joint)
			assert.GreaterOrEqual(t, cur[joint], prev[joint]-1e-9)
		}
		prev = cur
	}
	assert.Equal(t, target, plan.At(plan.Steps))
}

func TestPlanMotionRejectsBadInput(t *testing.T) {
	start := map[string]float64{"index_mcp": 0}

	_, err := PlanMotion(start, map[string]float64{"index_mcp": 10}, 10, 0, InterpolationLinear)
	assert.Error(t, err)

	_, err = PlanMotion(start, map[string]float64{"index_mcp": 10}, 10, 1, Interpolation("cubic"))
	assert.Error(t, err)

	_, err = PlanMotion(start, map[string]float64{"middle_pip": 10}, 10, 1, InterpolationLinear)
	assert.Error(t, err)
}

func TestPlanMotionRejectsUnboundedStepCount(t *testing.T) {
	start := map[string]float64{"index_mcp": 0}

	_, err := PlanMotion(start, map[string]float64{"index_mcp": 90}, 25, 1e-18, InterpolationLinear)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = PlanMotion(start, map[string]float64{"index_mcp": math.Inf(1)}, 25, 1, InterpolationLinear)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestMoveToStartingPastLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("beyond the tolerance is refused", func(t *testing.T) {
		f := newMotionFixture(t)
		// 110 degrees on a 0..90 joint
		f.bus.SetPosition(6, 3200)
		c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

		_, err := c.MoveTo(ctx, map[string]float64{"index_mcp": 89}, 1, 1)
		assert.True(t, errors.Is(err, ErrOutOfRange))
		assert.Equal(t, 0, f.bus.WriteCalls())
	})

	t.Run("within the tolerance plans from the true angle", func(t *testing.T) {
		f := newMotionFixture(t)
		f.joints.SetOutOfRangeTolerance(25)
		f.bus.SetPosition(6, 3200)
		f.bus.RecordWrites(true)
		c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

		result, err := c.MoveTo(ctx, map[string]float64{"index_mcp": 89}, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 21, result.StepsPlanned)
		assert.Equal(t, 21, result.StepsExecuted)

		history := f.bus.History()
		require.Len(t, history, 21)
		prev := 3200
		for k, goals := range history {
			assert.LessOrEqual(t, prev-goals[6], 20, "step %d", k+1)
			assert.Greater(t, prev, goals[6], "step %d", k+1)
			prev = goals[6]
		}
		assert.Equal(t, 3180, history[0][6])
		assert.Equal(t, 2780, history[20][6])
	})
}

func TestMoveToReachesTargetWithTinySteps(t *testing.T) {
	f := newMotionFixture(t)
	c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

	result, err := c.MoveTo(context.Background(), map[string]float64{"index_mcp": 90, "middle_pip": 30}, 25, 0.001)
	require.NoError(t, err)
	assert.Equal(t, 90000, result.StepsPlanned)
	assert.Equal(t, 90000, result.StepsExecuted)
	assert.InDelta(t, 90.0, result.Reached["index_mcp"], 1e-9)
	assert.InDelta(t, 30.0, result.Reached["middle_pip"], 1e-9)
	assert.Equal(t, 90000, f.bus.WriteCalls())

	index, _ := f.bus.Actuator(6)
	middle, _ := f.bus.Actuator(9)
	assert.Equal(t, 2800, index.Position)
	assert.Equal(t, 1600, middle.Position)
}

func TestMoveToBoundsEveryStep(t *testing.T) {
	f := newMotionFixture(t)
	f.bus.RecordWrites(true)
	c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

	result, err := c.MoveTo(context.Background(), map[string]float64{"index_mcp": 90}, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 90, result.StepsExecuted)

	history := f.bus.History()
	require.Len(t, history, 90)
	prev := 1000
	for k, goals := range history {
		// only the commanded joint's actuator is written
		assert.Len(t, goals, 1)
		assert.LessOrEqual(t, goals[6]-prev, 20, "step %d", k+1)
		prev = goals[6]
	}
	assert.Equal(t, 2800, history[len(history)-1][6])
}

func TestMoveToHonorsStepCount(t *testing.T) {
	f := newMotionFixture(t)
	f.bus.RecordWrites(true)
	c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

	result, err := c.MoveTo(context.Background(), map[string]float64{"index_mcp": 10}, 25, 1)
	require.NoError(t, err)
	assert.Equal(t, 25, result.StepsExecuted)

	history := f.bus.History()
	require.Len(t, history, 25)
	assert.Equal(t, 1200, history[24][6])
}

func TestMoveToPartialWrite(t *testing.T) {
	f := newMotionFixture(t)
	f.bus.FailWriteOnCall(6, 10)
	c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

	result, err := c.MoveTo(context.Background(), map[string]float64{"index_mcp": 90, "middle_pip": 30}, 25, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialWrite))

	var partial *PartialWriteError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 10, partial.Step)
	assert.Equal(t, []string{"index_mcp"}, partial.Joints)
	assert.Contains(t, partial.Failed, 6)
	assert.InDelta(t, 90*9/25.0, partial.Reached["index_mcp"], 1e-9)
	assert.InDelta(t, 30*10/25.0, partial.Reached["middle_pip"], 1e-9)

	assert.Equal(t, 9, result.StepsExecuted)
	assert.Equal(t, 10, f.bus.WriteCalls())
}

func TestMoveToRequiresTorque(t *testing.T) {
	f := newMotionFixture(t)
	torque := NewTorqueManager(f.bus, []int{6, 9}, logging.NewTestLogger(t))
	c := f.controller(t, torque, InterpolationLinear)

	_, err := c.MoveTo(context.Background(), map[string]float64{"index_mcp": 45}, 25, 1)
	assert.True(t, errors.Is(err, ErrTorqueDisabled))
	assert.Equal(t, 0, f.bus.WriteCalls())
}

func TestMoveToStopsWhenTorqueDropsMidMotion(t *testing.T) {
	f := newMotionFixture(t)
	// one check before planning, then three steps
	c := f.controller(t, &countingGate{allow: 4}, InterpolationLinear)

	result, err := c.MoveTo(context.Background(), map[string]float64{"index_mcp": 45}, 25, 1)
	assert.True(t, errors.Is(err, ErrTorqueDisabled))
	require.NotNil(t, result)
	assert.Equal(t, 3, result.StepsExecuted)
	assert.Equal(t, 3, f.bus.WriteCalls())
}

func TestMoveToValidatesBeforeWriting(t *testing.T) {
	f := newMotionFixture(t)
	c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)
	ctx := context.Background()

	_, err := c.MoveTo(ctx, map[string]float64{"index_mcp": 45, "middle_pip": 61}, 25, 1)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	require.NoError(t, f.joints.Invalidate("middle_pip"))
	_, err = c.MoveTo(ctx, map[string]float64{"index_mcp": 45, "middle_pip": 10}, 25, 1)
	assert.True(t, errors.Is(err, ErrCalibrationMissing))

	_, err = c.MoveTo(ctx, map[string]float64{"ring_pip": 10}, 25, 1)
	assert.True(t, errors.Is(err, ErrUnknownJoint))

	_, err = c.MoveTo(ctx, map[string]float64{"index_mcp": 45}, 25, -1)
	assert.Error(t, err)

	assert.Equal(t, 0, f.bus.WriteCalls())
}

func TestMoveToCancelled(t *testing.T) {
	f := newMotionFixture(t)
	c := f.controller(t, &countingGate{allow: math.MaxInt}, InterpolationLinear)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.MoveTo(ctx, map[string]float64{"index_mcp": 45}, 25, 1)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, f.bus.WriteCalls())
}
