package orca_hand

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// Interpolation shapes the path between start and target.
type Interpolation string

const (
	InterpolationLinear    Interpolation = "linear"
	InterpolationEaseInOut Interpolation = "ease_in_out"
)

// fraction maps normalized time t in [0,1] to path progress in [0,1].
func (i Interpolation) fraction(t float64) float64 {
	if i == InterpolationEaseInOut {
		return 0.5 * (1 - math.Cos(math.Pi*t))
	}
	return t
}

// peakRate is the largest slope of fraction, which bounds the biggest single step.
func (i Interpolation) peakRate() float64 {
	if i == InterpolationEaseInOut {
		return math.Pi / 2
	}
	return 1
}

func (i Interpolation) valid() bool {
	return i == "" || i == InterpolationLinear || i == InterpolationEaseInOut
}

// maxPlanSteps caps a single plan so the step count stays representable.
const maxPlanSteps = math.MaxInt32

// MotionPlan is the ephemeral sequence of intermediate poses for one move.
// Steps are generated on demand; step Steps is exactly the target.
type MotionPlan struct {
	Start         map[string]float64
	Target        map[string]float64
	Steps         int
	Interpolation Interpolation
}

// PlanMotion sizes a plan so that no joint moves more than stepSize degrees per step.
// numSteps is a lower bound that is raised when the step ceiling requires it.
func PlanMotion(start, target map[string]float64, numSteps int, stepSize float64, interp Interpolation) (*MotionPlan, error) {
	if stepSize <= 0 || math.IsNaN(stepSize) {
		return nil, errors.Errorf("step size must be positive, got %v", stepSize)
	}
	if !interp.valid() {
		return nil, errors.Errorf("unknown interpolation %q", interp)
	}
	if interp == "" {
		interp = InterpolationLinear
	}

	steps := numSteps
	if steps < 1 {
		steps = 1
	}
	for joint, goal := range target {
		from, ok := start[joint]
		if !ok {
			return nil, errors.Errorf("no start angle for joint %s", joint)
		}
		q := interp.peakRate() * math.Abs(goal-from) / stepSize
		if math.IsNaN(q) || q > maxPlanSteps {
			return nil, errors.Wrapf(ErrOutOfRange, "joint %s needs %.3g steps at step size %v", joint, q, stepSize)
		}
		// absorb float noise such as 90/0.001 = 90000.00000000001
		required := int(math.Ceil(q - 1e-9*math.Max(1, q)))
		if required > steps {
			steps = required
		}
	}

	plan := &MotionPlan{
		Start:         make(map[string]float64, len(target)),
		Target:        make(map[string]float64, len(target)),
		Steps:         steps,
		Interpolation: interp,
	}
	for joint, goal := range target {
		plan.Start[joint] = start[joint]
		plan.Target[joint] = goal
	}
	return plan, nil
}

// At returns the joint angles of step k, 1 <= k <= Steps.
func (p *MotionPlan) At(k int) map[string]float64 {
	out := make(map[string]float64, len(p.Target))
	if k >= p.Steps {
		for joint, goal := range p.Target {
			out[joint] = goal
		}
		return out
	}
	frac := p.Interpolation.fraction(float64(k) / float64(p.Steps))
	for joint, goal := range p.Target {
		from := p.Start[joint]
		out[joint] = from + (goal-from)*frac
	}
	return out
}

// MotionResult describes how far a move got.
type MotionResult struct {
	StepsPlanned  int                `json:"steps_planned"`
	StepsExecuted int                `json:"steps_executed"`
	Reached       map[string]float64 `json:"reached"`
}

// MotionConfig tunes the controller.
type MotionConfig struct {
	// Cycle is the wait between consecutive steps.
	Cycle         time.Duration
	Interpolation Interpolation
	WriteTimeout  time.Duration
}

type torqueGate interface {
	Require() error
}

// MotionController turns joint targets into bounded, ordered actuator writes.
type MotionController struct {
	bus    ActuatorBus
	joints *JointMap
	torque torqueGate
	cfg    MotionConfig
	logger logging.Logger
}

func NewMotionController(bus ActuatorBus, joints *JointMap, torque torqueGate, cfg MotionConfig, logger logging.Logger) *MotionController {
	if cfg.Interpolation == "" {
		cfg.Interpolation = InterpolationLinear
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	return &MotionController{bus: bus, joints: joints, torque: torque, cfg: cfg, logger: logger}
}

// MoveTo drives the given joints to their targets. Validation failures return before any write.
// On a partial write the remaining plan is dropped and a *PartialWriteError carries the reached pose.
func (c *MotionController) MoveTo(ctx context.Context, targets map[string]float64, numSteps int, stepSize float64) (*MotionResult, error) {
	if err := c.torque.Require(); err != nil {
		return nil, err
	}
	if stepSize <= 0 || math.IsNaN(stepSize) {
		return nil, errors.Errorf("step size must be positive, got %v", stepSize)
	}
	jointIDs := sortedJoints(targets)
	for _, joint := range jointIDs {
		if err := c.joints.CheckTarget(joint, targets[joint]); err != nil {
			return nil, err
		}
	}
	if len(jointIDs) == 0 {
		return &MotionResult{Reached: map[string]float64{}}, nil
	}

	owned := make(map[string][]int, len(jointIDs))
	for _, joint := range jointIDs {
		ids, err := c.joints.ActuatorsFor(joint)
		if err != nil {
			return nil, err
		}
		owned[joint] = ids
	}
	allIDs, err := c.joints.ActuatorsFor(jointIDs...)
	if err != nil {
		return nil, err
	}

	start, err := c.currentAngles(ctx, jointIDs, allIDs)
	if err != nil {
		return nil, err
	}

	plan, err := PlanMotion(start, targets, numSteps, stepSize, c.cfg.Interpolation)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("motion plan: %d joints, %d steps (requested %d, step size %v)",
		len(jointIDs), plan.Steps, numSteps, stepSize)

	return c.execute(ctx, plan, jointIDs, owned)
}

func (c *MotionController) currentAngles(ctx context.Context, jointIDs []string, ids []int) (map[string]float64, error) {
	positions, err := c.bus.ReadPositions(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "read start pose")
	}
	start := make(map[string]float64, len(jointIDs))
	for _, joint := range jointIDs {
		// within the reading tolerance the plan starts from the true angle,
		// farther out the move is refused before anything is written
		angle, err := c.joints.JointAngle(joint, positions)
		if err != nil {
			return nil, errors.Wrap(err, "start pose")
		}
		start[joint] = angle
	}
	return start, nil
}

func (c *MotionController) execute(ctx context.Context, plan *MotionPlan, jointIDs []string, owned map[string][]int) (*MotionResult, error) {
	result := &MotionResult{
		StepsPlanned: plan.Steps,
		Reached:      make(map[string]float64, len(plan.Start)),
	}
	for joint, angle := range plan.Start {
		result.Reached[joint] = angle
	}

	for k := 1; k <= plan.Steps; k++ {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrapf(err, "motion cancelled after step %d of %d", k-1, plan.Steps)
		}
		if err := c.torque.Require(); err != nil {
			return result, errors.Wrapf(err, "motion halted after step %d of %d", k-1, plan.Steps)
		}

		angles := plan.At(k)
		goals, err := c.joints.stepToRaw(angles)
		if err != nil {
			return result, errors.Wrapf(err, "step %d", k)
		}

		// a started write always completes, cancellation is only honoured between steps
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
		res := c.bus.WritePositions(writeCtx, goals)
		cancel()

		var halted []string
		for _, joint := range jointIDs {
			failed := false
			for _, id := range owned[joint] {
				if _, bad := res.Failed[id]; bad {
					failed = true
					break
				}
			}
			if failed {
				halted = append(halted, joint)
				continue
			}
			result.Reached[joint] = angles[joint]
		}

		if !res.OK() {
			c.logger.Warnf("motion aborted at step %d of %d: actuators %v failed", k, plan.Steps, res.FailedIDs())
			return result, &PartialWriteError{
				Step:    k,
				Failed:  res.Failed,
				Joints:  halted,
				Reached: copyAngles(result.Reached),
			}
		}
		result.StepsExecuted = k

		if k < plan.Steps && c.cfg.Cycle > 0 {
			if !utils.SelectContextOrWait(ctx, c.cfg.Cycle) {
				return result, errors.Wrapf(ctx.Err(), "motion cancelled after step %d of %d", k, plan.Steps)
			}
		}
	}
	return result, nil
}

func copyAngles(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
