package orca_hand

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const taskTension = "tension"

// handTask is a long-running operation that owns the hand until it is stopped.
type handTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *HandController) runningTask() string {
	h.taskMu.Lock()
	defer h.taskMu.Unlock()
	if h.task == nil {
		return ""
	}
	return h.task.name
}

func (h *HandController) setTask(task *handTask) {
	h.taskMu.Lock()
	h.task = task
	h.taskMu.Unlock()
}

// acquire serializes a facade operation and refuses it while a background task owns the hand.
func (h *HandController) acquire() (func(), error) {
	unlock := h.lock()
	if name := h.runningTask(); name != "" {
		unlock()
		return nil, errors.Wrapf(ErrTaskRunning, "%s must be stopped first", name)
	}
	return unlock, nil
}

// Tension keeps every tendon taut in the background until StopTask. The hand runs in
// current-based position mode at the calibration current. With moveMotors each actuator whose
// load is below the tension current is nudged in its flex direction every step period; without
// it the actuators only hold position. Only one task runs at a time.
func (h *HandController) Tension(ctx context.Context, moveMotors bool) error {
	unlock, err := h.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return err
	}

	wasEnabled := h.torque.Enabled()
	if err := h.enterCalibrationCurrent(ctx); err != nil {
		return multierr.Combine(
			errors.Wrap(err, "prepare tension"),
			h.restoreAfterCalibration(context.WithoutCancel(ctx), wasEnabled),
		)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	task := &handTask{name: taskTension, cancel: cancel, done: make(chan struct{})}
	h.setTask(task)
	h.logger.Infof("Tension task started (move motors: %v)", moveMotors)
	go h.runTension(taskCtx, task, moveMotors, wasEnabled)
	return nil
}

// StopTask cancels the running background task and waits for it to hand the hand back.
// It returns the error the task ended with, and nil when no task was running.
func (h *HandController) StopTask(ctx context.Context) error {
	h.taskMu.Lock()
	task := h.task
	h.taskMu.Unlock()
	if task == nil {
		return nil
	}

	task.cancel()
	select {
	case <-task.done:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for %s to stop", task.name)
	}
	h.logger.Infof("%s task stopped", task.name)
	return task.err
}

func (h *HandController) runTension(ctx context.Context, task *handTask, moveMotors, wasEnabled bool) {
	defer close(task.done)

	dir := h.flexDirections()
	travel := make(map[int]int)
	ticker := time.NewTicker(h.engine.cfg.stepPeriod())
	defer ticker.Stop()

	var err error
	for err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-ticker.C:
			err = h.tensionStep(ctx, moveMotors, dir, travel)
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	} else {
		h.logger.Errorf("Tension task ended: %v", err)
	}

	unlock := h.lock()
	// a torque drop while tensioning is an emergency stop, the hand stays de-energized
	reenable := wasEnabled && !errors.Is(err, ErrTorqueDisabled)
	restoreErr := h.restoreAfterCalibration(context.Background(), reenable)
	h.setTask(nil)
	unlock()

	task.err = multierr.Combine(err, restoreErr)
}

func (h *HandController) tensionStep(ctx context.Context, moveMotors bool, dir, travel map[int]int) error {
	defer h.lock()()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.torque.Require(); err != nil {
		return err
	}
	if !moveMotors {
		return nil
	}

	cfg := h.engine.cfg
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.Timeout())
	defer cancel()

	ids := h.joints.ActuatorIDs()
	positions, err := h.bus.ReadPositions(ioCtx, ids)
	if err != nil {
		return err
	}
	currents, err := h.bus.ReadCurrents(ioCtx, ids)
	if err != nil {
		return err
	}

	goals := make(map[int]int)
	for _, id := range ids {
		if absInt(currents[id]) >= cfg.TensionCurrent || travel[id] >= cfg.MaxTensionTravel {
			continue
		}
		goals[id] = positions[id] + dir[id]*cfg.StepSize
		travel[id] += cfg.StepSize
		if travel[id] >= cfg.MaxTensionTravel {
			h.logger.Warnf("actuator %d travelled %d without reaching load %d, tendon slack or broken",
				id, travel[id], cfg.TensionCurrent)
		}
	}
	if len(goals) == 0 {
		return nil
	}
	if res := h.bus.WritePositions(ioCtx, goals); !res.OK() {
		return errors.Wrap(res.Err("tension"), "tension step")
	}
	return nil
}

// flexDirections maps each actuator to the raw direction that tightens its tendon.
func (h *HandController) flexDirections() map[int]int {
	dir := make(map[int]int)
	for _, joint := range h.joints.Joints() {
		spec, err := h.joints.Spec(joint)
		if err != nil {
			continue
		}
		for _, a := range spec.Actuators {
			dir[a.ActuatorID] = a.Sign
		}
	}
	return dir
}
