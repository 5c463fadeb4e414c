package orca_hand

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Error taxonomy. Every structured error below unwraps to one of these.
var (
	ErrTransport          = errors.New("transport error")
	ErrCalibrationMissing = errors.New("calibration missing")
	ErrOutOfRange         = errors.New("out of range")
	ErrTensioningFailed   = errors.New("tensioning failed")
	ErrLimitFindingFailed = errors.New("limit finding failed")
	ErrZeroCaptureFailed  = errors.New("zero capture failed")
	ErrTorqueDisabled     = errors.New("torque disabled")
	ErrPartialWrite       = errors.New("partial write failure")
	ErrNotConnected       = errors.New("hand not connected")
	ErrUnknownJoint       = errors.New("unknown joint")
	ErrUnsupported        = errors.New("operation not supported by actuator")
	ErrPortInUse          = errors.New("serial port already owned by another session")
	ErrTaskRunning        = errors.New("background task running")
)

// TransportError is a bus failure for a single actuator (or the whole bus when ActuatorID is 0).
type TransportError struct {
	Op         string
	ActuatorID int
	Err        error
}

func (e *TransportError) Error() string {
	if e.ActuatorID == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s actuator %d: %v", e.Op, e.ActuatorID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports every TransportError as ErrTransport, whatever the underlying cause.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

func newTransportError(op string, id int, err error) *TransportError {
	return &TransportError{Op: op, ActuatorID: id, Err: err}
}

// RangeError is returned when a joint angle falls outside the configured limits.
type RangeError struct {
	Joint string
	Angle float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("joint %s angle %.3f outside [%.3f, %.3f]", e.Joint, e.Angle, e.Min, e.Max)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// CalibrationError names the joint and phase in which calibration stopped.
type CalibrationError struct {
	Joint string
	Phase CalibrationPhase
	Err   error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibrate %s: %s: %v", e.Joint, e.Phase, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// Is matches the failure sentinel of the phase that failed, so callers can test for
// ErrLimitFindingFailed while the cause chain still reaches ErrTransport.
func (e *CalibrationError) Is(target error) bool {
	switch e.Phase {
	case PhaseTensioning:
		return target == ErrTensioningFailed
	case PhaseLimitFinding:
		return target == ErrLimitFindingFailed
	case PhaseZeroCapture:
		return target == ErrZeroCaptureFailed
	}
	return false
}

// PartialWriteError reports a motion step in which some actuators failed.
// Reached holds the last successfully written angle of every joint in the plan.
type PartialWriteError struct {
	Step    int
	Failed  map[int]error
	Joints  []string
	Reached map[string]float64
}

func (e *PartialWriteError) Error() string {
	ids := make([]int, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("actuator %d: %v", id, e.Failed[id]))
	}
	msg := fmt.Sprintf("partial write failure at step %d (%s)", e.Step, strings.Join(parts, "; "))
	if len(e.Joints) > 0 {
		msg += fmt.Sprintf(", joints halted: %s", strings.Join(e.Joints, ","))
	}
	return msg
}

func (e *PartialWriteError) Unwrap() error { return ErrPartialWrite }
