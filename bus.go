package orca_hand

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// OperatingMode selects the servo control loop.
type OperatingMode int

const (
	ModeCurrent              OperatingMode = 0
	ModeVelocity             OperatingMode = 1
	ModePosition             OperatingMode = 3
	ModeMultiTurnPosition    OperatingMode = 4
	ModeCurrentBasedPosition OperatingMode = 5
)

var operatingModeNames = map[string]OperatingMode{
	"current":                ModeCurrent,
	"velocity":               ModeVelocity,
	"position":               ModePosition,
	"multi_turn_position":    ModeMultiTurnPosition,
	"current_based_position": ModeCurrentBasedPosition,
}

func (m OperatingMode) String() string {
	for name, mode := range operatingModeNames {
		if mode == m {
			return name
		}
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseOperatingMode maps a config name to its mode.
func ParseOperatingMode(name string) (OperatingMode, error) {
	mode, ok := operatingModeNames[name]
	if !ok {
		return 0, errors.Errorf("invalid control mode %q", name)
	}
	return mode, nil
}

// ActuatorBus owns the transport session to a set of servo actuators.
// Batch operations are best effort per actuator and never retry.
type ActuatorBus interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	Ping(ctx context.Context, ids []int) BusResult
	ReadPositions(ctx context.Context, ids []int) (map[int]int, error)
	WritePositions(ctx context.Context, goals map[int]int) BusResult
	SetTorqueEnabled(ctx context.Context, ids []int, enabled bool) BusResult

	ReadCurrents(ctx context.Context, ids []int) (map[int]int, error)
	ReadTemperatures(ctx context.Context, ids []int) (map[int]int, error)
	SetCurrentLimit(ctx context.Context, ids []int, limit int) BusResult
	SetVelocityLimit(ctx context.Context, ids []int, limit int) BusResult
	SetOperatingMode(ctx context.Context, ids []int, mode OperatingMode) BusResult
}

// BusResult is the outcome of a batch operation.
type BusResult struct {
	Succeeded []int
	Failed    map[int]error
}

func (r *BusResult) ok(id int) {
	r.Succeeded = append(r.Succeeded, id)
}

func (r *BusResult) fail(id int, err error) {
	if r.Failed == nil {
		r.Failed = make(map[int]error)
	}
	r.Failed[id] = err
}

// OK is true when no actuator failed.
func (r BusResult) OK() bool {
	return len(r.Failed) == 0
}

// FailedIDs returns the failed actuator ids in ascending order.
func (r BusResult) FailedIDs() []int {
	ids := make([]int, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Supported drops failures caused by ErrUnsupported and returns them separately.
func (r BusResult) Supported() (BusResult, []int) {
	out := BusResult{Succeeded: r.Succeeded}
	var unsupported []int
	for _, id := range r.FailedIDs() {
		if errors.Is(r.Failed[id], ErrUnsupported) {
			unsupported = append(unsupported, id)
			continue
		}
		out.fail(id, r.Failed[id])
	}
	return out, unsupported
}

// Err folds the failures into a single error naming the first failing actuator.
func (r BusResult) Err(op string) error {
	if r.OK() {
		return nil
	}
	ids := r.FailedIDs()
	first := r.Failed[ids[0]]
	if len(ids) == 1 {
		return errors.Wrapf(first, "%s", op)
	}
	return errors.Wrapf(first, "%s: %d actuators failed %v, first", op, len(ids), ids)
}

func sortedIDs(goals map[int]int) []int {
	ids := make([]int, 0, len(goals))
	for id := range goals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
