package orca_hand

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// CalibrationPhase is a state of the per-joint calibration machine.
type CalibrationPhase int

const (
	PhaseIdle CalibrationPhase = iota
	PhaseTensioning
	PhaseLimitFinding
	PhaseZeroCapture
	PhaseCommit
	PhaseDone
	PhaseFailed
)

func (p CalibrationPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTensioning:
		return "tensioning"
	case PhaseLimitFinding:
		return "limit_finding"
	case PhaseZeroCapture:
		return "zero_capture"
	case PhaseCommit:
		return "commit"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CalibrationFeedback is the hardware capability the engine drives. ActuatorBus provides
// everything except Wait; see BusFeedback.
type CalibrationFeedback interface {
	ReadPositions(ctx context.Context, ids []int) (map[int]int, error)
	ReadCurrents(ctx context.Context, ids []int) (map[int]int, error)
	WritePositions(ctx context.Context, goals map[int]int) BusResult
	Wait(ctx context.Context, d time.Duration) error
}

// BusFeedback adapts an ActuatorBus with real-time waits.
type BusFeedback struct {
	ActuatorBus
}

func (f BusFeedback) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if !utils.SelectContextOrWait(ctx, d) {
		return ctx.Err()
	}
	return nil
}

// ManualPrompter asks an operator to pose the hand and blocks until they confirm.
type ManualPrompter interface {
	Prompt(ctx context.Context, message string) error
}

// CalibrationConfig tunes the calibration state machine. Distances are raw actuator units.
type CalibrationConfig struct {
	StepSize         int `json:"step_size,omitempty" yaml:"step_size,omitempty"`
	StepPeriodMs     int `json:"step_period_ms,omitempty" yaml:"step_period_ms,omitempty"`
	NumStable        int `json:"num_stable,omitempty" yaml:"num_stable,omitempty"`
	StallThreshold   int `json:"stall_threshold,omitempty" yaml:"stall_threshold,omitempty"`
	TensionCurrent   int `json:"tension_current,omitempty" yaml:"tension_current,omitempty"`
	MaxTensionTravel int `json:"max_tension_travel,omitempty" yaml:"max_tension_travel,omitempty"`
	LimitCurrent     int `json:"limit_current,omitempty" yaml:"limit_current,omitempty"`
	MaxSweepTravel   int `json:"max_sweep_travel,omitempty" yaml:"max_sweep_travel,omitempty"`
	MinRange         int `json:"min_range,omitempty" yaml:"min_range,omitempty"`
	ZeroTolerance    int `json:"zero_tolerance,omitempty" yaml:"zero_tolerance,omitempty"`
	PhaseTimeoutMs   int `json:"phase_timeout_ms,omitempty" yaml:"phase_timeout_ms,omitempty"`
}

// withDefaults fills zero fields. LimitCurrent < 0 disables current-spike detection.
func (c CalibrationConfig) withDefaults() CalibrationConfig {
	if c.StepSize <= 0 {
		c.StepSize = 20
	}
	if c.StepPeriodMs <= 0 {
		c.StepPeriodMs = 10
	}
	if c.NumStable <= 0 {
		c.NumStable = 20
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 2
	}
	if c.TensionCurrent <= 0 {
		c.TensionCurrent = 60
	}
	if c.MaxTensionTravel <= 0 {
		c.MaxTensionTravel = 1500
	}
	if c.LimitCurrent == 0 {
		c.LimitCurrent = 180
	}
	if c.MaxSweepTravel <= 0 {
		c.MaxSweepTravel = 8192
	}
	if c.MinRange <= 0 {
		c.MinRange = 50
	}
	if c.ZeroTolerance <= 0 {
		c.ZeroTolerance = 25
	}
	if c.PhaseTimeoutMs <= 0 {
		c.PhaseTimeoutMs = 30000
	}
	return c
}

func (c CalibrationConfig) stepPeriod() time.Duration {
	return time.Duration(c.StepPeriodMs) * time.Millisecond
}

func (c CalibrationConfig) phaseTimeout() time.Duration {
	return time.Duration(c.PhaseTimeoutMs) * time.Millisecond
}

// JointCalibrationStatus is the externally visible progress of one joint.
type JointCalibrationStatus struct {
	Joint     string           `json:"joint"`
	Phase     CalibrationPhase `json:"-"`
	PhaseName string           `json:"phase"`
	Message   string           `json:"message,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// CalibrationReport summarizes a multi-joint run. A partially calibrated hand is a valid outcome.
type CalibrationReport struct {
	Calibrated []string         `json:"calibrated"`
	Failed     map[string]error `json:"-"`
}

// Err summarizes failures, nil when every joint calibrated.
func (r CalibrationReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	var first error
	var names []string
	for _, joint := range sortedErrKeys(r.Failed) {
		names = append(names, joint)
		if first == nil {
			first = r.Failed[joint]
		}
	}
	return errors.Wrapf(first, "%d joints failed calibration %v, first", len(names), names)
}

// stallBuffer detects a stopped actuator from a window of position readings.
type stallBuffer struct {
	size   int
	values []int
}

func newStallBuffer(size int) *stallBuffer {
	return &stallBuffer{size: size, values: make([]int, 0, size)}
}

func (b *stallBuffer) push(v int) {
	if len(b.values) == b.size {
		copy(b.values, b.values[1:])
		b.values = b.values[:b.size-1]
	}
	b.values = append(b.values, v)
}

func (b *stallBuffer) stalled(threshold int) bool {
	if len(b.values) < b.size {
		return false
	}
	first := b.values[0]
	for _, v := range b.values[1:] {
		if absInt(v-first) > threshold {
			return false
		}
	}
	return true
}

func (b *stallBuffer) mean() int {
	sum := 0
	for _, v := range b.values {
		sum += v
	}
	return int(math.Round(float64(sum) / float64(len(b.values))))
}

type calibrationRun struct {
	spec    JointSpec
	ids     []int
	dir     map[int]int // raw direction that flexes the joint
	tension map[int]int
	minRaw  map[int]int
	maxRaw  map[int]int
	zero    map[int]int
	ratio   map[int]float64
	method  string
	record  CalibrationRecord
}

func newCalibrationRun(spec JointSpec, method string) *calibrationRun {
	run := &calibrationRun{
		spec:    spec,
		dir:     make(map[int]int),
		tension: make(map[int]int),
		minRaw:  make(map[int]int),
		maxRaw:  make(map[int]int),
		zero:    make(map[int]int),
		ratio:   make(map[int]float64),
		method:  method,
	}
	for _, a := range spec.Actuators {
		run.ids = append(run.ids, a.ActuatorID)
		run.dir[a.ActuatorID] = a.Sign
	}
	return run
}

// CalibrationEngine runs the tensioning, limit-finding, zero-capture and commit phases for one
// joint at a time. Writes go straight to the feedback capability, bypassing motion bounds.
type CalibrationEngine struct {
	joints   *JointMap
	feedback CalibrationFeedback
	store    CalibrationStore
	cfg      CalibrationConfig
	sequence [][]string
	logger   logging.Logger

	mu     sync.RWMutex
	status map[string]JointCalibrationStatus
}

// NewCalibrationEngine wires an engine. store may be nil, in which case records are only applied in memory.
func NewCalibrationEngine(
	joints *JointMap,
	feedback CalibrationFeedback,
	store CalibrationStore,
	cfg CalibrationConfig,
	sequence [][]string,
	logger logging.Logger,
) *CalibrationEngine {
	e := &CalibrationEngine{
		joints:   joints,
		feedback: feedback,
		store:    store,
		cfg:      cfg.withDefaults(),
		sequence: sequence,
		logger:   logger,
		status:   make(map[string]JointCalibrationStatus),
	}
	for _, joint := range joints.Joints() {
		e.status[joint] = JointCalibrationStatus{Joint: joint, Phase: PhaseIdle, PhaseName: PhaseIdle.String()}
	}
	return e
}

// Status returns a snapshot of every joint's calibration progress.
func (e *CalibrationEngine) Status() map[string]JointCalibrationStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]JointCalibrationStatus, len(e.status))
	for k, v := range e.status {
		out[k] = v
	}
	return out
}

func (e *CalibrationEngine) setPhase(joint string, phase CalibrationPhase, message string) {
	e.mu.Lock()
	e.status[joint] = JointCalibrationStatus{
		Joint:     joint,
		Phase:     phase,
		PhaseName: phase.String(),
		Message:   message,
		UpdatedAt: time.Now(),
	}
	e.mu.Unlock()

	if phase == PhaseFailed {
		e.logger.Errorf("Calibration error: %s %s", joint, message)
	} else {
		e.logger.Infof("Calibration state: %s %s", joint, phase)
	}
}

// Order returns the joints to calibrate: the configured sequence first, then any others.
func (e *CalibrationEngine) Order(jointIDs []string) []string {
	wanted := make(map[string]bool)
	if len(jointIDs) == 0 {
		jointIDs = e.joints.Joints()
	}
	for _, id := range jointIDs {
		wanted[id] = true
	}
	seen := make(map[string]bool)
	var order []string
	for _, step := range e.sequence {
		for _, id := range step {
			if wanted[id] && !seen[id] {
				order = append(order, id)
				seen[id] = true
			}
		}
	}
	for _, id := range jointIDs {
		if !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	return order
}

// CalibrateAll calibrates the given joints (all when empty). A failed joint does not stop the others.
func (e *CalibrationEngine) CalibrateAll(ctx context.Context, jointIDs []string) CalibrationReport {
	report := CalibrationReport{Failed: make(map[string]error)}
	for _, joint := range e.Order(jointIDs) {
		if err := ctx.Err(); err != nil {
			report.Failed[joint] = errors.Wrap(err, "calibration cancelled")
			continue
		}
		if _, err := e.CalibrateJoint(ctx, joint); err != nil {
			report.Failed[joint] = err
			continue
		}
		report.Calibrated = append(report.Calibrated, joint)
	}
	e.logger.Infof("calibration finished: %d calibrated, %d failed", len(report.Calibrated), len(report.Failed))
	return report
}

// CalibrateJoint runs the automatic procedure for one joint. On failure the joint is left
// uncalibrated and the error is a *CalibrationError naming the phase.
func (e *CalibrationEngine) CalibrateJoint(ctx context.Context, jointID string) (CalibrationRecord, error) {
	spec, err := e.joints.Spec(jointID)
	if err != nil {
		return CalibrationRecord{}, err
	}
	run := newCalibrationRun(spec, "automatic")
	return e.runMachine(ctx, run, PhaseTensioning, e.automaticPhase)
}

// CalibrateManual has the operator flex and extend the joint by hand with torque off.
func (e *CalibrationEngine) CalibrateManual(ctx context.Context, jointID string, prompter ManualPrompter) (CalibrationRecord, error) {
	spec, err := e.joints.Spec(jointID)
	if err != nil {
		return CalibrationRecord{}, err
	}
	run := newCalibrationRun(spec, "manual")
	return e.runMachine(ctx, run, PhaseLimitFinding, func(ctx context.Context, run *calibrationRun, phase CalibrationPhase) (CalibrationPhase, error) {
		switch phase {
		case PhaseLimitFinding:
			return PhaseZeroCapture, e.manualLimits(ctx, run, prompter)
		case PhaseZeroCapture:
			return PhaseCommit, e.computeZero(run)
		default:
			return e.automaticPhase(ctx, run, phase)
		}
	})
}

type phaseFunc func(ctx context.Context, run *calibrationRun, phase CalibrationPhase) (CalibrationPhase, error)

func (e *CalibrationEngine) runMachine(ctx context.Context, run *calibrationRun, first CalibrationPhase, step phaseFunc) (CalibrationRecord, error) {
	joint := run.spec.ID
	if err := e.joints.BeginCalibration(joint); err != nil {
		return CalibrationRecord{}, err
	}

	phase := first
	for phase != PhaseDone {
		e.setPhase(joint, phase, "")

		phaseCtx, cancel := context.WithTimeout(ctx, e.cfg.phaseTimeout())
		next, err := step(phaseCtx, run, phase)
		timedOut := phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err != nil {
			if timedOut {
				err = errors.Wrapf(err, "%s timed out after %s", phase, e.cfg.phaseTimeout())
			}
			if invErr := e.joints.Invalidate(joint); invErr != nil {
				e.logger.Warnf("could not reset %s: %v", joint, invErr)
			}
			calErr := &CalibrationError{Joint: joint, Phase: phase, Err: err}
			e.setPhase(joint, PhaseFailed, calErr.Error())
			return CalibrationRecord{}, calErr
		}
		phase = next
	}

	e.setPhase(joint, PhaseDone, fmt.Sprintf("run %s", run.record.RunID))
	return run.record, nil
}

func (e *CalibrationEngine) automaticPhase(ctx context.Context, run *calibrationRun, phase CalibrationPhase) (CalibrationPhase, error) {
	switch phase {
	case PhaseTensioning:
		return PhaseLimitFinding, e.tension(ctx, run)
	case PhaseLimitFinding:
		return PhaseZeroCapture, e.findLimits(ctx, run)
	case PhaseZeroCapture:
		if err := e.computeZero(run); err != nil {
			return PhaseZeroCapture, err
		}
		return PhaseCommit, e.captureZero(ctx, run)
	case PhaseCommit:
		return PhaseDone, e.commit(ctx, run)
	default:
		return PhaseFailed, errors.Errorf("no handler for phase %s", phase)
	}
}

// tension drives each actuator in the flex direction until its load reaches the tension
// threshold, which means the tendon is taut.
func (e *CalibrationEngine) tension(ctx context.Context, run *calibrationRun) error {
	taut := make(map[int]bool)
	travel := 0
	for {
		positions, currents, err := e.sample(ctx, run.ids)
		if err != nil {
			return err
		}
		goals := make(map[int]int)
		for _, id := range run.ids {
			if taut[id] {
				continue
			}
			if absInt(currents[id]) >= e.cfg.TensionCurrent {
				taut[id] = true
				run.tension[id] = positions[id]
				e.logger.Debugf("actuator %d of %s taut at %d (load %d)", id, run.spec.ID, positions[id], currents[id])
				continue
			}
			goals[id] = positions[id] + run.dir[id]*e.cfg.StepSize
		}
		if len(goals) == 0 {
			return nil
		}
		if travel >= e.cfg.MaxTensionTravel {
			return errors.Errorf("actuators %v travelled %d without reaching load %d, tendon slack or broken",
				sortedIDs(goals), travel, e.cfg.TensionCurrent)
		}
		if res := e.feedback.WritePositions(ctx, goals); !res.OK() {
			return res.Err("tension")
		}
		travel += e.cfg.StepSize
		if err := e.feedback.Wait(ctx, e.cfg.stepPeriod()); err != nil {
			return err
		}
	}
}

// findLimits sweeps flex then extend; each side ends on a current spike or a position stall.
func (e *CalibrationEngine) findLimits(ctx context.Context, run *calibrationRun) error {
	flexed, err := e.sweep(ctx, run, 1)
	if err != nil {
		return errors.Wrap(err, "flex sweep")
	}
	extended, err := e.sweep(ctx, run, -1)
	if err != nil {
		return errors.Wrap(err, "extend sweep")
	}
	for _, id := range run.ids {
		lo, hi := extended[id], flexed[id]
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi-lo < e.cfg.MinRange {
			return errors.Errorf("actuator %d measured range %d is smaller than %d", id, hi-lo, e.cfg.MinRange)
		}
		run.minRaw[id] = lo
		run.maxRaw[id] = hi
		e.logger.Infof("actuator %d of %s range [%d, %d]", id, run.spec.ID, lo, hi)
	}
	return nil
}

func (e *CalibrationEngine) sweep(ctx context.Context, run *calibrationRun, direction int) (map[int]int, error) {
	// hold in place first so a stop left from the previous sweep does not read as a spike
	positions, err := e.feedback.ReadPositions(ctx, run.ids)
	if err != nil {
		return nil, err
	}
	if res := e.feedback.WritePositions(ctx, positions); !res.OK() {
		return nil, res.Err("hold")
	}
	if err := e.feedback.Wait(ctx, e.cfg.stepPeriod()); err != nil {
		return nil, err
	}

	buffers := make(map[int]*stallBuffer, len(run.ids))
	for _, id := range run.ids {
		buffers[id] = newStallBuffer(e.cfg.NumStable)
	}
	limits := make(map[int]int)
	travel := 0
	for {
		positions, currents, err := e.sample(ctx, run.ids)
		if err != nil {
			return nil, err
		}
		goals := make(map[int]int)
		for _, id := range run.ids {
			if _, done := limits[id]; done {
				continue
			}
			buffers[id].push(positions[id])
			switch {
			case travel > 0 && e.cfg.LimitCurrent > 0 && absInt(currents[id]) >= e.cfg.LimitCurrent:
				limits[id] = positions[id]
				e.logger.Debugf("actuator %d hit a stop at %d (current %d)", id, positions[id], currents[id])
			case buffers[id].stalled(e.cfg.StallThreshold):
				limits[id] = buffers[id].mean()
				e.logger.Debugf("actuator %d stalled at %d", id, limits[id])
			default:
				goals[id] = positions[id] + direction*run.dir[id]*e.cfg.StepSize
			}
		}
		if len(goals) == 0 {
			return limits, nil
		}
		if travel >= e.cfg.MaxSweepTravel {
			return nil, errors.Errorf("no hard stop found for actuators %v within %d units", sortedIDs(goals), travel)
		}
		if res := e.feedback.WritePositions(ctx, goals); !res.OK() {
			return nil, res.Err("sweep")
		}
		travel += e.cfg.StepSize
		if err := e.feedback.Wait(ctx, e.cfg.stepPeriod()); err != nil {
			return nil, err
		}
	}
}

func (e *CalibrationEngine) manualLimits(ctx context.Context, run *calibrationRun, prompter ManualPrompter) error {
	if prompter == nil {
		return errors.New("manual calibration needs an operator prompt")
	}
	if err := prompter.Prompt(ctx, fmt.Sprintf("Flex joint %s fully, then confirm.", run.spec.ID)); err != nil {
		return err
	}
	flexed, err := e.feedback.ReadPositions(ctx, run.ids)
	if err != nil {
		return err
	}
	if err := prompter.Prompt(ctx, fmt.Sprintf("Extend joint %s fully, then confirm.", run.spec.ID)); err != nil {
		return err
	}
	extended, err := e.feedback.ReadPositions(ctx, run.ids)
	if err != nil {
		return err
	}
	for _, id := range run.ids {
		lo, hi := extended[id], flexed[id]
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi-lo < e.cfg.MinRange {
			return errors.Errorf("actuator %d moved only %d units between flex and extend", id, hi-lo)
		}
		run.minRaw[id] = lo
		run.maxRaw[id] = hi
	}
	return nil
}

// computeZero derives the coupling ratio and the raw target of the neutral pose.
// Manual calibration keeps the target as the zero reference; the automatic run refines it in captureZero.
func (e *CalibrationEngine) computeZero(run *calibrationRun) error {
	spec := run.spec
	neutral := spec.NeutralAngle()
	for _, coupling := range spec.Actuators {
		id := coupling.ActuatorID
		lo, hi := run.minRaw[id], run.maxRaw[id]
		ratio := coupling.Ratio
		if ratio == 0 {
			ratio = float64(hi-lo) / (spec.MaxDegrees - spec.MinDegrees)
		}
		run.ratio[id] = ratio

		var target float64
		if coupling.Sign >= 0 {
			target = float64(lo) + ratio*(neutral-spec.MinDegrees)
		} else {
			target = float64(hi) - ratio*(neutral-spec.MinDegrees)
		}
		zero := int(math.Round(target))
		if zero < lo || zero > hi {
			return errors.Errorf("neutral pose of actuator %d at %d lies outside measured range [%d, %d]", id, zero, lo, hi)
		}
		run.zero[id] = zero
	}
	return nil
}

// captureZero drives to the neutral pose, waits for it to settle and records the reading.
func (e *CalibrationEngine) captureZero(ctx context.Context, run *calibrationRun) error {
	goals := make(map[int]int, len(run.zero))
	for id, zero := range run.zero {
		goals[id] = zero
	}
	if res := e.feedback.WritePositions(ctx, goals); !res.OK() {
		return res.Err("drive to neutral")
	}

	buffers := make(map[int]*stallBuffer, len(run.ids))
	for _, id := range run.ids {
		buffers[id] = newStallBuffer(e.cfg.NumStable)
	}
	maxReads := e.cfg.NumStable * 50
	for i := 0; ; i++ {
		if i >= maxReads {
			return errors.Errorf("joint did not settle at neutral after %d readings", maxReads)
		}
		if err := e.feedback.Wait(ctx, e.cfg.stepPeriod()); err != nil {
			return err
		}
		positions, err := e.feedback.ReadPositions(ctx, run.ids)
		if err != nil {
			return err
		}
		settled := true
		for _, id := range run.ids {
			buffers[id].push(positions[id])
			if !buffers[id].stalled(e.cfg.StallThreshold) {
				settled = false
			}
		}
		if !settled {
			continue
		}
		for _, id := range run.ids {
			reading := buffers[id].mean()
			if absInt(reading-goals[id]) > e.cfg.ZeroTolerance {
				return errors.Errorf("actuator %d settled at %d, %d away from neutral %d",
					id, reading, absInt(reading-goals[id]), goals[id])
			}
			run.zero[id] = clampInt(reading, run.minRaw[id], run.maxRaw[id])
		}
		return nil
	}
}

func (e *CalibrationEngine) commit(ctx context.Context, run *calibrationRun) error {
	record := CalibrationRecord{
		Joint:        run.spec.ID,
		Method:       run.method,
		RunID:        uuid.NewString(),
		CalibratedAt: time.Now().UTC(),
	}
	for _, id := range run.ids {
		record.Actuators = append(record.Actuators, ActuatorCalibration{
			ActuatorID: id,
			ZeroOffset: run.zero[id],
			MinRaw:     run.minRaw[id],
			MaxRaw:     run.maxRaw[id],
			TensionRaw: run.tension[id],
			Ratio:      run.ratio[id],
		})
	}
	if err := e.joints.ApplyCalibration(run.spec.ID, record); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.Save(ctx, record); err != nil {
			return errors.Wrap(err, "persist calibration")
		}
	}
	run.record = record
	return nil
}

func (e *CalibrationEngine) sample(ctx context.Context, ids []int) (map[int]int, map[int]int, error) {
	positions, err := e.feedback.ReadPositions(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	currents, err := e.feedback.ReadCurrents(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return positions, currents, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sortedErrKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
