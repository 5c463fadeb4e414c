package orca_hand

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// HandOption customizes a HandController.
type HandOption func(*handOptions)

type handOptions struct {
	bus      ActuatorBus
	store    CalibrationStore
	feedback CalibrationFeedback
	registry *PortRegistry
}

// WithBus replaces the transport built from the config.
func WithBus(bus ActuatorBus) HandOption {
	return func(o *handOptions) { o.bus = bus }
}

// WithCalibrationStore replaces the store built from the config.
func WithCalibrationStore(store CalibrationStore) HandOption {
	return func(o *handOptions) { o.store = store }
}

// WithCalibrationFeedback replaces the bus as the calibration engine's hardware feedback.
func WithCalibrationFeedback(feedback CalibrationFeedback) HandOption {
	return func(o *handOptions) { o.feedback = feedback }
}

// WithPortRegistry makes hardware buses claim their port in registry.
func WithPortRegistry(registry *PortRegistry) HandOption {
	return func(o *handOptions) { o.registry = registry }
}

// HandStatus is a lock-free snapshot of the hand.
type HandStatus struct {
	Connected     bool                              `json:"connected"`
	Busy          bool                              `json:"busy"`
	TorqueEnabled bool                              `json:"torque_enabled"`
	ControlMode   string                            `json:"control_mode"`
	Joints        map[string]string                 `json:"joints"`
	Calibration   map[string]JointCalibrationStatus `json:"calibration"`
	Task          string                            `json:"task,omitempty"`
}

// HandController is the public lifecycle of one hand. Its operations are serialized; the
// transport belongs to this instance for its lifetime.
type HandController struct {
	cfg    *HandConfig
	logger logging.Logger

	bus    ActuatorBus
	joints *JointMap
	torque *TorqueManager
	motion *MotionController
	engine *CalibrationEngine
	store  CalibrationStore

	mu        sync.Mutex
	busy      atomic.Bool
	taskMu    sync.Mutex
	task      *handTask
	connected atomic.Bool
	mode      atomic.Int32
}

// NewHandController wires the components for a validated config. Nothing touches hardware until Connect.
func NewHandController(cfg *HandConfig, logger logging.Logger, opts ...HandOption) (*HandController, error) {
	var o handOptions
	for _, opt := range opts {
		opt(&o)
	}

	joints, err := NewJointMap(cfg.Joints)
	if err != nil {
		return nil, err
	}
	if cfg.OutOfRangeTolerance > 0 {
		joints.SetOutOfRangeTolerance(cfg.OutOfRangeTolerance)
	}
	ids := joints.ActuatorIDs()

	bus := o.bus
	if bus == nil {
		bus, err = NewBus(cfg, ids, o.registry, logger)
		if err != nil {
			return nil, err
		}
	}
	store := o.store
	if store == nil {
		store, err = NewCalibrationStore(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	feedback := o.feedback
	if feedback == nil {
		feedback = BusFeedback{ActuatorBus: bus}
	}

	torque := NewTorqueManager(bus, ids, logger)
	h := &HandController{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		joints: joints,
		torque: torque,
		store:  store,
		motion: NewMotionController(bus, joints, torque, MotionConfig{
			Cycle:         cfg.ControlCycle(),
			Interpolation: Interpolation(cfg.Interpolation),
			WriteTimeout:  cfg.Timeout(),
		}, logger),
		engine: NewCalibrationEngine(joints, feedback, store, cfg.Calibration, cfg.CalibrationSequence, logger),
	}
	h.mode.Store(int32(cfg.OperatingMode()))
	return h, nil
}

// NewBus builds the transport named by cfg.Transport.
func NewBus(cfg *HandConfig, ids []int, registry *PortRegistry, logger logging.Logger) (ActuatorBus, error) {
	switch cfg.Transport {
	case TransportDynamixel, "":
		return NewDynamixelBus(cfg.Port, cfg.Baudrate, cfg.Timeout(), registry, logger), nil
	case TransportFeetech:
		return NewFeetechBus(cfg.Port, cfg.Baudrate, cfg.Timeout(), ids, registry, logger), nil
	case TransportSim:
		return NewSimHand(ids), nil
	default:
		return nil, errors.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewCalibrationStore returns the configured store, or nil when calibration is not persisted.
func NewCalibrationStore(cfg *HandConfig, logger logging.Logger) (CalibrationStore, error) {
	switch {
	case cfg.RedisURL != "":
		return NewRedisCalibrationStore(cfg.RedisURL, cfg.HandName, logger)
	case cfg.CalibrationFile != "":
		return NewFileCalibrationStore(cfg.CalibrationFile, logger), nil
	default:
		return nil, nil
	}
}

// Joints exposes the joint map.
func (h *HandController) Joints() *JointMap {
	return h.joints
}

// Bus exposes the transport.
func (h *HandController) Bus() ActuatorBus {
	return h.bus
}

func (h *HandController) lock() func() {
	h.mu.Lock()
	h.busy.Store(true)
	return func() {
		h.busy.Store(false)
		h.mu.Unlock()
	}
}

// Connect opens the transport, checks every actuator answers, puts them in the configured
// mode with torque off and loads stored calibration.
func (h *HandController) Connect(ctx context.Context) (bool, string) {
	defer h.lock()()

	if h.connected.Load() {
		return true, "already connected"
	}
	if err := h.connectLocked(ctx); err != nil {
		h.logger.Errorf("Connection failed: %v", err)
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
	h.connected.Store(true)

	calibrated := h.joints.Calibrated()
	h.logger.Infof("Connected to hand: %d actuators, %d of %d joints calibrated",
		len(h.joints.ActuatorIDs()), len(calibrated), len(h.joints.Joints()))
	return true, fmt.Sprintf("Connection successful, %d of %d joints calibrated",
		len(calibrated), len(h.joints.Joints()))
}

func (h *HandController) connectLocked(ctx context.Context) error {
	if err := h.bus.Open(ctx); err != nil {
		return err
	}
	ids := h.joints.ActuatorIDs()

	if res := h.bus.Ping(ctx, ids); !res.OK() {
		return h.abortConnect(ctx, res.Err("ping"))
	}
	if err := h.torque.Disable(ctx); err != nil {
		return h.abortConnect(ctx, err)
	}
	mode := h.cfg.OperatingMode()
	if err := h.checkSupported("set operating mode", h.bus.SetOperatingMode(ctx, ids, mode)); err != nil {
		return h.abortConnect(ctx, err)
	}
	h.mode.Store(int32(mode))
	if err := h.checkSupported("set current limit", h.bus.SetCurrentLimit(ctx, ids, h.cfg.MaxCurrent)); err != nil {
		return h.abortConnect(ctx, err)
	}
	if h.cfg.VelocityLimit > 0 {
		if err := h.checkSupported("set velocity limit", h.bus.SetVelocityLimit(ctx, ids, h.cfg.VelocityLimit)); err != nil {
			return h.abortConnect(ctx, err)
		}
	}

	h.loadCalibration(ctx)
	return nil
}

// abortConnect leaves the actuators de-energized and the transport released.
func (h *HandController) abortConnect(ctx context.Context, cause error) error {
	return multierr.Combine(
		cause,
		h.torque.Disable(context.WithoutCancel(ctx)),
		h.bus.Close(),
	)
}

func (h *HandController) checkSupported(op string, res BusResult) error {
	supported, unsupported := res.Supported()
	if len(unsupported) > 0 {
		h.logger.Warnf("%s is not supported by actuators %v", op, unsupported)
	}
	return supported.Err(op)
}

// loadCalibration applies stored records. Missing or invalid records leave a joint uncalibrated.
func (h *HandController) loadCalibration(ctx context.Context) {
	if h.store == nil {
		h.logger.Debug("No calibration store configured, all joints start uncalibrated")
		return
	}
	records, err := h.store.Load(ctx)
	if err != nil {
		h.logger.Warnf("Failed to load calibration: %v, all joints start uncalibrated", err)
		return
	}
	for _, joint := range h.joints.Joints() {
		record, ok := records[joint]
		if !ok {
			h.logger.Debugf("No stored calibration for %s", joint)
			if err := h.joints.Invalidate(joint); err != nil {
				h.logger.Warnf("could not reset %s: %v", joint, err)
			}
			continue
		}
		if err := h.joints.ApplyCalibration(joint, record); err != nil {
			h.logger.Warnf("Ignoring stored calibration for %s: %v", joint, err)
			if err := h.joints.Invalidate(joint); err != nil {
				h.logger.Warnf("could not reset %s: %v", joint, err)
			}
		}
	}
}

// Disconnect de-energizes every actuator and releases the transport. It works on a hand
// that never connected, which reopens the transport just long enough to switch torque off.
func (h *HandController) Disconnect(ctx context.Context) error {
	stopErr := h.StopTask(ctx)
	defer h.lock()()
	return multierr.Combine(stopErr, h.disconnectLocked(ctx))
}

func (h *HandController) disconnectLocked(ctx context.Context) error {
	h.connected.Store(false)
	if !h.bus.IsOpen() {
		if err := h.bus.Open(ctx); err != nil {
			return errors.Wrap(err, "open transport to disable torque")
		}
	}

	var errs error
	errs = multierr.Append(errs, h.torque.Disable(context.WithoutCancel(ctx)))
	if settle := h.cfg.DisconnectSettle(); settle > 0 {
		utils.SelectContextOrWait(ctx, settle)
	}
	errs = multierr.Append(errs, h.bus.Close())
	if errs != nil {
		h.logger.Errorf("Disconnection failed: %v", errs)
		return errs
	}
	h.logger.Info("Disconnected successfully")
	return nil
}

// Close disconnects and releases the calibration store.
func (h *HandController) Close(ctx context.Context) error {
	var errs error
	if h.connected.Load() || h.bus.IsOpen() {
		errs = multierr.Append(errs, h.Disconnect(ctx))
	}
	if closer, ok := h.store.(io.Closer); ok {
		errs = multierr.Append(errs, closer.Close())
	}
	return errs
}

func (h *HandController) requireConnected() error {
	if !h.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (h *HandController) EnableTorque(ctx context.Context) error {
	unlock, err := h.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return err
	}
	return h.torque.Enable(ctx)
}

// DisableTorque is the emergency stop. It does not wait for a running operation: the torque gate
// closes at once, a move in progress stops before its next step, and a running background task
// ends without re-energizing the hand. Bus I/O is still serialized by the transport.
func (h *HandController) DisableTorque(ctx context.Context) error {
	if !h.bus.IsOpen() {
		return ErrNotConnected
	}
	return h.torque.Disable(ctx)
}

// Calibrate runs automatic calibration for the given joints, or every joint when none are given.
// The hand runs in current-based position mode at the calibration current while it works and
// returns to its configured mode, current and torque state afterwards.
func (h *HandController) Calibrate(ctx context.Context, jointIDs ...string) (CalibrationReport, error) {
	unlock, err := h.acquire()
	if err != nil {
		return CalibrationReport{}, err
	}
	defer unlock()
	return h.calibrateLocked(ctx, jointIDs)
}

func (h *HandController) calibrateLocked(ctx context.Context, jointIDs []string) (CalibrationReport, error) {
	if err := h.requireConnected(); err != nil {
		return CalibrationReport{}, err
	}
	if err := h.checkJoints(jointIDs); err != nil {
		return CalibrationReport{}, err
	}
	wasEnabled := h.torque.Enabled()

	prepare := h.enterCalibrationCurrent(ctx)

	var report CalibrationReport
	if prepare == nil {
		report = h.engine.CalibrateAll(ctx, jointIDs)
		if !h.torque.Enabled() {
			h.logger.Warn("Torque was disabled during calibration, leaving the hand de-energized")
			wasEnabled = false
		}
	}

	restoreErr := h.restoreAfterCalibration(context.WithoutCancel(ctx), wasEnabled)
	if prepare != nil {
		return CalibrationReport{}, multierr.Combine(errors.Wrap(prepare, "prepare calibration"), restoreErr)
	}
	return report, restoreErr
}

// enterCalibrationCurrent energizes the hand in current-based position mode at the calibration
// current. Mode and limit changes need torque off first.
func (h *HandController) enterCalibrationCurrent(ctx context.Context) error {
	ids := h.joints.ActuatorIDs()
	if err := h.torque.Disable(ctx); err != nil {
		return err
	}
	err := multierr.Combine(
		h.checkSupported("set operating mode", h.bus.SetOperatingMode(ctx, ids, ModeCurrentBasedPosition)),
		h.checkSupported("set current limit", h.bus.SetCurrentLimit(ctx, ids, h.cfg.CalibCurrent)),
	)
	if err != nil {
		return err
	}
	h.mode.Store(int32(ModeCurrentBasedPosition))
	return h.torque.Enable(ctx)
}

func (h *HandController) restoreAfterCalibration(ctx context.Context, wasEnabled bool) error {
	ids := h.joints.ActuatorIDs()
	mode := h.cfg.OperatingMode()
	errs := h.torque.Disable(ctx)
	if errs == nil {
		errs = multierr.Combine(
			h.checkSupported("restore operating mode", h.bus.SetOperatingMode(ctx, ids, mode)),
			h.checkSupported("restore current limit", h.bus.SetCurrentLimit(ctx, ids, h.cfg.MaxCurrent)),
		)
		h.mode.Store(int32(mode))
	}
	if wasEnabled {
		errs = multierr.Append(errs, h.torque.Enable(ctx))
	}
	return errs
}

// CalibrateManual asks an operator to flex and extend each joint with torque off.
func (h *HandController) CalibrateManual(ctx context.Context, prompter ManualPrompter, jointIDs ...string) (CalibrationReport, error) {
	unlock, err := h.acquire()
	if err != nil {
		return CalibrationReport{}, err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return CalibrationReport{}, err
	}
	if err := h.checkJoints(jointIDs); err != nil {
		return CalibrationReport{}, err
	}
	wasEnabled := h.torque.Enabled()
	if err := h.torque.Disable(ctx); err != nil {
		return CalibrationReport{}, err
	}

	report := CalibrationReport{Failed: make(map[string]error)}
	for _, joint := range h.engine.Order(jointIDs) {
		if _, err := h.engine.CalibrateManual(ctx, joint, prompter); err != nil {
			report.Failed[joint] = err
			continue
		}
		report.Calibrated = append(report.Calibrated, joint)
	}

	if wasEnabled {
		return report, h.torque.Enable(context.WithoutCancel(ctx))
	}
	return report, nil
}

func (h *HandController) checkJoints(jointIDs []string) error {
	for _, id := range jointIDs {
		if _, err := h.joints.Spec(id); err != nil {
			return err
		}
	}
	return nil
}

// SetJointPositions moves the given joints. numSteps <= 0 and stepSize == 0 fall back to the
// configured defaults.
func (h *HandController) SetJointPositions(ctx context.Context, targets map[string]float64, numSteps int, stepSize float64) (*MotionResult, error) {
	unlock, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return h.setJointPositionsLocked(ctx, targets, numSteps, stepSize)
}

func (h *HandController) setJointPositionsLocked(ctx context.Context, targets map[string]float64, numSteps int, stepSize float64) (*MotionResult, error) {
	if err := h.requireConnected(); err != nil {
		return nil, err
	}
	if numSteps <= 0 {
		numSteps = h.cfg.DefaultNumSteps
	}
	if stepSize == 0 {
		stepSize = h.cfg.DefaultStepSize
	}
	return h.motion.MoveTo(ctx, targets, numSteps, stepSize)
}

// GetJointPositions reads the given joints, or every calibrated joint when none are given.
func (h *HandController) GetJointPositions(ctx context.Context, jointIDs ...string) (map[string]float64, error) {
	unlock, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return nil, err
	}
	if len(jointIDs) == 0 {
		jointIDs = h.joints.Calibrated()
		if len(jointIDs) == 0 {
			return map[string]float64{}, nil
		}
	}
	for _, joint := range jointIDs {
		state, err := h.joints.State(joint)
		if err != nil {
			return nil, err
		}
		if state != StateCalibrated {
			return nil, errors.Wrapf(ErrCalibrationMissing, "joint %s is %s", joint, state)
		}
	}
	ids, err := h.joints.ActuatorsFor(jointIDs...)
	if err != nil {
		return nil, err
	}
	positions, err := h.bus.ReadPositions(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(jointIDs))
	for _, joint := range jointIDs {
		angle, err := h.joints.JointAngle(joint, positions)
		if err != nil {
			return nil, err
		}
		out[joint] = angle
	}
	return out, nil
}

// InitJoints enables torque, calibrates when asked to or when any joint is uncalibrated, and
// moves every joint to its neutral pose.
func (h *HandController) InitJoints(ctx context.Context, calibrate bool) error {
	unlock, err := h.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return err
	}
	if err := h.torque.Enable(ctx); err != nil {
		return err
	}

	if calibrate || len(h.joints.Calibrated()) < len(h.joints.Joints()) {
		report, err := h.calibrateLocked(ctx, nil)
		if err != nil {
			return err
		}
		if err := report.Err(); err != nil {
			h.logger.Warnf("Continuing with partially calibrated hand: %v", err)
		}
	}

	neutral := make(map[string]float64)
	for _, joint := range h.joints.Calibrated() {
		spec, err := h.joints.Spec(joint)
		if err != nil {
			return err
		}
		neutral[joint] = spec.NeutralAngle()
	}
	_, err = h.setJointPositionsLocked(ctx, neutral, 0, 0)
	return err
}

// SetMaxCurrent changes the current cap of every actuator.
func (h *HandController) SetMaxCurrent(ctx context.Context, current int) error {
	unlock, err := h.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return err
	}
	if current <= 0 {
		return errors.Errorf("max current must be positive, got %d", current)
	}
	return h.checkSupported("set current limit", h.bus.SetCurrentLimit(ctx, h.joints.ActuatorIDs(), current))
}

// SetControlMode switches every actuator's control loop. Torque is dropped for the change and restored.
func (h *HandController) SetControlMode(ctx context.Context, name string) error {
	unlock, err := h.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return err
	}
	mode, err := ParseOperatingMode(name)
	if err != nil {
		return err
	}
	return h.torque.WithTorqueOff(ctx, func() error {
		if err := h.checkSupported("set operating mode", h.bus.SetOperatingMode(ctx, h.joints.ActuatorIDs(), mode)); err != nil {
			return err
		}
		h.mode.Store(int32(mode))
		return nil
	})
}

func (h *HandController) MotorTemperatures(ctx context.Context) (map[int]int, error) {
	unlock, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return nil, err
	}
	return h.bus.ReadTemperatures(ctx, h.joints.ActuatorIDs())
}

func (h *HandController) MotorCurrents(ctx context.Context) (map[int]int, error) {
	unlock, err := h.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := h.requireConnected(); err != nil {
		return nil, err
	}
	return h.bus.ReadCurrents(ctx, h.joints.ActuatorIDs())
}

// Status never blocks on a running operation.
func (h *HandController) Status() HandStatus {
	states := h.joints.States()
	joints := make(map[string]string, len(states))
	for id, state := range states {
		joints[id] = state.String()
	}
	return HandStatus{
		Connected:     h.connected.Load(),
		Busy:          h.busy.Load(),
		TorqueEnabled: h.torque.Enabled(),
		ControlMode:   OperatingMode(h.mode.Load()).String(),
		Joints:        joints,
		Calibration:   h.engine.Status(),
		Task:          h.runningTask(),
	}
}
