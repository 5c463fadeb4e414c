package orca_hand

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CalibrationState tracks a joint through calibration.
type CalibrationState int

const (
	StateUncalibrated CalibrationState = iota
	StateCalibrating
	StateCalibrated
)

func (s CalibrationState) String() string {
	switch s {
	case StateUncalibrated:
		return "uncalibrated"
	case StateCalibrating:
		return "calibrating"
	case StateCalibrated:
		return "calibrated"
	default:
		return "unknown"
	}
}

// NeutralPolicy chooses the pose used as the zero reference.
type NeutralPolicy string

const (
	NeutralAtAngle    NeutralPolicy = "angle"
	NeutralAtMin      NeutralPolicy = "min"
	NeutralAtMax      NeutralPolicy = "max"
	NeutralAtMidpoint NeutralPolicy = "midpoint"
)

// ActuatorCoupling relates a joint to one actuator.
// Ratio is raw units per degree; zero means "derive from the calibrated range".
type ActuatorCoupling struct {
	ActuatorID int     `json:"actuator_id" yaml:"actuator_id"`
	Ratio      float64 `json:"ratio,omitempty" yaml:"ratio,omitempty"`
	Sign       int     `json:"sign,omitempty" yaml:"sign,omitempty"`
}

// JointSpec is the static description of one joint.
type JointSpec struct {
	ID             string             `json:"id" yaml:"id"`
	Actuators      []ActuatorCoupling `json:"actuators" yaml:"actuators"`
	MinDegrees     float64            `json:"min_degrees" yaml:"min_degrees"`
	MaxDegrees     float64            `json:"max_degrees" yaml:"max_degrees"`
	Neutral        NeutralPolicy      `json:"neutral,omitempty" yaml:"neutral,omitempty"`
	NeutralDegrees float64            `json:"neutral_degrees,omitempty" yaml:"neutral_degrees,omitempty"`
}

// NeutralAngle resolves the neutral policy to an angle in degrees.
func (s JointSpec) NeutralAngle() float64 {
	switch s.Neutral {
	case NeutralAtMin:
		return s.MinDegrees
	case NeutralAtMax:
		return s.MaxDegrees
	case NeutralAtMidpoint:
		return (s.MinDegrees + s.MaxDegrees) / 2
	default:
		return s.NeutralDegrees
	}
}

func (s JointSpec) validate() error {
	if s.ID == "" {
		return errors.New("joint id is required")
	}
	if len(s.Actuators) == 0 {
		return errors.Errorf("joint %s has no actuators", s.ID)
	}
	if s.MaxDegrees <= s.MinDegrees {
		return errors.Errorf("joint %s range [%v, %v] is not valid", s.ID, s.MinDegrees, s.MaxDegrees)
	}
	switch s.Neutral {
	case "", NeutralAtAngle, NeutralAtMin, NeutralAtMax, NeutralAtMidpoint:
	default:
		return errors.Errorf("joint %s has unknown neutral policy %q", s.ID, s.Neutral)
	}
	if n := s.NeutralAngle(); n < s.MinDegrees || n > s.MaxDegrees {
		return errors.Errorf("joint %s neutral angle %v outside its range", s.ID, n)
	}
	for _, a := range s.Actuators {
		if a.ActuatorID <= 0 {
			return errors.Errorf("joint %s has invalid actuator id %d", s.ID, a.ActuatorID)
		}
		if a.Ratio < 0 {
			return errors.Errorf("joint %s actuator %d has negative ratio", s.ID, a.ActuatorID)
		}
		if a.Sign != 0 && a.Sign != 1 && a.Sign != -1 {
			return errors.Errorf("joint %s actuator %d sign must be 1 or -1", s.ID, a.ActuatorID)
		}
	}
	return nil
}

// ActuatorCalibration is the measured reference for one actuator of a joint.
type ActuatorCalibration struct {
	ActuatorID int     `json:"actuator_id"`
	ZeroOffset int     `json:"zero_offset"`
	MinRaw     int     `json:"min_raw"`
	MaxRaw     int     `json:"max_raw"`
	TensionRaw int     `json:"tension_raw"`
	Ratio      float64 `json:"ratio,omitempty"`
}

// CalibrationRecord is the persisted outcome of calibrating one joint.
type CalibrationRecord struct {
	Joint        string                `json:"joint"`
	Actuators    []ActuatorCalibration `json:"actuators"`
	Method       string                `json:"method,omitempty"`
	RunID        string                `json:"run_id,omitempty"`
	CalibratedAt time.Time             `json:"calibrated_at"`
}

// Validate checks the record is internally consistent.
func (r CalibrationRecord) Validate() error {
	if r.Joint == "" {
		return errors.New("calibration record has no joint")
	}
	if len(r.Actuators) == 0 {
		return errors.Errorf("calibration record for %s has no actuators", r.Joint)
	}
	for _, a := range r.Actuators {
		if a.MaxRaw <= a.MinRaw {
			return errors.Errorf("joint %s actuator %d: min %d and max %d are not a range",
				r.Joint, a.ActuatorID, a.MinRaw, a.MaxRaw)
		}
		if a.ZeroOffset < a.MinRaw || a.ZeroOffset > a.MaxRaw {
			return errors.Errorf("joint %s actuator %d: zero offset %d outside [%d, %d]",
				r.Joint, a.ActuatorID, a.ZeroOffset, a.MinRaw, a.MaxRaw)
		}
		if a.Ratio < 0 {
			return errors.Errorf("joint %s actuator %d: negative ratio", r.Joint, a.ActuatorID)
		}
	}
	return nil
}

func (r CalibrationRecord) actuator(id int) (ActuatorCalibration, bool) {
	for _, a := range r.Actuators {
		if a.ActuatorID == id {
			return a, true
		}
	}
	return ActuatorCalibration{}, false
}

type jointEntry struct {
	spec   JointSpec
	state  CalibrationState
	record *CalibrationRecord
}

// JointMap converts between joint angles and raw actuator positions. It does no I/O.
type JointMap struct {
	mu        sync.RWMutex
	joints    map[string]*jointEntry
	order     []string
	owner     map[int]string // actuator id -> joint id
	tolerance float64
}

// DefaultOutOfRangeTolerance is how far (degrees) a reading may sit past a joint limit.
const DefaultOutOfRangeTolerance = 5.0

// NewJointMap builds a map with every joint uncalibrated.
func NewJointMap(specs []JointSpec) (*JointMap, error) {
	m := &JointMap{
		joints:    make(map[string]*jointEntry, len(specs)),
		owner:     make(map[int]string),
		tolerance: DefaultOutOfRangeTolerance,
	}
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, dup := m.joints[spec.ID]; dup {
			return nil, errors.Errorf("joint %s defined twice", spec.ID)
		}
		actuators := make([]ActuatorCoupling, len(spec.Actuators))
		copy(actuators, spec.Actuators)
		for i := range actuators {
			if actuators[i].Sign == 0 {
				actuators[i].Sign = 1
			}
			if other, taken := m.owner[actuators[i].ActuatorID]; taken {
				return nil, errors.Errorf("actuator %d is coupled to both %s and %s",
					actuators[i].ActuatorID, other, spec.ID)
			}
			m.owner[actuators[i].ActuatorID] = spec.ID
		}
		spec.Actuators = actuators
		m.joints[spec.ID] = &jointEntry{spec: spec}
		m.order = append(m.order, spec.ID)
	}
	return m, nil
}

// SetOutOfRangeTolerance sets how many degrees past a limit a reading is still accepted.
func (m *JointMap) SetOutOfRangeTolerance(degrees float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tolerance = math.Abs(degrees)
}

// Joints returns joint ids in configuration order.
func (m *JointMap) Joints() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Spec returns the static description of a joint.
func (m *JointMap) Spec(jointID string) (JointSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, err := m.entry(jointID)
	if err != nil {
		return JointSpec{}, err
	}
	return entry.spec, nil
}

// State returns the calibration state of a joint.
func (m *JointMap) State(jointID string) (CalibrationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, err := m.entry(jointID)
	if err != nil {
		return StateUncalibrated, err
	}
	return entry.state, nil
}

// States snapshots every joint's calibration state.
func (m *JointMap) States() map[string]CalibrationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CalibrationState, len(m.joints))
	for id, entry := range m.joints {
		out[id] = entry.state
	}
	return out
}

// Calibrated returns the ids of calibrated joints in configuration order.
func (m *JointMap) Calibrated() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, id := range m.order {
		if m.joints[id].state == StateCalibrated {
			out = append(out, id)
		}
	}
	return out
}

// Record returns the calibration currently applied to a joint.
func (m *JointMap) Record(jointID string) (CalibrationRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.joints[jointID]
	if !ok || entry.record == nil {
		return CalibrationRecord{}, false
	}
	return *entry.record, true
}

// ActuatorIDs returns every actuator id, sorted.
func (m *JointMap) ActuatorIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int, 0, len(m.owner))
	for id := range m.owner {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ActuatorsFor returns the sorted actuator ids driving the given joints.
func (m *JointMap) ActuatorsFor(jointIDs ...string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for _, jointID := range jointIDs {
		entry, err := m.entry(jointID)
		if err != nil {
			return nil, err
		}
		for _, a := range entry.spec.Actuators {
			ids = append(ids, a.ActuatorID)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// JointForActuator reports which joint an actuator belongs to.
func (m *JointMap) JointForActuator(actuatorID int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.owner[actuatorID]
	return id, ok
}

// BeginCalibration marks a joint as calibrating. Its previous record stops being usable.
func (m *JointMap) BeginCalibration(jointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entry(jointID)
	if err != nil {
		return err
	}
	entry.state = StateCalibrating
	entry.record = nil
	return nil
}

// ApplyCalibration validates a record against the joint and marks it calibrated.
func (m *JointMap) ApplyCalibration(jointID string, record CalibrationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entry(jointID)
	if err != nil {
		return err
	}
	if record.Joint != jointID {
		return errors.Errorf("calibration record for %s applied to %s", record.Joint, jointID)
	}
	if err := record.Validate(); err != nil {
		return err
	}
	for _, coupling := range entry.spec.Actuators {
		cal, ok := record.actuator(coupling.ActuatorID)
		if !ok {
			return errors.Errorf("calibration record for %s is missing actuator %d", jointID, coupling.ActuatorID)
		}
		if effectiveRatio(coupling, cal) <= 0 {
			return errors.Errorf("joint %s actuator %d has no coupling ratio", jointID, coupling.ActuatorID)
		}
	}
	if len(record.Actuators) != len(entry.spec.Actuators) {
		return errors.Errorf("calibration record for %s has %d actuators, joint has %d",
			jointID, len(record.Actuators), len(entry.spec.Actuators))
	}
	rec := record
	rec.Actuators = append([]ActuatorCalibration(nil), record.Actuators...)
	entry.record = &rec
	entry.state = StateCalibrated
	return nil
}

// Invalidate drops a joint's calibration, for example after detected tendon slip.
func (m *JointMap) Invalidate(jointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.entry(jointID)
	if err != nil {
		return err
	}
	entry.state = StateUncalibrated
	entry.record = nil
	return nil
}

// CheckTarget validates an angle without converting it.
func (m *JointMap) CheckTarget(jointID string, angle float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, err := m.calibratedEntry(jointID)
	if err != nil {
		return err
	}
	return entry.checkRange(angle, 0)
}

// JointToRaw converts a joint angle to a raw goal for each of its actuators.
func (m *JointMap) JointToRaw(jointID string, angle float64) (map[int]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]int)
	if err := m.jointToRawLocked(jointID, angle, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// JointsToRaw converts a set of joint angles into one goal map. Nothing is returned on any failure.
func (m *JointMap) JointsToRaw(angles map[string]float64) (map[int]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jointsToRawLocked(angles, 0)
}

// stepToRaw is JointsToRaw with the reading tolerance, for the intermediate poses of a move
// that starts slightly past a limit.
func (m *JointMap) stepToRaw(angles map[string]float64) (map[int]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jointsToRawLocked(angles, m.tolerance)
}

func (m *JointMap) jointsToRawLocked(angles map[string]float64, tolerance float64) (map[int]int, error) {
	out := make(map[int]int)
	for _, jointID := range sortedJoints(angles) {
		if err := m.jointToRawLocked(jointID, angles[jointID], tolerance, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *JointMap) jointToRawLocked(jointID string, angle, tolerance float64, out map[int]int) error {
	entry, err := m.calibratedEntry(jointID)
	if err != nil {
		return err
	}
	if err := entry.checkRange(angle, tolerance); err != nil {
		return err
	}
	neutral := entry.spec.NeutralAngle()
	for _, coupling := range entry.spec.Actuators {
		cal, _ := entry.record.actuator(coupling.ActuatorID)
		ratio := effectiveRatio(coupling, cal)
		raw := float64(cal.ZeroOffset) + float64(coupling.Sign)*ratio*(angle-neutral)
		out[coupling.ActuatorID] = int(math.Round(raw))
	}
	return nil
}

// JointAngle converts the reading actuator's raw position into the joint angle.
func (m *JointMap) JointAngle(jointID string, positions map[int]int) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jointAngleLocked(jointID, positions)
}

// RawToJoint converts raw readings into angles for every joint whose reading actuator is present.
func (m *JointMap) RawToJoint(positions map[int]int) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64)
	for _, jointID := range m.order {
		primary := m.joints[jointID].spec.Actuators[0].ActuatorID
		if _, ok := positions[primary]; !ok {
			continue
		}
		angle, err := m.jointAngleLocked(jointID, positions)
		if err != nil {
			return nil, err
		}
		out[jointID] = angle
	}
	return out, nil
}

func (m *JointMap) jointAngleLocked(jointID string, positions map[int]int) (float64, error) {
	entry, err := m.calibratedEntry(jointID)
	if err != nil {
		return 0, err
	}
	coupling := entry.spec.Actuators[0]
	raw, ok := positions[coupling.ActuatorID]
	if !ok {
		return 0, errors.Errorf("no reading for actuator %d of joint %s", coupling.ActuatorID, jointID)
	}
	cal, _ := entry.record.actuator(coupling.ActuatorID)
	ratio := effectiveRatio(coupling, cal)
	angle := entry.spec.NeutralAngle() + float64(raw-cal.ZeroOffset)/(float64(coupling.Sign)*ratio)
	if err := entry.checkRange(angle, m.tolerance); err != nil {
		return 0, err
	}
	return angle, nil
}

func (m *JointMap) entry(jointID string) (*jointEntry, error) {
	entry, ok := m.joints[jointID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJoint, "%q", jointID)
	}
	return entry, nil
}

func (m *JointMap) calibratedEntry(jointID string) (*jointEntry, error) {
	entry, err := m.entry(jointID)
	if err != nil {
		return nil, err
	}
	if entry.state != StateCalibrated || entry.record == nil {
		return nil, errors.Wrapf(ErrCalibrationMissing, "joint %s is %s", jointID, entry.state)
	}
	return entry, nil
}

func (e *jointEntry) checkRange(angle, tolerance float64) error {
	const eps = 1e-9
	if math.IsNaN(angle) || angle < e.spec.MinDegrees-tolerance-eps || angle > e.spec.MaxDegrees+tolerance+eps {
		return &RangeError{Joint: e.spec.ID, Angle: angle, Min: e.spec.MinDegrees, Max: e.spec.MaxDegrees}
	}
	return nil
}

func effectiveRatio(coupling ActuatorCoupling, cal ActuatorCalibration) float64 {
	if coupling.Ratio > 0 {
		return coupling.Ratio
	}
	return cal.Ratio
}

func sortedJoints(angles map[string]float64) []string {
	ids := make([]string, 0, len(angles))
	for id := range angles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
