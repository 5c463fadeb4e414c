package orca_hand

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// SimActuator is one simulated tendon-driven servo.
// Positions past TautAt pull on the tendon and read TautLoad; commanding past a hard stop
// pins the actuator at the stop and reads the full current limit.
type SimActuator struct {
	ID            int
	Position      int
	HardMin       int
	HardMax       int
	TautAt        int
	TautLoad      int
	Temperature   int
	TorqueEnabled bool
	CurrentLimit  int
	VelocityLimit int
	Mode          OperatingMode

	goal int
}

func (a *SimActuator) current() int {
	switch {
	case a.goal > a.HardMax && a.Position >= a.HardMax:
		return a.CurrentLimit
	case a.goal < a.HardMin && a.Position <= a.HardMin:
		return -a.CurrentLimit
	case a.Position >= a.TautAt:
		return a.TautLoad
	default:
		return 0
	}
}

// SimReading is one scripted sample of an actuator.
type SimReading struct {
	Position int
	Current  int
}

// SimBus is an in-memory ActuatorBus backed by simulated actuators. It also carries
// fault injection and write counters.
type SimBus struct {
	mu        sync.Mutex
	open      bool
	actuators map[int]*SimActuator

	failOpens   int
	writeFaults map[int]int // actuator id -> WritePositions call that fails
	pingFaults  map[int]bool
	readFaults  map[int]bool
	scripts     map[int][]SimReading

	writeCalls int
	record     bool
	history    []map[int]int
}

// NewSimBus creates a bus over the given actuators.
func NewSimBus(actuators ...SimActuator) *SimBus {
	b := &SimBus{
		actuators:   make(map[int]*SimActuator, len(actuators)),
		writeFaults: make(map[int]int),
		pingFaults:  make(map[int]bool),
		readFaults:  make(map[int]bool),
		scripts:     make(map[int][]SimReading),
	}
	for i := range actuators {
		a := actuators[i]
		a.goal = a.Position
		if a.CurrentLimit == 0 {
			a.CurrentLimit = 200
		}
		if a.Temperature == 0 {
			a.Temperature = 30
		}
		b.actuators[a.ID] = &a
	}
	return b
}

// NewSimHand builds a plausible simulated hand with one actuator per id.
func NewSimHand(ids []int) *SimBus {
	actuators := make([]SimActuator, 0, len(ids))
	for _, id := range ids {
		actuators = append(actuators, SimActuator{
			ID:       id,
			Position: 1000,
			HardMin:  900,
			HardMax:  3000,
			TautAt:   1100,
			TautLoad: 80,
			Mode:     ModeCurrentBasedPosition,
		})
	}
	return NewSimBus(actuators...)
}

// ScriptReadings queues samples for an actuator. Position reads return the head of the queue and
// the following current read consumes it, so one position+current sample takes one reading.
// While readings remain, writes do not move the actuator; afterwards it carries on from the last
// scripted position.
func (b *SimBus) ScriptReadings(id int, readings ...SimReading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[id] = append(b.scripts[id], readings...)
}

// FailOpens makes the next n Open calls fail.
func (b *SimBus) FailOpens(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpens = n
}

// FailWriteOnCall makes the call-th WritePositions call fail for one actuator.
func (b *SimBus) FailWriteOnCall(actuatorID, call int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeFaults[actuatorID] = call
}

// FailPing makes an actuator unresponsive to Ping.
func (b *SimBus) FailPing(actuatorID int, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingFaults[actuatorID] = fail
}

// FailReads makes every read of an actuator time out.
func (b *SimBus) FailReads(actuatorID int, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readFaults[actuatorID] = fail
}

// RecordWrites keeps a copy of every goal map passed to WritePositions.
func (b *SimBus) RecordWrites(record bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record = record
}

// WriteCalls returns how many times WritePositions has been called.
func (b *SimBus) WriteCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeCalls
}

// History returns the recorded goal maps.
func (b *SimBus) History() []map[int]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[int]int(nil), b.history...)
}

// Actuator returns a snapshot of one simulated actuator.
func (b *SimBus) Actuator(id int) (SimActuator, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.actuators[id]
	if !ok {
		return SimActuator{}, false
	}
	return *a, true
}

// SetPosition moves an actuator by hand, as an operator would with torque off.
func (b *SimBus) SetPosition(id, position int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.actuators[id]; ok {
		a.Position = position
		a.goal = position
	}
}

// EnergizeAll sets torque on every actuator, simulating a hand left powered by a previous process.
func (b *SimBus) EnergizeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.actuators {
		a.TorqueEnabled = true
	}
}

func (b *SimBus) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpens > 0 {
		b.failOpens--
		return newTransportError("open", 0, errors.New("simulated port unavailable"))
	}
	b.open = true
	return nil
}

func (b *SimBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	return nil
}

func (b *SimBus) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// lookup must be called with b.mu held.
func (b *SimBus) lookup(op string, id int) (*SimActuator, error) {
	if !b.open {
		return nil, newTransportError(op, id, errors.New("bus not open"))
	}
	a, ok := b.actuators[id]
	if !ok {
		return nil, newTransportError(op, id, errors.New("no response"))
	}
	return a, nil
}

func (b *SimBus) Ping(ctx context.Context, ids []int) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	for _, id := range ids {
		if _, err := b.lookup("ping", id); err != nil {
			res.fail(id, err)
			continue
		}
		if b.pingFaults[id] {
			res.fail(id, newTransportError("ping", id, errors.New("timeout")))
			continue
		}
		res.ok(id)
	}
	return res
}

func (b *SimBus) read(op string, ids []int, value func(*SimActuator) int) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]int, len(ids))
	for _, id := range ids {
		a, err := b.lookup(op, id)
		if err != nil {
			return nil, err
		}
		if b.readFaults[id] {
			return nil, newTransportError(op, id, errors.New("timeout"))
		}
		out[id] = value(a)
	}
	return out, nil
}

func (b *SimBus) ReadPositions(ctx context.Context, ids []int) (map[int]int, error) {
	return b.read("read positions", ids, func(a *SimActuator) int {
		if script := b.scripts[a.ID]; len(script) > 0 {
			return script[0].Position
		}
		return a.Position
	})
}

func (b *SimBus) ReadCurrents(ctx context.Context, ids []int) (map[int]int, error) {
	return b.read("read currents", ids, func(a *SimActuator) int {
		if script := b.scripts[a.ID]; len(script) > 0 {
			b.scripts[a.ID] = script[1:]
			a.Position = script[0].Position
			return script[0].Current
		}
		return a.current()
	})
}

func (b *SimBus) ReadTemperatures(ctx context.Context, ids []int) (map[int]int, error) {
	return b.read("read temperatures", ids, func(a *SimActuator) int { return a.Temperature })
}

func (b *SimBus) WritePositions(ctx context.Context, goals map[int]int) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeCalls++
	if b.record {
		snapshot := make(map[int]int, len(goals))
		for id, goal := range goals {
			snapshot[id] = goal
		}
		b.history = append(b.history, snapshot)
	}

	var res BusResult
	for _, id := range sortedIDs(goals) {
		a, err := b.lookup("write position", id)
		if err != nil {
			res.fail(id, err)
			continue
		}
		if call, ok := b.writeFaults[id]; ok && call == b.writeCalls {
			res.fail(id, newTransportError("write position", id, errors.New("simulated write timeout")))
			continue
		}
		goal := goals[id]
		a.goal = goal
		if a.TorqueEnabled && len(b.scripts[id]) == 0 {
			a.Position = clampInt(goal, a.HardMin, a.HardMax)
		}
		res.ok(id)
	}
	return res
}

func (b *SimBus) apply(op string, ids []int, set func(*SimActuator) error) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	for _, id := range ids {
		a, err := b.lookup(op, id)
		if err != nil {
			res.fail(id, err)
			continue
		}
		if err := set(a); err != nil {
			res.fail(id, newTransportError(op, id, err))
			continue
		}
		res.ok(id)
	}
	return res
}

func (b *SimBus) SetTorqueEnabled(ctx context.Context, ids []int, enabled bool) BusResult {
	return b.apply("set torque", ids, func(a *SimActuator) error {
		a.TorqueEnabled = enabled
		a.goal = a.Position
		return nil
	})
}

func (b *SimBus) SetCurrentLimit(ctx context.Context, ids []int, limit int) BusResult {
	return b.apply("set current limit", ids, func(a *SimActuator) error {
		a.CurrentLimit = limit
		return nil
	})
}

func (b *SimBus) SetVelocityLimit(ctx context.Context, ids []int, limit int) BusResult {
	return b.apply("set velocity limit", ids, func(a *SimActuator) error {
		a.VelocityLimit = limit
		return nil
	})
}

func (b *SimBus) SetOperatingMode(ctx context.Context, ids []int, mode OperatingMode) BusResult {
	return b.apply("set operating mode", ids, func(a *SimActuator) error {
		if a.TorqueEnabled {
			return errors.New("operating mode is locked while torque is enabled")
		}
		a.Mode = mode
		return nil
	})
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
