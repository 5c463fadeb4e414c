package orca_hand

import (
	"context"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// FeetechBus drives STS-series servos through the feetech-servo library.
// STS servos have no current limit register, no temperature readout through this
// driver and only a position loop, so those operations report ErrUnsupported.
type FeetechBus struct {
	path     string
	baudrate int
	timeout  time.Duration
	ids      []int
	registry *PortRegistry
	logger   logging.Logger

	mu      sync.Mutex
	bus     *feetech.Bus
	servos  map[int]*feetech.Servo
	release func()
}

func NewFeetechBus(path string, baudrate int, timeout time.Duration, ids []int, registry *PortRegistry, logger logging.Logger) *FeetechBus {
	return &FeetechBus{
		path:     path,
		baudrate: baudrate,
		timeout:  timeout,
		ids:      append([]int(nil), ids...),
		registry: registry,
		logger:   logger,
	}
}

func (b *FeetechBus) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil {
		return nil
	}

	release := func() {}
	if b.registry != nil {
		r, err := b.registry.Claim(b.path, "feetech")
		if err != nil {
			return newTransportError("open", 0, err)
		}
		release = r
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     b.path,
		BaudRate: b.baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  b.timeout,
	})
	if err != nil {
		release()
		return newTransportError("open", 0, errors.Wrapf(err, "failed to open feetech bus on %s", b.path))
	}

	b.bus = bus
	b.release = release
	b.servos = make(map[int]*feetech.Servo, len(b.ids))
	for _, id := range b.ids {
		b.servos[id] = feetech.NewServo(bus, id, &feetech.ModelSTS3215)
	}
	return nil
}

func (b *FeetechBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	b.servos = nil
	b.release()
	b.release = nil
	if err != nil {
		return newTransportError("close", 0, err)
	}
	return nil
}

func (b *FeetechBus) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus != nil
}

// servo must be called with b.mu held.
func (b *FeetechBus) servo(op string, id int) (*feetech.Servo, error) {
	if b.bus == nil {
		return nil, newTransportError(op, id, errors.New("bus not open"))
	}
	s, ok := b.servos[id]
	if !ok {
		s = feetech.NewServo(b.bus, id, &feetech.ModelSTS3215)
		b.servos[id] = s
	}
	return s, nil
}

func (b *FeetechBus) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *FeetechBus) each(ctx context.Context, op string, ids []int, fn func(context.Context, *feetech.Servo, int) error) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	for _, id := range ids {
		s, err := b.servo(op, id)
		if err != nil {
			res.fail(id, err)
			continue
		}
		opCtx, cancel := b.opContext(ctx)
		err = fn(opCtx, s, id)
		cancel()
		if err != nil {
			res.fail(id, newTransportError(op, id, err))
			continue
		}
		res.ok(id)
	}
	return res
}

func (b *FeetechBus) Ping(ctx context.Context, ids []int) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	if b.bus == nil {
		for _, id := range ids {
			res.fail(id, newTransportError("ping", id, errors.New("bus not open")))
		}
		return res
	}
	for _, id := range ids {
		opCtx, cancel := b.opContext(ctx)
		found, err := b.bus.Scan(opCtx, id, id)
		cancel()
		switch {
		case err != nil:
			res.fail(id, newTransportError("ping", id, err))
		case len(found) == 0:
			res.fail(id, newTransportError("ping", id, errors.New("no response")))
		default:
			res.ok(id)
		}
	}
	return res
}

func (b *FeetechBus) read(ctx context.Context, op string, ids []int, fn func(context.Context, *feetech.Servo) (int, error)) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]int, len(ids))
	for _, id := range ids {
		s, err := b.servo(op, id)
		if err != nil {
			return nil, err
		}
		opCtx, cancel := b.opContext(ctx)
		v, err := fn(opCtx, s)
		cancel()
		if err != nil {
			return nil, newTransportError(op, id, err)
		}
		out[id] = v
	}
	return out, nil
}

func (b *FeetechBus) ReadPositions(ctx context.Context, ids []int) (map[int]int, error) {
	return b.read(ctx, "read positions", ids, func(ctx context.Context, s *feetech.Servo) (int, error) {
		return s.Position(ctx)
	})
}

// ReadCurrents returns the present load, which STS servos report in place of current.
func (b *FeetechBus) ReadCurrents(ctx context.Context, ids []int) (map[int]int, error) {
	return b.read(ctx, "read currents", ids, func(ctx context.Context, s *feetech.Servo) (int, error) {
		return s.Load(ctx)
	})
}

func (b *FeetechBus) ReadTemperatures(ctx context.Context, ids []int) (map[int]int, error) {
	return nil, errors.Wrap(ErrUnsupported, "read temperatures on feetech bus")
}

func (b *FeetechBus) WritePositions(ctx context.Context, goals map[int]int) BusResult {
	return b.each(ctx, "write position", sortedIDs(goals), func(ctx context.Context, s *feetech.Servo, id int) error {
		return s.SetPosition(ctx, goals[id])
	})
}

func (b *FeetechBus) SetTorqueEnabled(ctx context.Context, ids []int, enabled bool) BusResult {
	return b.each(ctx, "set torque", ids, func(ctx context.Context, s *feetech.Servo, _ int) error {
		if enabled {
			return s.Enable(ctx)
		}
		return s.Disable(ctx)
	})
}

func (b *FeetechBus) SetCurrentLimit(ctx context.Context, ids []int, limit int) BusResult {
	return unsupported("set current limit", ids)
}

// SetVelocityLimit sets the goal speed, which caps velocity in position mode.
func (b *FeetechBus) SetVelocityLimit(ctx context.Context, ids []int, limit int) BusResult {
	return b.each(ctx, "set velocity limit", ids, func(ctx context.Context, s *feetech.Servo, _ int) error {
		return s.SetVelocity(ctx, limit)
	})
}

// SetOperatingMode accepts position mode, which is the only loop STS servos run here.
func (b *FeetechBus) SetOperatingMode(ctx context.Context, ids []int, mode OperatingMode) BusResult {
	if mode != ModePosition {
		return unsupported("set operating mode "+mode.String(), ids)
	}
	return b.each(ctx, "set operating mode", ids, func(context.Context, *feetech.Servo, int) error {
		return nil
	})
}

func unsupported(op string, ids []int) BusResult {
	var res BusResult
	for _, id := range ids {
		res.fail(id, errors.Wrapf(ErrUnsupported, "%s actuator %d", op, id))
	}
	return res
}
