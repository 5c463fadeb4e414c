package orca_hand

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// serialPort is the part of serial.Port the bus uses.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

type portOpener func(path string, baudrate int) (serialPort, error)

func openSerialPort(path string, baudrate int) (serialPort, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return serial.Open(path, mode)
}

// pollInterval bounds a single blocking read so the per-operation deadline is honoured.
const pollInterval = 5 * time.Millisecond

// DynamixelBus talks Protocol 2.0 to X-series servos over one serial port.
type DynamixelBus struct {
	path     string
	baudrate int
	timeout  time.Duration
	registry *PortRegistry
	opener   portOpener
	logger   logging.Logger

	mu      sync.Mutex
	port    serialPort
	release func()
}

// NewDynamixelBus creates a closed bus. registry may be nil when port sharing is not a concern.
func NewDynamixelBus(path string, baudrate int, timeout time.Duration, registry *PortRegistry, logger logging.Logger) *DynamixelBus {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &DynamixelBus{
		path:     path,
		baudrate: baudrate,
		timeout:  timeout,
		registry: registry,
		opener:   openSerialPort,
		logger:   logger,
	}
}

func (b *DynamixelBus) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}

	release := func() {}
	if b.registry != nil {
		r, err := b.registry.Claim(b.path, "dynamixel")
		if err != nil {
			return newTransportError("open", 0, err)
		}
		release = r
	}

	port, err := b.opener(b.path, b.baudrate)
	if err != nil {
		release()
		return newTransportError("open", 0, errors.Wrapf(err, "failed to open serial port %s", b.path))
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		release()
		return newTransportError("open", 0, errors.Wrap(err, "failed to set read timeout"))
	}

	b.port = port
	b.release = release
	b.logger.Debugf("opened %s at %d baud", b.path, b.baudrate)
	return nil
}

func (b *DynamixelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	b.release()
	b.release = nil
	if err != nil {
		return newTransportError("close", 0, err)
	}
	return nil
}

func (b *DynamixelBus) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port != nil
}

// transact sends one instruction and waits for the matching status packet.
// b.mu must be held.
func (b *DynamixelBus) transact(ctx context.Context, op string, id int, inst byte, params []byte) (dxlStatus, error) {
	if b.port == nil {
		return dxlStatus{}, newTransportError(op, id, errors.New("bus not open"))
	}
	if err := ctx.Err(); err != nil {
		return dxlStatus{}, newTransportError(op, id, err)
	}

	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := b.port.ResetInputBuffer(); err != nil {
		return dxlStatus{}, newTransportError(op, id, err)
	}
	if _, err := b.port.Write(dxlInstruction(byte(id), inst, params)); err != nil {
		return dxlStatus{}, newTransportError(op, id, errors.Wrap(err, "write failed"))
	}

	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)
	for {
		for {
			pkt, consumed, ok := dxlNextPacket(buf)
			if !ok {
				break
			}
			buf = buf[consumed:]
			st, err := dxlParse(pkt)
			if err != nil {
				return dxlStatus{}, newTransportError(op, id, err)
			}
			// half-duplex adapters echo the instruction back
			if st.Inst != dxlInstStatus || int(st.ID) != id {
				continue
			}
			if err := dxlStatusError(st.Error); err != nil {
				return dxlStatus{}, newTransportError(op, id, err)
			}
			return st, nil
		}
		if time.Now().After(deadline) {
			return dxlStatus{}, newTransportError(op, id, errors.Errorf("no status within %s", b.timeout))
		}
		n, err := b.port.Read(chunk)
		if err != nil {
			return dxlStatus{}, newTransportError(op, id, errors.Wrap(err, "read failed"))
		}
		buf = append(buf, chunk[:n]...)
	}
}

func (b *DynamixelBus) readRegister(ctx context.Context, op string, id int, addr, size uint16) ([]byte, error) {
	st, err := b.transact(ctx, op, id, dxlInstRead, dxlReadParams(addr, size))
	if err != nil {
		return nil, err
	}
	if len(st.Params) != int(size) {
		return nil, newTransportError(op, id, errors.Errorf("expected %d bytes, got %d", size, len(st.Params)))
	}
	return st.Params, nil
}

func (b *DynamixelBus) writeRegister(ctx context.Context, op string, id int, addr uint16, data []byte) error {
	_, err := b.transact(ctx, op, id, dxlInstWrite, dxlWriteParams(addr, data))
	return err
}

func (b *DynamixelBus) Ping(ctx context.Context, ids []int) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	for _, id := range ids {
		if _, err := b.transact(ctx, "ping", id, dxlInstPing, nil); err != nil {
			res.fail(id, err)
			continue
		}
		res.ok(id)
	}
	return res
}

func (b *DynamixelBus) readAll(ctx context.Context, op string, ids []int, addr, size uint16, decode func([]byte) int) (map[int]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]int, len(ids))
	for _, id := range ids {
		data, err := b.readRegister(ctx, op, id, addr, size)
		if err != nil {
			return nil, err
		}
		out[id] = decode(data)
	}
	return out, nil
}

func (b *DynamixelBus) ReadPositions(ctx context.Context, ids []int) (map[int]int, error) {
	return b.readAll(ctx, "read positions", ids, addrPresentPosition, 4, func(d []byte) int {
		return int(int32(binary.LittleEndian.Uint32(d)))
	})
}

func (b *DynamixelBus) ReadCurrents(ctx context.Context, ids []int) (map[int]int, error) {
	return b.readAll(ctx, "read currents", ids, addrPresentCurrent, 2, func(d []byte) int {
		return int(int16(binary.LittleEndian.Uint16(d)))
	})
}

func (b *DynamixelBus) ReadTemperatures(ctx context.Context, ids []int) (map[int]int, error) {
	return b.readAll(ctx, "read temperatures", ids, addrPresentTemperature, 1, func(d []byte) int {
		return int(d[0])
	})
}

// WritePositions writes each goal in ascending id order. A failure does not stop the remaining writes.
func (b *DynamixelBus) WritePositions(ctx context.Context, goals map[int]int) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	for _, id := range sortedIDs(goals) {
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(int32(goals[id])))
		if err := b.writeRegister(ctx, "write position", id, addrGoalPosition, data); err != nil {
			res.fail(id, err)
			continue
		}
		res.ok(id)
	}
	return res
}

func (b *DynamixelBus) writeAll(ctx context.Context, op string, ids []int, addr uint16, data []byte) BusResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res BusResult
	for _, id := range ids {
		if err := b.writeRegister(ctx, op, id, addr, data); err != nil {
			res.fail(id, err)
			continue
		}
		res.ok(id)
	}
	return res
}

func (b *DynamixelBus) SetTorqueEnabled(ctx context.Context, ids []int, enabled bool) BusResult {
	value := byte(0)
	if enabled {
		value = 1
	}
	return b.writeAll(ctx, "set torque", ids, addrTorqueEnable, []byte{value})
}

// SetCurrentLimit writes the goal current, which caps drive current in current-based position mode.
func (b *DynamixelBus) SetCurrentLimit(ctx context.Context, ids []int, limit int) BusResult {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, uint16(int16(limit)))
	return b.writeAll(ctx, "set current limit", ids, addrGoalCurrent, data)
}

// SetVelocityLimit writes the profile velocity used by the position controllers.
func (b *DynamixelBus) SetVelocityLimit(ctx context.Context, ids []int, limit int) BusResult {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(limit))
	return b.writeAll(ctx, "set velocity limit", ids, addrProfileVelocity, data)
}

// SetOperatingMode writes an EEPROM register; servos reject it while torque is enabled.
func (b *DynamixelBus) SetOperatingMode(ctx context.Context, ids []int, mode OperatingMode) BusResult {
	return b.writeAll(ctx, "set operating mode", ids, addrOperatingMode, []byte{byte(mode)})
}
