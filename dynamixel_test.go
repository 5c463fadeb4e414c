package orca_hand

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeServoPort answers Protocol 2.0 instructions for a set of simulated X-series servos.
type fakeServoPort struct {
	mu        sync.Mutex
	echo      bool
	servos    map[int]*[256]byte
	silent    map[int]bool
	statusErr map[int]byte
	pending   []byte
	written   int
	closed    bool
}

func newFakeServoPort(ids ...int) *fakeServoPort {
	p := &fakeServoPort{
		servos:    make(map[int]*[256]byte),
		silent:    make(map[int]bool),
		statusErr: make(map[int]byte),
	}
	for _, id := range ids {
		p.servos[id] = new([256]byte)
	}
	return p
}

func dxlStatusPacket(id, code byte, params []byte) []byte {
	body := dxlStuff(params)
	length := 1 + 1 + len(body) + 2
	pkt := []byte{dxlHeader1, dxlHeader2, dxlHeader3, dxlReserved, id, byte(length), byte(length >> 8), dxlInstStatus, code}
	pkt = append(pkt, body...)
	crc := dxlCRC(0, pkt)
	return append(pkt, byte(crc), byte(crc>>8))
}

func (p *fakeServoPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written++
	if p.echo {
		p.pending = append(p.pending, b...)
	}
	pkt, _, ok := dxlNextPacket(b)
	if !ok {
		return len(b), nil
	}
	inst, err := dxlParse(pkt)
	if err != nil {
		return len(b), nil
	}
	id := int(inst.ID)
	regs, ok := p.servos[id]
	if !ok || p.silent[id] {
		return len(b), nil
	}

	var params []byte
	switch inst.Inst {
	case dxlInstPing:
		params = []byte{0x06, 0x04, 0x26}
	case dxlInstRead:
		addr := binary.LittleEndian.Uint16(inst.Params[0:])
		n := binary.LittleEndian.Uint16(inst.Params[2:])
		params = append([]byte(nil), regs[addr:addr+n]...)
	case dxlInstWrite:
		addr := binary.LittleEndian.Uint16(inst.Params[0:])
		copy(regs[addr:], inst.Params[2:])
	}
	p.pending = append(p.pending, dxlStatusPacket(inst.ID, p.statusErr[id], params)...)
	return len(b), nil
}

func (p *fakeServoPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer p.mu.Unlock()
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakeServoPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	return nil
}

func (p *fakeServoPort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakeServoPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeServoPort) register(id int, addr uint16, size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.servos[id][addr:int(addr)+size]...)
}

func (p *fakeServoPort) setRegister(id int, addr uint16, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.servos[id][addr:], data)
}

func newTestDynamixelBus(t *testing.T, port *fakeServoPort, registry *PortRegistry) *DynamixelBus {
	t.Helper()
	bus := NewDynamixelBus("/dev/ttyUSB0", 3000000, 20*time.Millisecond, registry, logging.NewTestLogger(t))
	bus.opener = func(path string, baudrate int) (serialPort, error) {
		return port, nil
	}
	return bus
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func le16(v int16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}

func TestDynamixelPacket(t *testing.T) {
	t.Run("ping instruction", func(t *testing.T) {
		// reference packet from the Protocol 2.0 manual
		want := []byte{0xFF, 0xFF, 0xFD, 0x00, 0x01, 0x03, 0x00, 0x01, 0x19, 0x4E}
		assert.Equal(t, want, dxlInstruction(1, dxlInstPing, nil))
	})

	t.Run("byte stuffing", func(t *testing.T) {
		raw := []byte{0xFF, 0xFF, 0xFD, 0x01, 0xFF, 0xFD}
		stuffed := dxlStuff(raw)
		assert.Equal(t, []byte{0xFF, 0xFF, 0xFD, 0xFD, 0x01, 0xFF, 0xFD}, stuffed)
		assert.Equal(t, raw, dxlUnstuff(stuffed))
	})

	t.Run("status roundtrip", func(t *testing.T) {
		params := []byte{0xFF, 0xFF, 0xFD, 0x10}
		st, err := dxlParse(dxlStatusPacket(7, 0, params))
		require.NoError(t, err)
		assert.Equal(t, byte(7), st.ID)
		assert.Equal(t, byte(dxlInstStatus), st.Inst)
		assert.Equal(t, params, st.Params)
	})

	t.Run("corrupt crc", func(t *testing.T) {
		pkt := dxlStatusPacket(7, 0, []byte{1, 2})
		pkt[len(pkt)-1] ^= 0xFF
		_, err := dxlParse(pkt)
		assert.ErrorContains(t, err, "CRC")
	})

	t.Run("framing", func(t *testing.T) {
		pkt := dxlStatusPacket(3, 0, []byte{0x20})
		buf := append([]byte{0x00, 0xFF, 0x12}, pkt...)

		_, _, ok := dxlNextPacket(buf[:len(buf)-1])
		assert.False(t, ok)

		got, consumed, ok := dxlNextPacket(buf)
		require.True(t, ok)
		assert.Equal(t, pkt, got)
		assert.Equal(t, len(buf), consumed)
	})

	t.Run("status error byte", func(t *testing.T) {
		assert.NoError(t, dxlStatusError(0))
		assert.NoError(t, dxlStatusError(0x80))
		assert.ErrorContains(t, dxlStatusError(0x04), "data range error")
		err := dxlStatusError(0x87)
		assert.ErrorContains(t, err, "access error")
		assert.ErrorContains(t, err, "hardware alert")
	})
}

func TestDynamixelBusReadWrite(t *testing.T) {
	ctx := context.Background()
	port := newFakeServoPort(1, 2)
	port.echo = true
	bus := newTestDynamixelBus(t, port, nil)
	require.NoError(t, bus.Open(ctx))
	defer bus.Close()

	port.setRegister(1, addrPresentPosition, le32(2048))
	port.setRegister(2, addrPresentPosition, le32(-5))
	port.setRegister(1, addrPresentCurrent, le16(-120))
	port.setRegister(2, addrPresentCurrent, le16(75))
	port.setRegister(1, addrPresentTemperature, []byte{41})
	port.setRegister(2, addrPresentTemperature, []byte{38})

	positions, err := bus.ReadPositions(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 2048, 2: -5}, positions)

	currents, err := bus.ReadCurrents(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: -120, 2: 75}, currents)

	temps, err := bus.ReadTemperatures(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 41, 2: 38}, temps)

	res := bus.WritePositions(ctx, map[int]int{1: 1500, 2: 3000})
	require.True(t, res.OK())
	assert.Equal(t, []int{1, 2}, res.Succeeded)
	assert.Equal(t, le32(1500), port.register(1, addrGoalPosition, 4))
	assert.Equal(t, le32(3000), port.register(2, addrGoalPosition, 4))

	require.True(t, bus.SetTorqueEnabled(ctx, []int{1, 2}, true).OK())
	assert.Equal(t, []byte{1}, port.register(2, addrTorqueEnable, 1))
	require.True(t, bus.SetCurrentLimit(ctx, []int{1}, 250).OK())
	assert.Equal(t, le16(250), port.register(1, addrGoalCurrent, 2))
	require.True(t, bus.SetVelocityLimit(ctx, []int{1}, 300).OK())
	assert.Equal(t, le32(300), port.register(1, addrProfileVelocity, 4))
	require.True(t, bus.SetOperatingMode(ctx, []int{1, 2}, ModeCurrentBasedPosition).OK())
	assert.Equal(t, []byte{5}, port.register(1, addrOperatingMode, 1))
}

func TestDynamixelBusFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("silent actuator times out", func(t *testing.T) {
		port := newFakeServoPort(1, 2, 3)
		port.silent[3] = true
		bus := newTestDynamixelBus(t, port, nil)
		require.NoError(t, bus.Open(ctx))
		defer bus.Close()

		res := bus.Ping(ctx, []int{1, 2, 3})
		assert.Equal(t, []int{1, 2}, res.Succeeded)
		require.Contains(t, res.Failed, 3)
		assert.True(t, errors.Is(res.Failed[3], ErrTransport))

		var terr *TransportError
		require.True(t, errors.As(res.Failed[3], &terr))
		assert.Equal(t, 3, terr.ActuatorID)
		assert.Equal(t, "ping", terr.Op)
	})

	t.Run("status error fails only that actuator", func(t *testing.T) {
		port := newFakeServoPort(1, 2)
		port.statusErr[2] = 0x04
		bus := newTestDynamixelBus(t, port, nil)
		require.NoError(t, bus.Open(ctx))
		defer bus.Close()

		res := bus.WritePositions(ctx, map[int]int{1: 100, 2: 200})
		assert.Equal(t, []int{1}, res.Succeeded)
		assert.Equal(t, []int{2}, res.FailedIDs())
		assert.ErrorContains(t, res.Failed[2], "data range error")

		_, err := bus.ReadPositions(ctx, []int{1, 2})
		assert.True(t, errors.Is(err, ErrTransport))
	})

	t.Run("closed bus", func(t *testing.T) {
		bus := newTestDynamixelBus(t, newFakeServoPort(1), nil)
		_, err := bus.ReadPositions(ctx, []int{1})
		assert.True(t, errors.Is(err, ErrTransport))
		assert.False(t, bus.Ping(ctx, []int{1}).OK())
	})

	t.Run("cancelled context", func(t *testing.T) {
		port := newFakeServoPort(1)
		bus := newTestDynamixelBus(t, port, nil)
		require.NoError(t, bus.Open(ctx))
		defer bus.Close()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		res := bus.SetTorqueEnabled(cancelled, []int{1}, false)
		assert.True(t, errors.Is(res.Failed[1], context.Canceled))
		assert.Equal(t, 0, port.written)
	})
}

func TestDynamixelBusClaimsPort(t *testing.T) {
	ctx := context.Background()
	registry := NewPortRegistry()
	port := newFakeServoPort(1)
	bus := newTestDynamixelBus(t, port, registry)

	require.NoError(t, bus.Open(ctx))
	owner, held := registry.Owner("/dev/ttyUSB0")
	assert.True(t, held)
	assert.Equal(t, "dynamixel", owner)

	other := newTestDynamixelBus(t, newFakeServoPort(1), registry)
	err := other.Open(ctx)
	assert.True(t, errors.Is(err, ErrPortInUse))
	assert.False(t, other.IsOpen())

	require.NoError(t, bus.Close())
	assert.True(t, port.closed)
	assert.Equal(t, 0, registry.Len())
	require.NoError(t, other.Open(ctx))
	require.NoError(t, other.Close())
}
