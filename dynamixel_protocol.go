package orca_hand

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Dynamixel Protocol 2.0 framing.
const (
	dxlHeader1  = 0xFF
	dxlHeader2  = 0xFF
	dxlHeader3  = 0xFD
	dxlReserved = 0x00

	dxlInstPing   = 0x01
	dxlInstRead   = 0x02
	dxlInstWrite  = 0x03
	dxlInstStatus = 0x55

	// header(4) + id + length(2)
	dxlPrefixLen = 7
	// prefix + instruction + error + crc(2)
	dxlMinStatusLen = 11
)

// X-series control table.
const (
	addrOperatingMode      = 11
	addrCurrentLimit       = 38
	addrVelocityLimit      = 44
	addrTorqueEnable       = 64
	addrGoalCurrent        = 102
	addrProfileVelocity    = 112
	addrGoalPosition       = 116
	addrPresentCurrent     = 126
	addrPresentPosition    = 132
	addrPresentTemperature = 146
)

var dxlCRCTable [256]uint16

func init() {
	const poly = 0x8005
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		dxlCRCTable[i] = crc
	}
}

func dxlCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		i := (crc>>8 ^ uint16(b)) & 0xFF
		crc = crc<<8 ^ dxlCRCTable[i]
	}
	return crc
}

// dxlStuff inserts 0xFD after every FF FF FD run so the body never looks like a header.
func dxlStuff(params []byte) []byte {
	out := make([]byte, 0, len(params)+2)
	ff := 0
	for _, b := range params {
		out = append(out, b)
		switch {
		case b == 0xFF:
			ff++
		case b == 0xFD && ff >= 2:
			out = append(out, 0xFD)
			ff = 0
		default:
			ff = 0
		}
	}
	return out
}

func dxlUnstuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	ff := 0
	for i := 0; i < len(data); i++ {
		b := data[i]
		out = append(out, b)
		switch {
		case b == 0xFF:
			ff++
		case b == 0xFD && ff >= 2:
			if i+1 < len(data) && data[i+1] == 0xFD {
				i++
			}
			ff = 0
		default:
			ff = 0
		}
	}
	return out
}

func dxlInstruction(id byte, inst byte, params []byte) []byte {
	body := dxlStuff(params)
	length := 1 + len(body) + 2
	pkt := make([]byte, 0, dxlPrefixLen+length)
	pkt = append(pkt, dxlHeader1, dxlHeader2, dxlHeader3, dxlReserved, id, byte(length), byte(length>>8), inst)
	pkt = append(pkt, body...)
	crc := dxlCRC(0, pkt)
	return append(pkt, byte(crc), byte(crc>>8))
}

func dxlReadParams(addr, length uint16) []byte {
	params := make([]byte, 4)
	binary.LittleEndian.PutUint16(params[0:], addr)
	binary.LittleEndian.PutUint16(params[2:], length)
	return params
}

func dxlWriteParams(addr uint16, data []byte) []byte {
	params := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(params[0:], addr)
	copy(params[2:], data)
	return params
}

type dxlStatus struct {
	ID     byte
	Inst   byte
	Error  byte
	Params []byte
}

// dxlNextPacket finds the first complete packet in buf and returns it with the number of
// bytes consumed. ok is false until a whole packet has arrived.
func dxlNextPacket(buf []byte) (pkt []byte, consumed int, ok bool) {
	for start := 0; start+dxlPrefixLen <= len(buf); start++ {
		if buf[start] != dxlHeader1 || buf[start+1] != dxlHeader2 || buf[start+2] != dxlHeader3 || buf[start+3] != dxlReserved {
			continue
		}
		length := int(buf[start+5]) | int(buf[start+6])<<8
		end := start + dxlPrefixLen + length
		if end > len(buf) {
			return nil, 0, false
		}
		return buf[start:end], end, true
	}
	return nil, 0, false
}

func dxlParse(pkt []byte) (dxlStatus, error) {
	if len(pkt) < dxlPrefixLen+3 {
		return dxlStatus{}, errors.Errorf("packet too short (%d bytes)", len(pkt))
	}
	if pkt[0] != dxlHeader1 || pkt[1] != dxlHeader2 || pkt[2] != dxlHeader3 {
		return dxlStatus{}, errors.New("invalid header")
	}
	length := int(pkt[5]) | int(pkt[6])<<8
	if len(pkt) != dxlPrefixLen+length {
		return dxlStatus{}, errors.Errorf("length mismatch: expected %d, got %d", dxlPrefixLen+length, len(pkt))
	}
	got := uint16(pkt[len(pkt)-2]) | uint16(pkt[len(pkt)-1])<<8
	if want := dxlCRC(0, pkt[:len(pkt)-2]); got != want {
		return dxlStatus{}, errors.Errorf("CRC error: expected %04X, got %04X", want, got)
	}
	st := dxlStatus{ID: pkt[4], Inst: pkt[7]}
	if st.Inst != dxlInstStatus {
		st.Params = dxlUnstuff(pkt[8 : len(pkt)-2])
		return st, nil
	}
	if len(pkt) < dxlMinStatusLen {
		return dxlStatus{}, errors.New("status packet too short")
	}
	st.Error = pkt[8]
	st.Params = dxlUnstuff(pkt[9 : len(pkt)-2])
	return st, nil
}

var dxlErrorNames = map[byte]string{
	1: "result fail",
	2: "instruction error",
	3: "CRC error",
	4: "data range error",
	5: "data length error",
	6: "data limit error",
	7: "access error",
}

// dxlStatusError decodes the status error byte. Bit 7 is the hardware alert flag.
func dxlStatusError(code byte) error {
	if code&0x7F == 0 {
		return nil
	}
	name, ok := dxlErrorNames[code&0x7F]
	if !ok {
		name = "unknown error"
	}
	if code&0x80 != 0 {
		return errors.Errorf("%s (0x%02X, hardware alert)", name, code)
	}
	return errors.Errorf("%s (0x%02X)", name, code)
}
