package modbus

import (
	"errors"
	"fmt"
	"math"
	"time"

	"dataq-logger/internal/decoder"
)

// Register map: device n (ids start at 1) owns BlockSize registers from
// (n-1)*BlockSize.
//
//	+0      channel count
//	+1..+2  unix seconds of the reading, high word first
//	+3..    one IEEE-754 float32 per channel, high word first
const (
	BlockSize   = 16
	MaxChannels = (BlockSize - 3) / 2
	MaxDevices  = 65536 / BlockSize
)

// ErrEmptyBlock is returned by DecodeBlock for a device with no reading yet.
var ErrEmptyBlock = errors.New("modbus: no reading in block")

// BlockAddress returns the first register of a device's block.
func BlockAddress(deviceID int) (uint16, error) {
	if deviceID < 1 || deviceID > MaxDevices {
		return 0, fmt.Errorf("device id %d outside 1..%d", deviceID, MaxDevices)
	}
	return uint16((deviceID - 1) * BlockSize), nil
}

// Record publishes r as its device's latest values. Channels beyond
// MaxChannels are dropped.
func (s *Server) Record(r decoder.Reading) error {
	base, err := BlockAddress(r.DeviceID)
	if err != nil {
		return err
	}
	n := len(r.Values)
	if n > MaxChannels {
		n = MaxChannels
	}

	block := make([]uint16, BlockSize)
	block[0] = uint16(n)
	sec := uint32(r.Timestamp.Unix())
	block[1], block[2] = uint16(sec>>16), uint16(sec)
	for i := 0; i < n; i++ {
		bits := math.Float32bits(float32(r.Values[i]))
		block[3+2*i], block[4+2*i] = uint16(bits>>16), uint16(bits)
	}

	s.mu.Lock()
	copy(s.registers[base:], block)
	s.mu.Unlock()
	return nil
}

// Block is one device's decoded register block.
type Block struct {
	Timestamp time.Time
	Values    []float32
}

// DecodeBlock parses BlockSize registers read from the server.
func DecodeBlock(regs []uint16) (Block, error) {
	if len(regs) < BlockSize {
		return Block{}, fmt.Errorf("short block: %d registers", len(regs))
	}
	n := int(regs[0])
	if n == 0 {
		return Block{}, ErrEmptyBlock
	}
	if n > MaxChannels {
		return Block{}, fmt.Errorf("channel count %d exceeds %d", n, MaxChannels)
	}
	b := Block{
		Timestamp: time.Unix(int64(uint32(regs[1])<<16|uint32(regs[2])), 0).UTC(),
		Values:    make([]float32, n),
	}
	for i := 0; i < n; i++ {
		b.Values[i] = math.Float32frombits(uint32(regs[3+2*i])<<16 | uint32(regs[4+2*i]))
	}
	return b, nil
}

// Registers converts a big-endian register payload, as returned by a
// Modbus client, into register values.
func Registers(payload []byte) []uint16 {
	out := make([]uint16, len(payload)/2)
	for i := range out {
		out[i] = uint16(payload[2*i])<<8 | uint16(payload[2*i+1])
	}
	return out
}
