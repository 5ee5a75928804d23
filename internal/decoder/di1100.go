package decoder

import (
	"encoding/binary"
	"fmt"
)

const (
	// Decimation is the number of raw passes summed into one output vector.
	Decimation = 10

	// di1100FullScale maps a 16-bit count sum to the ±10 V input range.
	di1100FullScale = 10.0 / 32768.0
)

// DI1100 decodes the DI-1100 binary stream: one little-endian signed word
// per channel per pass, in scan-list order. It sums Decimation passes per
// channel and emits one vector per completed group (an N-tap moving-sum
// low-pass filter).
//
// A DI1100 holds per-device state and must not be shared between sessions.
type DI1100 struct {
	numChannels int
	acc         []int64
	pos         int
	counter     int
	digital     uint8

	// pending holds the first byte of a word split across reads.
	pending    byte
	hasPending bool
}

// NewDI1100 returns a decoder for numChannels channels.
func NewDI1100(numChannels int) (*DI1100, error) {
	if numChannels <= 0 {
		return nil, fmt.Errorf("di1100: channel count must be > 0, got %d", numChannels)
	}
	return &DI1100{
		numChannels: numChannels,
		acc:         make([]int64, numChannels),
		counter:     Decimation,
	}, nil
}

// Mask clears the two digital-input bits of a word while keeping its sign.
func Mask(w int16) int16 {
	return (w >> 2) << 2
}

// DigitalInputs returns the two digital-input bits extracted from the most
// recent pass that carried them.
func (d *DI1100) DigitalInputs() uint8 { return d.digital }

// Feed consumes raw stream bytes and returns every vector completed by them.
// A trailing odd byte is kept until the rest of its word arrives.
func (d *DI1100) Feed(p []byte) [][]float64 {
	var out [][]float64

	if d.hasPending && len(p) > 0 {
		word := int16(binary.LittleEndian.Uint16([]byte{d.pending, p[0]}))
		d.hasPending = false
		p = p[1:]
		if v := d.word(word); v != nil {
			out = append(out, v)
		}
	}

	for len(p) >= 2 {
		word := int16(binary.LittleEndian.Uint16(p[:2]))
		p = p[2:]
		if v := d.word(word); v != nil {
			out = append(out, v)
		}
	}

	if len(p) == 1 {
		d.pending = p[0]
		d.hasPending = true
	}
	return out
}

// word accumulates one decoded word and returns a vector when a
// decimation group completes.
func (d *DI1100) word(w int16) []float64 {
	if d.pos == 0 && d.counter == 1 {
		d.digital = uint8(w & 0x03)
		w = Mask(w)
	}
	d.acc[d.pos] += int64(w)
	d.pos++
	if d.pos < d.numChannels {
		return nil
	}

	d.pos = 0
	if d.counter > 1 {
		d.counter--
		return nil
	}

	values := make([]float64, d.numChannels)
	for i, sum := range d.acc {
		values[i] = float64(sum) * di1100FullScale / Decimation
		d.acc[i] = 0
	}
	d.counter = Decimation
	return values
}
