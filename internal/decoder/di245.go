package decoder

import (
	"fmt"
	"strings"
)

// thermocouple holds the mode code sent in the chn command and the linear
// map from ADC counts to degrees Celsius.
type thermocouple struct {
	mode      int
	slope     float64
	intercept float64
}

var thermocouples = map[string]thermocouple{
	"B": {mode: 0b000, slope: 0.095825, intercept: 1035},
	"E": {mode: 0b001, slope: 0.073242, intercept: 400},
	"J": {mode: 0b010, slope: 0.08606, intercept: 495},
	"K": {mode: 0b011, slope: 0.095947, intercept: 586},
	"N": {mode: 0b100, slope: 0.091553, intercept: 550},
	"R": {mode: 0b101, slope: 0.110962, intercept: 859},
	"S": {mode: 0b110, slope: 0.110962, intercept: 859},
	"T": {mode: 0b111, slope: 0.036621, intercept: 100},
}

// StartMarker is the echo that precedes the first scan after a start command.
var StartMarker = []byte("S1")

const (
	signBit  = 1 << 13
	codeSpan = 1 << 14
)

// Linearize converts signed ADC counts to degrees Celsius for a
// thermocouple type.
func Linearize(tc string, counts int) (float64, error) {
	t, ok := thermocouples[strings.ToUpper(tc)]
	if !ok {
		return 0, fmt.Errorf("unknown thermocouple type %q", tc)
	}
	return t.slope*float64(counts) + t.intercept, nil
}

// ChannelConfig builds the chn argument for a thermocouple channel:
// mode bit 12 set, type code in bits 8-10, channel in the low bits.
func ChannelConfig(channel int, tc string) (int, error) {
	t, ok := thermocouples[strings.ToUpper(tc)]
	if !ok {
		return 0, &ConfigError{Channel: channel, Spec: tc, Reason: "unknown thermocouple type"}
	}
	return 1<<12 | t.mode<<8 | channel, nil
}

// FlipSign toggles bit 13 of a 14-bit code. Applying it twice is a no-op.
func FlipSign(code uint16) uint16 {
	return code ^ signBit
}

// ToSigned recovers the two's complement value of a raw 14-bit code.
func ToSigned(raw uint16) int {
	code := int(FlipSign(raw & (codeSpan - 1)))
	if code&signBit != 0 {
		code -= codeSpan
	}
	return code
}

// DI245 decodes the DI-245 bit-packed stream. Each channel is two bytes
// carrying 7 payload bits each above a framing bit; the first byte of a
// scan has framing bit 0, every other byte 1.
//
// A DI245 holds per-device state and must not be shared between sessions.
type DI245 struct {
	types []string
	codes []int

	// awaitingMarker is set until the start marker has been seen.
	awaitingMarker bool
	markerPos      int

	// lost is set after a framing violation until the next scan start.
	lost bool

	cursor     int
	lsb        uint16
	haveLSB    bool
	syncErrors int
}

// NewDI245 returns a decoder for the given per-channel thermocouple types.
// It starts unsynchronised and waits for StartMarker.
func NewDI245(types []string) (*DI245, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("di245: at least one channel required")
	}
	norm := make([]string, len(types))
	for i, tc := range types {
		up := strings.ToUpper(strings.TrimSpace(tc))
		if _, ok := thermocouples[up]; !ok {
			return nil, &ConfigError{Channel: i, Spec: tc, Reason: "unknown thermocouple type"}
		}
		norm[i] = up
	}
	return &DI245{
		types:          norm,
		codes:          make([]int, len(types)),
		awaitingMarker: true,
	}, nil
}

// Synced reports whether the decoder trusts the current byte alignment.
func (d *DI245) Synced() bool { return !d.awaitingMarker && !d.lost }

// SyncErrors returns the number of framing violations seen so far.
func (d *DI245) SyncErrors() int { return d.syncErrors }

func (d *DI245) reset() {
	d.cursor = 0
	d.haveLSB = false
}

// Feed consumes raw stream bytes and returns every vector completed by them.
func (d *DI245) Feed(p []byte) [][]float64 {
	var out [][]float64
	for _, b := range p {
		if d.awaitingMarker {
			d.matchMarker(b)
			continue
		}
		if d.lost {
			if b&0x01 != 0 {
				continue
			}
			d.lost = false
		}
		if !d.framed(b) {
			d.syncErrors++
			d.reset()
			if b&0x01 != 0 {
				d.lost = true
				continue
			}
			// The offending byte opens a new scan.
		}
		if v := d.byte(b); v != nil {
			out = append(out, v)
		}
	}
	return out
}

func (d *DI245) matchMarker(b byte) {
	if b == StartMarker[d.markerPos] {
		d.markerPos++
	} else if b == StartMarker[0] {
		d.markerPos = 1
	} else {
		d.markerPos = 0
	}
	if d.markerPos == len(StartMarker) {
		d.awaitingMarker = false
		d.markerPos = 0
		d.reset()
	}
}

// framed checks the framing bit against the byte's position in the scan.
func (d *DI245) framed(b byte) bool {
	scanStart := d.cursor == 0 && !d.haveLSB
	if scanStart {
		return b&0x01 == 0
	}
	return b&0x01 == 1
}

func (d *DI245) byte(b byte) []float64 {
	payload := uint16(b >> 1)
	if !d.haveLSB {
		d.lsb = payload
		d.haveLSB = true
		return nil
	}
	d.haveLSB = false
	raw := (payload&0x7F)<<7 | d.lsb
	d.codes[d.cursor] = ToSigned(raw)
	d.cursor++
	if d.cursor < len(d.codes) {
		return nil
	}

	d.cursor = 0
	values := make([]float64, len(d.codes))
	for i, code := range d.codes {
		t := thermocouples[d.types[i]]
		values[i] = t.slope*float64(code) + t.intercept
	}
	return values
}

// EncodeChannel packs a signed code into the two wire bytes for a channel.
// first marks the scan's opening byte. It is the inverse of the decoder and
// is used by the device emulator.
func EncodeChannel(code int, first bool) [2]byte {
	raw := FlipSign(uint16(code) & (codeSpan - 1))
	lo := byte(raw&0x7F) << 1
	hi := byte(raw>>7&0x7F)<<1 | 0x01
	if !first {
		lo |= 0x01
	}
	return [2]byte{lo, hi}
}
