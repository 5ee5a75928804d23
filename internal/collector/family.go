package collector

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"dataq-logger/internal/decoder"
)

const dataqVendorID = 0x0683

// Decoder turns raw stream bytes into calibrated vectors.
type Decoder interface {
	Feed(p []byte) [][]float64
}

// Family is the capability set a device family exposes to a session.
// The supervisor and session never branch on the concrete family.
type Family interface {
	Name() string
	VendorID() uint16
	ProductID() uint16
	BaudRate() int

	// Validate rejects channel specs the device cannot scan.
	Validate(channels []string) error
	// Labels returns the channel labels used in persisted records.
	Labels(channels []string) []string

	// Configure sends the scan list and rate commands, pausing settle after
	// each one. It returns ctx.Err() if ctx ends between commands.
	Configure(ctx context.Context, w io.Writer, channels []string, settle time.Duration) error
	Start(w io.Writer) error
	Stop(w io.Writer) error
	NewDecoder(channels []string) (Decoder, error)
}

// Families returns every supported family.
func Families() []Family {
	return []Family{DI1100Family{}, DI245Family{}}
}

// FamilyByName looks a family up by its model name, case-insensitively.
func FamilyByName(name string) (Family, bool) {
	for _, f := range Families() {
		if strings.EqualFold(f.Name(), name) {
			return f, true
		}
	}
	return nil, false
}

// write sends one command then waits for the device to settle.
func write(ctx context.Context, w io.Writer, cmd []byte, settle time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := w.Write(cmd); err != nil {
		return err
	}
	if settle <= 0 {
		return nil
	}
	t := time.NewTimer(settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- DI-1100 ----

const (
	di1100ProductID   = 0x1101
	di1100MaxChannel  = 3
	di1100MaxChannels = 4
	// di1100SrateDivisor yields 10 Hz per channel before decimation.
	di1100SrateDivisor = 60000
)

// DI1100Family speaks the DI-1100 ASCII command set and binary stream.
type DI1100Family struct{}

func (DI1100Family) Name() string      { return "DI-1100" }
func (DI1100Family) VendorID() uint16  { return dataqVendorID }
func (DI1100Family) ProductID() uint16 { return di1100ProductID }
func (DI1100Family) BaudRate() int     { return 115200 }

func (DI1100Family) Validate(channels []string) error {
	if len(channels) == 0 || len(channels) > di1100MaxChannels {
		return &decoder.ConfigError{Channel: len(channels), Reason: fmt.Sprintf("DI-1100 scans 1..%d channels", di1100MaxChannels)}
	}
	for i, ch := range channels {
		n, err := strconv.Atoi(strings.TrimSpace(ch))
		if err != nil || n < 0 || n > di1100MaxChannel {
			return &decoder.ConfigError{Channel: i, Spec: ch, Reason: "unknown analog channel"}
		}
	}
	return nil
}

func (DI1100Family) Labels(channels []string) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = "ai" + strings.TrimSpace(ch)
	}
	return out
}

func (DI1100Family) command(cmd string) []byte { return []byte(cmd + "\r") }

func (f DI1100Family) Configure(ctx context.Context, w io.Writer, channels []string, settle time.Duration) error {
	for i, ch := range channels {
		if err := write(ctx, w, f.command(fmt.Sprintf("slist %d %s", i, strings.TrimSpace(ch))), settle); err != nil {
			return err
		}
	}
	return write(ctx, w, f.command(fmt.Sprintf("srate %d", di1100SrateDivisor)), settle)
}

func (f DI1100Family) Start(w io.Writer) error {
	_, err := w.Write(f.command("start 0"))
	return err
}

func (f DI1100Family) Stop(w io.Writer) error {
	_, err := w.Write(f.command("stop"))
	return err
}

func (DI1100Family) NewDecoder(channels []string) (Decoder, error) {
	return decoder.NewDI1100(len(channels))
}

// ---- DI-245 ----

const (
	di245ProductID   = 0x2450
	di245MaxChannels = 4
	// xrate arguments: averaging factor in bits 7-11, scale factor in bits 0-6.
	di245ScaleFactor = 99
	di245AvgFactor   = 1
	di245BurstRateHz = 20
)

// DI245Family speaks the null-prefixed DI-245 command set and the
// bit-packed thermocouple stream.
type DI245Family struct{}

func (DI245Family) Name() string      { return "DI-245" }
func (DI245Family) VendorID() uint16  { return dataqVendorID }
func (DI245Family) ProductID() uint16 { return di245ProductID }
func (DI245Family) BaudRate() int     { return 115200 }

func (DI245Family) Validate(channels []string) error {
	if len(channels) == 0 || len(channels) > di245MaxChannels {
		return &decoder.ConfigError{Channel: len(channels), Reason: fmt.Sprintf("DI-245 scans 1..%d channels", di245MaxChannels)}
	}
	for i, tc := range channels {
		if _, err := decoder.ChannelConfig(i, tc); err != nil {
			return err
		}
	}
	return nil
}

func (DI245Family) Labels(channels []string) []string {
	out := make([]string, len(channels))
	for i, tc := range channels {
		out[i] = fmt.Sprintf("tc%d-%s", i, strings.ToUpper(strings.TrimSpace(tc)))
	}
	return out
}

func (DI245Family) command(cmd string) []byte { return append([]byte{0x00}, cmd...) }

func (f DI245Family) Configure(ctx context.Context, w io.Writer, channels []string, settle time.Duration) error {
	for i, tc := range channels {
		cfg, err := decoder.ChannelConfig(i, strings.TrimSpace(tc))
		if err != nil {
			return err
		}
		if err := write(ctx, w, f.command(fmt.Sprintf("chn %d %d\r", i, cfg)), settle); err != nil {
			return err
		}
	}
	arg0 := di245AvgFactor<<7 | di245ScaleFactor
	rate := di245BurstRateHz / len(channels)
	return write(ctx, w, f.command(fmt.Sprintf("xrate %d %d\r", arg0, rate)), settle)
}

func (f DI245Family) Start(w io.Writer) error {
	_, err := w.Write(f.command("S1"))
	return err
}

func (f DI245Family) Stop(w io.Writer) error {
	_, err := w.Write(f.command("S0"))
	return err
}

func (DI245Family) NewDecoder(channels []string) (Decoder, error) {
	return decoder.NewDI245(channels)
}
