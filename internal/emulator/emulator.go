package emulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/decoder"
	"dataq-logger/internal/transport"
)

const (
	FamilyDI1100 = "DI-1100"
	FamilyDI245  = "DI-245"

	// di245FullScale is the largest positive 14-bit code.
	di245FullScale = 1<<13 - 1
)

// Signal returns a channel's level at t as a fraction of full scale in
// [-1, 1].
type Signal func(channel int, t time.Time) float64

// Sine is the default signal: one slow sine per channel, phase-shifted.
func Sine(period time.Duration, amplitude float64) Signal {
	return func(ch int, t time.Time) float64 {
		phase := 2 * math.Pi * float64(t.UnixNano()%int64(period)) / float64(period)
		return amplitude * math.Sin(phase+float64(ch)*math.Pi/4)
	}
}

// Device answers the DATAQ command set of one family on a byte stream and
// streams scans while started.
type Device struct {
	Family string
	Signal Signal
	// Interval between passes (DI-1100) or scans (DI-245).
	Interval time.Duration
	Log      *logrus.Entry

	mu       sync.Mutex
	channels map[int]string
	running  bool
	now      func() time.Time
}

func NewDevice(family string, sig Signal, interval time.Duration, log *logrus.Entry) (*Device, error) {
	switch family {
	case FamilyDI1100, FamilyDI245:
	default:
		return nil, fmt.Errorf("unknown family %q", family)
	}
	if sig == nil {
		sig = Sine(10*time.Second, 0.5)
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Device{
		Family:   family,
		Signal:   sig,
		Interval: interval,
		Log:      log,
		channels: map[int]string{},
		now:      time.Now,
	}, nil
}

// Running reports whether the device is streaming.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Serve handles commands read from rw and writes replies and scan data to
// it until ctx is cancelled or rw fails. Reads that time out are retried.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	var wmu sync.Mutex
	write := func(p []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_, err := rw.Write(p)
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.stream(ctx, write)
	}()

	var pending []byte
	buf := make([]byte, 128)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := rw.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var cmds []string
			cmds, pending = d.split(pending)
			for _, c := range cmds {
				if reply := d.handle(c); reply != nil {
					if err := write(reply); err != nil {
						return err
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// split extracts complete commands. DI-245 commands are null-prefixed and
// S0/S1 carry no terminator.
func (d *Device) split(p []byte) ([]string, []byte) {
	var out []string
	if d.Family == FamilyDI245 {
		p = bytes.ReplaceAll(p, []byte{0}, nil)
	}
	for len(p) > 0 {
		if d.Family == FamilyDI245 && len(p) >= 2 && (string(p[:2]) == "S1" || string(p[:2]) == "S0") {
			out = append(out, string(p[:2]))
			p = p[2:]
			continue
		}
		i := bytes.IndexByte(p, '\r')
		if i < 0 {
			break
		}
		if cmd := strings.TrimSpace(string(p[:i])); cmd != "" {
			out = append(out, cmd)
		}
		p = p[i+1:]
	}
	return out, p
}

// handle applies one command and returns its echo, if any.
func (d *Device) handle(cmd string) []byte {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch fields[0] {
	case "slist":
		if len(fields) == 3 {
			if i, err := strconv.Atoi(fields[1]); err == nil {
				d.channels[i] = fields[2]
			}
		}
	case "chn":
		if len(fields) == 3 {
			i, err1 := strconv.Atoi(fields[1])
			cfg, err2 := strconv.Atoi(fields[2])
			if err1 == nil && err2 == nil {
				d.channels[i] = strconv.Itoa(cfg)
			}
		}
	case "start", "S1":
		d.running = true
		d.Log.Infof("scan started with %d channel(s)", len(d.channels))
		if d.Family == FamilyDI245 {
			return append([]byte(nil), decoder.StartMarker...)
		}
		return nil
	case "stop", "S0":
		if d.running {
			d.Log.Info("scan stopped")
		}
		d.running = false
	case "srate", "xrate":
	default:
		d.Log.Debugf("ignoring command %q", cmd)
		return nil
	}
	if d.Family == FamilyDI245 {
		return nil
	}
	return []byte(cmd + "\r")
}

func (d *Device) stream(ctx context.Context, write func([]byte) error) {
	t := time.NewTicker(d.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		frame := d.Frame()
		if frame == nil {
			continue
		}
		if err := write(frame); err != nil {
			d.Log.Warnf("write scan: %v", err)
			return
		}
	}
}

// Frame encodes one pass (DI-1100) or scan (DI-245) of the configured
// channels, or returns nil when not running.
func (d *Device) Frame() []byte {
	d.mu.Lock()
	n := len(d.channels)
	running := d.running
	d.mu.Unlock()
	if !running || n == 0 {
		return nil
	}

	now := d.now()
	var out []byte
	for ch := 0; ch < n; ch++ {
		level := math.Max(-1, math.Min(1, d.Signal(ch, now)))
		switch d.Family {
		case FamilyDI1100:
			word := int16(level*math.MaxInt16) &^ 0x03
			out = binary.LittleEndian.AppendUint16(out, uint16(word))
		case FamilyDI245:
			pair := decoder.EncodeChannel(int(level*di245FullScale), ch == 0)
			out = append(out, pair[0], pair[1])
		}
	}
	return out
}
