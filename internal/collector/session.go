package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/decoder"
	"dataq-logger/internal/monitor"
	"dataq-logger/internal/transport"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateDiscovered State = iota
	StateConnected
	StateConfigured
	StateScanning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnected:
		return "connected"
	case StateConfigured:
		return "configured"
	case StateScanning:
		return "scanning"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Descriptor identifies one discovered device. Port is its identity.
type Descriptor struct {
	VendorID  uint16
	ProductID uint16
	Port      string
	Family    Family
}

// TransportError is an open, read or write failure on a device's port.
// It ends the owning session only.
type TransportError struct {
	Op   string
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// drainLimit bounds how many timed reads are spent discarding command
// echoes before scanning starts.
const drainLimit = 20

// Session drives one device through connect, configure, scan and stop
// around a decoder it owns exclusively.
type Session struct {
	ID       int
	Desc     Descriptor
	Channels []string
	Open     transport.Opener
	Settle   time.Duration

	log   *logrus.Entry
	now   func() time.Time
	state atomic.Int32
}

func NewSession(id int, desc Descriptor, channels []string, open transport.Opener, settle time.Duration, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{
		ID:       id,
		Desc:     desc,
		Channels: channels,
		Open:     open,
		Settle:   settle,
		log: log.WithFields(logrus.Fields{
			"device_id": id,
			"port":      desc.Port,
			"family":    desc.Family.Name(),
		}),
		now: time.Now,
	}
}

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debugf("state %s", st)
}

func (s *Session) fail() {
	s.setState(StateFailed)
	monitor.SessionsFailed.Inc()
}

// Run connects, configures and scans until ctx is cancelled or the
// transport fails, sending each decoded vector on out. Once the port is
// open, the stop command and port close run on every exit path.
// Cancellation ends in StateStopped with a nil error.
func (s *Session) Run(ctx context.Context, out chan<- decoder.Reading) (err error) {
	fam := s.Desc.Family
	if err := fam.Validate(s.Channels); err != nil {
		s.fail()
		return fmt.Errorf("configure %s: %w", s.Desc.Port, err)
	}
	dec, err := fam.NewDecoder(s.Channels)
	if err != nil {
		s.fail()
		return fmt.Errorf("configure %s: %w", s.Desc.Port, err)
	}

	port, err := s.Open(s.Desc.Port, fam.BaudRate())
	if err != nil {
		s.fail()
		return &TransportError{Op: "open", Port: s.Desc.Port, Err: err}
	}
	s.setState(StateConnected)
	s.log.Infof("connected at %d baud", fam.BaudRate())

	defer func() {
		if serr := fam.Stop(port); serr != nil {
			s.log.Warnf("stop command: %v", serr)
		}
		if cerr := port.Close(); cerr != nil {
			s.log.Warnf("close port: %v", cerr)
		}
		if err != nil {
			s.fail()
			return
		}
		s.setState(StateStopped)
		s.log.Info("connection closed")
	}()

	// The device may still be scanning from a previous run.
	if err := fam.Stop(port); err != nil {
		return &TransportError{Op: "write", Port: s.Desc.Port, Err: err}
	}
	if err := fam.Configure(ctx, port, s.Channels, s.Settle); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		var cfgErr *decoder.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		return &TransportError{Op: "write", Port: s.Desc.Port, Err: err}
	}
	if err := s.drain(ctx, port); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	s.setState(StateConfigured)
	s.log.Infof("configured channels %v", s.Channels)

	if err := fam.Start(port); err != nil {
		return &TransportError{Op: "write", Port: s.Desc.Port, Err: err}
	}
	s.setState(StateScanning)

	return s.scan(ctx, port, dec, out)
}

// drain discards command echoes until a read times out.
func (s *Session) drain(ctx context.Context, port transport.Port) error {
	buf := make([]byte, 256)
	for i := 0; i < drainLimit && ctx.Err() == nil; i++ {
		n, err := port.Read(buf)
		if errors.Is(err, transport.ErrTimeout) {
			return nil
		}
		if err != nil {
			return &TransportError{Op: "read", Port: s.Desc.Port, Err: err}
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

type syncCounter interface{ SyncErrors() int }

// aligner is implemented by decoders that must find a marker or framing
// bit before their output can be trusted.
type aligner interface{ Synced() bool }

func (s *Session) scan(ctx context.Context, port transport.Port, dec Decoder, out chan<- decoder.Reading) error {
	fam := s.Desc.Family
	labels := fam.Labels(s.Channels)
	decoded := monitor.ReadingsDecoded.WithLabelValues(fam.Name())
	syncErrs := monitor.SyncErrors.WithLabelValues(fam.Name())
	sc, _ := dec.(syncCounter)
	lastSync := 0
	al, _ := dec.(aligner)
	aligned := false

	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			for _, values := range dec.Feed(buf[:n]) {
				r := decoder.Reading{
					DeviceID:  s.ID,
					Family:    fam.Name(),
					Port:      s.Desc.Port,
					Timestamp: s.now(),
					Channels:  labels,
					Values:    values,
				}
				decoded.Inc()
				s.logReading(r)
				select {
				case out <- r:
				case <-ctx.Done():
					return nil
				}
			}
			if al != nil && al.Synced() != aligned {
				aligned = !aligned
				if aligned {
					s.log.Info("stream aligned")
				} else {
					s.log.Debug("stream alignment lost")
				}
			}
			if sc != nil {
				if cur := sc.SyncErrors(); cur != lastSync {
					syncErrs.Add(float64(cur - lastSync))
					s.log.WithError(decoder.ErrSync).Debugf("%d framing violation(s), resynchronising", cur-lastSync)
					lastSync = cur
				}
			}
		}
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			return &TransportError{Op: "read", Port: s.Desc.Port, Err: err}
		}
	}
}

func (s *Session) logReading(r decoder.Reading) {
	if !s.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	var b strings.Builder
	for i, v := range r.Values {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%.4f", r.Channels[i], v)
	}
	s.log.Debugf("reading %s", b.String())
}
