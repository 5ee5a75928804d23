package collector

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/decoder"
	"dataq-logger/internal/transport"
)

// scriptedPort serves data only after a start command was written, and
// answers every other read with a timeout.
type scriptedPort struct {
	mu      sync.Mutex
	writes  []string
	data    []byte
	started bool
	readErr error
	closed  bool
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	cmd := string(b)
	p.writes = append(p.writes, cmd)
	if strings.Contains(cmd, "start") || strings.HasSuffix(cmd, "S1") {
		p.started = true
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.started && len(p.data) > 0 {
		n := copy(b, p.data)
		p.data = p.data[n:]
		p.mu.Unlock()
		return n, nil
	}
	err := p.readErr
	started := p.started
	p.mu.Unlock()
	if started && err != nil {
		return 0, err
	}
	time.Sleep(time.Millisecond)
	return 0, transport.ErrTimeout
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) snapshot() ([]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...), p.closed
}

func openerFor(p *scriptedPort) transport.Opener {
	return func(string, int) (transport.Port, error) { return p, nil }
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// di1100Stream encodes count decimation groups of one channel holding raw.
func di1100Stream(raw int16, groups int) []byte {
	var b []byte
	for i := 0; i < groups*decoder.Decimation; i++ {
		b = binary.LittleEndian.AppendUint16(b, uint16(raw))
	}
	return b
}

// countAfter counts cmd among the writes that follow the first start command.
func countAfter(writes []string, start, cmd string) int {
	n, seen := 0, false
	for _, w := range writes {
		if w == start {
			seen = true
			continue
		}
		if seen && w == cmd {
			n++
		}
	}
	return n
}

func TestSession_CancelSendsStopOnceAndCloses(t *testing.T) {
	port := &scriptedPort{data: di1100Stream(400, 3)}
	desc := Descriptor{Port: "/dev/ttyACM0", Family: DI1100Family{}}
	s := NewSession(7, desc, []string{"0"}, openerFor(port), 0, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan decoder.Reading, 16)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	for i := 0; i < 3; i++ {
		select {
		case r := <-out:
			if r.DeviceID != 7 || r.Family != "DI-1100" || r.Channels[0] != "ai0" {
				t.Fatalf("unexpected reading tags %+v", r)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for reading %d", i)
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not stop after cancel")
	}

	writes, closed := port.snapshot()
	if !closed {
		t.Fatalf("port left open")
	}
	if got := countAfter(writes, "start 0\r", "stop\r"); got != 1 {
		t.Fatalf("expected exactly one stop after start, got %d in %q", got, writes)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected state stopped, got %s", s.State())
	}
}

func TestSession_CommandSequence(t *testing.T) {
	port := &scriptedPort{}
	desc := Descriptor{Port: "/dev/ttyACM1", Family: DI1100Family{}}
	s := NewSession(1, desc, []string{"0", "2"}, openerFor(port), 0, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx, make(chan decoder.Reading)); err != nil {
		t.Fatalf("Run err=%v", err)
	}

	writes, _ := port.snapshot()
	want := []string{"stop\r", "slist 0 0\r", "slist 1 2\r", "srate 60000\r", "start 0\r", "stop\r"}
	if len(writes) != len(want) {
		t.Fatalf("expected %q, got %q", want, writes)
	}
	for i := range want {
		if writes[i] != want[i] {
			t.Fatalf("command %d: expected %q, got %q", i, want[i], writes[i])
		}
	}
}

func TestSession_DI245Commands(t *testing.T) {
	port := &scriptedPort{}
	desc := Descriptor{Port: "/dev/ttyACM2", Family: DI245Family{}}
	s := NewSession(2, desc, []string{"K", "J"}, openerFor(port), 0, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx, make(chan decoder.Reading)); err != nil {
		t.Fatalf("Run err=%v", err)
	}

	writes, _ := port.snapshot()
	cfgK, _ := decoder.ChannelConfig(0, "K")
	cfgJ, _ := decoder.ChannelConfig(1, "J")
	want := []string{
		"\x00S0",
		"\x00chn 0 " + strconv.Itoa(cfgK) + "\r",
		"\x00chn 1 " + strconv.Itoa(cfgJ) + "\r",
		"\x00xrate 227 10\r",
		"\x00S1",
		"\x00S0",
	}
	if len(writes) != len(want) {
		t.Fatalf("expected %q, got %q", want, writes)
	}
	for i := range want {
		if writes[i] != want[i] {
			t.Fatalf("command %d: expected %q, got %q", i, want[i], writes[i])
		}
	}
}

func TestSession_ReadErrorFails(t *testing.T) {
	port := &scriptedPort{data: di1100Stream(100, 1), readErr: io.EOF}
	desc := Descriptor{Port: "/dev/ttyACM3", Family: DI1100Family{}}
	s := NewSession(3, desc, []string{"1"}, openerFor(port), 0, quietLogger())

	out := make(chan decoder.Reading, 4)
	err := s.Run(context.Background(), out)

	var te *TransportError
	if !errors.As(err, &te) || te.Op != "read" || !errors.Is(err, io.EOF) {
		t.Fatalf("expected read transport error, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected state failed, got %s", s.State())
	}
	if len(out) != 1 {
		t.Fatalf("expected the reading before the failure to be delivered, got %d", len(out))
	}
	if _, closed := port.snapshot(); !closed {
		t.Fatalf("port left open after failure")
	}
}

func TestSession_InvalidChannelsNeverOpen(t *testing.T) {
	opened := false
	open := func(string, int) (transport.Port, error) { opened = true; return &scriptedPort{}, nil }
	desc := Descriptor{Port: "/dev/ttyACM4", Family: DI245Family{}}
	s := NewSession(4, desc, []string{"K", "X"}, open, 0, quietLogger())

	err := s.Run(context.Background(), make(chan decoder.Reading))
	var ce *decoder.ConfigError
	if !errors.As(err, &ce) || ce.Channel != 1 {
		t.Fatalf("expected config error for channel 1, got %v", err)
	}
	if opened {
		t.Fatalf("port opened for an invalid channel list")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected state failed, got %s", s.State())
	}
}

func TestSession_OpenError(t *testing.T) {
	open := func(string, int) (transport.Port, error) { return nil, errors.New("no such device") }
	desc := Descriptor{Port: "/dev/ttyACM9", Family: DI1100Family{}}
	s := NewSession(5, desc, []string{"0"}, open, 0, quietLogger())

	err := s.Run(context.Background(), make(chan decoder.Reading))
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" {
		t.Fatalf("expected open transport error, got %v", err)
	}
}

func TestState_Terminal(t *testing.T) {
	for _, st := range []State{StateDiscovered, StateConnected, StateConfigured, StateScanning} {
		if st.Terminal() {
			t.Fatalf("%s reported terminal", st)
		}
	}
	if !StateStopped.Terminal() || !StateFailed.Terminal() {
		t.Fatalf("stopped and failed must be terminal")
	}
}

func TestSession_CancelDuringConfigure(t *testing.T) {
	port := &scriptedPort{}
	desc := Descriptor{Port: "/dev/ttyACM5", Family: DI245Family{}}
	s := NewSession(6, desc, []string{"K", "J", "T", "E"}, openerFor(port), 5*time.Second, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan decoder.Reading)) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("session still configuring after cancel")
	}

	writes, closed := port.snapshot()
	if !closed {
		t.Fatalf("port left open")
	}
	for _, w := range writes {
		if w == "\x00S1" {
			t.Fatalf("start sent after cancel: %q", writes)
		}
	}
	if last := writes[len(writes)-1]; last != "\x00S0" {
		t.Fatalf("expected cleanup stop as last command, got %q", writes)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected state stopped, got %s", s.State())
	}
}
