package emulator

import (
	"context"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/decoder"
)

func quietEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func constant(level float64) Signal {
	return func(int, time.Time) float64 { return level }
}

func TestDevice_DI1100FramesDecode(t *testing.T) {
	d, err := NewDevice(FamilyDI1100, constant(0.25), 0, quietEntry())
	if err != nil {
		t.Fatalf("NewDevice err=%v", err)
	}
	for _, c := range []string{"slist 0 0", "slist 1 3"} {
		if echo := d.handle(c); string(echo) != c+"\r" {
			t.Fatalf("expected echo of %q, got %q", c, echo)
		}
	}
	if d.Frame() != nil {
		t.Fatalf("frame produced before start")
	}
	if echo := d.handle("start 0"); echo != nil {
		t.Fatalf("start must not echo, got %q", echo)
	}

	dec, _ := decoder.NewDI1100(2)
	var out [][]float64
	for i := 0; i < decoder.Decimation; i++ {
		out = append(out, dec.Feed(d.Frame())...)
	}
	if len(out) != 1 {
		t.Fatalf("expected one vector, got %d", len(out))
	}
	for i, v := range out[0] {
		if math.Abs(v-2.5) > 0.01 {
			t.Fatalf("channel %d: expected ~2.5 V, got %f", i, v)
		}
	}

	d.handle("stop")
	if d.Running() || d.Frame() != nil {
		t.Fatalf("device still streaming after stop")
	}
}

func TestDevice_DI245FramesDecode(t *testing.T) {
	d, _ := NewDevice(FamilyDI245, constant(-0.5), 0, quietEntry())
	cmds, rest := d.split([]byte("\x00chn 0 4864\r\x00xrate 227 20\r\x00S1\x00chn"))
	if len(cmds) != 3 || cmds[2] != "S1" || string(rest) != "chn" {
		t.Fatalf("unexpected split %q rest %q", cmds, rest)
	}
	var marker []byte
	for _, c := range cmds {
		if r := d.handle(c); r != nil {
			marker = r
		}
	}
	if string(marker) != "S1" {
		t.Fatalf("expected S1 marker, got %q", marker)
	}

	dec, _ := decoder.NewDI245([]string{"K"})
	out := dec.Feed(append(marker, d.Frame()...))
	if len(out) != 1 {
		t.Fatalf("expected one vector, got %d", len(out))
	}
	level := -0.5
	want, _ := decoder.Linearize("K", int(level*di245FullScale))
	if math.Abs(out[0][0]-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, out[0][0])
	}
}

func TestDevice_ServeRoundTrip(t *testing.T) {
	d, _ := NewDevice(FamilyDI1100, constant(0.1), time.Millisecond, quietEntry())
	host, dev := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, dev) }()

	if _, err := host.Write([]byte("slist 0 1\rstart 0\r")); err != nil {
		t.Fatalf("write commands: %v", err)
	}

	echo := make([]byte, len("slist 0 1\r"))
	if _, err := io.ReadFull(host, echo); err != nil || string(echo) != "slist 0 1\r" {
		t.Fatalf("expected echo, got %q (%v)", echo, err)
	}

	dec, _ := decoder.NewDI1100(1)
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	var got [][]float64
	for len(got) == 0 && time.Now().Before(deadline) {
		n, err := host.Read(buf)
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		got = append(got, dec.Feed(buf[:n])...)
	}
	if len(got) == 0 {
		t.Fatalf("no vector decoded from the emulator stream")
	}

	cancel()
	host.Close()
	dev.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
}

func TestNewDevice_UnknownFamily(t *testing.T) {
	if _, err := NewDevice("DI-2008", nil, 0, nil); err == nil {
		t.Fatalf("expected error for unsupported family")
	}
}
