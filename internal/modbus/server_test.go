package modbus

import (
	"errors"
	"io"
	"math"
	"testing"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"

	"dataq-logger/internal/decoder"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	s := NewServer(l)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen err=%v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func dial(t *testing.T, s *Server) gomodbus.Client {
	t.Helper()
	h := gomodbus.NewTCPClientHandler(s.Addr().String())
	h.Timeout = 2 * time.Second
	h.SlaveId = 1
	if err := h.Connect(); err != nil {
		t.Fatalf("Connect err=%v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return gomodbus.NewClient(h)
}

func TestServer_LatestReadingOverTCP(t *testing.T) {
	s := startServer(t)
	at := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
	for _, v := range []float64{1.0, 2.5} {
		r := decoder.Reading{DeviceID: 2, Timestamp: at, Channels: []string{"ai0", "ai1"}, Values: []float64{v, -v}}
		if err := s.Record(r); err != nil {
			t.Fatalf("Record err=%v", err)
		}
	}

	c := dial(t, s)
	base, _ := BlockAddress(2)
	payload, err := c.ReadInputRegisters(base, BlockSize)
	if err != nil {
		t.Fatalf("ReadInputRegisters err=%v", err)
	}
	b, err := DecodeBlock(Registers(payload))
	if err != nil {
		t.Fatalf("DecodeBlock err=%v", err)
	}
	if !b.Timestamp.Equal(at) {
		t.Fatalf("expected timestamp %s, got %s", at, b.Timestamp)
	}
	if len(b.Values) != 2 || b.Values[0] != 2.5 || b.Values[1] != -2.5 {
		t.Fatalf("expected latest values [2.5 -2.5], got %v", b.Values)
	}

	// Holding registers mirror the same table.
	payload, err = c.ReadHoldingRegisters(base, 1)
	if err != nil || Registers(payload)[0] != 2 {
		t.Fatalf("holding read mismatch: %v %v", payload, err)
	}
}

func TestServer_EmptyAndInvalidReads(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	payload, err := c.ReadInputRegisters(0, BlockSize)
	if err != nil {
		t.Fatalf("ReadInputRegisters err=%v", err)
	}
	if _, err := DecodeBlock(Registers(payload)); !errors.Is(err, ErrEmptyBlock) {
		t.Fatalf("expected ErrEmptyBlock, got %v", err)
	}

	if _, err := c.ReadInputRegisters(0, 200); err == nil {
		t.Fatalf("expected exception for oversize quantity")
	}
	if _, err := c.ReadCoils(0, 1); err == nil {
		t.Fatalf("expected illegal function exception for coils")
	}
}

func TestRecord_DeviceRange(t *testing.T) {
	s := NewServer(nil)
	if err := s.Record(decoder.Reading{DeviceID: 0, Values: []float64{1}}); err == nil {
		t.Fatalf("expected error for device id 0")
	}
	if err := s.Record(decoder.Reading{DeviceID: MaxDevices + 1, Values: []float64{1}}); err == nil {
		t.Fatalf("expected error for device id beyond the register map")
	}
}

func TestRecord_Float32Encoding(t *testing.T) {
	s := NewServer(nil)
	if err := s.Record(decoder.Reading{DeviceID: 1, Values: []float64{math.Pi}}); err != nil {
		t.Fatalf("Record err=%v", err)
	}
	b, err := DecodeBlock(s.registers[:BlockSize])
	if err != nil {
		t.Fatalf("DecodeBlock err=%v", err)
	}
	if b.Values[0] != float32(math.Pi) {
		t.Fatalf("expected %v, got %v", float32(math.Pi), b.Values[0])
	}
}
