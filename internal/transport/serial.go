package transport

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/goburrow/serial"
)

// ReadTimeout bounds every blocking read so callers can observe
// cancellation promptly.
const ReadTimeout = 100 * time.Millisecond

// ErrTimeout is returned by Port.Read when no byte arrived within the
// read timeout. It is not a transport failure.
var ErrTimeout = errors.New("transport: read timeout")

// Port is an open serial link to one device.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a port at the given baud rate. Sessions receive one so
// tests can substitute scripted ports.
type Opener func(address string, baudRate int) (Port, error)

type SerialParams struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

func EnsureSerialDefaults(sp *SerialParams) {
	if sp.BaudRate == 0 {
		sp.BaudRate = 115200
	}
	if sp.DataBits == 0 {
		sp.DataBits = 8
	}
	if sp.StopBits == 0 {
		sp.StopBits = 1
	}
	if sp.Parity == "" {
		sp.Parity = "N"
	}
	if sp.Timeout <= 0 {
		sp.Timeout = ReadTimeout
	}
}

func OpenSerial(sp SerialParams) (Port, error) {
	EnsureSerialDefaults(&sp)
	sc := &serial.Config{
		Address:  sp.Address,
		BaudRate: sp.BaudRate,
		DataBits: sp.DataBits,
		StopBits: sp.StopBits,
		Parity:   sp.Parity,
		Timeout:  sp.Timeout,
	}
	p, err := serial.Open(sc)
	if err != nil {
		return nil, err
	}
	return &serialPort{Port: p}, nil
}

// Open is the production Opener: 8N1 with the package read timeout.
func Open(address string, baudRate int) (Port, error) {
	return OpenSerial(SerialParams{Address: address, BaudRate: baudRate})
}

// serialPort maps the driver's timeout error onto ErrTimeout.
type serialPort struct {
	serial.Port
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if errors.Is(err, serial.ErrTimeout) {
		return n, ErrTimeout
	}
	return n, err
}

type SocatPair struct {
	Link string
	Peer string
}

// BuildSocatPairCmd creates a virtual serial pair for the device emulator.
func BuildSocatPairCmd(ctx context.Context, pair SocatPair) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "socat",
		"-d", "-d",
		"pty,raw,echo=0,link="+pair.Link,
		"pty,raw,echo=0,link="+pair.Peer,
	)
	return cmd
}
