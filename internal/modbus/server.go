package modbus

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	functionReadHoldingRegs = 0x03
	functionReadInputRegs   = 0x04

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03

	maxReadQuantity = 125
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Server is a read-only Modbus TCP server exposing the latest reading of
// every device as input registers. Holding-register reads return the same
// table so generic HMIs can poll either function.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry

	mu        sync.RWMutex
	registers []uint16
}

func NewServer(log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		registers: make([]uint16, 65536),
		quit:      make(chan struct{}),
		log:       log.WithField("component", "modbus"),
	}
}

// Listen starts accepting Modbus TCP connections on address.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l
	s.log.Infof("serving live readings on %s", l.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			s.log.Debugf("accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			conn.Close()
		case <-done:
		}
	}()

	// MBAP: transaction id, protocol id, length, unit id.
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)
		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	function := pdu[0]
	switch function {
	case functionReadHoldingRegs, functionReadInputRegs:
		data, err := s.readRegisters(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (s *Server) readRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > maxReadQuantity {
		return nil, errInvalidQty
	}
	if int(start)+int(quantity) > len(s.registers) {
		return nil, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:], s.registers[int(start)+i])
	}
	return result, nil
}

func exceptionResponse(function byte, code byte) []byte {
	return []byte{function | 0x80, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server and waits for all connections to finish.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}
