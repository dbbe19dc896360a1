package uart

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// pollInterval bounds how long a SerialPort read blocks before it checks
// for an abort.
const pollInterval = 50 * time.Millisecond

// SerialConfig holds configuration for opening a portable serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	StopBits StopBits
	Parity   Parity
}

// SerialPort is a UART backed by go.bug.st/serial. It works on every
// platform that library supports.
type SerialPort struct {
	*engine
	portName string
}

type serialStream struct {
	port    serial.Port
	timeout time.Duration // read timeout currently set on port
}

// OpenSerial opens a serial port with the given configuration.
func OpenSerial(cfg SerialConfig) (*SerialPort, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port path is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}

	port, err := serial.Open(cfg.Port, toMode(Parameters{
		BaudRate: cfg.BaudRate,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialPort{engine: newEngine(&serialStream{port: port, timeout: pollInterval}), portName: cfg.Port}, nil
}

// PortName returns the serial port name.
func (p *SerialPort) PortName() string { return p.portName }

func (s *serialStream) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialStream) readSome(p []byte, stop func() bool, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if stop() {
			return 0, errInterrupted
		}
		wait := pollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, errTimeout
			}
			wait = min(wait, left)
		}
		if err := s.setTimeout(wait); err != nil {
			return 0, err
		}
		n, err := s.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *serialStream) setTimeout(d time.Duration) error {
	if d == s.timeout {
		return nil
	}
	if err := s.port.SetReadTimeout(d); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	s.timeout = d
	return nil
}

// interrupt is a no-op: reads time out every pollInterval and re-check.
func (s *serialStream) interrupt() {}

func (s *serialStream) configure(p Parameters) error {
	return s.port.SetMode(toMode(p))
}

func (s *serialStream) close() error {
	return s.port.Close()
}

func toMode(p Parameters) *serial.Mode {
	mode := &serial.Mode{
		BaudRate: p.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch p.Parity {
	case OddParity:
		mode.Parity = serial.OddParity
	case EvenParity:
		mode.Parity = serial.EvenParity
	}
	if p.StopBits == TwoStopBits {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}
