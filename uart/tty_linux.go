//go:build linux

package uart

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Config holds configuration parameters for opening a Linux serial device.
type Config struct {
	Device   string
	BaudRate int
	StopBits StopBits
	Parity   Parity
}

// TTY is a Linux serial device driven through raw termios and poll. It
// implements UART; completions are delivered from background goroutines.
type TTY struct {
	*engine
	device string
}

type ttyStream struct {
	fd    int
	file  *os.File
	pipeR int // self-pipe read fd
	pipeW int // self-pipe write fd
}

// Open opens a serial device in raw, non-canonical mode and returns it as
// a UART.
func Open(cfg Config) (*TTY, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	s := &ttyStream{fd: fd, pipeR: -1, pipeW: -1}
	if err := s.makeRaw(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := s.configure(Parameters{BaudRate: cfg.BaudRate, StopBits: cfg.StopBits, Parity: cfg.Parity}); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Turn back into blocking mode now that config is done
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	// Self-pipe to wake poll on abort and close
	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	s.pipeR, s.pipeW = pipeFds[0], pipeFds[1]
	s.file = os.NewFile(uintptr(fd), cfg.Device)

	return &TTY{engine: newEngine(s), device: cfg.Device}, nil
}

// Device returns the device path the TTY was opened with.
func (t *TTY) Device() string { return t.device }

func (s *ttyStream) makeRaw() error {
	termios, err := unix.IoctlGetTermios(s.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL

	// VMIN=1, VTIME=0: read returns as soon as a byte is available
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (s *ttyStream) configure(p Parameters) error {
	termios, err := unix.IoctlGetTermios(s.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	baud, ok := baudRates[p.BaudRate]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", p.BaudRate)
	}
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	termios.Cflag &^= unix.CSTOPB
	if p.StopBits == TwoStopBits {
		termios.Cflag |= unix.CSTOPB
	}

	termios.Cflag &^= unix.PARENB | unix.PARODD
	termios.Iflag &^= unix.INPCK
	switch p.Parity {
	case OddParity:
		termios.Cflag |= unix.PARENB | unix.PARODD
		termios.Iflag |= unix.INPCK
	case EvenParity:
		termios.Cflag |= unix.PARENB
		termios.Iflag |= unix.INPCK
	}

	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (s *ttyStream) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *ttyStream) readSome(p []byte, stop func() bool, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if stop() {
			return 0, errInterrupted
		}
		wait := -1
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, errTimeout
			}
			// Round up so a sub-millisecond remainder still waits.
			wait = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		// Use poll to wait for data or a wake-up on the self-pipe
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(pfd, wait); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			s.drain()
			continue
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && pfd[0].Revents&unix.POLLIN == 0 {
			return 0, fmt.Errorf("poll %s: revents %#x", s.file.Name(), pfd[0].Revents)
		}
		if pfd[0].Revents&unix.POLLIN != 0 {
			return s.file.Read(p)
		}
	}
}

func (s *ttyStream) drain() {
	var b [16]byte
	for {
		if n, err := unix.Read(s.pipeR, b[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (s *ttyStream) interrupt() {
	if s.pipeW >= 0 {
		unix.Write(s.pipeW, []byte{1})
	}
}

func (s *ttyStream) close() error {
	err := s.file.Close()
	if s.pipeR >= 0 {
		unix.Close(s.pipeR)
	}
	if s.pipeW >= 0 {
		unix.Close(s.pipeW)
	}
	return err
}

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}
