package uart

import (
	"errors"
	"time"
)

// Completion and request errors. A nil completion error means the
// operation ran to completion.
var (
	ErrAborted     = errors.New("uart: receive aborted")
	ErrParity      = errors.New("uart: parity error")
	ErrFraming     = errors.New("uart: framing error")
	ErrOverrun     = errors.New("uart: overrun")
	ErrRepeatCall  = errors.New("uart: operation already in progress")
	ErrShortBuffer = errors.New("uart: buffer shorter than requested length")
	ErrClosed      = errors.New("uart: port closed")
)

// DefaultInterbyte is the idle gap that ends an automatic receive when the
// caller does not choose one. It is about 100 bit times at 9600 baud.
const DefaultInterbyte = 10 * time.Millisecond

// Parity selects the parity bit mode of a line.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

func (p Parity) String() string {
	switch p {
	case OddParity:
		return "odd"
	case EvenParity:
		return "even"
	default:
		return "none"
	}
}

// StopBits selects the number of stop bits.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Parameters configures a line.
type Parameters struct {
	BaudRate int
	StopBits StopBits
	Parity   Parity
}

// Client receives completion events from a UART. Each completion hands
// the buffer lent by the matching request back to the client.
type Client interface {
	TransmitComplete(buf []byte, err error)
	ReceiveComplete(buf []byte, n int, err error)
}

// UART is a raw serial line with asynchronous fixed-length transmit and
// receive. At most one transmit and one receive may be outstanding.
//
// A nil error from Transmit or Receive lends buf to the UART until the
// matching completion returns it. A non-nil error means the request was
// refused and the caller still owns buf.
type UART interface {
	SetClient(c Client)
	Configure(p Parameters) error
	// Transmit sends buf[:n].
	Transmit(buf []byte, n int) error
	// Receive fills buf[:n]. It completes early only with an error.
	Receive(buf []byte, n int) error
	// AbortReceive ends the outstanding receive with ErrAborted. It is a
	// no-op when nothing is outstanding.
	AbortReceive()
}

// AutomaticReceiver ends a receive when the line goes quiet.
type AutomaticReceiver interface {
	// ReceiveAutomatic receives up to len(buf) bytes. It completes with a
	// nil error once at least one byte has arrived and the line then stays
	// idle for interbyte, or when buf is full. A non-positive interbyte
	// selects DefaultInterbyte.
	ReceiveAutomatic(buf []byte, interbyte time.Duration) error
}

// TerminatorUART is a UART that can also receive until a terminator byte.
type TerminatorUART interface {
	UART
	ReceiveUntilTerminator(buf []byte, terminator byte) error
}

// AdvancedUART offers every receive flavour: fixed length, until a
// terminator and until the line goes idle.
type AdvancedUART interface {
	TerminatorUART
	AutomaticReceiver
}

// IsAborted reports whether a receive completion was ended by an abort.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}
