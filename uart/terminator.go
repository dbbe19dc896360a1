package uart

import (
	"errors"
	"sync"
	"time"
)

// DefaultScanWindow is the number of bytes requested and scanned per raw
// receive by a TerminatorReceiver.
const DefaultScanWindow = 10

// ScanState reports what a TerminatorReceiver is doing. The zero value is
// idle.
type ScanState struct {
	Scanning   bool
	Terminator byte
}

// TerminatorReceiver adds receive-until-terminator to a UART that only
// supports fixed-length receives. Everything else passes through, so it can
// stand in wherever a plain UART is expected.
//
// Each raw receive asks for exactly one scan window. If the terminator is
// not in that window the receiver keeps scanning state but does not issue
// another raw receive; nothing is reported until AbortReceive.
type TerminatorReceiver struct {
	uart   UART
	window int

	mu      sync.Mutex
	client  Client
	state   ScanState
	stalled []byte

	// aborting is set when AbortReceive ran during a scan whose raw
	// receive may already have finished.
	aborting bool
}

// NewTerminatorReceiver wraps u and registers itself as u's client. A
// window <= 0 selects DefaultScanWindow.
func NewTerminatorReceiver(u UART, window int) *TerminatorReceiver {
	if window <= 0 {
		window = DefaultScanWindow
	}
	r := &TerminatorReceiver{uart: u, window: window}
	u.SetClient(r)
	return r
}

// Window returns the scan window size.
func (r *TerminatorReceiver) Window() int { return r.window }

// State returns the current scan state.
func (r *TerminatorReceiver) State() ScanState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetClient registers the receiver of completions.
func (r *TerminatorReceiver) SetClient(c Client) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

// Configure passes through to the wrapped UART.
func (r *TerminatorReceiver) Configure(p Parameters) error {
	return r.uart.Configure(p)
}

// Transmit passes through to the wrapped UART.
func (r *TerminatorReceiver) Transmit(buf []byte, n int) error {
	return r.uart.Transmit(buf, n)
}

// Receive passes through to the wrapped UART.
func (r *TerminatorReceiver) Receive(buf []byte, n int) error {
	return r.uart.Receive(buf, n)
}

// ReceiveAutomatic passes through to the wrapped UART. It returns
// errors.ErrUnsupported when that UART cannot end a receive on an idle line.
func (r *TerminatorReceiver) ReceiveAutomatic(buf []byte, interbyte time.Duration) error {
	a, ok := r.uart.(AutomaticReceiver)
	if !ok {
		return errors.ErrUnsupported
	}
	r.mu.Lock()
	stalled := r.stalled != nil
	r.mu.Unlock()
	if stalled {
		return ErrRepeatCall
	}
	return a.ReceiveAutomatic(buf, interbyte)
}

// AbortReceive aborts the underlying receive. If a scan already stalled
// with no raw receive outstanding, the stalled buffer is returned to the
// client as an aborted, empty receive. Otherwise the running scan ends at
// its next raw completion, terminator or not.
func (r *TerminatorReceiver) AbortReceive() {
	r.mu.Lock()
	buf := r.stalled
	r.stalled = nil
	if buf != nil {
		r.state = ScanState{}
		r.aborting = false
	} else if r.state.Scanning {
		r.aborting = true
	}
	client := r.client
	r.mu.Unlock()

	if buf == nil {
		r.uart.AbortReceive()
		return
	}
	if client != nil {
		client.ReceiveComplete(buf, 0, ErrAborted)
	}
}

// ReceiveUntilTerminator starts a scan for terminator. buf must hold at
// least one scan window.
func (r *TerminatorReceiver) ReceiveUntilTerminator(buf []byte, terminator byte) error {
	if len(buf) < r.window {
		return ErrShortBuffer
	}

	r.mu.Lock()
	if r.stalled != nil {
		r.mu.Unlock()
		return ErrRepeatCall
	}
	prev, prevAborting := r.state, r.aborting
	r.state = ScanState{Scanning: true, Terminator: terminator}
	r.aborting = false
	r.mu.Unlock()

	if err := r.uart.Receive(buf, r.window); err != nil {
		r.mu.Lock()
		r.state, r.aborting = prev, prevAborting
		r.mu.Unlock()
		return err
	}
	return nil
}

// TransmitComplete forwards transmit completions unchanged.
func (r *TerminatorReceiver) TransmitComplete(buf []byte, err error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client != nil {
		client.TransmitComplete(buf, err)
	}
}

// ReceiveComplete scans a raw completion for the terminator while a scan
// runs and forwards everything else unchanged.
func (r *TerminatorReceiver) ReceiveComplete(buf []byte, n int, err error) {
	r.mu.Lock()
	state := r.state
	client := r.client

	if !state.Scanning {
		r.mu.Unlock()
		if client != nil {
			client.ReceiveComplete(buf, n, err)
		}
		return
	}

	// An abort ends the scan over whatever did arrive.
	aborted := IsAborted(err) || r.aborting
	limit := r.window
	if aborted {
		limit = n
	}
	limit = min(limit, len(buf))

	length := -1
	for i := 0; i < limit; i++ {
		if buf[i] == state.Terminator {
			length = i + 1
			break
		}
	}
	if length < 0 && aborted {
		length = n
		if err == nil {
			err = ErrAborted
		}
	}
	if length < 0 {
		r.stalled = buf
		r.mu.Unlock()
		return
	}
	r.state = ScanState{}
	r.aborting = false
	r.mu.Unlock()

	if client != nil {
		client.ReceiveComplete(buf, length, err)
	}
}
