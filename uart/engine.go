package uart

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	errInterrupted = errors.New("uart: read interrupted")
	errTimeout     = errors.New("uart: read timed out")
)

// stream is the blocking byte stream a backend hands to the engine.
type stream interface {
	io.Writer
	// readSome blocks until at least one byte is read, stop reports true,
	// timeout passes or the stream fails. It returns errInterrupted when
	// stopped and errTimeout when nothing arrived in time. A non-positive
	// timeout waits forever.
	readSome(p []byte, stop func() bool, timeout time.Duration) (int, error)
	// interrupt wakes a blocked readSome so it re-checks stop.
	interrupt()
	configure(p Parameters) error
	close() error
}

// engine turns a blocking stream into the asynchronous UART contract.
// Each request runs on its own goroutine and completes through the
// client exactly once.
type engine struct {
	s stream

	mu      sync.Mutex
	client  Client
	txBusy  bool
	rxStop  chan struct{}
	closed  chan struct{}
	closeMu sync.Once
}

func newEngine(s stream) *engine {
	return &engine{s: s, closed: make(chan struct{})}
}

func (e *engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// SetClient registers the receiver of completions.
func (e *engine) SetClient(c Client) {
	e.mu.Lock()
	e.client = c
	e.mu.Unlock()
}

// Configure applies line parameters.
func (e *engine) Configure(p Parameters) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.s.configure(p)
}

// Transmit writes buf[:n] on a background goroutine.
func (e *engine) Transmit(buf []byte, n int) error {
	if n > len(buf) || n < 0 {
		return ErrShortBuffer
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return ErrClosed
	}
	if e.txBusy {
		return ErrRepeatCall
	}
	e.txBusy = true
	go e.transmit(buf, n)
	return nil
}

func (e *engine) transmit(buf []byte, n int) {
	var err error
	for off := 0; off < n && err == nil; {
		var w int
		w, err = e.s.Write(buf[off:n])
		off += w
	}
	if err != nil && e.isClosed() {
		err = ErrClosed
	}

	e.mu.Lock()
	e.txBusy = false
	client := e.client
	e.mu.Unlock()
	if client != nil {
		client.TransmitComplete(buf, err)
	}
}

// Receive reads exactly n bytes into buf on a background goroutine.
func (e *engine) Receive(buf []byte, n int) error {
	if n > len(buf) || n < 0 {
		return ErrShortBuffer
	}
	return e.startReceive(buf, n, 0)
}

// ReceiveAutomatic implements AutomaticReceiver.
func (e *engine) ReceiveAutomatic(buf []byte, interbyte time.Duration) error {
	if len(buf) == 0 {
		return ErrShortBuffer
	}
	if interbyte <= 0 {
		interbyte = DefaultInterbyte
	}
	return e.startReceive(buf, len(buf), interbyte)
}

func (e *engine) startReceive(buf []byte, n int, interbyte time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isClosed() {
		return ErrClosed
	}
	if e.rxStop != nil {
		return ErrRepeatCall
	}
	stop := make(chan struct{})
	e.rxStop = stop
	go e.receive(buf, n, interbyte, stop)
	return nil
}

// receive fills buf[:n]. With a positive interbyte it also ends once some
// bytes arrived and the stream then stays quiet that long.
func (e *engine) receive(buf []byte, n int, interbyte time.Duration, stop chan struct{}) {
	stopped := func() bool {
		select {
		case <-stop:
			return true
		case <-e.closed:
			return true
		default:
			return false
		}
	}

	var err error
	got := 0
	for got < n {
		var timeout time.Duration
		if got > 0 {
			timeout = interbyte
		}
		var r int
		r, err = e.s.readSome(buf[got:n], stopped, timeout)
		got += r
		if errors.Is(err, errTimeout) {
			err = nil
			break
		}
		if err != nil {
			break
		}
	}
	switch {
	case err == nil:
	case e.isClosed():
		err = ErrClosed
	case errors.Is(err, errInterrupted):
		err = ErrAborted
	}

	e.mu.Lock()
	e.rxStop = nil
	client := e.client
	e.mu.Unlock()
	if client != nil {
		client.ReceiveComplete(buf, got, err)
	}
}

// AbortReceive ends the outstanding receive with ErrAborted.
func (e *engine) AbortReceive() {
	e.mu.Lock()
	stop := e.rxStop
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	e.mu.Unlock()
	if stop != nil {
		e.s.interrupt()
	}
}

// Close stops the engine and closes the stream. A pending receive
// completes with ErrClosed. Safe to call multiple times.
func (e *engine) Close() error {
	var err error
	e.closeMu.Do(func() {
		close(e.closed)
		e.s.interrupt()
		err = e.s.close()
	})
	return err
}
