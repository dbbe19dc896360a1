// Package uarttest provides a scriptable in-memory UART for tests.
package uarttest

import (
	"fmt"
	"sync"
	"time"

	"github.com/luhtfiimanal/go-uartmux/uart"
)

// Mock implements uart.UART. Requests are recorded and held until the test
// completes them with CompleteTransmit or CompleteReceive.
type Mock struct {
	mu sync.Mutex

	client uart.Client

	// Params is the last configuration applied.
	Params       uart.Parameters
	ConfigureErr error
	// TransmitErr and ReceiveErr make the next request fail synchronously.
	TransmitErr error
	ReceiveErr  error

	// Transmitted holds a copy of every transmitted frame.
	Transmitted [][]byte
	// ReceiveLens holds the length of every receive request.
	ReceiveLens []int
	// Interbytes holds the idle gap of every automatic receive.
	Interbytes []time.Duration
	Aborts     int

	txBuf  []byte
	rxBuf  []byte
	rxLen  int
	rxAuto bool
}

// SetClient registers the receiver of completions.
func (m *Mock) SetClient(c uart.Client) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
}

// Configure records p unless ConfigureErr is set.
func (m *Mock) Configure(p uart.Parameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfigureErr != nil {
		return m.ConfigureErr
	}
	m.Params = p
	return nil
}

// Transmit records buf[:n] and holds buf until CompleteTransmit.
func (m *Mock) Transmit(buf []byte, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.TransmitErr; err != nil {
		m.TransmitErr = nil
		return err
	}
	if m.txBuf != nil {
		return uart.ErrRepeatCall
	}
	if n > len(buf) {
		return uart.ErrShortBuffer
	}
	m.txBuf = buf
	m.Transmitted = append(m.Transmitted, append([]byte(nil), buf[:n]...))
	return nil
}

// Receive holds buf until CompleteReceive fills n bytes.
func (m *Mock) Receive(buf []byte, n int) error {
	if n > len(buf) {
		return uart.ErrShortBuffer
	}
	return m.receive(buf, n, false, 0)
}

// ReceiveAutomatic holds buf until CompleteReceive delivers up to len(buf)
// bytes.
func (m *Mock) ReceiveAutomatic(buf []byte, interbyte time.Duration) error {
	if len(buf) == 0 {
		return uart.ErrShortBuffer
	}
	return m.receive(buf, len(buf), true, interbyte)
}

func (m *Mock) receive(buf []byte, n int, auto bool, interbyte time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ReceiveErr; err != nil {
		m.ReceiveErr = nil
		return err
	}
	if m.rxBuf != nil {
		return uart.ErrRepeatCall
	}
	m.rxBuf = buf
	m.rxLen = n
	m.rxAuto = auto
	m.ReceiveLens = append(m.ReceiveLens, n)
	if auto {
		m.Interbytes = append(m.Interbytes, interbyte)
	}
	return nil
}

// AbortReceive counts the abort. The pending receive, if any, stays
// outstanding until the test completes it.
func (m *Mock) AbortReceive() {
	m.mu.Lock()
	m.Aborts++
	m.mu.Unlock()
}

// TransmitPending reports whether a transmit buffer is lent to the mock.
func (m *Mock) TransmitPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txBuf != nil
}

// ReceivePending reports whether a receive buffer is lent to the mock.
func (m *Mock) ReceivePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxBuf != nil
}

// CompleteTransmit returns the pending transmit buffer to the client. It
// reports false if no transmit was pending.
func (m *Mock) CompleteTransmit(err error) bool {
	m.mu.Lock()
	buf, client := m.txBuf, m.client
	m.txBuf = nil
	m.mu.Unlock()
	if buf == nil {
		return false
	}
	if client != nil {
		client.TransmitComplete(buf, err)
	}
	return true
}

// CompleteReceive copies data into the pending receive buffer, truncated
// to the requested length, and returns the buffer to the client. It
// reports false if no receive was pending.
//
// A fixed-length receive only completes short with an error, as on a real
// line; CompleteReceive panics when asked to do otherwise.
func (m *Mock) CompleteReceive(data []byte, err error) bool {
	m.mu.Lock()
	buf, n, auto, client := m.rxBuf, m.rxLen, m.rxAuto, m.client
	if buf != nil && !auto && err == nil && len(data) < n {
		m.mu.Unlock()
		panic(fmt.Sprintf("uarttest: fixed-length receive of %d bytes completed with %d bytes and no error", n, len(data)))
	}
	m.rxBuf = nil
	m.mu.Unlock()
	if buf == nil {
		return false
	}
	got := copy(buf[:n], data)
	if client != nil {
		client.ReceiveComplete(buf, got, err)
	}
	return true
}
