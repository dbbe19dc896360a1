// Package client is the task side of the arbiter: it shares regions with
// the driver, starts transfers and waits for their upcalls.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/luhtfiimanal/go-uartmux/arbiter"
	"github.com/luhtfiimanal/go-uartmux/grant"
)

// ErrNotPresent is returned when the driver does not answer the presence
// probe.
var ErrNotPresent = errors.New("client: driver not present")

// Line is the driver surface a task talks to. *arbiter.Driver implements
// it.
type Line interface {
	Allow(id grant.AppID, num int, region *grant.Region) arbiter.ReturnCode
	Subscribe(num int, cb *grant.Callback, id grant.AppID) arbiter.ReturnCode
	Command(num, arg1, arg2 int, id grant.AppID) arbiter.ReturnCode
}

// Task is one client of a Line. A Task is not safe for concurrent use;
// run one goroutine per task.
type Task struct {
	id    grant.AppID
	line  Line
	queue *grant.Queue

	txBuf []byte
	rxBuf []byte

	txInFlight bool
	txStatus   arbiter.ReturnCode

	rxInFlight bool
	rxStatus   arbiter.ReturnCode
	rxLen      int

	// pending holds received bytes not yet returned by ReadLine.
	pending    []byte
	terminator byte
}

// NewTask probes the driver and registers a task with regions of size
// bytes each.
func NewTask(line Line, id grant.AppID, size int) (*Task, error) {
	if rc := line.Command(arbiter.CommandCheck, 0, 0, id); rc != arbiter.Success {
		return nil, fmt.Errorf("%w: %s", ErrNotPresent, rc)
	}

	t := &Task{
		id:    id,
		line:  line,
		queue: grant.NewQueue(0),
		txBuf: make([]byte, size),
		rxBuf: make([]byte, size),

		terminator: '\n',
	}
	txcb := t.queue.Callback(func(status, _, _ int) {
		t.txInFlight = false
		t.txStatus = arbiter.ReturnCode(status)
	})
	rxcb := t.queue.Callback(func(status, n, _ int) {
		t.rxInFlight = false
		t.rxStatus = arbiter.ReturnCode(status)
		t.rxLen = n
	})
	if err := line.Subscribe(arbiter.SubscribeTransmit, txcb, id).Err(); err != nil {
		return nil, fmt.Errorf("subscribe transmit: %w", err)
	}
	if err := line.Subscribe(arbiter.SubscribeReceive, rxcb, id).Err(); err != nil {
		return nil, fmt.Errorf("subscribe receive: %w", err)
	}
	if err := line.Allow(id, arbiter.AllowTransmit, grant.NewRegion(t.txBuf)).Err(); err != nil {
		return nil, fmt.Errorf("allow transmit: %w", err)
	}
	return t, nil
}

// ID returns the task identity.
func (t *Task) ID() grant.AppID { return t.id }

// SetTerminator sets the byte that ends a line for ReadLine. The default
// is '\n'.
func (t *Task) SetTerminator(b byte) { t.terminator = b }

// Close wakes any blocked wait. The task cannot be used afterwards.
func (t *Task) Close() {
	t.queue.Close()
}

// Write transmits p and waits for the transmit upcall. p may be at most
// the task's region size. If ctx ends first the transmit keeps running
// and the next Write waits for it.
func (t *Task) Write(ctx context.Context, p []byte) error {
	if len(p) > len(t.txBuf) {
		return fmt.Errorf("write %d bytes: %w", len(p), arbiter.ErrInvalidArgument)
	}
	for t.txInFlight {
		if err := t.queue.Yield(ctx); err != nil {
			return err
		}
	}

	copy(t.txBuf, p)
	if err := t.line.Command(arbiter.CommandTransmit, len(p), 0, t.id).Err(); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	t.txInFlight = true
	for t.txInFlight {
		if err := t.queue.Yield(ctx); err != nil {
			return err
		}
	}
	if err := t.txStatus.Err(); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	return nil
}

// ReadLine returns the next terminator-delimited line, terminator
// included. A receive may carry several lines or part of one; bytes past
// the line are kept for the next call. A line that fills the receive
// region without a terminator is returned as is. If ctx ends first the
// in-flight receive is cancelled and buffered bytes are kept.
func (t *Task) ReadLine(ctx context.Context) ([]byte, error) {
	for {
		if i := bytes.IndexByte(t.pending, t.terminator); i >= 0 {
			return t.take(i + 1), nil
		}
		if len(t.pending) >= len(t.rxBuf) {
			return t.take(len(t.pending)), nil
		}
		chunk, err := t.receive(ctx)
		if err != nil {
			return nil, err
		}
		t.pending = append(t.pending, chunk...)
	}
}

func (t *Task) take(n int) []byte {
	line := append([]byte(nil), t.pending[:n]...)
	t.pending = t.pending[n:]
	if len(t.pending) == 0 {
		t.pending = nil
	}
	return line
}

// receive runs one driver receive and returns the bytes it delivered.
func (t *Task) receive(ctx context.Context) ([]byte, error) {
	if err := t.line.Allow(t.id, arbiter.AllowReceive, grant.NewRegion(t.rxBuf)).Err(); err != nil {
		return nil, fmt.Errorf("allow receive: %w", err)
	}
	if err := t.line.Command(arbiter.CommandReceive, 0, 0, t.id).Err(); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	t.rxInFlight = true
	for t.rxInFlight {
		if err := t.queue.Yield(ctx); err != nil {
			t.cancelReceive()
			return nil, err
		}
	}
	if err := t.rxStatus.Err(); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	n := min(t.rxLen, len(t.rxBuf))
	return t.rxBuf[:n], nil
}

// cancelReceive asks the driver to drop the in-flight receive. Either the
// cancel or a completion that beat it queues exactly one upcall; consume
// it, keeping any bytes the completion delivered.
func (t *Task) cancelReceive() {
	t.line.Command(arbiter.CommandCancelReceive, 0, 0, t.id)
	for t.rxInFlight {
		if t.queue.Yield(context.Background()) != nil {
			return
		}
	}
	if t.rxStatus == arbiter.Success {
		t.pending = append(t.pending, t.rxBuf[:min(t.rxLen, len(t.rxBuf))]...)
	}
}

// Final result codes that end an AT command response.
var finalResults = [][]byte{
	[]byte("OK"),
	[]byte("ERROR"),
	[]byte("FAIL"),
	[]byte("SEND OK"),
	[]byte("SEND FAIL"),
}

// ErrCommandFailed is returned by Exec when the device answers with an
// error result.
var ErrCommandFailed = errors.New("client: command failed")

// Exec sends an AT command terminated by CR LF and collects response lines
// until a final result code. Blank lines and the command echo are dropped.
// Lines exclude their line ending. A non-OK result returns the lines read so
// far with ErrCommandFailed.
func (t *Task) Exec(ctx context.Context, cmd string) ([]string, error) {
	if err := t.Write(ctx, []byte(cmd+"\r\n")); err != nil {
		return nil, err
	}

	var lines []string
	for {
		raw, err := t.ReadLine(ctx)
		if err != nil {
			return lines, err
		}
		line := bytes.TrimRight(raw, "\r\n")
		if len(line) == 0 || string(line) == cmd {
			continue
		}
		if final, ok := finalResult(line); ok {
			if final != "OK" && final != "SEND OK" {
				return lines, fmt.Errorf("%w: %s", ErrCommandFailed, line)
			}
			return lines, nil
		}
		lines = append(lines, string(line))
	}
}

func finalResult(line []byte) (string, bool) {
	for _, r := range finalResults {
		if bytes.Equal(line, r) {
			return string(r), true
		}
	}
	if bytes.HasPrefix(line, []byte("+CME ERROR:")) {
		return "ERROR", true
	}
	return "", false
}
