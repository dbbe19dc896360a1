package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luhtfiimanal/go-uartmux/arbiter"
	"github.com/luhtfiimanal/go-uartmux/grant"
	"github.com/luhtfiimanal/go-uartmux/uart"
	"github.com/luhtfiimanal/go-uartmux/uart/uarttest"
)

func newLine(t *testing.T) (*uarttest.Mock, *arbiter.Driver) {
	t.Helper()
	mock := &uarttest.Mock{}
	d := arbiter.New(uart.NewTerminatorReceiver(mock, 0), grant.New[arbiter.App](), arbiter.DefaultConfig())
	return mock, d
}

// device answers every transmit and feeds replies, one per receive, until
// the test ends.
func device(t *testing.T, mock *uarttest.Mock, replies ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	t.Cleanup(func() { cancel(); wg.Wait() })

	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if mock.TransmitPending() {
				mock.CompleteTransmit(nil)
			}
			if len(replies) > 0 && mock.ReceivePending() {
				mock.CompleteReceive([]byte(replies[0]), nil)
				replies = replies[1:]
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestTask_Write(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock)

	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)
	require.Equal(t, grant.AppID(1), task.ID())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, task.Write(ctx, []byte("AT\r\n")))
	require.NoError(t, task.Write(ctx, []byte("AT+RST\r\n")))

	require.Equal(t, [][]byte{[]byte("AT\r\n"), []byte("AT+RST\r\n")}, mock.Transmitted)
	require.True(t, d.TransmitIdle())
}

func TestTask_WriteTooLong(t *testing.T) {
	_, d := newLine(t)
	task, err := NewTask(d, 1, 4)
	require.NoError(t, err)

	err = task.Write(context.Background(), []byte("too long"))
	require.ErrorIs(t, err, arbiter.ErrInvalidArgument)
}

func TestTask_ReadLine(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "ready\r\n")

	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line, err := task.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "ready\r\n", string(line))
	require.True(t, d.ReceiveIdle())
}

func TestTask_ReadLineSplitsBurst(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "OK\r\nREADY\r\n")

	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := task.ReadLine(ctx)
	require.NoError(t, err)
	second, err := task.ReadLine(ctx)
	require.NoError(t, err)

	require.Equal(t, "OK\r\n", string(first))
	require.Equal(t, "READY\r\n", string(second))
	require.Len(t, mock.ReceiveLens, 1, "both lines came from one receive")
}

func TestTask_ReadLineJoinsFragments(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "+CIPSTA", "TUS:2\r", "\n")

	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line, err := task.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "+CIPSTATUS:2\r\n", string(line))
}

func TestTask_ReadLineFullRegion(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "ABCDEFG")

	task, err := NewTask(d, 1, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	line, err := task.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "ABCD", string(line))
}

func TestTask_SetTerminator(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "a\rb\r")

	task, err := NewTask(d, 1, 16)
	require.NoError(t, err)
	task.SetTerminator('\r')

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"a\r", "b\r"} {
		line, err := task.ReadLine(ctx)
		require.NoError(t, err)
		require.Equal(t, want, string(line))
	}
}

func TestTask_ReadLineCancelled(t *testing.T) {
	mock, d := newLine(t)
	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = task.ReadLine(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, mock.Aborts)
	_, owned := d.ReceiveOwner()
	require.False(t, owned)

	// The UART finishes the abort and the slot is free again.
	mock.CompleteReceive(nil, uart.ErrAborted)
	require.True(t, d.ReceiveIdle())
}

func TestTask_ExecCollectsUntilOK(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "AT+GMR\r\n", "\r\n", "v1.7.4\r\n", "OK\r\n")

	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lines, err := task.Exec(ctx, "AT+GMR")
	require.NoError(t, err)
	require.Equal(t, []string{"v1.7.4"}, lines)
	require.Equal(t, [][]byte{[]byte("AT+GMR\r\n")}, mock.Transmitted)
}

func TestTask_ExecError(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock, "busy p...\n", "ERROR\r\n")

	task, err := NewTask(d, 1, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lines, err := task.Exec(ctx, "AT+CWJAP")
	require.ErrorIs(t, err, ErrCommandFailed)
	require.Equal(t, []string{"busy p..."}, lines)
}

func TestTask_TwoTasksShareTheLine(t *testing.T) {
	mock, d := newLine(t)
	device(t, mock)

	a, err := NewTask(d, 1, 16)
	require.NoError(t, err)
	b, err := NewTask(d, 2, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, task := range []*Task{a, b} {
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			for {
				err := task.Write(ctx, []byte("AT\r\n"))
				if err == nil {
					errs <- nil
					return
				}
				// The other task holds the line; retry.
				if !isNoMemory(err) {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(task)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, mock.Transmitted, 2)
}

func isNoMemory(err error) bool {
	return err != nil && errors.Is(err, arbiter.ErrNoMemory)
}

type absentLine struct{}

func (absentLine) Allow(grant.AppID, int, *grant.Region) arbiter.ReturnCode {
	return arbiter.NotSupported
}

func (absentLine) Subscribe(int, *grant.Callback, grant.AppID) arbiter.ReturnCode {
	return arbiter.NotSupported
}

func (absentLine) Command(int, int, int, grant.AppID) arbiter.ReturnCode {
	return arbiter.NotSupported
}

func TestNewTask_DriverNotPresent(t *testing.T) {
	_, err := NewTask(absentLine{}, 1, 8)
	require.ErrorIs(t, err, ErrNotPresent)
}

func TestTask_CloseWakesWait(t *testing.T) {
	_, d := newLine(t)
	task, err := NewTask(d, 1, 16)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := task.ReadLine(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	task.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, grant.ErrQueueClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ReadLine to return after Close")
	}
}
