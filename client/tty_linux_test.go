//go:build linux

package client

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/luhtfiimanal/go-uartmux/arbiter"
	"github.com/luhtfiimanal/go-uartmux/grant"
	"github.com/luhtfiimanal/go-uartmux/uart"
)

// openTTYTask builds the full stack over a PTY and returns the task plus
// the master side of the PTY, which plays the device.
func openTTYTask(t *testing.T) (*Task, *arbiter.Driver, *os.File) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	tty, err := uart.Open(uart.Config{Device: slave.Name(), BaudRate: 115200})
	require.NoError(t, err)
	t.Cleanup(func() { tty.Close() })

	d := arbiter.New(uart.NewTerminatorReceiver(tty, 0), grant.New[arbiter.App](), arbiter.DefaultConfig())
	require.NoError(t, d.Initialize(uart.Parameters{BaudRate: 115200}))

	task, err := NewTask(d, 1, 256)
	require.NoError(t, err)
	t.Cleanup(task.Close)
	return task, d, master
}

func TestTask_ReadLineOverTTY(t *testing.T) {
	task, d, device := openTTYTask(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := device.Write([]byte("OK\r\nREADY\r\n"))
	require.NoError(t, err)

	line, err := task.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "OK\r\n", string(line))

	line, err = task.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "READY\r\n", string(line))

	// A reply shorter than any scan window still completes.
	_, err = device.Write([]byte("OK\r\n"))
	require.NoError(t, err)
	line, err = task.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "OK\r\n", string(line))
	require.True(t, d.ReceiveIdle())
}

func TestTask_ExecOverTTY(t *testing.T) {
	task, _, device := openTTYTask(t)

	// The device waits for the full command line, then answers.
	go func() {
		var got []byte
		buf := make([]byte, 64)
		for len(got) < len("AT+GMR\r\n") {
			n, err := device.Read(buf)
			if err != nil {
				return
			}
			got = append(got, buf[:n]...)
		}
		device.Write([]byte("AT+GMR\r\nAT version:1.2.0.0\r\n\r\nOK\r\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lines, err := task.Exec(ctx, "AT+GMR")
	require.NoError(t, err)
	require.Equal(t, []string{"AT version:1.2.0.0"}, lines)
}

func TestTask_ReadLineCancelOverTTY(t *testing.T) {
	task, d, device := openTTYTask(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := task.ReadLine(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abort returns the receive buffer and the line keeps working.
	require.Eventually(t, d.ReceiveIdle, time.Second, 5*time.Millisecond)

	_, err = device.Write([]byte("ready\r\n"))
	require.NoError(t, err)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	line, err := task.ReadLine(ctx2)
	require.NoError(t, err)
	require.Equal(t, "ready\r\n", string(line))
}
