//go:build linux

package uart

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func openPTY(t *testing.T) (*TTY, *chanClient, func(p []byte) (int, error), func(p []byte) (int, error)) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	tty, err := Open(Config{Device: slave.Name(), BaudRate: 115200})
	require.NoError(t, err)
	t.Cleanup(func() { tty.Close() })

	client := newChanClient()
	tty.SetClient(client)
	return tty, client, master.Write, master.Read
}

func TestTTY_ReceiveExactLength(t *testing.T) {
	tty, client, write, _ := openPTY(t)

	buf := make([]byte, 16)
	require.NoError(t, tty.Receive(buf, 5))

	_, err := write([]byte("hel"))
	require.NoError(t, err)
	_, err = write([]byte("lo"))
	require.NoError(t, err)

	ev := waitRx(t, client)
	require.NoError(t, ev.err)
	require.Equal(t, 5, ev.n)
	require.Equal(t, "hello", string(ev.buf[:ev.n]))
}

func TestTTY_ReceiveAutomatic(t *testing.T) {
	tty, client, write, _ := openPTY(t)

	// A reply much shorter than the buffer completes once the line idles.
	buf := make([]byte, 64)
	require.NoError(t, tty.ReceiveAutomatic(buf, 20*time.Millisecond))
	_, err := write([]byte("OK\r\n"))
	require.NoError(t, err)

	ev := waitRx(t, client)
	require.NoError(t, ev.err)
	require.Equal(t, "OK\r\n", string(ev.buf[:ev.n]))

	// Two lines in one burst arrive together.
	require.NoError(t, tty.ReceiveAutomatic(buf, 20*time.Millisecond))
	_, err = write([]byte("+CWMODE:1\r\nOK\r\n"))
	require.NoError(t, err)

	ev = waitRx(t, client)
	require.NoError(t, ev.err)
	require.Equal(t, "+CWMODE:1\r\nOK\r\n", string(ev.buf[:ev.n]))
}

func TestTTY_Transmit(t *testing.T) {
	tty, client, _, read := openPTY(t)

	msg := []byte("AT+CWMODE=1\r\n")
	buf := make([]byte, 64)
	copy(buf, msg)
	require.NoError(t, tty.Transmit(buf, len(msg)))

	select {
	case err := <-client.tx:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for transmit completion")
	}

	got := make([]byte, 0, len(msg))
	chunk := make([]byte, len(msg))
	for len(got) < len(msg) {
		n, err := read(chunk)
		require.NoError(t, err)
		got = append(got, chunk[:n]...)
	}
	require.Equal(t, string(msg), string(got))
}

func TestTTY_AbortReceive(t *testing.T) {
	tty, client, write, _ := openPTY(t)

	buf := make([]byte, 16)
	require.NoError(t, tty.Receive(buf, 10))
	_, err := write([]byte("abc"))
	require.NoError(t, err)

	// Let the partial data land before aborting
	time.Sleep(50 * time.Millisecond)
	tty.AbortReceive()

	ev := waitRx(t, client)
	require.ErrorIs(t, ev.err, ErrAborted)
	require.Equal(t, 3, ev.n)
	require.Equal(t, "abc", string(ev.buf[:ev.n]))

	// The line is usable again after an abort.
	require.NoError(t, tty.Receive(buf, 2))
	_, err = write([]byte("ok"))
	require.NoError(t, err)
	ev = waitRx(t, client)
	require.NoError(t, ev.err)
	require.Equal(t, "ok", string(ev.buf[:ev.n]))
}

func TestTTY_RepeatCall(t *testing.T) {
	tty, _, _, _ := openPTY(t)

	require.NoError(t, tty.Receive(make([]byte, 4), 4))
	require.ErrorIs(t, tty.Receive(make([]byte, 4), 4), ErrRepeatCall)
	require.ErrorIs(t, tty.Receive(make([]byte, 2), 4), ErrShortBuffer)
}

func TestTTY_CloseCompletesPendingReceive(t *testing.T) {
	tty, client, _, _ := openPTY(t)

	require.NoError(t, tty.Receive(make([]byte, 8), 8))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tty.Close())

	ev := waitRx(t, client)
	require.ErrorIs(t, ev.err, ErrClosed)
	require.Equal(t, 0, ev.n)

	// Safe to call multiple times; requests are refused afterwards.
	require.NoError(t, tty.Close())
	require.ErrorIs(t, tty.Receive(make([]byte, 8), 8), ErrClosed)
	require.ErrorIs(t, tty.Transmit(make([]byte, 8), 8), ErrClosed)
}

func TestTTY_Configure(t *testing.T) {
	tty, _, _, _ := openPTY(t)

	require.NoError(t, tty.Configure(Parameters{BaudRate: 9600, StopBits: TwoStopBits, Parity: OddParity}))
	require.Error(t, tty.Configure(Parameters{BaudRate: 12345}))
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open(Config{Device: "/dev/does-not-exist-uartmux", BaudRate: 115200})
	require.Error(t, err)
}
