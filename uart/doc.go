// Package uart defines an asynchronous serial line and the pieces built on
// it.
//
// A UART accepts at most one transmit and one receive at a time. Each
// request lends a buffer to the UART, and a completion on the registered
// Client hands it back:
//
//	Transmit(buf, n)  ->  TransmitComplete(buf, err)
//	Receive(buf, n)   ->  ReceiveComplete(buf, n, err)
//
// A nil completion error means the transfer finished, ErrAborted means
// AbortReceive cut it short, and anything else is a line error.
//
// Both backends also implement AutomaticReceiver: ReceiveAutomatic fills
// up to the whole buffer and completes once the line has been idle for the
// given gap, which suits replies of unknown length.
//
// Backends:
//   - TTY: Linux devices through raw termios, poll and a self-pipe for
//     aborts (Linux only)
//   - SerialPort: any platform supported by go.bug.st/serial
//
// TerminatorReceiver wraps any UART and adds ReceiveUntilTerminator.
//
// Example usage:
//
//	tty, err := uart.Open(uart.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tty.Close()
//
//	rx := uart.NewTerminatorReceiver(tty, 0)
//	rx.SetClient(myClient)
//	if err := rx.ReceiveUntilTerminator(make([]byte, 64), '\n'); err != nil {
//	    log.Println("receive refused:", err)
//	}
package uart
