// Package arbiter shares one serial line between many client tasks.
//
// The Driver owns one transmit buffer and one receive buffer. A task
// shares memory regions with Allow, registers completion callbacks with
// Subscribe and starts work with Command. The driver copies task bytes into
// its own buffer, lends that buffer to the UART, and on completion copies
// received bytes back and schedules the task's callback. At most one
// transmit and one receive are in flight at a time; a request for a busy
// direction fails with NoMemory and the task may retry.
//
// Selectors:
//
//	Allow      1  transmit region
//	Allow      2  receive region
//	Subscribe  1  transmit complete: (status, 0, 0)
//	Subscribe  2  receive complete: (status, length, 0)
//	Command    0  presence probe
//	Command    1  transmit arg1 bytes from the transmit region
//	Command    2  receive into the whole buffer until the line idles
//	              (FrameByIdle) or until the terminator (FrameByTerminator)
//	Command    3  cancel the caller's in-flight receive
//
// With FrameByIdle one receive may carry several lines or part of one;
// the client package reassembles lines.
//
// A delivered receive hands the receive region back to the task; share a
// region again before the next receive.
package arbiter
