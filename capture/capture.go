// Package capture records the traffic on a serial line.
//
// A Recorder sits between a UART and its client and writes one Frame per
// transmit request and per receive completion. Frames are CBOR data items
// in Core Deterministic Encoding, written back to back, optionally inside
// a zstd stream.
package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/luhtfiimanal/go-uartmux/uart"
)

// Direction of a captured frame.
type Direction string

const (
	Transmit Direction = "tx"
	Receive  Direction = "rx"
)

// Frame is one captured transfer.
type Frame struct {
	At   time.Time `cbor:"at"`
	Dir  Direction `cbor:"dir"`
	Data []byte    `cbor:"data"`
	Err  string    `cbor:"err,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}
}

// Recorder is a UART that records everything passing through it.
type Recorder struct {
	uart uart.UART
	now  func() time.Time

	mu     sync.Mutex
	client uart.Client
	enc    *cbor.Encoder
	zw     *zstd.Encoder
	err    error
}

// Options configures a Recorder.
type Options struct {
	// Compress wraps the output in a zstd stream.
	Compress bool
	// Now stamps frames. Nil uses time.Now.
	Now func() time.Time
}

// NewRecorder wraps u, writing frames to w, and registers itself as u's
// client.
func NewRecorder(u uart.UART, w io.Writer, opts Options) (*Recorder, error) {
	r := &Recorder{uart: u, now: opts.Now}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.Compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		r.zw = zw
		w = zw
	}
	r.enc = encMode.NewEncoder(w)
	u.SetClient(r)
	return r, nil
}

// Err returns the first error hit while writing frames. Recording stops
// after an error; traffic keeps flowing.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close flushes the capture. It does not close the wrapped UART.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zw != nil {
		if err := r.zw.Close(); err != nil && r.err == nil {
			r.err = err
		}
		r.zw = nil
	}
	return r.err
}

func (r *Recorder) frame(dir Direction, data []byte, err error) Frame {
	f := Frame{At: r.now().UTC(), Dir: dir, Data: append([]byte(nil), data...)}
	if err != nil {
		f.Err = err.Error()
	}
	return f
}

func (r *Recorder) write(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if err := r.enc.Encode(f); err != nil {
		r.err = fmt.Errorf("encode frame: %w", err)
	}
}

// SetClient registers the receiver of completions.
func (r *Recorder) SetClient(c uart.Client) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

// Configure passes through to the wrapped UART.
func (r *Recorder) Configure(p uart.Parameters) error {
	return r.uart.Configure(p)
}

// Transmit records buf[:n] once the wrapped UART accepts it.
func (r *Recorder) Transmit(buf []byte, n int) error {
	if n < 0 || n > len(buf) {
		return r.uart.Transmit(buf, n)
	}
	// Copy before lending buf; the completion may hand it back at once.
	f := r.frame(Transmit, buf[:n], nil)
	if err := r.uart.Transmit(buf, n); err != nil {
		return err
	}
	r.write(f)
	return nil
}

// Receive passes through to the wrapped UART.
func (r *Recorder) Receive(buf []byte, n int) error {
	return r.uart.Receive(buf, n)
}

// ReceiveAutomatic passes through to the wrapped UART. It returns
// errors.ErrUnsupported when that UART cannot end a receive on an idle line.
func (r *Recorder) ReceiveAutomatic(buf []byte, interbyte time.Duration) error {
	a, ok := r.uart.(uart.AutomaticReceiver)
	if !ok {
		return errors.ErrUnsupported
	}
	return a.ReceiveAutomatic(buf, interbyte)
}

// AbortReceive passes through to the wrapped UART.
func (r *Recorder) AbortReceive() {
	r.uart.AbortReceive()
}

// TransmitComplete forwards transmit completions unchanged.
func (r *Recorder) TransmitComplete(buf []byte, err error) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client != nil {
		client.TransmitComplete(buf, err)
	}
}

// ReceiveComplete records the received bytes and forwards the completion.
func (r *Recorder) ReceiveComplete(buf []byte, n int, err error) {
	r.write(r.frame(Receive, buf[:min(max(n, 0), len(buf))], err))

	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client != nil {
		client.ReceiveComplete(buf, n, err)
	}
}

// ReadAll decodes every frame in a capture.
func ReadAll(rd io.Reader, compressed bool) ([]Frame, error) {
	if compressed {
		zr, err := zstd.NewReader(rd)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		rd = zr
	}

	dec := cbor.NewDecoder(rd)
	var frames []Frame
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, fmt.Errorf("decode frame %d: %w", len(frames), err)
		}
		frames = append(frames, f)
	}
}
