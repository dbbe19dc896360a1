package arbiter

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/luhtfiimanal/go-uartmux/grant"
	"github.com/luhtfiimanal/go-uartmux/uart"
)

// DriverNum is the number tasks use to address this driver.
const DriverNum = 0xffff0001

// Allow selectors.
const (
	AllowTransmit = 1
	AllowReceive  = 2
)

// Subscribe selectors.
const (
	SubscribeTransmit = 1
	SubscribeReceive  = 2
)

// Command selectors.
const (
	CommandCheck         = 0
	CommandTransmit      = 1
	CommandReceive       = 2
	CommandCancelReceive = 3
)

// DefaultBufferSize is the size of each privileged buffer.
const DefaultBufferSize = 3000

// App is the per-task state the driver keeps in its grant.
type App struct {
	txCallback *grant.Callback
	txRegion   *grant.Region
	rxCallback *grant.Callback
	rxRegion   *grant.Region
}

// Framing selects how a receive started by CommandReceive ends.
type Framing int

const (
	// FrameByIdle receives into the whole receive buffer and completes
	// once the line has been quiet for Config.Interbyte. A reply may hold
	// several lines or part of one.
	FrameByIdle Framing = iota
	// FrameByTerminator completes at the first terminator within one scan
	// window of the TerminatorReceiver. Bytes after the terminator in that
	// window are dropped.
	FrameByTerminator
)

func (f Framing) String() string {
	if f == FrameByTerminator {
		return "terminator"
	}
	return "idle"
}

// Config configures a Driver.
type Config struct {
	// TxBufferSize and RxBufferSize size the privileged buffers.
	// Zero selects DefaultBufferSize.
	TxBufferSize int
	RxBufferSize int

	Framing Framing
	// Interbyte is the idle gap ending a FrameByIdle receive. Zero
	// selects uart.DefaultInterbyte.
	Interbyte time.Duration
	// Terminator ends a FrameByTerminator receive.
	Terminator byte

	// Logger receives driver diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the configuration used on the original board:
// 3000-byte buffers filled until the line goes idle.
func DefaultConfig() Config {
	return Config{
		TxBufferSize: DefaultBufferSize,
		RxBufferSize: DefaultBufferSize,
		Framing:      FrameByIdle,
		Interbyte:    uart.DefaultInterbyte,
		Terminator:   '\n',
	}
}

// owner records which task occupies an in-flight slot.
type owner struct {
	id  grant.AppID
	set bool
}

func (o *owner) take() (grant.AppID, bool) {
	id, ok := o.id, o.set
	*o = owner{}
	return id, ok
}

// Driver arbitrates one serial line between tasks. It is the UART's client.
type Driver struct {
	uart       uart.AdvancedUART
	apps       *grant.Grant[App]
	framing    Framing
	interbyte  time.Duration
	terminator byte
	log        *slog.Logger

	// mu guards the buffers and markers. A nil buffer is lent to the UART.
	// Never held while entering the grant.
	mu       sync.Mutex
	txBuffer []byte
	txOwner  owner
	rxBuffer []byte
	rxOwner  owner
}

// New returns a Driver for u and registers it as u's client.
func New(u uart.AdvancedUART, apps *grant.Grant[App], cfg Config) *Driver {
	if cfg.TxBufferSize <= 0 {
		cfg.TxBufferSize = DefaultBufferSize
	}
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = DefaultBufferSize
	}
	if cfg.Interbyte <= 0 {
		cfg.Interbyte = uart.DefaultInterbyte
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	d := &Driver{
		uart:       u,
		apps:       apps,
		framing:    cfg.Framing,
		interbyte:  cfg.Interbyte,
		terminator: cfg.Terminator,
		log:        logger,
		txBuffer:   make([]byte, cfg.TxBufferSize),
		rxBuffer:   make([]byte, cfg.RxBufferSize),
	}
	u.SetClient(d)
	return d
}

// Initialize configures the line.
func (d *Driver) Initialize(p uart.Parameters) error {
	return d.uart.Configure(p)
}

// TransmitIdle reports whether the transmit buffer is held by the driver.
func (d *Driver) TransmitIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txBuffer != nil
}

// ReceiveIdle reports whether the receive buffer is held by the driver.
func (d *Driver) ReceiveIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxBuffer != nil
}

// TransmitOwner returns the task whose transmit is in flight.
func (d *Driver) TransmitOwner() (grant.AppID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txOwner.id, d.txOwner.set
}

// ReceiveOwner returns the task whose receive is in flight.
func (d *Driver) ReceiveOwner() (grant.AppID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxOwner.id, d.rxOwner.set
}

// Allow installs or replaces a shared region for task id. A nil region
// unshares.
func (d *Driver) Allow(id grant.AppID, num int, region *grant.Region) ReturnCode {
	var set func(*App)
	switch num {
	case AllowTransmit:
		set = func(app *App) { app.txRegion = region }
	case AllowReceive:
		set = func(app *App) { app.rxRegion = region }
	default:
		return NotSupported
	}
	if err := d.apps.Enter(id, set); err != nil {
		return grantError(err)
	}
	return Success
}

// Subscribe installs or replaces a completion callback for task id. A nil
// callback unsubscribes.
func (d *Driver) Subscribe(num int, cb *grant.Callback, id grant.AppID) ReturnCode {
	var set func(*App)
	switch num {
	case SubscribeTransmit:
		set = func(app *App) { app.txCallback = cb }
	case SubscribeReceive:
		set = func(app *App) { app.rxCallback = cb }
	default:
		return NotSupported
	}
	if err := d.apps.Enter(id, set); err != nil {
		return grantError(err)
	}
	return Success
}

// Command starts an operation for task id. Transmit and receive return as
// soon as the request is accepted; the outcome arrives as an upcall.
func (d *Driver) Command(num, arg1, arg2 int, id grant.AppID) ReturnCode {
	switch num {
	case CommandCheck:
		return Success
	case CommandTransmit:
		return d.startTransmit(id, arg1)
	case CommandReceive:
		return d.startReceive(id)
	case CommandCancelReceive:
		return d.cancelReceive(id)
	default:
		return NotSupported
	}
}

func (d *Driver) startTransmit(id grant.AppID, length int) ReturnCode {
	rc := Success
	var buf []byte
	var n int
	err := d.apps.Enter(id, func(app *App) {
		if app.txRegion == nil {
			rc = NoMemory
			return
		}
		if length < 0 || length > app.txRegion.Len() {
			rc = InvalidArgument
			return
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.txBuffer == nil {
			rc = NoMemory
			return
		}
		buf = d.txBuffer
		d.txBuffer = nil

		// Truncate to the privileged buffer.
		n = min(length, len(buf))
		app.txRegion.CopyTo(buf[:n])
		d.txOwner = owner{id: id, set: true}
	})
	if err != nil {
		return grantError(err)
	}
	if rc != Success {
		return rc
	}

	if err := d.uart.Transmit(buf, n); err != nil {
		d.mu.Lock()
		d.txBuffer = buf
		d.txOwner = owner{}
		d.mu.Unlock()
		d.log.Warn("transmit refused", "app", id, "len", n, "error", err)
		return Fail
	}
	d.log.Debug("transmit started", "app", id, "len", n)
	return Success
}

func (d *Driver) startReceive(id grant.AppID) ReturnCode {
	d.mu.Lock()
	buf := d.rxBuffer
	if buf == nil {
		d.mu.Unlock()
		return NoMemory
	}
	d.rxBuffer = nil
	d.rxOwner = owner{id: id, set: true}
	d.mu.Unlock()

	var err error
	if d.framing == FrameByTerminator {
		err = d.uart.ReceiveUntilTerminator(buf, d.terminator)
	} else {
		err = d.uart.ReceiveAutomatic(buf, d.interbyte)
	}
	if err != nil {
		d.mu.Lock()
		d.rxBuffer = buf
		d.rxOwner = owner{}
		d.mu.Unlock()
		d.log.Warn("receive refused", "app", id, "error", err)
		return Fail
	}
	d.log.Debug("receive started", "app", id, "framing", d.framing)
	return Success
}

// cancelReceive ends the caller's in-flight receive. The buffer stays lent
// until the UART returns it; that completion then has no owner.
func (d *Driver) cancelReceive(id grant.AppID) ReturnCode {
	d.mu.Lock()
	if !d.rxOwner.set || d.rxOwner.id != id {
		d.mu.Unlock()
		return InvalidArgument
	}
	d.rxOwner = owner{}
	d.mu.Unlock()

	err := d.apps.Enter(id, func(app *App) {
		if app.rxCallback != nil {
			d.schedule(id, app.rxCallback, Cancelled, 0)
		}
	})
	if err != nil {
		d.log.Warn("cancel upcall dropped", "app", id, "error", err)
	}
	d.uart.AbortReceive()
	d.log.Debug("receive cancelled", "app", id)
	return Success
}

// TransmitComplete returns the transmit buffer and notifies its owner.
func (d *Driver) TransmitComplete(buf []byte, txErr error) {
	d.mu.Lock()
	d.txBuffer = buf
	id, ok := d.txOwner.take()
	d.mu.Unlock()

	if txErr != nil {
		d.log.Warn("transmit completed with error", "error", txErr)
	}
	if !ok {
		d.log.Warn("transmit completion without owner")
		return
	}
	err := d.apps.Enter(id, func(app *App) {
		if app.txCallback != nil {
			d.schedule(id, app.txCallback, Success, 0)
		}
	})
	if err != nil {
		d.log.Warn("transmit upcall dropped", "app", id, "error", err)
	}
}

// ReceiveComplete delivers received bytes to the owner and always returns
// the receive buffer to the driver last.
func (d *Driver) ReceiveComplete(buf []byte, n int, rxErr error) {
	d.mu.Lock()
	id, ok := d.rxOwner.take()
	d.mu.Unlock()

	if ok {
		err := d.apps.Enter(id, func(app *App) {
			if app.rxCallback == nil {
				return
			}
			if rxErr != nil && !uart.IsAborted(rxErr) {
				d.log.Warn("receive failed", "app", id, "error", rxErr)
				d.schedule(id, app.rxCallback, Fail, 0)
				return
			}
			region := app.rxRegion
			app.rxRegion = nil
			if region == nil {
				d.schedule(id, app.rxCallback, InvalidArgument, 0)
				return
			}
			region.CopyFrom(buf[:min(n, len(buf))])
			d.schedule(id, app.rxCallback, Success, n)
		})
		if err != nil {
			d.log.Warn("receive upcall dropped", "app", id, "error", err)
		}
	} else {
		d.log.Debug("receive completion without owner", "len", n, "error", rxErr)
	}

	d.mu.Lock()
	d.rxBuffer = buf
	d.mu.Unlock()
}

func (d *Driver) schedule(id grant.AppID, cb *grant.Callback, rc ReturnCode, n int) {
	if !cb.Schedule(int(rc), n, 0) {
		d.log.Warn("upcall queue full", "app", id, "status", rc)
	}
}

func grantError(err error) ReturnCode {
	if errors.Is(err, grant.ErrNoSuchApp) {
		return InvalidArgument
	}
	return Fail
}
