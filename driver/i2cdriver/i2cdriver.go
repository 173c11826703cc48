// Package i2cdriver implements the I2C backend for the Excamera Labs
// I2CDriver, a serial-attached bus adapter with a single-character
// command protocol: 's' starts a transaction with an address byte and
// answers with an ACK flag, 0xC0+n writes n+1 bytes, 0x80+n reads n+1
// bytes, 'p' stops. Every transaction phase reports its own ACK, so
// scanning is fully supported.
//
// Connection identifiers: a string is the serial port path; nil and an
// int N map to /dev/ttyUSB0 and /dev/ttyUSB<N>.
package i2cdriver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	ser "go.bug.st/serial"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "i2cdriver"

const (
	baudRate      = 1000000
	readTimeoutMs = 1000

	cmdEcho  = 'e'
	cmdStart = 's'
	cmdStop  = 'p'
	cmdReset = 'x'

	cmdWrite = 0xC0 // plus byte count minus one
	cmdRead  = 0x80 // plus byte count minus one

	cmdSpeed100 = '1'
	cmdSpeed400 = '4'

	maxChunk = 64
)

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return NewDriver(conf, logger)
	})
}

// openPort opens the adapter's serial port. It's a variable in case
// you need to override it during tests.
var openPort = func(path string) (io.ReadWriteCloser, error) {
	port, err := ser.Open(path, &ser.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeoutMs * time.Millisecond); err != nil {
		cerr := port.Close()
		if cerr != nil {
			err = errors.Wrapf(err, "also failed to close port: %v", cerr)
		}
		return nil, err
	}
	return port, nil
}

// Driver is the I2CDriver backend.
type Driver struct {
	path   string
	speed  byte
	logger golog.Logger

	port io.ReadWriteCloser
}

// NewDriver constructs the backend; the port is opened by Init.
func NewDriver(conf driver.Config, logger golog.Logger) (*Driver, error) {
	d := &Driver{logger: logger}
	switch v := conf.ID.(type) {
	case nil:
		d.path = "/dev/ttyUSB0"
	case int:
		if v < 0 {
			return nil, driver.NewInvalidArgumentError("i2cdriver: port index must be non-negative, got %d", v)
		}
		d.path = fmt.Sprintf("/dev/ttyUSB%d", v)
	case string:
		d.path = v
	default:
		return nil, driver.NewInvalidArgumentError("i2cdriver: unsupported id type %T", conf.ID)
	}
	if conf.Frequency == 0 {
		conf.Frequency = driver.DefaultFrequency
	}
	// The adapter only does 100 or 400 kHz.
	if conf.Frequency >= 400000 {
		d.speed = cmdSpeed400
	} else {
		d.speed = cmdSpeed100
	}
	return d, nil
}

// Init opens the serial port, resets the adapter and verifies it
// responds to an echo before configuring the bus clock.
func (d *Driver) Init(ctx context.Context) error {
	if d.port != nil {
		return nil
	}
	if err := driver.ClaimDevice(driverName, d.path); err != nil {
		return err
	}
	port, err := openPort(d.path)
	if err != nil {
		driver.ReleaseDevice(driverName, d.path)
		return &driver.DeviceNotFoundError{Driver: driverName, ID: d.path}
	}
	d.port = port

	if err := d.handshake(ctx); err != nil {
		derr := d.Deinit(ctx)
		if derr != nil {
			d.logger.Debugw("close after failed handshake", "error", derr)
		}
		return err
	}
	if _, err := d.port.Write([]byte{d.speed}); err != nil {
		derr := d.Deinit(ctx)
		if derr != nil {
			d.logger.Debugw("close after failed speed setup", "error", derr)
		}
		return errors.Wrap(err, "i2cdriver: setting bus speed")
	}
	return nil
}

func (d *Driver) handshake(ctx context.Context) error {
	if _, err := d.port.Write([]byte{cmdReset}); err != nil {
		return errors.Wrap(err, "i2cdriver: resetting adapter")
	}
	const probeByte = 0x55
	reply, err := d.exchange(ctx, []byte{cmdEcho, probeByte}, 1)
	if err != nil {
		return err
	}
	if reply[0] != probeByte {
		return &driver.DeviceNotFoundError{Driver: driverName, ID: d.path}
	}
	return nil
}

// Deinit closes the serial port. It is idempotent.
func (d *Driver) Deinit(ctx context.Context) error {
	if d.port == nil {
		return nil
	}
	port := d.port
	d.port = nil
	driver.ReleaseDevice(driverName, d.path)
	return port.Close()
}

// ScanSupport reports full support; every phase carries an ACK flag.
func (d *Driver) ScanSupport() driver.ScanSupport {
	return driver.ScanSupported
}

// exchange writes a command and reads exactly n reply bytes. A read
// that returns no data within the port timeout is a TimeoutError.
func (d *Driver) exchange(ctx context.Context, cmd []byte, n int) ([]byte, error) {
	if d.port == nil {
		return nil, errors.New("i2cdriver: not open")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := d.port.Write(cmd); err != nil {
		return nil, errors.Wrap(err, "i2cdriver: serial write")
	}
	reply := make([]byte, n)
	for got := 0; got < n; {
		k, err := d.port.Read(reply[got:])
		if err != nil {
			return nil, errors.Wrap(err, "i2cdriver: serial read")
		}
		if k == 0 {
			return nil, &driver.TimeoutError{Driver: driverName, Op: "read"}
		}
		got += k
	}
	return reply, nil
}

// start issues a START with the address byte and returns whether the
// peripheral acknowledged it.
func (d *Driver) start(ctx context.Context, addr byte, read bool) (bool, error) {
	reply, err := d.exchange(ctx, []byte{cmdStart, driver.AddrByte(addr, read)}, 1)
	if err != nil {
		return false, err
	}
	return reply[0]&1 == 1, nil
}

func (d *Driver) stop(ctx context.Context) error {
	if d.port == nil {
		return errors.New("i2cdriver: not open")
	}
	_, err := d.port.Write([]byte{cmdStop})
	return errors.Wrap(err, "i2cdriver: serial write")
}

// writeChunks streams buf to the started transaction, checking the ACK
// flag the adapter reports per chunk.
func (d *Driver) writeChunks(ctx context.Context, addr byte, buf []byte) error {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxChunk {
			n = maxChunk
		}
		cmd := make([]byte, 0, n+1)
		cmd = append(cmd, cmdWrite+byte(n-1))
		cmd = append(cmd, buf[:n]...)
		reply, err := d.exchange(ctx, cmd, 1)
		if err != nil {
			return err
		}
		if reply[0]&1 == 0 {
			return &driver.NoAckError{Addr: addr, Phase: driver.PhaseData}
		}
		buf = buf[n:]
	}
	return nil
}

func (d *Driver) readChunks(ctx context.Context, buf []byte) error {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxChunk {
			n = maxChunk
		}
		reply, err := d.exchange(ctx, []byte{cmdRead + byte(n-1)}, n)
		if err != nil {
			return err
		}
		copy(buf, reply)
		buf = buf[n:]
	}
	return nil
}

// transaction runs fn between START and a guaranteed STOP.
func (d *Driver) transaction(ctx context.Context, addr byte, read bool, fn func() error) error {
	ack, err := d.start(ctx, addr, read)
	if err != nil {
		return err
	}
	if !ack {
		if serr := d.stop(ctx); serr != nil {
			d.logger.Debugw("stop after address nack", "error", serr)
		}
		return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
	}
	ferr := fn()
	if serr := d.stop(ctx); serr != nil && ferr == nil {
		return serr
	}
	return ferr
}

func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	return d.transaction(ctx, addr, false, func() error {
		return d.writeChunks(ctx, addr, buf)
	})
}

func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	if len(buf) == 0 {
		return d.WriteTo(ctx, addr, nil)
	}
	return d.transaction(ctx, addr, true, func() error {
		return d.readChunks(ctx, buf)
	})
}

// WriteReadInto writes w, issues a repeated START with the read
// address, reads len(r) bytes, then stops.
func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	return d.transaction(ctx, addr, false, func() error {
		if err := d.writeChunks(ctx, addr, w); err != nil {
			return err
		}
		ack, err := d.start(ctx, addr, true)
		if err != nil {
			return err
		}
		if !ack {
			return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
		}
		return d.readChunks(ctx, r)
	})
}

// Probe starts a write transaction with no payload and reports the
// address ACK.
func (d *Driver) Probe(ctx context.Context, addr byte) (bool, error) {
	ack, err := d.start(ctx, addr, false)
	if err != nil {
		return false, err
	}
	if serr := d.stop(ctx); serr != nil {
		return false, serr
	}
	return ack, nil
}
