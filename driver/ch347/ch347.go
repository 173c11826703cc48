// Package ch347 implements the I2C backend for the WCH CH347 USB
// bridge in its HID mode. Commands are length-prefixed packets
// carrying the same stream opcodes as the rest of the chip family,
// but unlike the CH341 the CH347 returns one acknowledge status byte
// per written byte, so NACKs are detected exactly and Scan results are
// trustworthy.
//
// Connection identifiers: nil or an int select the n-th CH347 HID
// interface; a string is matched against the platform HID device path.
package ch347

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"github.com/karalabe/hid"
	"github.com/pkg/errors"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "ch347"

// USB identity and packet geometry.
const (
	usbVendor  = 0x1A86
	usbProduct = 0x55DC

	// Packet capacity after the two length bytes.
	maxPacketLen = 510
	// Data bytes per stream opcode; the count lives in the opcode's
	// low 6 bits.
	maxChunk = 63
)

// Stream opcodes. A zero-count output sends one byte and returns its
// acknowledge status; reads are terminated by a zero-count input so
// the final byte is NACKed per the bus protocol.
const (
	cmdI2CStream = 0xAA

	stmStart = 0x74
	stmStop  = 0x75
	stmOut   = 0x80
	stmIn    = 0xC0
	stmSet   = 0x60
	stmEnd   = 0x00
)

const ackOK = 0x01

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return NewDriver(conf, logger)
	})
}

// transport is the raw packet connection to the chip. It is an
// interface so the framing logic is testable without hardware.
type transport interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Driver is the CH347 backend.
type Driver struct {
	id     string
	index  int
	path   string
	speed  byte
	logger golog.Logger

	dev transport

	// openTransport locates and opens the HID device; overridable in
	// tests.
	openTransport func() (transport, error)
}

// NewDriver constructs the backend without touching USB.
func NewDriver(conf driver.Config, logger golog.Logger) (*Driver, error) {
	if conf.Frequency == 0 {
		conf.Frequency = driver.DefaultFrequency
	}
	d := &Driver{
		speed:  driver.SpeedMode(conf.Frequency),
		logger: logger,
	}
	switch v := conf.ID.(type) {
	case nil:
		d.index = 0
	case int:
		if v < 0 {
			return nil, driver.NewInvalidArgumentError("ch347: device index must be non-negative, got %d", v)
		}
		d.index = v
	case string:
		d.path = v
	default:
		return nil, driver.NewInvalidArgumentError("ch347: unsupported id type %T", conf.ID)
	}
	d.id = d.path
	if d.id == "" {
		d.id = fmt.Sprintf("%d", d.index)
	}
	d.openTransport = d.openHID
	return d, nil
}

func (d *Driver) openHID() (transport, error) {
	if !hid.Supported() {
		return nil, &driver.UnsupportedOperationError{
			Driver: driverName, Op: "init", Reason: "hid is not supported on this platform",
		}
	}
	infos := hid.Enumerate(usbVendor, usbProduct)
	for i, info := range infos {
		if d.path != "" {
			if info.Path != d.path {
				continue
			}
		} else if i != d.index {
			continue
		}
		dev, err := info.Open()
		if err != nil {
			return nil, errors.Wrap(err, "ch347: opening hid device")
		}
		return dev, nil
	}
	return nil, &driver.DeviceNotFoundError{Driver: driverName, ID: d.id}
}

// Init opens the HID device and programs the I2C speed mode.
func (d *Driver) Init(ctx context.Context) error {
	if d.dev != nil {
		return nil
	}
	if err := driver.ClaimDevice(driverName, d.id); err != nil {
		return err
	}
	dev, err := d.openTransport()
	if err != nil {
		driver.ReleaseDevice(driverName, d.id)
		return err
	}
	d.dev = dev

	if err := d.writePacket([]byte{cmdI2CStream, stmSet | d.speed, stmEnd}); err != nil {
		derr := d.Deinit(ctx)
		if derr != nil {
			d.logger.Debugw("close after failed speed setup", "error", derr)
		}
		return errors.Wrap(err, "ch347: setting i2c speed")
	}
	d.logger.Debugw("ch347 opened", "id", d.id, "speed_mode", d.speed)
	return nil
}

// Deinit closes the HID device. It is idempotent.
func (d *Driver) Deinit(ctx context.Context) error {
	if d.dev == nil {
		return nil
	}
	dev := d.dev
	d.dev = nil
	driver.ReleaseDevice(driverName, d.id)
	return dev.Close()
}

// ScanSupport reports full support; the chip acknowledges probes
// byte-exactly.
func (d *Driver) ScanSupport() driver.ScanSupport {
	return driver.ScanSupported
}

// writePacket frames and sends a command stream with no expected
// response payload.
func (d *Driver) writePacket(stream []byte) error {
	if d.dev == nil {
		return errors.New("ch347: not open")
	}
	p := make([]byte, 2, 2+len(stream))
	p[0] = byte(len(stream))
	p[1] = byte(len(stream) >> 8)
	p = append(p, stream...)
	_, err := d.dev.Write(p)
	return err
}

// transfer executes one transaction: it writes nWritten I2C bytes from
// the stream and reads len(r) bytes back. The response carries one
// acknowledge byte per written byte, then a read confirmation byte and
// the data when a read phase is present. readAddrAt is the acknowledge
// index of a repeated-start read address byte, or -1; a NACK there is
// an address-phase failure like index 0.
func (d *Driver) transfer(ctx context.Context, addr byte, stream []byte, nWritten, readAddrAt int, r []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.writePacket(stream); err != nil {
		return errors.Wrap(err, "ch347: usb write")
	}

	rlen := 2 + nWritten
	if len(r) > 0 {
		rlen += 1 + len(r)
	}
	resp := make([]byte, rlen)
	if _, err := d.dev.Read(resp); err != nil {
		return errors.Wrap(err, "ch347: usb read")
	}

	pos := 2
	for i := 0; i < nWritten; i++ {
		if resp[pos] != ackOK {
			phase := driver.PhaseData
			if i == 0 || i == readAddrAt {
				phase = driver.PhaseAddress
			}
			return &driver.NoAckError{Addr: addr, Phase: phase}
		}
		pos++
	}
	if len(r) > 0 {
		if resp[pos] != ackOK {
			return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
		}
		pos++
		copy(r, resp[pos:pos+len(r)])
	}
	return nil
}

// appendOut appends output opcodes for data in chunks the opcode's
// count field can carry.
func appendOut(stream, data []byte) []byte {
	for len(data) > 0 {
		n := len(data)
		if n > maxChunk {
			n = maxChunk
		}
		stream = append(stream, stmOut|byte(n))
		stream = append(stream, data[:n]...)
		data = data[n:]
	}
	return stream
}

// appendIn appends input opcodes for n bytes, ending with a zero-count
// input so the final byte goes unacknowledged.
func appendIn(stream []byte, n int) []byte {
	for n > 1 {
		c := n - 1
		if c > maxChunk {
			c = maxChunk
		}
		stream = append(stream, stmIn|byte(c))
		n -= c
	}
	if n == 1 {
		stream = append(stream, stmIn)
	}
	return stream
}

func (d *Driver) checkSize(nWrite, nRead int) error {
	// One packet per transaction; opcode overhead is one byte per
	// chunk plus the fixed framing.
	need := nWrite + nWrite/maxChunk + nRead/maxChunk + 8
	if need > maxPacketLen {
		return &driver.UnsupportedOperationError{
			Driver: driverName, Op: "transfer",
			Reason: fmt.Sprintf("transaction of %d write / %d read bytes exceeds one command packet", nWrite, nRead),
		}
	}
	return nil
}

func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	if err := d.checkSize(len(buf)+1, 0); err != nil {
		return err
	}
	wire := append([]byte{driver.AddrByte(addr, false)}, buf...)
	stream := []byte{cmdI2CStream, stmStart}
	stream = appendOut(stream, wire)
	stream = append(stream, stmStop, stmEnd)
	return d.transfer(ctx, addr, stream, len(wire), -1, nil)
}

func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	if len(buf) == 0 {
		return d.WriteTo(ctx, addr, nil)
	}
	if err := d.checkSize(1, len(buf)); err != nil {
		return err
	}
	stream := []byte{cmdI2CStream, stmStart}
	stream = appendOut(stream, []byte{driver.AddrByte(addr, true)})
	stream = appendIn(stream, len(buf))
	stream = append(stream, stmStop, stmEnd)
	return d.transfer(ctx, addr, stream, 1, -1, buf)
}

func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	if err := d.checkSize(len(w)+2, len(r)); err != nil {
		return err
	}
	wire := append([]byte{driver.AddrByte(addr, false)}, w...)
	stream := []byte{cmdI2CStream, stmStart}
	stream = appendOut(stream, wire)
	stream = append(stream, stmStart)
	stream = appendOut(stream, []byte{driver.AddrByte(addr, true)})
	stream = appendIn(stream, len(r))
	stream = append(stream, stmStop, stmEnd)
	// The write-phase bytes and the read-address byte each produce an
	// acknowledge status byte.
	return d.transfer(ctx, addr, stream, len(wire)+1, len(wire), r)
}

// Probe sends the address byte alone with a zero-count output and
// reports its acknowledge status.
func (d *Driver) Probe(ctx context.Context, addr byte) (bool, error) {
	stream := []byte{
		cmdI2CStream,
		stmStart,
		stmOut,
		driver.AddrByte(addr, false),
		stmStop,
		stmEnd,
	}
	err := d.transfer(ctx, addr, stream, 1, -1, nil)
	if err == nil {
		return true, nil
	}
	var noAck *driver.NoAckError
	if errors.As(err, &noAck) {
		return false, nil
	}
	return false, err
}
