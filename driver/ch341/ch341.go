// Package ch341 implements the I2C backend for the WCH CH341A USB
// bridge. The chip exposes a vendor bulk protocol in which I2C
// transactions are described as command streams: a stream marker
// followed by start/stop/output/input opcodes, executed by the chip's
// sequencer. This backend speaks that protocol directly over USB, so
// no vendor library is needed.
//
// Connection identifiers: nil or an int select the n-th CH341A on the
// USB bus; a string of the form "bus:address" pins a specific USB
// location.
//
// The CH341A reports ACK bits only for single-byte probe commands, not
// for ordinary stream writes, so NACKed writes complete silently and
// Scan results are best-effort.
package ch341

import (
	"context"
	"fmt"

	"github.com/edaniels/golog"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "ch341"

// USB identity and transport geometry.
const (
	usbVendor  = 0x1A86
	usbProduct = 0x5512

	bulkOutEndpoint = 2
	bulkInEndpoint  = 2

	packetLength = 32
	// Payload bytes per output opcode: packet minus stream marker,
	// opcode and terminator.
	maxChunk = packetLength - 3
)

// Vendor command stream opcodes.
const (
	cmdI2CStream = 0xAA

	stmStart = 0x74
	stmStop  = 0x75
	stmOut   = 0x80 // low 6 bits carry the byte count
	stmIn    = 0xC0 // low 6 bits carry the byte count
	stmSet   = 0x60 // low 2 bits carry the speed mode
	stmEnd   = 0x00
)

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return NewDriver(conf, logger)
	})
}

// Driver is the CH341A backend.
type Driver struct {
	id     string
	index  int
	busLoc string
	speed  byte
	logger golog.Logger

	usbctx *gousb.Context
	dev    *gousb.Device
	closer func()
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint
}

// NewDriver constructs the backend without touching the USB bus; the
// device is located and claimed by Init.
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
			return nil, driver.NewInvalidArgumentError("ch341: device index must be non-negative, got %d", v)
		}
		d.index = v
	case string:
		d.busLoc = v
	default:
		return nil, driver.NewInvalidArgumentError("ch341: unsupported id type %T", conf.ID)
	}
	d.id = d.busLoc
	if d.id == "" {
		d.id = fmt.Sprintf("%d", d.index)
	}
	return d, nil
}

// Init locates the CH341A, claims its interface and programs the I2C
// speed mode. Calling Init on an open backend is a no-op.
func (d *Driver) Init(ctx context.Context) error {
	if d.dev != nil {
		return nil
	}
	if err := driver.ClaimDevice(driverName, d.id); err != nil {
		return err
	}

	usbctx := gousb.NewContext()
	dev, err := d.findDevice(usbctx)
	if err != nil {
		usbctx.Close()
		driver.ReleaseDevice(driverName, d.id)
		return err
	}

	if err := dev.SetAutoDetach(true); err != nil {
		d.logger.Debugw("auto-detach not available", "error", err)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		err = errors.Wrap(err, "ch341: claiming interface")
		return multierr.Combine(err, d.releaseLocked(usbctx, dev, nil))
	}
	out, err := intf.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		err = errors.Wrap(err, "ch341: bulk out endpoint")
		return multierr.Combine(err, d.releaseLocked(usbctx, dev, done))
	}
	in, err := intf.InEndpoint(bulkInEndpoint)
	if err != nil {
		err = errors.Wrap(err, "ch341: bulk in endpoint")
		return multierr.Combine(err, d.releaseLocked(usbctx, dev, done))
	}

	d.usbctx = usbctx
	d.dev = dev
	d.closer = done
	d.out = out
	d.in = in

	// Program the sequencer's clock before the first transaction.
	if err := d.command(ctx, []byte{cmdI2CStream, stmSet | d.speed, stmEnd}, nil); err != nil {
		return multierr.Combine(errors.Wrap(err, "ch341: setting i2c speed"), d.Deinit(ctx))
	}
	d.logger.Debugw("ch341 opened", "id", d.id, "speed_mode", d.speed)
	return nil
}

func (d *Driver) findDevice(usbctx *gousb.Context) (*gousb.Device, error) {
	want := d.index
	var matched int
	devs, err := usbctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != gousb.ID(usbVendor) || desc.Product != gousb.ID(usbProduct) {
			return false
		}
		if d.busLoc != "" {
			return fmt.Sprintf("%d:%d", desc.Bus, desc.Address) == d.busLoc
		}
		matched++
		return matched-1 == want
	})
	// OpenDevices can return both devices and an error; keep whatever
	// opened and fail only if nothing did.
	if len(devs) == 0 {
		if err != nil {
			return nil, errors.Wrap(err, "ch341: enumerating usb devices")
		}
		return nil, &driver.DeviceNotFoundError{Driver: driverName, ID: d.id}
	}
	for _, extra := range devs[1:] {
		multierr.AppendInto(&err, extra.Close())
	}
	if err != nil {
		d.logger.Debugw("ignoring extra usb open results", "error", err)
	}
	return devs[0], nil
}

func (d *Driver) releaseLocked(usbctx *gousb.Context, dev *gousb.Device, done func()) error {
	if done != nil {
		done()
	}
	var err error
	if dev != nil {
		multierr.AppendInto(&err, dev.Close())
	}
	if usbctx != nil {
		multierr.AppendInto(&err, usbctx.Close())
	}
	driver.ReleaseDevice(driverName, d.id)
	return err
}

// Deinit releases the USB interface and device. It is idempotent.
func (d *Driver) Deinit(ctx context.Context) error {
	if d.dev == nil {
		return nil
	}
	usbctx, dev, done := d.usbctx, d.dev, d.closer
	d.usbctx, d.dev, d.closer, d.out, d.in = nil, nil, nil, nil, nil
	return d.releaseLocked(usbctx, dev, done)
}

// ScanSupport is best-effort: the probe path reports ACKs, but several
// native driver versions of the chip family are known to misreport
// them.
func (d *Driver) ScanSupport() driver.ScanSupport {
	return driver.ScanBestEffort
}

// command sends one vendor command stream and, when reply is
// non-empty, reads the chip's response into it. The stream must fit a
// single bulk packet; multi-packet transactions go through run.
func (d *Driver) command(ctx context.Context, stream, reply []byte) error {
	if d.out == nil {
		return errors.New("ch341: not open")
	}
	if _, err := d.out.WriteContext(ctx, stream); err != nil {
		return d.wrapUSB(err, "write")
	}
	for got := 0; got < len(reply); {
		n, err := d.in.ReadContext(ctx, reply[got:])
		if err != nil {
			return d.wrapUSB(err, "read")
		}
		got += n
	}
	return nil
}

func (d *Driver) wrapUSB(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut) {
		return &driver.TimeoutError{Driver: driverName, Op: op}
	}
	return errors.Wrapf(err, "ch341: usb %s", op)
}

// streamPacker assembles a transaction into bulk packets. The chip
// treats every bulk OUT packet as an independent command stream that
// must open with the stream marker and close with the terminator, so
// opcodes are re-packed at packet boundaries rather than letting USB
// split a long stream mid-chunk; bus state carries over between
// packets. reads records the reply length each input opcode produces.
type streamPacker struct {
	packets [][]byte
	cur     []byte
	reads   []int
}

// add appends opcode bytes that must land in one packet, sealing the
// current packet first when they do not fit.
func (p *streamPacker) add(ops ...byte) {
	if len(p.cur) == 0 {
		p.cur = append(p.cur, cmdI2CStream)
	}
	if len(p.cur)+len(ops)+1 > packetLength {
		p.seal()
		p.cur = append(p.cur, cmdI2CStream)
	}
	p.cur = append(p.cur, ops...)
}

// out appends output opcodes for data, sized so that each opcode and
// its payload fit the current packet alongside the framing bytes.
func (p *streamPacker) out(data []byte) {
	for len(data) > 0 {
		if len(p.cur) == 0 {
			p.cur = append(p.cur, cmdI2CStream)
		}
		n := packetLength - len(p.cur) - 2 // opcode and terminator
		if n < 1 {
			p.seal()
			continue
		}
		if n > maxChunk {
			n = maxChunk
		}
		if n > len(data) {
			n = len(data)
		}
		p.cur = append(p.cur, stmOut|byte(n))
		p.cur = append(p.cur, data[:n]...)
		data = data[n:]
	}
}

// in appends input opcodes for n bytes. The final byte is read with a
// zero-count input opcode so the chip NACKs it, per the bus protocol's
// last-byte rule.
func (p *streamPacker) in(n int) {
	for n > 1 {
		c := n - 1
		if c > maxChunk {
			c = maxChunk
		}
		p.add(stmIn | byte(c))
		p.reads = append(p.reads, c)
		n -= c
	}
	if n == 1 {
		p.add(stmIn)
		p.reads = append(p.reads, 1)
	}
}

func (p *streamPacker) seal() {
	if len(p.cur) == 0 {
		return
	}
	p.cur = append(p.cur, stmEnd)
	p.packets = append(p.packets, p.cur)
	p.cur = nil
}

// run sends the packed transaction and collects the reply of each
// input opcode into buf, whose length must equal the total read count.
// Each input chunk arrives as its own (possibly short) bulk packet, so
// reads are issued per chunk and continued until the chunk is full.
func (d *Driver) run(ctx context.Context, p *streamPacker, buf []byte) error {
	p.seal()
	if d.out == nil {
		return errors.New("ch341: not open")
	}
	for _, pkt := range p.packets {
		if _, err := d.out.WriteContext(ctx, pkt); err != nil {
			return d.wrapUSB(err, "write")
		}
	}
	pos := 0
	for _, n := range p.reads {
		chunk := buf[pos : pos+n]
		for got := 0; got < n; {
			k, err := d.in.ReadContext(ctx, chunk[got:])
			if err != nil {
				return d.wrapUSB(err, "read")
			}
			got += k
		}
		pos += n
	}
	return nil
}

func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	var p streamPacker
	p.add(stmStart)
	p.out(append([]byte{driver.AddrByte(addr, false)}, buf...))
	p.add(stmStop)
	return d.run(ctx, &p, nil)
}

func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	if len(buf) == 0 {
		return d.WriteTo(ctx, addr, nil)
	}
	var p streamPacker
	p.add(stmStart)
	p.out([]byte{driver.AddrByte(addr, true)})
	p.in(len(buf))
	p.add(stmStop)
	return d.run(ctx, &p, buf)
}

func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	var p streamPacker
	p.add(stmStart)
	p.out(append([]byte{driver.AddrByte(addr, false)}, w...))
	// Repeated start, then the read phase of the same transaction.
	p.add(stmStart)
	p.out([]byte{driver.AddrByte(addr, true)})
	p.in(len(r))
	p.add(stmStop)
	return d.run(ctx, &p, r)
}

// Probe issues START, the address byte alone, STOP, and checks the ACK
// bit the sequencer returns for a zero-count output opcode.
func (d *Driver) Probe(ctx context.Context, addr byte) (bool, error) {
	reply := make([]byte, 1)
	stream := []byte{
		cmdI2CStream,
		stmStart,
		stmOut, // zero count: send one byte, return the ACK status
		driver.AddrByte(addr, false),
		stmStop,
		stmEnd,
	}
	if err := d.command(ctx, stream, reply); err != nil {
		return false, err
	}
	return reply[0]&0x80 == 0, nil
}
