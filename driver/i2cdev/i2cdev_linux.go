//go:build linux

// Package i2cdev implements the I2C backend for the Linux kernel's
// i2c-dev interface (/dev/i2c-N). Transactions go through the
// I2C_RDWR ioctl, so combined write-then-read transfers use a real
// repeated start on adapters that support it.
//
// Connection identifiers: nil or an int N select /dev/i2c-N; a string
// is used as the device path verbatim.
package i2cdev

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "i2cdev"

// Control codes and message flags from <linux/i2c-dev.h> and
// <linux/i2c.h>.
const (
	ioctlFuncs = 0x0705
	ioctlRdwr  = 0x0707

	flagRead = 0x0001

	funcI2C = 0x00000001
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	_     uint16
	buf   uintptr
}

type rdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return NewDriver(conf, logger)
	})
}

// Driver is the Linux i2c-dev backend.
type Driver struct {
	path   string
	logger golog.Logger

	file *os.File
}

// NewDriver constructs the backend; the device node is opened by Init.
// The kernel adapter fixes the bus clock, so a requested frequency
// other than the default is only logged, not applied.
func NewDriver(conf driver.Config, logger golog.Logger) (*Driver, error) {
	d := &Driver{logger: logger}
	switch v := conf.ID.(type) {
	case nil:
		d.path = "/dev/i2c-0"
	case int:
		if v < 0 {
			return nil, driver.NewInvalidArgumentError("i2cdev: bus number must be non-negative, got %d", v)
		}
		d.path = fmt.Sprintf("/dev/i2c-%d", v)
	case string:
		d.path = v
	default:
		return nil, driver.NewInvalidArgumentError("i2cdev: unsupported id type %T", conf.ID)
	}
	if conf.Frequency != 0 && conf.Frequency != driver.DefaultFrequency {
		logger.Debugw("bus clock is fixed by the kernel adapter; requested frequency ignored",
			"requested_hz", conf.Frequency)
	}
	return d, nil
}

// Init opens the device node and verifies the adapter does full I2C
// transfers rather than SMBus emulation only.
func (d *Driver) Init(ctx context.Context) error {
	if d.file != nil {
		return nil
	}
	if err := driver.ClaimDevice(driverName, d.path); err != nil {
		return err
	}
	//nolint:gosec
	file, err := os.OpenFile(d.path, os.O_RDWR, 0o600)
	if err != nil {
		driver.ReleaseDevice(driverName, d.path)
		if os.IsNotExist(err) {
			return &driver.DeviceNotFoundError{Driver: driverName, ID: d.path}
		}
		if errors.Is(err, unix.EBUSY) {
			return &driver.DeviceBusyError{Driver: driverName, ID: d.path}
		}
		return errors.Wrapf(err, "i2cdev: opening %s", d.path)
	}

	var funcs uint
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), ioctlFuncs,
		uintptr(unsafe.Pointer(&funcs))); errno != 0 {
		cerr := file.Close()
		driver.ReleaseDevice(driverName, d.path)
		if cerr != nil {
			d.logger.Debugw("close after failed capability query", "error", cerr)
		}
		return errors.Wrapf(errno, "i2cdev: querying adapter functionality on %s", d.path)
	}
	if funcs&funcI2C == 0 {
		cerr := file.Close()
		driver.ReleaseDevice(driverName, d.path)
		if cerr != nil {
			d.logger.Debugw("close after capability check", "error", cerr)
		}
		return &driver.UnsupportedOperationError{
			Driver: driverName, Op: "init",
			Reason: fmt.Sprintf("adapter %s does not support plain i2c transfers", d.path),
		}
	}

	d.file = file
	return nil
}

// Deinit closes the device node. It is idempotent.
func (d *Driver) Deinit(ctx context.Context) error {
	if d.file == nil {
		return nil
	}
	file := d.file
	d.file = nil
	driver.ReleaseDevice(driverName, d.path)
	return file.Close()
}

// ScanSupport reports full support; the kernel surfaces NACKs as
// errnos.
func (d *Driver) ScanSupport() driver.ScanSupport {
	return driver.ScanSupported
}

// transact runs the given messages as one I2C_RDWR transfer.
func (d *Driver) transact(ctx context.Context, addr byte, msgs []i2cMsg) error {
	if d.file == nil {
		return errors.New("i2cdev: not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data := rdwrData{
		msgs:  uintptr(unsafe.Pointer(&msgs[0])),
		nmsgs: uint32(len(msgs)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), ioctlRdwr,
		uintptr(unsafe.Pointer(&data)))
	if errno == 0 {
		return nil
	}
	switch errno {
	case unix.ENXIO, unix.EREMOTEIO:
		return &driver.NoAckError{Addr: addr, Phase: driver.PhaseUnknown}
	case unix.ETIMEDOUT:
		return &driver.TimeoutError{Driver: driverName, Op: "transfer"}
	default:
		return errors.Wrap(errno, "i2cdev: i2c transfer")
	}
}

func msg(addr byte, flags uint16, buf []byte) i2cMsg {
	m := i2cMsg{addr: uint16(addr), flags: flags, len: uint16(len(buf))}
	if len(buf) > 0 {
		m.buf = uintptr(unsafe.Pointer(&buf[0]))
	}
	return m
}

func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	return d.transact(ctx, addr, []i2cMsg{msg(addr, 0, buf)})
}

func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	if len(buf) == 0 {
		return d.WriteTo(ctx, addr, nil)
	}
	return d.transact(ctx, addr, []i2cMsg{msg(addr, flagRead, buf)})
}

func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	return d.transact(ctx, addr, []i2cMsg{
		msg(addr, 0, w),
		msg(addr, flagRead, r),
	})
}

// Probe issues a zero-length write, i2cdetect's quick-write check.
func (d *Driver) Probe(ctx context.Context, addr byte) (bool, error) {
	err := d.WriteTo(ctx, addr, nil)
	if err == nil {
		return true, nil
	}
	var noAck *driver.NoAckError
	if errors.As(err, &noAck) {
		return false, nil
	}
	return false, err
}
