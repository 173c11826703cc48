// Package periphio implements an I2C backend on top of the periph.io
// host drivers. It is the portable fallback: periph picks the right
// platform mechanism (i2c-dev, sysfs, ftdi) behind one bus interface.
//
// Connection identifiers: nil selects the platform's first bus, an int
// selects a numbered bus, and a string is a periph bus reference like
// "/dev/i2c-1" or an alias registered by a host driver.
package periphio

import (
	"context"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	pi2c "periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "periphio"

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return NewDriver(conf, logger)
	})
}

// Driver is the periph.io backend.
type Driver struct {
	ref       string
	frequency int
	logger    golog.Logger

	bus pi2c.BusCloser
}

// NewDriver constructs the backend; periph host drivers are loaded by
// Init.
func NewDriver(conf driver.Config, logger golog.Logger) (*Driver, error) {
	if conf.Frequency == 0 {
		conf.Frequency = driver.DefaultFrequency
	}
	d := &Driver{frequency: conf.Frequency, logger: logger}
	switch v := conf.ID.(type) {
	case nil:
		d.ref = ""
	case int:
		if v < 0 {
			return nil, driver.NewInvalidArgumentError("periphio: bus number must be non-negative, got %d", v)
		}
		d.ref = strconv.Itoa(v)
	case string:
		d.ref = v
	default:
		return nil, driver.NewInvalidArgumentError("periphio: unsupported id type %T", conf.ID)
	}
	return d, nil
}

func (d *Driver) claimID() string {
	if d.ref == "" {
		return "default"
	}
	return d.ref
}

// Init loads the periph host drivers and opens the bus.
func (d *Driver) Init(ctx context.Context) error {
	if d.bus != nil {
		return nil
	}
	if err := driver.ClaimDevice(driverName, d.claimID()); err != nil {
		return err
	}
	if _, err := host.Init(); err != nil {
		driver.ReleaseDevice(driverName, d.claimID())
		return errors.Wrap(err, "periphio: initializing host drivers")
	}
	bus, err := i2creg.Open(d.ref)
	if err != nil {
		driver.ReleaseDevice(driverName, d.claimID())
		if strings.Contains(err.Error(), "not found") {
			return &driver.DeviceNotFoundError{Driver: driverName, ID: d.claimID()}
		}
		return errors.Wrapf(err, "periphio: opening bus %q", d.ref)
	}
	if err := bus.SetSpeed(physic.Frequency(d.frequency) * physic.Hertz); err != nil {
		// Some platform buses have a fixed clock; not fatal.
		d.logger.Debugw("could not set bus speed", "hz", d.frequency, "error", err)
	}
	d.bus = bus
	return nil
}

// Deinit closes the bus. It is idempotent.
func (d *Driver) Deinit(ctx context.Context) error {
	if d.bus == nil {
		return nil
	}
	bus := d.bus
	d.bus = nil
	driver.ReleaseDevice(driverName, d.claimID())
	return bus.Close()
}

// ScanSupport is best-effort: periph reports transfer failures but
// does not distinguish an address NACK from other bus errors, so a
// probe can miscount an unhealthy bus as an absent peripheral.
func (d *Driver) ScanSupport() driver.ScanSupport {
	return driver.ScanBestEffort
}

func (d *Driver) tx(ctx context.Context, addr byte, w, r []byte) error {
	if d.bus == nil {
		return errors.New("periphio: not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.bus.Tx(uint16(addr), w, r); err != nil {
		return errors.Wrapf(err, "periphio: transfer with 0x%02x", addr)
	}
	return nil
}

func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	return d.tx(ctx, addr, buf, nil)
}

func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	return d.tx(ctx, addr, nil, buf)
}

func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	return d.tx(ctx, addr, w, r)
}
