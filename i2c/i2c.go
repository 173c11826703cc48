// Package i2c provides a driver-agnostic host-side I2C bus. A Bus is
// created attached to one backend, resolved by name from the driver
// registry, and expresses every bus operation in terms of the
// backend's raw write/read primitives.
//
// Example usage:
//
//	bus, err := i2c.New(ctx)                    // default driver, device 0
//	if err != nil { ... }
//	defer bus.Close(ctx)
//
//	err = bus.WriteTo(ctx, 42, []byte("123"))   // write 3 bytes to peripheral 42
//	buf, err := bus.ReadFrom(ctx, 42, 4)        // read 4 bytes from peripheral 42
//
//	buf, err = bus.ReadFromMem(ctx, 42, 8, 3, 8)   // read 3 bytes starting at memory address 8
//	err = bus.WriteToMem(ctx, 42, 2, []byte{0x10}, 8)
package i2c

import (
	"context"
	"sync"

	"github.com/edaniels/golog"

	"github.com/i2cpy/i2cgo/driver"
)

// Scan range defaults; addresses 0-7 and 120-127 are reserved by the
// I2C specification.
const (
	DefaultScanStart = 0x08
	DefaultScanStop  = 0x77
)

// Bus is a driver-agnostic I2C bus handle. It owns exactly one backend
// instance, chosen at construction, and serializes all operations so
// composite transactions cannot interleave on the wire. Methods are
// safe for concurrent use.
type Bus struct {
	driverName string
	drv        driver.Driver
	logger     golog.Logger

	mu   sync.Mutex
	open bool
}

// New creates a Bus. The backend is resolved from the WithDriver
// option, then the I2CPY_DRIVER environment variable, then the
// built-in default, and is opened immediately unless WithAutoInit(false)
// is given.
func New(ctx context.Context, opts ...Option) (*Bus, error) {
	conf := busOptions{
		frequency: driver.DefaultFrequency,
		autoInit:  true,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	if conf.logger == nil {
		conf.logger = golog.Global()
	}

	name := driver.ResolveName(conf.driverName)
	ctor, err := driver.Lookup(name)
	if err != nil {
		return nil, err
	}

	logger := conf.logger.Named(name)
	drv, err := ctor(driver.Config{
		ID:        conf.id,
		Frequency: conf.frequency,
		Extra:     conf.extra,
	}, logger)
	if err != nil {
		return nil, err
	}

	bus := &Bus{
		driverName: name,
		drv:        drv,
		logger:     logger,
	}
	if conf.autoInit {
		if err := bus.Init(ctx); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

// DriverName returns the resolved backend name.
func (b *Bus) DriverName() string {
	return b.driverName
}

// Init opens the bus. Calling Init on an already-open bus is a no-op.
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil
	}
	if err := b.drv.Init(ctx); err != nil {
		return err
	}
	b.open = true
	return nil
}

// Deinit closes the bus and releases the backend's native resources.
// It is idempotent; operations after Deinit fail with
// NotInitializedError.
func (b *Bus) Deinit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	return b.drv.Deinit(ctx)
}

// Close is an alias for Deinit.
func (b *Bus) Close(ctx context.Context) error {
	return b.Deinit(ctx)
}

// WriteTo writes buf to the peripheral at addr as one transaction.
func (b *Bus) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return &driver.NotInitializedError{Op: "WriteTo"}
	}
	return b.drv.WriteTo(ctx, addr, buf)
}

// ReadFrom reads nbytes from the peripheral at addr. On success the
// returned slice has exactly nbytes bytes.
func (b *Bus) ReadFrom(ctx context.Context, addr byte, nbytes int) ([]byte, error) {
	if err := checkAddr(addr); err != nil {
		return nil, err
	}
	if nbytes < 0 {
		return nil, driver.NewInvalidArgumentError("read length must be non-negative, got %d", nbytes)
	}
	buf := make([]byte, nbytes)
	if err := b.ReadFromInto(ctx, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFromInto fills buf from the peripheral at addr. The number of
// bytes read is len(buf).
func (b *Bus) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return &driver.NotInitializedError{Op: "ReadFromInto"}
	}
	return b.drv.ReadFromInto(ctx, addr, buf)
}

// WriteToMem writes buf to the peripheral at addr starting at memory
// address memaddr. The memory address is encoded as addrsize/8
// big-endian bytes (addrsize must be 8 or 16) and goes out in the same
// write transaction as the payload.
func (b *Bus) WriteToMem(ctx context.Context, addr byte, memaddr int, buf []byte, addrsize int) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	prefix, err := driver.EncodeMemAddr(memaddr, addrsize)
	if err != nil {
		return err
	}
	wbuf := make([]byte, 0, len(prefix)+len(buf))
	wbuf = append(wbuf, prefix...)
	wbuf = append(wbuf, buf...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return &driver.NotInitializedError{Op: "WriteToMem"}
	}
	return b.drv.WriteTo(ctx, addr, wbuf)
}

// ReadFromMem reads nbytes from the peripheral at addr starting at
// memory address memaddr, using a repeated-start write-then-read.
func (b *Bus) ReadFromMem(ctx context.Context, addr byte, memaddr, nbytes, addrsize int) ([]byte, error) {
	if nbytes < 0 {
		return nil, driver.NewInvalidArgumentError("read length must be non-negative, got %d", nbytes)
	}
	buf := make([]byte, nbytes)
	if err := b.ReadFromMemInto(ctx, addr, memaddr, buf, addrsize); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFromMemInto is ReadFromMem into a caller-supplied buffer; the
// number of bytes read is len(buf). A zero-length buffer performs no
// bus transaction. Both phases of the transfer run back to back under
// the bus lock, so no other operation can interleave between them.
func (b *Bus) ReadFromMemInto(ctx context.Context, addr byte, memaddr int, buf []byte, addrsize int) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	prefix, err := driver.EncodeMemAddr(memaddr, addrsize)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return &driver.NotInitializedError{Op: "ReadFromMemInto"}
	}
	if len(buf) == 0 {
		return nil
	}
	return b.drv.WriteReadInto(ctx, addr, prefix, buf)
}

// Scan probes the conventional address range [0x08, 0x77].
func (b *Bus) Scan(ctx context.Context) ([]byte, error) {
	return b.ScanRange(ctx, DefaultScanStart, DefaultScanStop)
}

// ScanRange probes every address in [start, stop] inclusive and
// returns those that acknowledged, in ascending order. A probe error
// at one address counts as absent and does not abort the scan;
// cancelling ctx does.
func (b *Bus) ScanRange(ctx context.Context, start, stop byte) ([]byte, error) {
	if start > 0x7F || stop > 0x7F {
		return nil, driver.NewInvalidArgumentError(
			"scan range [0x%02x, 0x%02x] exceeds 7-bit address space", start, stop)
	}
	if start > stop {
		return nil, driver.NewInvalidArgumentError(
			"scan start 0x%02x is greater than stop 0x%02x", start, stop)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, &driver.NotInitializedError{Op: "Scan"}
	}

	switch b.drv.ScanSupport() {
	case driver.ScanUnsupported:
		return nil, &driver.UnsupportedOperationError{
			Driver: b.driverName,
			Op:     "scan",
			Reason: "backend cannot detect peripheral ACKs on this platform",
		}
	case driver.ScanBestEffort:
		b.logger.Debugw("scan results are best-effort on this backend", "driver", b.driverName)
	}

	prober, hasProber := b.drv.(driver.Prober)
	var found []byte
	for addr := start; ; addr++ {
		// A probe error at one address is treated as absent, so a
		// cancelled context has to stop the walk here or the scan
		// would grind through the rest of the range.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		present := false
		if hasProber {
			ack, err := prober.Probe(ctx, addr)
			present = err == nil && ack
		} else {
			present = b.drv.WriteTo(ctx, addr, nil) == nil
		}
		if present {
			found = append(found, addr)
		}
		if addr == stop {
			break
		}
	}
	return found, nil
}

func checkAddr(addr byte) error {
	if addr > 0x7F {
		return driver.NewInvalidArgumentError("peripheral address 0x%02x out of 7-bit range", addr)
	}
	return nil
}
