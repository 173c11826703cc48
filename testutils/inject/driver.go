// Package inject provides dependency-injected doubles for testing.
package inject

import (
	"context"

	"github.com/i2cpy/i2cgo/driver"
)

// Driver is an injected I2C backend.
type Driver struct {
	driver.Driver
	InitFunc          func(ctx context.Context) error
	DeinitFunc        func(ctx context.Context) error
	WriteToFunc       func(ctx context.Context, addr byte, buf []byte) error
	ReadFromIntoFunc  func(ctx context.Context, addr byte, buf []byte) error
	WriteReadIntoFunc func(ctx context.Context, addr byte, w, r []byte) error
	ScanSupportFunc   func() driver.ScanSupport
}

// Init calls the injected Init or the real version.
func (d *Driver) Init(ctx context.Context) error {
	if d.InitFunc == nil {
		return d.Driver.Init(ctx)
	}
	return d.InitFunc(ctx)
}

// Deinit calls the injected Deinit or the real version.
func (d *Driver) Deinit(ctx context.Context) error {
	if d.DeinitFunc == nil {
		return d.Driver.Deinit(ctx)
	}
	return d.DeinitFunc(ctx)
}

// WriteTo calls the injected WriteTo or the real version.
func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	if d.WriteToFunc == nil {
		return d.Driver.WriteTo(ctx, addr, buf)
	}
	return d.WriteToFunc(ctx, addr, buf)
}

// ReadFromInto calls the injected ReadFromInto or the real version.
func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	if d.ReadFromIntoFunc == nil {
		return d.Driver.ReadFromInto(ctx, addr, buf)
	}
	return d.ReadFromIntoFunc(ctx, addr, buf)
}

// WriteReadInto calls the injected WriteReadInto or the real version.
func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	if d.WriteReadIntoFunc == nil {
		return d.Driver.WriteReadInto(ctx, addr, w, r)
	}
	return d.WriteReadIntoFunc(ctx, addr, w, r)
}

// ScanSupport calls the injected ScanSupport or the real version.
func (d *Driver) ScanSupport() driver.ScanSupport {
	if d.ScanSupportFunc == nil {
		return d.Driver.ScanSupport()
	}
	return d.ScanSupportFunc()
}

// ProbingDriver is an injected backend that also advertises the probe
// capability. It is a separate type so that a plain Driver double does
// not accidentally satisfy driver.Prober.
type ProbingDriver struct {
	Driver
	ProbeFunc func(ctx context.Context, addr byte) (bool, error)
}

// Probe calls the injected Probe.
func (d *ProbingDriver) Probe(ctx context.Context, addr byte) (bool, error) {
	return d.ProbeFunc(ctx, addr)
}
