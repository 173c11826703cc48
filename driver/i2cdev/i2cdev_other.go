//go:build !linux

// Package i2cdev implements the I2C backend for the Linux kernel's
// i2c-dev interface. On other platforms the backend registers itself
// so driver resolution still works, but construction reports that the
// platform cannot support it.
package i2cdev

import (
	"github.com/edaniels/golog"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "i2cdev"

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return nil, &driver.UnsupportedOperationError{
			Driver: driverName,
			Op:     "new",
			Reason: "the i2c-dev interface only exists on linux",
		}
	})
}
