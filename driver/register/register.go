// Package register registers all compiled-in I2C backends.
package register

import (
	// register backends.
	_ "github.com/i2cpy/i2cgo/driver/ch341"
	_ "github.com/i2cpy/i2cgo/driver/ch347"
	_ "github.com/i2cpy/i2cgo/driver/fake"
	_ "github.com/i2cpy/i2cgo/driver/i2cdev"
	_ "github.com/i2cpy/i2cgo/driver/i2cdriver"
	_ "github.com/i2cpy/i2cgo/driver/periphio"
)
