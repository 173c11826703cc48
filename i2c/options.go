package i2c

import (
	"github.com/edaniels/golog"

	"github.com/i2cpy/i2cgo/driver"
)

type busOptions struct {
	driverName string
	id         interface{}
	frequency  int
	autoInit   bool
	extra      driver.Options
	logger     golog.Logger
}

// An Option configures a Bus at construction time.
type Option func(*busOptions)

// WithDriver selects the backend by name, overriding the I2CPY_DRIVER
// environment variable and the built-in default.
func WithDriver(name string) Option {
	return func(o *busOptions) {
		o.driverName = name
	}
}

// WithID sets the connection identifier. An int is a device index, a
// string is a device path or a backend-specific token; when unset the
// backend picks its default device.
func WithID(id interface{}) Option {
	return func(o *busOptions) {
		o.id = id
	}
}

// WithFrequency sets the bus clock in Hz. The default is 400000.
func WithFrequency(hz int) Option {
	return func(o *busOptions) {
		o.frequency = hz
	}
}

// WithAutoInit controls whether New opens the bus before returning.
// It defaults to true; pass false to call Init yourself later.
func WithAutoInit(on bool) Option {
	return func(o *busOptions) {
		o.autoInit = on
	}
}

// WithDriverOptions forwards backend-specific options the façade does
// not interpret.
func WithDriverOptions(extra driver.Options) Option {
	return func(o *busOptions) {
		o.extra = extra
	}
}

// WithLogger sets the logger used by the bus and its backend.
func WithLogger(logger golog.Logger) Option {
	return func(o *busOptions) {
		o.logger = logger
	}
}
