// Package driver defines the contract every I2C backend implements,
// the process-wide registry used to resolve a backend by name, and the
// helpers shared by all backends (address encoding, device claims).
package driver

import (
	"context"

	"github.com/edaniels/golog"
)

// DefaultFrequency is the bus clock used when the caller does not pick one.
const DefaultFrequency = 400000

// Config carries the generic construction parameters for a backend.
// How ID is interpreted is backend-specific: nil selects the backend's
// default device, an int is a device index, and a string is a device
// path or a native-library override token.
type Config struct {
	ID        interface{}
	Frequency int

	// Extra holds backend-specific options the bus façade forwards
	// without interpreting. Each backend validates its own subset.
	Extra Options
}

// A Constructor creates a backend from a config. Constructors must not
// touch hardware; all native access is deferred to Init.
type Constructor func(conf Config, logger golog.Logger) (Driver, error)

// ScanSupport describes how well a backend can detect peripherals by
// probing addresses.
type ScanSupport int

const (
	// ScanSupported means probe results are trustworthy.
	ScanSupported ScanSupport = iota
	// ScanBestEffort means the backend can probe but the underlying
	// native layer is known to misreport NACKs on some versions, so
	// results may include false positives or negatives.
	ScanBestEffort
	// ScanUnsupported means the backend cannot probe at all.
	ScanUnsupported
)

func (s ScanSupport) String() string {
	switch s {
	case ScanSupported:
		return "supported"
	case ScanBestEffort:
		return "best-effort"
	case ScanUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Driver is the capability contract every concrete backend satisfies.
// All addresses are 7-bit; range checking is done by the bus façade
// before any of these are called, so backends may assume addr <= 0x7F.
//
// Implementations are not required to be safe for concurrent use; the
// bus façade serializes all calls on a given bus.
type Driver interface {
	// Init establishes the native connection. Calling Init on an
	// already-open backend is a no-op.
	Init(ctx context.Context) error

	// Deinit releases the native connection. It is idempotent.
	Deinit(ctx context.Context) error

	// WriteTo writes buf to the peripheral at addr as a single
	// transaction (start, address+W, payload, stop).
	WriteTo(ctx context.Context, addr byte, buf []byte) error

	// ReadFromInto fills buf from the peripheral at addr (start,
	// address+R, len(buf) bytes, stop). It either fills the whole
	// buffer or returns an error; short reads are errors.
	ReadFromInto(ctx context.Context, addr byte, buf []byte) error

	// WriteReadInto writes w then reads len(r) bytes from addr in a
	// single bus transaction with a repeated start between the two
	// phases. Used for register/memory reads.
	WriteReadInto(ctx context.Context, addr byte, w, r []byte) error

	// ScanSupport reports whether address probing works on this
	// backend and platform combination.
	ScanSupport() ScanSupport
}

// A Prober is a backend that can cheaply test for a peripheral at an
// address, typically by issuing a zero-length write and checking the
// ACK bit. Backends without this capability fall back to the façade's
// generic probe-write strategy, or report ScanUnsupported.
type Prober interface {
	Probe(ctx context.Context, addr byte) (bool, error)
}
