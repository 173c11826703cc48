// Package fake implements an in-memory I2C backend. It emulates either
// a loopback peripheral that echoes writes or a memory/EEPROM-style
// peripheral with an address pointer, records every transaction, and
// claims a fake device identifier so handle-exclusivity behaves like a
// real backend. It is used by tests and as a hardware-free demo target.
package fake

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/i2cpy/i2cgo/driver"
)

const driverName = "fake"

func init() {
	driver.Register(driverName, func(conf driver.Config, logger golog.Logger) (driver.Driver, error) {
		return NewDriver(conf, logger)
	})
}

// Modes of peripheral emulation.
const (
	// ModeLoopback echoes the last write at each address back to reads.
	ModeLoopback = "loopback"
	// ModeMemory emulates a byte-addressable memory with an address
	// pointer set by the leading write bytes, like a small EEPROM.
	ModeMemory = "memory"
)

// TxRecord describes one recorded bus phase.
type TxRecord struct {
	Op   string
	Addr byte
	Data []byte
}

// Driver is the fake backend. The zero value is not usable; construct
// with NewDriver.
type Driver struct {
	id       string
	mode     string
	addrsize int
	logger   golog.Logger

	mu      sync.Mutex
	open    bool
	present map[byte]bool // nil means every address ACKs
	last    map[byte][]byte
	mem     map[byte]map[int]byte
	pointer map[byte]int
	records []TxRecord

	// FailInit makes Init report a missing device, for error-path tests.
	FailInit bool
	// Scan overrides the reported scan capability.
	Scan driver.ScanSupport
}

// NewDriver constructs a fake backend. Recognized extra options:
// "mode" (ModeLoopback or ModeMemory, default loopback) and "addrsize"
// (8 or 16, memory mode pointer width, default 8).
func NewDriver(conf driver.Config, logger golog.Logger) (*Driver, error) {
	mode := ModeLoopback
	addrsize := 8
	if conf.Extra != nil {
		if conf.Extra.Has("mode") {
			mode = conf.Extra.GetString("mode")
		}
		addrsize = conf.Extra.GetInt("addrsize", 8)
	}
	if mode != ModeLoopback && mode != ModeMemory {
		return nil, driver.NewInvalidArgumentError("fake: unknown mode %q", mode)
	}
	if addrsize != 8 && addrsize != 16 {
		return nil, driver.NewInvalidArgumentError("fake: addrsize must be 8 or 16, got %d", addrsize)
	}

	id := "0"
	switch v := conf.ID.(type) {
	case nil:
	case int:
		id = fmt.Sprintf("%d", v)
	case string:
		id = v
	default:
		return nil, driver.NewInvalidArgumentError("fake: unsupported id type %T", conf.ID)
	}

	return &Driver{
		id:       id,
		mode:     mode,
		addrsize: addrsize,
		logger:   logger,
		last:     map[byte][]byte{},
		mem:      map[byte]map[int]byte{},
		pointer:  map[byte]int{},
	}, nil
}

// SetPresent restricts which addresses acknowledge. With no arguments
// every address goes back to acknowledging.
func (d *Driver) SetPresent(addrs ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(addrs) == 0 {
		d.present = nil
		return
	}
	d.present = map[byte]bool{}
	for _, a := range addrs {
		d.present[a] = true
	}
}

// Records returns a copy of all recorded transaction phases.
func (d *Driver) Records() []TxRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TxRecord, len(d.records))
	copy(out, d.records)
	return out
}

// Memory returns the byte stored at memaddr for the peripheral at
// addr, for memory-mode assertions.
func (d *Driver) Memory(addr byte, memaddr int) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mem[addr][memaddr]
}

func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	if d.FailInit {
		return &driver.DeviceNotFoundError{Driver: driverName, ID: d.id}
	}
	if err := driver.ClaimDevice(driverName, d.id); err != nil {
		return err
	}
	d.open = true
	return nil
}

func (d *Driver) Deinit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	driver.ReleaseDevice(driverName, d.id)
	return nil
}

func (d *Driver) ScanSupport() driver.ScanSupport {
	return d.Scan
}

func (d *Driver) acks(addr byte) bool {
	if d.present == nil {
		return true
	}
	return d.present[addr]
}

// Probe acknowledges exactly the configured present addresses.
func (d *Driver) Probe(ctx context.Context, addr byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return false, errors.New("fake: not open")
	}
	d.records = append(d.records, TxRecord{Op: "probe", Addr: addr})
	return d.acks(addr), nil
}

func (d *Driver) WriteTo(ctx context.Context, addr byte, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("fake: not open")
	}
	if !d.acks(addr) {
		return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
	}
	d.records = append(d.records, TxRecord{Op: "write", Addr: addr, Data: append([]byte(nil), buf...)})
	if len(buf) == 0 {
		return nil
	}
	switch d.mode {
	case ModeLoopback:
		d.last[addr] = append([]byte(nil), buf...)
	case ModeMemory:
		n := d.addrsize / 8
		if len(buf) < n {
			return &driver.NoAckError{Addr: addr, Phase: driver.PhaseData}
		}
		d.setPointer(addr, buf[:n])
		d.store(addr, buf[n:])
	}
	return nil
}

func (d *Driver) ReadFromInto(ctx context.Context, addr byte, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return errors.New("fake: not open")
	}
	if !d.acks(addr) {
		return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
	}
	d.fill(addr, buf)
	d.records = append(d.records, TxRecord{Op: "read", Addr: addr, Data: append([]byte(nil), buf...)})
	return nil
}

// WriteReadInto emulates a repeated-start transfer. The two phases are
// recorded separately with a scheduling point between them so that a
// caller failing to serialize composite operations shows up as
// interleaved records.
func (d *Driver) WriteReadInto(ctx context.Context, addr byte, w, r []byte) error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return errors.New("fake: not open")
	}
	if !d.acks(addr) {
		d.mu.Unlock()
		return &driver.NoAckError{Addr: addr, Phase: driver.PhaseAddress}
	}
	d.records = append(d.records, TxRecord{Op: "write-phase", Addr: addr, Data: append([]byte(nil), w...)})
	if d.mode == ModeMemory {
		d.setPointer(addr, w)
	}
	d.mu.Unlock()

	runtime.Gosched()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.fill(addr, r)
	d.records = append(d.records, TxRecord{Op: "read-phase", Addr: addr, Data: append([]byte(nil), r...)})
	return nil
}

func (d *Driver) setPointer(addr byte, enc []byte) {
	p := 0
	for _, b := range enc {
		p = p<<8 | int(b)
	}
	d.pointer[addr] = p
}

func (d *Driver) store(addr byte, data []byte) {
	m := d.mem[addr]
	if m == nil {
		m = map[int]byte{}
		d.mem[addr] = m
	}
	p := d.pointer[addr]
	for _, b := range data {
		m[p] = b
		p++
	}
	d.pointer[addr] = p
}

func (d *Driver) fill(addr byte, buf []byte) {
	switch d.mode {
	case ModeLoopback:
		copy(buf, d.last[addr])
	case ModeMemory:
		m := d.mem[addr]
		p := d.pointer[addr]
		for i := range buf {
			buf[i] = m[p]
			p++
		}
		d.pointer[addr] = p
	}
}
