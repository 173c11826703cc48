package driver

import (
	"fmt"
	"strings"
)

// UnknownDriverError is returned when a requested driver name has no
// registered backend.
type UnknownDriverError struct {
	Name      string
	Available []string
}

func (e *UnknownDriverError) Error() string {
	return fmt.Sprintf("no i2c driver registered with name %q (available: %s)",
		e.Name, strings.Join(e.Available, ", "))
}

// DeviceNotFoundError is returned from Init when no physical device
// matches the connection identifier.
type DeviceNotFoundError struct {
	Driver string
	ID     string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("%s: no device found for %q", e.Driver, e.ID)
}

// DeviceBusyError is returned from Init when the device is already
// claimed by another open handle, in this process or another.
type DeviceBusyError struct {
	Driver string
	ID     string
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("%s: device %q is already in use", e.Driver, e.ID)
}

// NotInitializedError is returned when a bus operation is attempted on
// a handle that was never opened or has been closed.
type NotInitializedError struct {
	Op string
}

func (e *NotInitializedError) Error() string {
	if e.Op == "" {
		return "i2c bus is not initialized"
	}
	return fmt.Sprintf("i2c bus is not initialized (op %s)", e.Op)
}

// AckPhase identifies which part of a transaction went unacknowledged.
type AckPhase int

const (
	// PhaseUnknown means the backend cannot tell address from data NACKs.
	PhaseUnknown AckPhase = iota
	// PhaseAddress means the peripheral did not acknowledge its address.
	PhaseAddress
	// PhaseData means a payload byte went unacknowledged.
	PhaseData
)

func (p AckPhase) String() string {
	switch p {
	case PhaseAddress:
		return "address"
	case PhaseData:
		return "data"
	default:
		return "unknown"
	}
}

// NoAckError is returned when the peripheral did not acknowledge its
// address or a data byte during a transaction.
type NoAckError struct {
	Addr  byte
	Phase AckPhase
}

func (e *NoAckError) Error() string {
	return fmt.Sprintf("no ack from peripheral 0x%02x (%s phase)", e.Addr, e.Phase)
}

// TimeoutError is returned when the native interface reported a
// timeout; the whole operation failed, there is no partial result.
type TimeoutError struct {
	Driver string
	Op     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out", e.Driver, e.Op)
}

// InvalidArgumentError is returned for caller errors detected before
// any native call is issued: addresses outside 0-127, unsupported
// memory address sizes, negative lengths, malformed scan ranges.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return e.Reason
}

// NewInvalidArgumentError formats a caller-error message.
func NewInvalidArgumentError(format string, args ...interface{}) *InvalidArgumentError {
	return &InvalidArgumentError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedOperationError is returned when the active backend or
// platform cannot support a requested operation reliably. It is
// distinct from an operation that legitimately produced an empty
// result.
type UnsupportedOperationError struct {
	Driver string
	Op     string
	Reason string
}

func (e *UnsupportedOperationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s is not supported", e.Driver, e.Op)
	}
	return fmt.Sprintf("%s: %s is not supported: %s", e.Driver, e.Op, e.Reason)
}
