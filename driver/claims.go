package driver

import (
	"fmt"
	"sync"
)

// claims tracks which physical device identifiers are held by an open
// backend in this process. Native drivers that enforce exclusivity
// themselves still go through here so that two handles in the same
// process fail fast instead of racing the native layer.
var claims = struct {
	mu   sync.Mutex
	held map[string]bool
}{held: map[string]bool{}}

func claimKey(driverName, id string) string {
	return fmt.Sprintf("%s:%s", driverName, id)
}

// ClaimDevice marks the (driver, identifier) pair as in use. It
// returns a DeviceBusyError if another open handle already holds it.
func ClaimDevice(driverName, id string) error {
	claims.mu.Lock()
	defer claims.mu.Unlock()
	key := claimKey(driverName, id)
	if claims.held[key] {
		return &DeviceBusyError{Driver: driverName, ID: id}
	}
	claims.held[key] = true
	return nil
}

// ReleaseDevice drops the claim on the (driver, identifier) pair.
// Releasing an unclaimed pair is a no-op.
func ReleaseDevice(driverName, id string) {
	claims.mu.Lock()
	defer claims.mu.Unlock()
	delete(claims.held, claimKey(driverName, id))
}
