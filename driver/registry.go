package driver

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// EnvVar is the environment variable consulted when no driver name is
// given explicitly.
const EnvVar = "I2CPY_DRIVER"

// DefaultDriver is the built-in fallback backend name.
const DefaultDriver = "ch341"

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a backend constructor under the given name. It is meant
// to be called from backend package init functions; registering two
// backends with the same name is a programmer error.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := registry[name]; old {
		panic(errors.Errorf("trying to register two i2c drivers with same name %s", name))
	}
	registry[name] = ctor
}

// Lookup returns the constructor registered under name. Matching is
// case-sensitive against the registered (lowercase) names.
func Lookup(name string) (Constructor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[name]
	if !ok {
		return nil, &UnknownDriverError{Name: name, Available: registeredLocked()}
	}
	return ctor, nil
}

// ResolveName picks the backend name to use: the explicit argument if
// non-empty, otherwise the I2CPY_DRIVER environment variable, otherwise
// the built-in default. The result is lowercased.
func ResolveName(explicit string) string {
	name := explicit
	if name == "" {
		name = os.Getenv(EnvVar)
	}
	if name == "" {
		name = DefaultDriver
	}
	return strings.ToLower(name)
}

// Registered returns the names of all registered backends, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredLocked()
}

func registeredLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
