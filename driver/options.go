package driver

import "fmt"

// Options holds backend-specific settings the bus façade forwards
// without interpreting. Each backend documents and validates the keys
// it understands; unknown keys are ignored.
type Options map[string]interface{}

// Has returns whether the option is set.
func (o Options) Has(name string) bool {
	_, has := o[name]
	return has
}

// GetString returns the string option or "" when unset.
func (o Options) GetString(name string) string {
	x := o[name]
	if x == nil {
		return ""
	}
	if s, ok := x.(string); ok {
		return s
	}
	panic(fmt.Errorf("wanted a string for (%s) but got (%v) %T", name, x, x))
}

// GetInt returns the int option or def when unset.
func (o Options) GetInt(name string, def int) int {
	x, has := o[name]
	if !has {
		return def
	}
	if v, ok := x.(int); ok {
		return v
	}
	if v, ok := x.(float64); ok {
		return int(v)
	}
	panic(fmt.Errorf("wanted an int for (%s) but got (%v) %T", name, x, x))
}

// GetBool returns the bool option or def when unset.
func (o Options) GetBool(name string, def bool) bool {
	x, has := o[name]
	if !has {
		return def
	}
	if v, ok := x.(bool); ok {
		return v
	}
	panic(fmt.Errorf("wanted a bool for (%s) but got (%v) %T", name, x, x))
}
