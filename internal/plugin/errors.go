package plugin

import "fmt"

// Kind discriminates the ways a plugin call can fail.
type Kind string

const (
	ErrTrap       Kind = "trap"       // guest code faulted (OOB memory access, unreachable, etc.)
	ErrCapability Kind = "capability" // guest asked for something its manifest doesn't allow
	ErrTimeout    Kind = "timeout"    // call exceeded its deadline
	ErrMalformed  Kind = "malformed"  // guest's JSON envelope didn't parse
	ErrMissingFn  Kind = "missing_fn" // guest doesn't export the requested function
)

// Error is returned for every plugin-call failure the host can attribute to
// a specific plugin, so callers can tell a misbehaving plugin from a host
// bug.
type Error struct {
	Plugin   string
	Function string
	Kind     Kind
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s: %s: %s (%s)", e.Plugin, e.Function, e.Message, e.Kind)
}
