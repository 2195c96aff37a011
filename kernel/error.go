// Package kernel contains types and helpers that are shared across the
// entire kernel tree and cannot be placed in a more specific package without
// introducing an import cycle.
package kernel

// Error describes a kernel error. All kernel errors must be defined as
// global variables that are pointers to the Error structure. This
// requirement stems from the fact that the Go allocator is not available to
// us at boot so we cannot use errors.New.
type Error struct {
	// Module is the name of the module where the error originated.
	Module string

	// Message is a short, human readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
