package handoff

import (
	"errors"
	"fmt"
)

// ErrAllocation matches every AllocationError via errors.Is.
var ErrAllocation = errors.New("foreign buffer registration failed")

var errNilRegistrar = errors.New("no foreign registrar")

// AllocationError is returned by New when the foreign runtime refused to
// register the buffer. Ownership of the payload stays with the caller and no
// release will ever run for it. Retrying within the same conversion is
// pointless.
type AllocationError struct {
	Len int   // payload length that was offered
	Err error // cause reported by the registrar
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("handoff: registering %d byte buffer: %v", e.Len, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }
