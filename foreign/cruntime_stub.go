//go:build !cgo || !ffibuf
// +build !cgo !ffibuf

package foreign

import "fmt"

// newCRuntime is a compile-time shim for builds without the C runtime.
func newCRuntime(Config) (Runtime, error) {
	return nil, fmt.Errorf("foreign: engine %q requires a cgo build with the ffibuf tag", EngineCgo)
}
