// Package foreign implements the runtimes that borrow handoff buffers: a
// pure-Go runtime with its own collector, and a C runtime reached through cgo
// when built with the ffibuf tag.
package foreign

import (
	"errors"
	"fmt"

	"github.com/clydemeng/evmlog-bridge/handoff"
)

const (
	EngineSim = "sim"
	EngineCgo = "cgo"
)

var (
	// ErrResourceExhausted is reported by RegisterBuffer when the runtime's
	// buffer or byte limit would be exceeded.
	ErrResourceExhausted = errors.New("foreign runtime out of buffer resources")

	// ErrClosed is reported by RegisterBuffer after Close.
	ErrClosed = errors.New("foreign runtime closed")

	// ErrFinalized is returned when reading a buffer whose finalizer has run.
	ErrFinalized = errors.New("foreign buffer finalized")
)

// Runtime is a foreign domain that accepts handoff buffers.
type Runtime interface {
	handoff.Registrar

	// Engine returns a short human identifier ("sim", "cgo").
	Engine() string

	// Collect runs one collection pass and returns the number of buffer
	// finalizers it ran. Every finalizer releases its handoff token.
	Collect() int

	// Close tears the runtime down, running the finalizer of every buffer
	// still alive. It is idempotent.
	Close()
}

// Buffer is the foreign-side handle of a registered buffer.
type Buffer interface {
	handoff.BufferRef

	// Bytes reads the buffer through the registered pointer.
	Bytes() ([]byte, error)

	// Ref records an additional foreign reference.
	Ref()

	// Unref drops a foreign reference. A buffer without references is
	// finalized by the next collection pass.
	Unref()
}

// Config selects and sizes a runtime. Zero limits mean unlimited.
type Config struct {
	Engine     string
	MaxBuffers int
	MaxBytes   int
}

// DefaultConfig contains the default runtime settings.
var DefaultConfig = Config{
	Engine:     EngineSim,
	MaxBuffers: 1 << 16,
	MaxBytes:   256 << 20,
}

// New constructs the runtime named by cfg.Engine. The cgo engine is only
// available in builds with the ffibuf tag.
func New(cfg Config) (Runtime, error) {
	if cfg.MaxBuffers < 0 || cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("foreign: negative limits %d/%d", cfg.MaxBuffers, cfg.MaxBytes)
	}
	switch cfg.Engine {
	case "", EngineSim:
		return NewSimRuntime(cfg.MaxBuffers, cfg.MaxBytes), nil
	case EngineCgo:
		return newCRuntime(cfg)
	}
	return nil, fmt.Errorf("foreign: unknown engine %q", cfg.Engine)
}
