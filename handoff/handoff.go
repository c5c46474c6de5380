// Package handoff exposes Go-owned byte payloads to a foreign runtime without
// copying them.
//
// A payload passed to New is pinned and registered with the foreign side as a
// (pointer, length) pair plus a Token. From then on the package registry owns
// the payload; the foreign runtime gives it back by calling Release with the
// token, which happens exactly once no matter how often, from where, or how
// late the runtime asks. If the runtime never asks the payload simply stays
// alive.
package handoff

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/ethereum/go-ethereum/log"
)

// View is the read-only (pointer, length) pair handed to the foreign domain.
// Ptr is never nil; for an empty payload it points at a sentinel byte that
// must not be read.
type View struct {
	Ptr unsafe.Pointer
	Len int
}

// Bytes reinterprets the view as a slice, the way a foreign reader sees the
// payload. It must not be called after the owning token has been released.
func (v View) Bytes() []byte {
	if v.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(v.Ptr), v.Len)
}

// BufferRef is the handle the foreign runtime returns for a registered buffer.
type BufferRef interface {
	Len() int
}

// Registrar is the foreign runtime's buffer registration primitive. A
// successful call obliges the runtime to call Release(tok) exactly once, at a
// time of its choosing, and not to read through ptr afterwards. A failed call
// must not retain ptr or tok.
type Registrar interface {
	RegisterBuffer(ptr unsafe.Pointer, length int, tok Token) (BufferRef, error)
}

// emptyBase backs the views of zero-length payloads.
var emptyBase byte

// Handoff is one payload on loan to a foreign runtime.
type Handoff struct {
	data    []byte
	view    View
	token   Token
	ref     BufferRef
	pinner  runtime.Pinner
	dealloc func([]byte)

	released atomic.Bool
}

// Option configures a Handoff.
type Option func(*Handoff)

// WithDeallocator installs fn to be called with the payload once it is
// released, e.g. to return it to a pool. It is never called when registration
// fails.
func WithDeallocator(fn func([]byte)) Option {
	return func(h *Handoff) { h.dealloc = fn }
}

// New moves payload into a handoff and registers it with r. The caller must
// not modify payload afterwards.
//
// On failure the returned error is an *AllocationError, the payload belongs to
// the caller again and no release will ever run for it.
func New(r Registrar, payload []byte, opts ...Option) (*Handoff, error) {
	if r == nil {
		return nil, &AllocationError{Len: len(payload), Err: errNilRegistrar}
	}
	h := &Handoff{data: payload}
	for _, opt := range opts {
		opt(h)
	}
	if len(payload) == 0 {
		h.view = View{Ptr: unsafe.Pointer(&emptyBase)}
	} else {
		base := unsafe.SliceData(payload)
		h.pinner.Pin(base)
		h.view = View{Ptr: unsafe.Pointer(base), Len: len(payload)}
	}
	h.token = register(h)

	ref, err := r.RegisterBuffer(h.view.Ptr, h.view.Len, h.token)
	if err != nil {
		if _, ok := take(h.token); !ok {
			log.Error("Foreign runtime released a buffer it refused to register", "token", h.token)
		}
		h.released.Store(true)
		h.pinner.Unpin()
		h.data = nil
		failedCounter.Inc(1)
		log.Debug("Foreign buffer registration failed", "len", len(payload), "err", err)
		return nil, &AllocationError{Len: len(payload), Err: err}
	}
	h.ref = ref
	registeredCounter.Inc(1)
	addLiveBytes(len(payload))
	log.Trace("Registered foreign buffer", "token", h.token, "len", len(payload))
	return h, nil
}

// Release drops the payload behind tok. It reports whether this call did the
// release; unknown and already released tokens return false. Safe for
// concurrent use.
func Release(tok Token) bool {
	h, ok := take(tok)
	if !ok {
		duplicateCounter.Inc(1)
		log.Trace("Ignoring release of dead token", "token", tok)
		return false
	}
	h.release()
	return true
}

func (h *Handoff) release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pinner.Unpin()
	data := h.data
	h.data = nil
	if h.dealloc != nil {
		h.dealloc(data)
	}
	releasedCounter.Inc(1)
	addLiveBytes(-len(data))
	log.Trace("Released foreign buffer", "token", h.token, "len", len(data))
}

// View returns the (pointer, length) pair exposed to the foreign runtime.
func (h *Handoff) View() View { return h.view }

// Token returns the release capability registered with the foreign runtime.
func (h *Handoff) Token() Token { return h.token }

// Ref returns the foreign buffer handle produced by the registrar.
func (h *Handoff) Ref() BufferRef { return h.ref }

// Len is the payload length.
func (h *Handoff) Len() int { return h.view.Len }

// Released reports whether the token has been released.
func (h *Handoff) Released() bool { return h.released.Load() }
