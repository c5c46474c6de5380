package foreign

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/ethereum/go-ethereum/log"
)

// SimRuntime is a foreign runtime written in Go. Registered buffers start with
// one reference, held by whatever object they were attached to; Collect
// finalizes buffers whose references have all been dropped.
type SimRuntime struct {
	mu         sync.Mutex
	buffers    map[uint64]*SimBuffer
	seq        uint64
	maxBuffers int
	maxBytes   int
	liveBytes  int
	passes     int
	closed     bool
	log        log.Logger
}

// SimBuffer is a buffer registered with a SimRuntime.
type SimBuffer struct {
	rt     *SimRuntime
	id     uint64
	ptr    unsafe.Pointer
	length int
	token  handoff.Token

	// guarded by rt.mu
	refs      int
	finalized bool
}

// SimStats describes the state of a SimRuntime.
type SimStats struct {
	Buffers   int // registered, not yet finalized
	LiveBytes int
	Passes    int // collection passes run so far
}

// NewSimRuntime creates a runtime that accepts at most maxBuffers live buffers
// totalling at most maxBytes. Zero disables a limit.
func NewSimRuntime(maxBuffers, maxBytes int) *SimRuntime {
	return &SimRuntime{
		buffers:    make(map[uint64]*SimBuffer),
		maxBuffers: maxBuffers,
		maxBytes:   maxBytes,
		log:        log.New("runtime", EngineSim),
	}
}

func (r *SimRuntime) Engine() string { return EngineSim }

// RegisterBuffer implements handoff.Registrar.
func (r *SimRuntime) RegisterBuffer(ptr unsafe.Pointer, length int, tok handoff.Token) (handoff.BufferRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if r.maxBuffers > 0 && len(r.buffers) >= r.maxBuffers {
		return nil, fmt.Errorf("%w: %d buffers live", ErrResourceExhausted, len(r.buffers))
	}
	if r.maxBytes > 0 && r.liveBytes+length > r.maxBytes {
		return nil, fmt.Errorf("%w: %d+%d bytes over limit %d", ErrResourceExhausted, r.liveBytes, length, r.maxBytes)
	}
	r.seq++
	b := &SimBuffer{rt: r, id: r.seq, ptr: ptr, length: length, token: tok, refs: 1}
	r.buffers[b.id] = b
	r.liveBytes += length
	return b, nil
}

// Collect finalizes every unreferenced buffer. Finalizers run after the lock
// is dropped so they may call back into the runtime.
func (r *SimRuntime) Collect() int {
	r.mu.Lock()
	var dead []*SimBuffer
	for id, b := range r.buffers {
		if b.refs > 0 {
			continue
		}
		dead = append(dead, r.retire(id, b))
	}
	r.passes++
	r.mu.Unlock()

	for _, b := range dead {
		r.finalize(b)
	}
	if len(dead) > 0 {
		r.log.Debug("Collected foreign buffers", "count", len(dead))
	}
	return len(dead)
}

// Run collects every interval until ctx is done.
func (r *SimRuntime) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Collect()
		}
	}
}

// Close finalizes all remaining buffers, referenced or not, and refuses new
// registrations.
func (r *SimRuntime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	dead := make([]*SimBuffer, 0, len(r.buffers))
	for id, b := range r.buffers {
		dead = append(dead, r.retire(id, b))
	}
	r.mu.Unlock()

	for _, b := range dead {
		r.finalize(b)
	}
	r.log.Debug("Foreign runtime closed", "finalized", len(dead))
}

// Stats returns a snapshot of the runtime counters.
func (r *SimRuntime) Stats() SimStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SimStats{Buffers: len(r.buffers), LiveBytes: r.liveBytes, Passes: r.passes}
}

// retire unlinks b. Callers hold r.mu.
func (r *SimRuntime) retire(id uint64, b *SimBuffer) *SimBuffer {
	b.finalized = true
	delete(r.buffers, id)
	r.liveBytes -= b.length
	return b
}

func (r *SimRuntime) finalize(b *SimBuffer) {
	if !handoff.Release(b.token) {
		r.log.Warn("Finalizer found its token already released", "token", b.token)
	}
}

func (b *SimBuffer) Len() int { return b.length }

// Token returns the release token the buffer was registered with.
func (b *SimBuffer) Token() handoff.Token { return b.token }

// Bytes copies the buffer contents out through the registered pointer.
func (b *SimBuffer) Bytes() ([]byte, error) {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()

	if b.finalized {
		return nil, ErrFinalized
	}
	out := make([]byte, b.length)
	if b.length > 0 {
		copy(out, unsafe.Slice((*byte)(b.ptr), b.length))
	}
	return out, nil
}

func (b *SimBuffer) Ref() {
	b.rt.mu.Lock()
	if !b.finalized {
		b.refs++
	}
	b.rt.mu.Unlock()
}

func (b *SimBuffer) Unref() {
	b.rt.mu.Lock()
	if b.refs > 0 {
		b.refs--
	}
	b.rt.mu.Unlock()
}
