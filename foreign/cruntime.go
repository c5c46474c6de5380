//go:build cgo && ffibuf
// +build cgo,ffibuf

package foreign

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

// Implemented in cgo_exports.go.
extern void goReleaseBuffer(uintptr_t token);

typedef struct {
	const uint8_t* ptr;
	size_t len;
	uintptr_t token;
	int refs;
	int live;
} fb_entry;

typedef struct {
	fb_entry* entries;
	size_t cap;
	size_t used;
	size_t max_entries;
	size_t max_bytes;
	size_t live_bytes;
} fb_env;

static fb_env* fb_env_new(size_t max_entries, size_t max_bytes) {
	fb_env* env = (fb_env*)calloc(1, sizeof(fb_env));
	if (env != NULL) {
		env->max_entries = max_entries;
		env->max_bytes = max_bytes;
	}
	return env;
}

// fb_register stores the buffer and returns its slot, or -1 when the
// environment is out of resources. The pointer is retained until the entry's
// finalizer runs.
static int64_t fb_register(fb_env* env, const uint8_t* ptr, size_t len, uintptr_t token) {
	if (env->max_entries != 0 && env->used >= env->max_entries) {
		return -1;
	}
	if (env->max_bytes != 0 && env->live_bytes + len > env->max_bytes) {
		return -1;
	}
	size_t slot = env->cap;
	for (size_t i = 0; i < env->cap; i++) {
		if (!env->entries[i].live) {
			slot = i;
			break;
		}
	}
	if (slot == env->cap) {
		size_t ncap = env->cap ? env->cap * 2 : 16;
		fb_entry* grown = (fb_entry*)realloc(env->entries, ncap * sizeof(fb_entry));
		if (grown == NULL) {
			return -1;
		}
		memset(grown + env->cap, 0, (ncap - env->cap) * sizeof(fb_entry));
		env->entries = grown;
		env->cap = ncap;
	}
	fb_entry* e = &env->entries[slot];
	e->ptr = ptr;
	e->len = len;
	e->token = token;
	e->refs = 1;
	e->live = 1;
	env->used++;
	env->live_bytes += len;
	return (int64_t)slot;
}

static fb_entry* fb_entry_at(fb_env* env, int64_t slot, uintptr_t token) {
	if (slot < 0 || (size_t)slot >= env->cap) {
		return NULL;
	}
	fb_entry* e = &env->entries[slot];
	if (!e->live || e->token != token) {
		return NULL;
	}
	return e;
}

static void fb_ref(fb_env* env, int64_t slot, uintptr_t token, int delta) {
	fb_entry* e = fb_entry_at(env, slot, token);
	if (e != NULL && e->refs + delta >= 0) {
		e->refs += delta;
	}
}

// fb_read copies up to cap bytes of the entry into out and returns the entry
// length, or -1 if the entry is gone.
static int64_t fb_read(fb_env* env, int64_t slot, uintptr_t token, uint8_t* out, size_t cap) {
	fb_entry* e = fb_entry_at(env, slot, token);
	if (e == NULL) {
		return -1;
	}
	size_t n = e->len < cap ? e->len : cap;
	if (n > 0) {
		memcpy(out, e->ptr, n);
	}
	return (int64_t)e->len;
}

// fb_collect retires every unreferenced entry, or every entry when all is
// set, and returns their tokens in a malloc'd array the caller frees. No
// finalizer runs here; see fb_finalize.
static size_t fb_collect(fb_env* env, int all, uintptr_t** out) {
	*out = NULL;
	size_t n = 0;
	for (size_t i = 0; i < env->cap; i++) {
		fb_entry* e = &env->entries[i];
		if (e->live && (all || e->refs == 0)) {
			n++;
		}
	}
	if (n == 0) {
		return 0;
	}
	uintptr_t* tokens = (uintptr_t*)malloc(n * sizeof(uintptr_t));
	if (tokens == NULL) {
		return 0;
	}
	size_t k = 0;
	for (size_t i = 0; i < env->cap && k < n; i++) {
		fb_entry* e = &env->entries[i];
		if (!e->live || (!all && e->refs > 0)) {
			continue;
		}
		tokens[k++] = e->token;
		env->used--;
		env->live_bytes -= e->len;
		memset(e, 0, sizeof(fb_entry));
	}
	*out = tokens;
	return k;
}

// fb_finalize runs the finalizers of retired entries and frees tokens. It
// touches no environment state, so it runs without the table lock.
static void fb_finalize(uintptr_t* tokens, size_t n) {
	for (size_t i = 0; i < n; i++) {
		goReleaseBuffer(tokens[i]);
	}
	free(tokens);
}

static void fb_env_free(fb_env* env) {
	free(env->entries);
	free(env);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/ethereum/go-ethereum/log"
)

// CRuntime keeps borrowed buffers in a table owned by C code. Go pointers
// stored there are pinned by the handoff package for as long as the entry is
// live.
type CRuntime struct {
	mu  sync.Mutex
	env *C.fb_env
	log log.Logger
}

// CBuffer is a buffer registered with a CRuntime.
type CBuffer struct {
	rt     *CRuntime
	slot   C.int64_t
	token  handoff.Token
	length int
}

func newCRuntime(cfg Config) (Runtime, error) {
	env := C.fb_env_new(C.size_t(cfg.MaxBuffers), C.size_t(cfg.MaxBytes))
	if env == nil {
		return nil, fmt.Errorf("%w: cannot allocate C environment", ErrResourceExhausted)
	}
	return &CRuntime{env: env, log: log.New("runtime", EngineCgo)}, nil
}

func (r *CRuntime) Engine() string { return EngineCgo }

// RegisterBuffer implements handoff.Registrar. Empty buffers are registered
// with a NULL pointer, which C never dereferences for a zero length.
func (r *CRuntime) RegisterBuffer(ptr unsafe.Pointer, length int, tok handoff.Token) (handoff.BufferRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.env == nil {
		return nil, ErrClosed
	}
	var cPtr *C.uint8_t
	if length > 0 {
		cPtr = (*C.uint8_t)(ptr)
	}
	slot := C.fb_register(r.env, cPtr, C.size_t(length), C.uintptr_t(tok))
	if slot < 0 {
		return nil, fmt.Errorf("%w: C table refused %d bytes", ErrResourceExhausted, length)
	}
	return &CBuffer{rt: r, slot: slot, token: tok, length: length}, nil
}

// Collect finalizes every unreferenced buffer. Entries are retired under the
// lock and their finalizers run after it is dropped, so they may call back into
// the runtime.
func (r *CRuntime) Collect() int {
	r.mu.Lock()
	if r.env == nil {
		r.mu.Unlock()
		return 0
	}
	var tokens *C.uintptr_t
	n := C.fb_collect(r.env, 0, &tokens)
	r.mu.Unlock()

	C.fb_finalize(tokens, n)
	if n > 0 {
		r.log.Debug("Collected foreign buffers", "count", int(n))
	}
	return int(n)
}

// Close finalizes all remaining buffers, referenced or not, and frees the C
// environment.
func (r *CRuntime) Close() {
	r.mu.Lock()
	if r.env == nil {
		r.mu.Unlock()
		return
	}
	var tokens *C.uintptr_t
	n := C.fb_collect(r.env, 1, &tokens)
	C.fb_env_free(r.env)
	r.env = nil
	r.mu.Unlock()

	C.fb_finalize(tokens, n)
	r.log.Debug("Foreign runtime closed", "finalized", int(n))
}

func (b *CBuffer) Len() int { return b.length }

// Token returns the release token the buffer was registered with.
func (b *CBuffer) Token() handoff.Token { return b.token }

// Bytes copies the buffer contents out through the pointer held by C.
func (b *CBuffer) Bytes() ([]byte, error) {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()

	if b.rt.env == nil {
		return nil, ErrFinalized
	}
	out := make([]byte, b.length)
	var cOut *C.uint8_t
	if b.length > 0 {
		cOut = (*C.uint8_t)(unsafe.Pointer(&out[0]))
	}
	if C.fb_read(b.rt.env, b.slot, C.uintptr_t(b.token), cOut, C.size_t(b.length)) < 0 {
		return nil, ErrFinalized
	}
	return out, nil
}

func (b *CBuffer) Ref()   { b.adjust(1) }
func (b *CBuffer) Unref() { b.adjust(-1) }

func (b *CBuffer) adjust(delta int) {
	b.rt.mu.Lock()
	defer b.rt.mu.Unlock()

	if b.rt.env != nil {
		C.fb_ref(b.rt.env, b.slot, C.uintptr_t(b.token), C.int(delta))
	}
}
