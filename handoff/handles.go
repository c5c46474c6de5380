package handoff

import (
	"sync"
	"sync/atomic"
)

// Token is the opaque release capability that travels to the foreign runtime
// together with a view. It is a plain uintptr because that's what cgo uses when
// passing opaque values around. Zero is reserved for "no token".
type Token uintptr

// registry keeps every live handoff reachable until its token is released.
// The entry is the sole owner of the payload once New has returned.
var registry sync.Map // map[Token]*Handoff

// tokenSeq is an atomically-incremented counter that yields unique, non-zero
// tokens. We start from 1 to reserve the zero value for "null".
var tokenSeq uintptr

// live counts registry entries; sync.Map has no cheap length.
var live atomic.Int64

func register(h *Handoff) Token {
	tok := Token(atomic.AddUintptr(&tokenSeq, 1))
	registry.Store(tok, h)
	live.Add(1)
	return tok
}

// take removes the entry for tok. Only one caller can ever observe ok == true
// for a given token.
func take(tok Token) (*Handoff, bool) {
	v, ok := registry.LoadAndDelete(tok)
	if !ok {
		return nil, false
	}
	live.Add(-1)
	return v.(*Handoff), true
}

// Lookup resolves a token to its handoff without releasing it. The boolean
// reports whether the token is still live.
func Lookup(tok Token) (*Handoff, bool) {
	if v, ok := registry.Load(tok); ok {
		return v.(*Handoff), true
	}
	return nil, false
}

// Live returns the number of handoffs whose token has not been released yet.
func Live() int {
	return int(live.Load())
}
