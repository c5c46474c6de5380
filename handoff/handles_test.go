package handoff

import (
	"sync"
	"testing"
)

// TestTokenRegistry verifies that New hands out unique non-zero tokens, lookup
// works, and Release actually removes the entry.
func TestTokenRegistry(t *testing.T) {
	rt := new(fakeRuntime)
	a, err := New(rt, []byte{1})
	if err != nil {
		t.Fatalf("failed to create handoff: %v", err)
	}
	b, err := New(rt, []byte{2})
	if err != nil {
		t.Fatalf("failed to create handoff: %v", err)
	}
	if a.Token() == 0 || b.Token() == 0 {
		t.Fatalf("tokens must be non-zero")
	}
	if a.Token() == b.Token() {
		t.Fatalf("tokens must be unique, both are %d", a.Token())
	}
	if _, ok := Lookup(a.Token()); !ok {
		t.Fatalf("lookup failed for valid token")
	}

	Release(a.Token())
	if _, ok := Lookup(a.Token()); ok {
		t.Fatalf("token should have been removed after release")
	}
	if _, ok := Lookup(b.Token()); !ok {
		t.Fatalf("releasing one token must not affect another")
	}
	Release(b.Token())
}

// TestTokenRace ensures that concurrent registration and release are race-free.
func TestTokenRace(t *testing.T) {
	const n = 100
	rt := new(fakeRuntime)
	liveBefore := Live()

	wg := sync.WaitGroup{}
	wg.Add(n)

	tokens := make(chan Token, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := New(rt, []byte{byte(i)})
			if err != nil {
				t.Errorf("handoff %d: %v", i, err)
				return
			}
			tokens <- h.Token()
		}(i)
	}

	wg.Wait()
	close(tokens)

	if got := Live() - liveBefore; got != n {
		t.Fatalf("expected %d live handoffs, got %d", n, got)
	}
	for tok := range tokens {
		if _, ok := Lookup(tok); !ok {
			t.Fatalf("lookup failed for token %d", tok)
		}
		if !Release(tok) {
			t.Fatalf("first release of token %d reported false", tok)
		}
	}
	if Live() != liveBefore {
		t.Fatalf("registry not drained: %d live, want %d", Live(), liveBefore)
	}
}
