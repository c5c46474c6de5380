package foreign

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/stretchr/testify/require"
)

func TestSimRuntime(t *testing.T) {
	testRuntime(t, func(maxBuffers, maxBytes int) Runtime {
		return NewSimRuntime(maxBuffers, maxBytes)
	})
}

func TestSimRuntimeStats(t *testing.T) {
	rt := NewSimRuntime(0, 0)
	defer rt.Close()

	h, err := handoff.New(rt, make([]byte, 10))
	require.NoError(t, err)
	_, err = handoff.New(rt, make([]byte, 5))
	require.NoError(t, err)

	require.Equal(t, SimStats{Buffers: 2, LiveBytes: 15}, rt.Stats())

	h.Ref().(*SimBuffer).Unref()
	rt.Collect()
	require.Equal(t, SimStats{Buffers: 1, LiveBytes: 5, Passes: 1}, rt.Stats())
}

// TestSimRuntimeBackgroundCollector registers buffers from several goroutines
// while the collector runs on its own, the way a foreign scheduler would.
func TestSimRuntimeBackgroundCollector(t *testing.T) {
	rt := NewSimRuntime(0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, time.Millisecond) }()

	const (
		workers = 8
		each    = 200
	)
	var (
		mu    sync.Mutex
		frees int
		wg    sync.WaitGroup
	)
	dealloc := handoff.WithDeallocator(func([]byte) {
		mu.Lock()
		frees++
		mu.Unlock()
	})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				h, err := handoff.New(rt, []byte{byte(w), byte(i)}, dealloc)
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				h.Ref().(*SimBuffer).Unref()
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rt.Stats().Buffers == 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, workers*each, frees)
}

// TestSimRuntimeNeverCollected drops a runtime without ever collecting or
// closing it. The payload stays owned by the handoff registry and nothing is
// freed behind its back.
func TestSimRuntimeNeverCollected(t *testing.T) {
	rt := NewSimRuntime(0, 0)
	var frees int
	h, err := handoff.New(rt, []byte{7}, handoff.WithDeallocator(func([]byte) { frees++ }))
	require.NoError(t, err)

	_, ok := handoff.Lookup(h.Token())
	require.True(t, ok)
	require.Zero(t, frees)
	require.False(t, h.Released())
}
