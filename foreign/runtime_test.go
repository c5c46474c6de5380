package foreign

import (
	"testing"
	"time"

	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/stretchr/testify/require"
)

// testRuntime runs the behaviour every Runtime must share. newRuntime builds a
// fresh runtime with the given limits.
func testRuntime(t *testing.T, newRuntime func(maxBuffers, maxBytes int) Runtime) {
	t.Run("Deadbeef", func(t *testing.T) {
		rt := newRuntime(0, 0)
		defer rt.Close()

		var frees int
		payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
		h, err := handoff.New(rt, payload, handoff.WithDeallocator(func([]byte) { frees++ }))
		require.NoError(t, err)

		buf := h.Ref().(Buffer)
		require.Equal(t, 4, buf.Len())
		got, err := buf.Bytes()
		require.NoError(t, err)
		require.Equal(t, payload, got)

		require.Zero(t, rt.Collect(), "referenced buffers survive collection")
		buf.Unref()
		require.Equal(t, 1, rt.Collect())
		require.Zero(t, rt.Collect())
		require.Equal(t, 1, frees)
		require.True(t, h.Released())

		_, err = buf.Bytes()
		require.ErrorIs(t, err, ErrFinalized)
	})

	t.Run("Empty", func(t *testing.T) {
		rt := newRuntime(0, 0)
		defer rt.Close()

		var frees int
		h, err := handoff.New(rt, []byte{}, handoff.WithDeallocator(func([]byte) { frees++ }))
		require.NoError(t, err)
		buf := h.Ref().(Buffer)
		require.Zero(t, buf.Len())

		buf.Unref()
		for i := 0; i < 3; i++ {
			rt.Collect()
		}
		require.Equal(t, 1, frees)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		rt := newRuntime(0, 0)
		defer rt.Close()

		for n := 0; n <= 300; n += 7 {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 31)
			}
			h, err := handoff.New(rt, payload)
			require.NoError(t, err)
			got, err := h.Ref().(Buffer).Bytes()
			require.NoError(t, err)
			require.Equal(t, payload, got, "len %d", n)
		}
	})

	t.Run("ExtraReferences", func(t *testing.T) {
		rt := newRuntime(0, 0)
		defer rt.Close()

		h, err := handoff.New(rt, []byte("shared"))
		require.NoError(t, err)
		buf := h.Ref().(Buffer)
		buf.Ref()
		buf.Unref()
		require.Zero(t, rt.Collect())
		buf.Unref()
		buf.Unref() // extra drops are ignored
		require.Equal(t, 1, rt.Collect())
		require.True(t, h.Released())
	})

	t.Run("BufferLimit", func(t *testing.T) {
		rt := newRuntime(2, 0)
		defer rt.Close()

		a, err := handoff.New(rt, []byte{1})
		require.NoError(t, err)
		_, err = handoff.New(rt, []byte{2})
		require.NoError(t, err)

		var frees int
		_, err = handoff.New(rt, []byte{3}, handoff.WithDeallocator(func([]byte) { frees++ }))
		require.ErrorIs(t, err, handoff.ErrAllocation)
		require.ErrorIs(t, err, ErrResourceExhausted)

		// Freeing a slot makes room again.
		a.Ref().(Buffer).Unref()
		require.Equal(t, 1, rt.Collect())
		_, err = handoff.New(rt, []byte{3})
		require.NoError(t, err)
		require.Zero(t, frees)
	})

	t.Run("ByteLimit", func(t *testing.T) {
		rt := newRuntime(0, 8)
		defer rt.Close()

		_, err := handoff.New(rt, make([]byte, 6))
		require.NoError(t, err)
		_, err = handoff.New(rt, make([]byte, 3))
		require.ErrorIs(t, err, ErrResourceExhausted)
		_, err = handoff.New(rt, make([]byte, 2))
		require.NoError(t, err)
	})

	t.Run("CloseFinalizesEverything", func(t *testing.T) {
		rt := newRuntime(0, 0)

		var frees int
		dealloc := handoff.WithDeallocator(func([]byte) { frees++ })
		for i := 0; i < 5; i++ {
			_, err := handoff.New(rt, []byte{byte(i)}, dealloc)
			require.NoError(t, err)
		}
		rt.Close()
		rt.Close()
		require.Equal(t, 5, frees)

		_, err := handoff.New(rt, []byte{1})
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("FinalizerCanReenter", func(t *testing.T) {
		rt := newRuntime(0, 0)
		defer rt.Close()

		var (
			inner    *handoff.Handoff
			innerErr error
		)
		h, err := handoff.New(rt, []byte{1}, handoff.WithDeallocator(func([]byte) {
			inner, innerErr = handoff.New(rt, []byte{2})
			if innerErr == nil {
				inner.Ref().(Buffer).Unref()
			}
		}))
		require.NoError(t, err)
		h.Ref().(Buffer).Unref()

		done := make(chan int, 1)
		go func() { done <- rt.Collect() }()
		select {
		case n := <-done:
			require.Equal(t, 1, n)
		case <-time.After(5 * time.Second):
			t.Fatal("collection blocked on a finalizer that registers a buffer")
		}
		require.NoError(t, innerErr)
		require.False(t, inner.Released())
		require.Equal(t, 1, rt.Collect())
		require.True(t, inner.Released())
	})

	t.Run("CloseFinalizerCanReenter", func(t *testing.T) {
		rt := newRuntime(0, 0)

		var errs []error
		_, err := handoff.New(rt, []byte{1}, handoff.WithDeallocator(func([]byte) {
			_, err := handoff.New(rt, []byte{2})
			errs = append(errs, err)
		}))
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			rt.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("close blocked on a finalizer that registers a buffer")
		}
		require.Len(t, errs, 1)
		require.ErrorIs(t, errs[0], ErrClosed)
	})
}

func TestNewUnknownEngine(t *testing.T) {
	_, err := New(Config{Engine: "v8"})
	require.Error(t, err)

	_, err = New(Config{MaxBuffers: -1})
	require.Error(t, err)
}

func TestNewDefaultEngine(t *testing.T) {
	rt, err := New(DefaultConfig)
	require.NoError(t, err)
	defer rt.Close()
	require.Equal(t, EngineSim, rt.Engine())
}
