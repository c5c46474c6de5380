//go:build cgo && ffibuf
// +build cgo,ffibuf

package foreign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRuntime(t *testing.T) {
	testRuntime(t, func(maxBuffers, maxBytes int) Runtime {
		rt, err := New(Config{Engine: EngineCgo, MaxBuffers: maxBuffers, MaxBytes: maxBytes})
		require.NoError(t, err)
		return rt
	})
}

func TestCRuntimeEngine(t *testing.T) {
	rt, err := New(Config{Engine: EngineCgo})
	require.NoError(t, err)
	defer rt.Close()
	require.Equal(t, EngineCgo, rt.Engine())
}
