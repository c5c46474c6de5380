//go:build cgo && ffibuf
// +build cgo,ffibuf

package foreign

/*
#include <stdint.h>
*/
import "C"

import (
	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/ethereum/go-ethereum/log"
)

//export goReleaseBuffer
func goReleaseBuffer(token C.uintptr_t) {
	if !handoff.Release(handoff.Token(token)) {
		log.Warn("C runtime finalized an unknown token", "token", uint64(token))
	}
}
