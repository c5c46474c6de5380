// Package logbridge converts EVM execution logs and receipts into records a
// foreign runtime can consume directly.
//
// The fixed-size fields (address, topics, hashes) are small and are copied.
// Log data can be arbitrarily large and is lent to the foreign runtime through
// a handoff instead, so it must not be modified once converted.
package logbridge

import (
	"errors"
	"fmt"

	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

var errNilLog = errors.New("nil log")

// ExecutionLog is the foreign view of an EVM log.
type ExecutionLog struct {
	Address []byte            // 20 bytes, copied
	Topics  [][]byte          // 32 bytes each, copied
	Data    handoff.BufferRef // foreign buffer borrowing the log data

	handoff *handoff.Handoff
}

// NewExecutionLog converts l. The log data is registered with r without being
// copied; if registration fails no record is produced.
func NewExecutionLog(r handoff.Registrar, l *types.Log) (*ExecutionLog, error) {
	if l == nil {
		return nil, errNilLog
	}
	topics := make([][]byte, len(l.Topics))
	for i, topic := range l.Topics {
		topics[i] = common.CopyBytes(topic[:])
	}
	h, err := handoff.New(r, l.Data)
	if err != nil {
		return nil, fmt.Errorf("log data of %s: %w", l.Address.Hex(), err)
	}
	return &ExecutionLog{
		Address: common.CopyBytes(l.Address[:]),
		Topics:  topics,
		Data:    h.Ref(),
		handoff: h,
	}, nil
}

// Token returns the release token of the borrowed data.
func (l *ExecutionLog) Token() handoff.Token { return l.handoff.Token() }

// View returns the (pointer, length) pair the data was registered with.
func (l *ExecutionLog) View() handoff.View { return l.handoff.View() }

// unreferencer is implemented by foreign buffers that track references.
type unreferencer interface {
	Unref()
}

// Discard drops the record's reference to its data buffer so the foreign
// collector can finalize it. It is a no-op for runtimes without references.
func (l *ExecutionLog) Discard() {
	if u, ok := l.Data.(unreferencer); ok {
		u.Unref()
	}
}

// ConvertLogs converts logs in order and stops at the first failure. The
// records converted before the failure are discarded: their buffers are
// dereferenced where the runtime supports it and left to its collector.
func ConvertLogs(r handoff.Registrar, logs []*types.Log) ([]*ExecutionLog, error) {
	out := make([]*ExecutionLog, 0, len(logs))
	for i, l := range logs {
		el, err := NewExecutionLog(r, l)
		if err != nil {
			log.Debug("Aborting log conversion", "index", i, "converted", len(out), "err", err)
			for _, done := range out {
				done.Discard()
			}
			return nil, fmt.Errorf("log %d: %w", i, err)
		}
		out = append(out, el)
	}
	return out, nil
}
