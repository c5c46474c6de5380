package logbridge

import (
	"errors"

	"github.com/clydemeng/evmlog-bridge/handoff"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ExecutionReceipt is the foreign view of a transaction receipt.
type ExecutionReceipt struct {
	TxHash            []byte
	Status            uint64
	GasUsed           uint64
	CumulativeGasUsed uint64
	ContractAddress   []byte // nil unless the transaction created a contract
	Bloom             []byte
	Logs              []*ExecutionLog
}

// NewExecutionReceipt converts rcpt and all of its logs. The bloom is
// recomputed from the logs when the receipt does not carry one.
func NewExecutionReceipt(r handoff.Registrar, rcpt *types.Receipt) (*ExecutionReceipt, error) {
	if rcpt == nil {
		return nil, errors.New("nil receipt")
	}
	logs, err := ConvertLogs(r, rcpt.Logs)
	if err != nil {
		return nil, err
	}
	bloom := rcpt.Bloom
	if bloom == (types.Bloom{}) && len(rcpt.Logs) > 0 {
		bloom = logsBloom(rcpt.Logs)
	}
	out := &ExecutionReceipt{
		TxHash:            common.CopyBytes(rcpt.TxHash[:]),
		Status:            rcpt.Status,
		GasUsed:           rcpt.GasUsed,
		CumulativeGasUsed: rcpt.CumulativeGasUsed,
		Bloom:             common.CopyBytes(bloom[:]),
		Logs:              logs,
	}
	if rcpt.ContractAddress != (common.Address{}) {
		out.ContractAddress = common.CopyBytes(rcpt.ContractAddress[:])
	}
	return out, nil
}

func logsBloom(logs []*types.Log) types.Bloom {
	var bloom types.Bloom
	for _, l := range logs {
		if l == nil {
			continue
		}
		bloom.Add(l.Address.Bytes())
		for _, topic := range l.Topics {
			bloom.Add(topic[:])
		}
	}
	return bloom
}
