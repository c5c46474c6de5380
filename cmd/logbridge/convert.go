package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/clydemeng/evmlog-bridge/foreign"
	"github.com/clydemeng/evmlog-bridge/handoff"
	logbridge "github.com/clydemeng/evmlog-bridge/log_bridge"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

var logsFileFlag = &cli.PathFlag{
	Name:     "logs",
	Usage:    "JSON file holding an array of {address, topics, data} logs",
	Required: true,
}

var convertCommand = &cli.Command{
	Action: convert,
	Name:   "convert",
	Usage:  "Convert logs from a file and release them through the foreign runtime",
	Flags:  []cli.Flag{logsFileFlag, engineFlag},
}

// logRecord is the on-disk form of a log.
type logRecord struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

func (r logRecord) toLog() *types.Log {
	return &types.Log{Address: r.Address, Topics: r.Topics, Data: r.Data}
}

func readLogs(file string) ([]*types.Log, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var records []logRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	logs := make([]*types.Log, len(records))
	for i, r := range records {
		logs[i] = r.toLog()
	}
	return logs, nil
}

func convert(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	logs, err := readLogs(ctx.Path(logsFileFlag.Name))
	if err != nil {
		return err
	}
	rt, err := foreign.New(cfg.Runtime)
	if err != nil {
		return err
	}
	defer rt.Close()

	_, err = convertAndRelease(ctx.App.Writer, rt, logs)
	return err
}

// convertAndRelease converts logs, prints one table row per record as read
// back through the runtime, then discards the records and runs a collection
// pass. It returns the number of buffers the pass finalized.
func convertAndRelease(w io.Writer, rt foreign.Runtime, logs []*types.Log) (int, error) {
	before := handoff.ProfileCounters()

	records, err := logbridge.ConvertLogs(rt, logs)
	if err != nil {
		return 0, err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Address", "Topics", "Data", "Token", "Preview"})
	for i, rec := range records {
		preview := "-"
		if buf, ok := rec.Data.(foreign.Buffer); ok {
			data, err := buf.Bytes()
			if err != nil {
				discard(records)
				return 0, fmt.Errorf("reading log %d: %w", i, err)
			}
			preview = abbreviate(data)
		}
		table.Append([]string{
			strconv.Itoa(i),
			common.BytesToAddress(rec.Address).Hex(),
			strconv.Itoa(len(rec.Topics)),
			strconv.Itoa(rec.Data.Len()),
			strconv.FormatUint(uint64(rec.Token()), 10),
			preview,
		})
	}
	table.Render()

	discard(records)
	released := rt.Collect()

	diff := handoff.ProfileCounters().Sub(before)
	log.Info("Converted logs", "engine", rt.Engine(), "logs", len(records),
		"registered", diff.Registered, "released", diff.Released, "pending", diff.Registered-diff.Released)
	fmt.Fprintf(w, "registered=%d released=%d failed=%d\n", diff.Registered, diff.Released, diff.Failed)
	return released, nil
}

func discard(records []*logbridge.ExecutionLog) {
	for _, rec := range records {
		rec.Discard()
	}
}

// abbreviate renders at most 8 bytes of data as hex.
func abbreviate(data []byte) string {
	if len(data) <= 8 {
		return hexutil.Encode(data)
	}
	return hexutil.Encode(data[:8]) + "…"
}
