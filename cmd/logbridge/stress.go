package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/clydemeng/evmlog-bridge/foreign"
	"github.com/clydemeng/evmlog-bridge/handoff"
	logbridge "github.com/clydemeng/evmlog-bridge/log_bridge"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/rcrowley/go-metrics"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of concurrent converters",
	}
	logsPerWorkerFlag = &cli.IntFlag{
		Name:  "logs",
		Usage: "Logs converted by each worker",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Dump the handoff metrics registry after the run",
	}
)

var stressCommand = &cli.Command{
	Action: stress,
	Name:   "stress",
	Usage:  "Convert synthetic logs concurrently while the runtime collects in the background",
	Flags:  []cli.Flag{engineFlag, workersFlag, logsPerWorkerFlag, metricsFlag},
}

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func stress(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet(workersFlag.Name) {
		cfg.Stress.Workers = ctx.Int(workersFlag.Name)
	}
	if ctx.IsSet(logsPerWorkerFlag.Name) {
		cfg.Stress.LogsPerWorker = ctx.Int(logsPerWorkerFlag.Name)
	}
	if err := cfg.Stress.validate(); err != nil {
		return err
	}
	rt, err := foreign.New(cfg.Runtime)
	if err != nil {
		return err
	}
	defer rt.Close()

	start := time.Now()
	diff, err := runStress(ctx.Context, rt, cfg.Stress)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "registered=%d released=%d failed=%d elapsed=%v\n",
		diff.Registered, diff.Released, diff.Failed, time.Since(start))
	if ctx.Bool(metricsFlag.Name) {
		metrics.WriteOnce(handoff.Registry, ctx.App.Writer)
	}
	return nil
}

// runStress converts cfg.Workers*cfg.LogsPerWorker synthetic logs against rt
// while a collector goroutine runs passes every cfg.CollectInterval. The
// runtime is closed on return, and every registered buffer must have been
// released by then.
func runStress(parent context.Context, rt foreign.Runtime, cfg StressConfig) (handoff.Counters, error) {
	if err := cfg.validate(); err != nil {
		rt.Close()
		return handoff.Counters{}, err
	}
	before := handoff.ProfileCounters()

	collectCtx, stopCollector := context.WithCancel(parent)
	var collector errgroup.Group
	collector.Go(func() error {
		ticker := time.NewTicker(cfg.CollectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-collectCtx.Done():
				return nil
			case <-ticker.C:
				rt.Collect()
			}
		}
	})

	workers, wctx := errgroup.WithContext(parent)
	for w := 0; w < cfg.Workers; w++ {
		w := w
		workers.Go(func() error {
			for i := 0; i < cfg.LogsPerWorker; i++ {
				if err := wctx.Err(); err != nil {
					return err
				}
				rec, err := logbridge.NewExecutionLog(rt, syntheticLog(w, i, cfg.MaxDataSize))
				if err != nil {
					return fmt.Errorf("worker %d log %d: %w", w, i, err)
				}
				rec.Discard()
			}
			return nil
		})
	}
	err := workers.Wait()
	stopCollector()
	collector.Wait()
	rt.Collect()
	rt.Close()

	diff := handoff.ProfileCounters().Sub(before)
	if err != nil {
		return diff, err
	}
	if diff.Registered != diff.Released {
		return diff, fmt.Errorf("%d buffers registered but %d released", diff.Registered, diff.Released)
	}
	log.Info("Stress run finished", "workers", cfg.Workers, "logs", diff.Registered)
	return diff, nil
}

func (cfg StressConfig) validate() error {
	if cfg.Workers <= 0 || cfg.LogsPerWorker < 0 || cfg.CollectInterval <= 0 {
		return fmt.Errorf("invalid stress settings %+v", cfg)
	}
	return nil
}

// syntheticLog builds a Transfer-shaped log whose data length cycles through
// [0, maxData], so empty payloads are exercised too.
func syntheticLog(worker, seq, maxData int) *types.Log {
	var id [16]byte
	binary.BigEndian.PutUint64(id[:8], uint64(worker))
	binary.BigEndian.PutUint64(id[8:], uint64(seq))
	from := common.BytesToAddress(crypto.Keccak256(id[:8]))
	to := common.BytesToAddress(crypto.Keccak256(id[:]))

	size := 0
	if maxData > 0 {
		size = seq % (maxData + 1)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(seq + i)
	}
	return &types.Log{
		Address: from,
		Topics:  []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    data,
	}
}
