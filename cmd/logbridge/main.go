// logbridge converts EVM logs into foreign runtime buffers and reports how the
// handoffs were released.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	engineFlag = &cli.StringFlag{
		Name:  "engine",
		Usage: "Foreign runtime engine (sim, cgo)",
	}
)

var app = &cli.App{
	Name:  "logbridge",
	Usage: "hand EVM log data to a foreign runtime without copying",
	Flags: []cli.Flag{configFileFlag, verbosityFlag},
	Before: func(ctx *cli.Context) error {
		setupLogging(ctx.Int(verbosityFlag.Name))
		return nil
	},
	Commands: []*cli.Command{
		convertCommand,
		stressCommand,
		dumpConfigCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(verbosity int) {
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	output := io.Writer(os.Stderr)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	glogger := log.NewGlogHandler(log.NewTerminalHandler(output, usecolor))
	glogger.Verbosity(log.FromLegacyLevel(verbosity))
	log.SetDefault(log.NewLogger(glogger))
}
