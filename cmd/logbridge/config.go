package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/clydemeng/evmlog-bridge/foreign"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

var dumpConfigCommand = &cli.Command{
	Action:    dumpConfig,
	Name:      "dumpconfig",
	Usage:     "Export configuration values in a TOML format",
	ArgsUsage: "<dumpfile (optional)>",
	Flags:     []cli.Flag{engineFlag},
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, id, link)
	},
}

// StressConfig sizes the stress command.
type StressConfig struct {
	Workers         int
	LogsPerWorker   int
	MaxDataSize     int
	CollectInterval time.Duration
}

type bridgeConfig struct {
	Runtime foreign.Config
	Stress  StressConfig
}

func defaultConfig() bridgeConfig {
	return bridgeConfig{
		Runtime: foreign.DefaultConfig,
		Stress: StressConfig{
			Workers:         4,
			LogsPerWorker:   1000,
			MaxDataSize:     512,
			CollectInterval: 5 * time.Millisecond,
		},
	}
}

func loadConfig(file string, cfg *bridgeConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the configuration file, if any, and applies flags on top.
func makeConfig(ctx *cli.Context) (bridgeConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, fmt.Errorf("invalid config: %w", err)
		}
	}
	if ctx.IsSet(engineFlag.Name) {
		cfg.Runtime.Engine = ctx.String(engineFlag.Name)
	}
	return cfg, nil
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	dump := ctx.App.Writer
	if ctx.NArg() > 0 {
		f, err := os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		dump = f
	}
	_, err = dump.Write(out)
	return err
}
