// Package configs implements `tunnelbench configs`, which prints the
// configs a run would benchmark, in run order.
package configs

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/inventory"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

type entry struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Path  string `json:"path"`
}

func Run(args []string, _ string) int {
	flagSet := flag.NewFlagSet("tunnelbench configs", flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	var (
		configPath string
		dir        string
		pattern    string
		jsonOut    bool
	)
	flagSet.StringVar(&configPath, "config", "", "YAML config file (default $TUNNELBENCH_CONFIG)")
	flagSet.StringVar(&dir, "configs-dir", "", "Directory with tunnel config files")
	flagSet.StringVar(&pattern, "pattern", "", "Only list config files matching this glob")
	flagSet.BoolVar(&jsonOut, "json", false, "Output as JSON")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return exitSuccess
		}
		return exitUsage
	}
	if flagSet.NArg() > 0 {
		fmt.Fprintf(stderr, "tunnelbench configs: unexpected arguments: %v\n", flagSet.Args())
		return exitUsage
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelbench configs: %v\n", err)
		return exitUsage
	}
	if dir != "" {
		cfg.ConfigsDir = dir
	}
	if pattern != "" {
		cfg.ConfigPattern = pattern
	}

	list, err := inventory.List(cfg.ConfigsDir, cfg.ConfigPattern)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelbench configs: %v\n", err)
		return exitFailure
	}

	if jsonOut {
		entries := make([]entry, 0, len(list))
		for _, c := range list {
			entries = append(entries, entry{Index: c.Index, Name: c.Name, Path: c.Path})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintf(stderr, "tunnelbench configs: json encode error: %v\n", err)
			return exitFailure
		}
		return exitSuccess
	}

	for _, c := range list {
		fmt.Fprintf(stdout, "%s  %s\n", c, c.Path)
	}
	if len(list) == 0 {
		fmt.Fprintf(stderr, "tunnelbench configs: no config files in %s\n", cfg.ConfigsDir)
	}
	return exitSuccess
}
