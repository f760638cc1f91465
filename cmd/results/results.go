// Package results implements `tunnelbench results`: render a results file,
// or a run from the history database, with a diagnostic grade per config.
package results

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/saveenergy/tunnelbench/internal/config"
	resultstore "github.com/saveenergy/tunnelbench/internal/results"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	isTerminal = func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }
)

type options struct {
	configPath string
	file       string
	historyDB  string
	runID      string
	latest     bool
	jsonOut    bool
	plain      bool
	noColor    bool
	verbose    bool
}

var errNoRun = errors.New("no stored run found")

func Run(args []string, _ string) int {
	flagSet := flag.NewFlagSet("tunnelbench results", flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	var o options
	flagSet.StringVar(&o.configPath, "config", "", "YAML config file (default $TUNNELBENCH_CONFIG)")
	flagSet.StringVar(&o.file, "file", "", "Results JSON file (default: results_file from config)")
	flagSet.StringVar(&o.historyDB, "history-db", "", "History database (default: history_db from config)")
	flagSet.StringVar(&o.runID, "run", "", "Show this stored run")
	flagSet.BoolVar(&o.latest, "latest", false, "Show the latest stored run")
	flagSet.BoolVar(&o.jsonOut, "json", false, "Output as JSON")
	flagSet.BoolVar(&o.plain, "plain", false, "Plain key=value output")
	flagSet.BoolVar(&o.noColor, "no-color", false, "Disable colors")
	flagSet.BoolVar(&o.verbose, "v", false, "Show every measurement")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if flagSet.NArg() > 0 {
		fmt.Fprintf(stderr, "tunnelbench results: unexpected arguments: %v\n", flagSet.Args())
		return exitUsage
	}
	if o.runID != "" && o.latest {
		fmt.Fprintln(stderr, "tunnelbench results: --run and --latest are mutually exclusive")
		return exitUsage
	}
	if o.jsonOut && o.plain {
		fmt.Fprintln(stderr, "tunnelbench results: --json and --plain are mutually exclusive")
		return exitUsage
	}

	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelbench results: %v\n", err)
		return exitUsage
	}
	if o.file == "" {
		o.file = cfg.ResultsFile
	}
	if o.historyDB == "" {
		o.historyDB = cfg.HistoryDB
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := load(ctx, &o)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelbench results: %v\n", err)
		return exitFailure
	}

	if !o.jsonOut && !o.plain && !isTerminal() {
		o.plain = true
	}
	if err := createFormatter(&o).Format(view); err != nil {
		fmt.Fprintf(stderr, "tunnelbench results: %v\n", err)
		return exitFailure
	}
	return exitSuccess
}

func load(ctx context.Context, o *options) (*View, error) {
	if o.runID == "" && !o.latest {
		records, err := resultstore.ReadFile(o.file)
		if err != nil {
			return nil, err
		}
		return newView(o.file, records), nil
	}

	if o.historyDB == "" {
		return nil, errors.New("no history database configured (use --history-db)")
	}
	if _, err := os.Stat(o.historyDB); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	store, err := resultstore.New(o.historyDB, 0)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	if o.latest {
		r, err := store.Latest(ctx)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, errNoRun
		}
		return viewFromReport(o.historyDB, r), nil
	}
	r, err := store.Get(ctx, o.runID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", errNoRun, o.runID)
	}
	return viewFromReport(o.historyDB, r), nil
}

func createFormatter(o *options) OutputFormatter {
	if o.jsonOut {
		return &JSONFormatter{writer: stdout}
	}
	if o.plain {
		return &PlainFormatter{writer: stdout}
	}
	return NewInteractiveFormatter(stdout, o.verbose, o.noColor)
}
