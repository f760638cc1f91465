// Package run implements the `tunnelbench run` subcommand: benchmark every
// config, write the ranked results file and optionally record the run in
// the history database while streaming progress over WebSocket.
package run

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/execx"
	"github.com/saveenergy/tunnelbench/internal/geo"
	"github.com/saveenergy/tunnelbench/internal/inventory"
	"github.com/saveenergy/tunnelbench/internal/logging"
	"github.com/saveenergy/tunnelbench/internal/metrics"
	"github.com/saveenergy/tunnelbench/internal/results"
	"github.com/saveenergy/tunnelbench/internal/speedtest"
	"github.com/saveenergy/tunnelbench/internal/tunnel"
	"github.com/saveenergy/tunnelbench/internal/websocket"
)

const (
	exitSuccess   = 0
	exitFailure   = 1
	exitUsage     = 2
	exitInterrupt = 130
)

// Console output and the command runner are replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr

	newCommandRunner = func(timeout time.Duration) execx.Runner {
		return execx.NewExec(timeout)
	}
)

type cliFlags struct {
	configPath   string
	configsDir   string
	pattern      string
	resultsFile  string
	logFile      string
	logLevel     string
	onError      string
	historyDB    string
	progressAddr string
	maxServers   int
}

func Run(args []string, version string) int {
	flagSet := flag.NewFlagSet("tunnelbench run", flag.ContinueOnError)
	flagSet.SetOutput(stderr)

	var f cliFlags
	flagSet.StringVar(&f.configPath, "config", "", "YAML config file (default $TUNNELBENCH_CONFIG)")
	flagSet.StringVar(&f.configsDir, "configs-dir", "", "Directory with tunnel config files")
	flagSet.StringVar(&f.pattern, "pattern", "", "Only benchmark config files matching this glob")
	flagSet.StringVar(&f.resultsFile, "results", "", "Results JSON file")
	flagSet.StringVar(&f.logFile, "log-file", "", "Log file (every console line is duplicated here)")
	flagSet.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flagSet.StringVar(&f.onError, "on-error", "", "What to do after a config fails: abort or continue")
	flagSet.StringVar(&f.historyDB, "history-db", "", "SQLite database that keeps the run history")
	flagSet.StringVar(&f.progressAddr, "progress-addr", "", "Serve the WebSocket progress feed on this address")
	flagSet.IntVar(&f.maxServers, "max-servers", 0, "Measure at most this many servers per config (0 = all)")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if *help {
		flagSet.SetOutput(stdout)
		flagSet.Usage()
		return exitSuccess
	}
	if flagSet.NArg() > 0 {
		fmt.Fprintf(stderr, "tunnelbench run: unexpected arguments: %v\n", flagSet.Args())
		return exitUsage
	}

	flagsSet := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		flagsSet[fl.Name] = true
	})

	cfg, err := config.Resolve(f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelbench run: %v\n", err)
		return exitUsage
	}
	applyFlags(cfg, &f, flagsSet)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "tunnelbench run: invalid configuration: %v\n", err)
		return exitUsage
	}

	if err := logging.Init(cfg.Level(), logging.WithOutput(stdout), logging.WithFile(cfg.LogFile)); err != nil {
		fmt.Fprintf(stderr, "tunnelbench run: %v\n", err)
		return exitFailure
	}
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("tunnelbench starting",
		logging.F("version", version),
		logging.F("configs_dir", cfg.ConfigsDir),
		logging.F("on_error", cfg.OnError))

	report, err := execute(ctx, cfg)
	if err != nil {
		logging.Error("Benchmark failed", logging.F("error", err))
		return exitFailure
	}
	switch {
	case report.Cancelled:
		return exitInterrupt
	case !report.OK():
		return exitFailure
	}
	return exitSuccess
}

func applyFlags(cfg *config.Config, f *cliFlags, set map[string]bool) {
	if set["configs-dir"] {
		cfg.ConfigsDir = f.configsDir
	}
	if set["pattern"] {
		cfg.ConfigPattern = f.pattern
	}
	if set["results"] {
		cfg.ResultsFile = f.resultsFile
	}
	if set["log-file"] {
		cfg.LogFile = f.logFile
	}
	if set["log-level"] {
		cfg.LogLevel = f.logLevel
	}
	if set["on-error"] {
		cfg.OnError = config.ErrorPolicy(f.onError)
	}
	if set["history-db"] {
		cfg.HistoryDB = f.historyDB
	}
	if set["progress-addr"] {
		cfg.ProgressAddr = f.progressAddr
	}
	if set["max-servers"] {
		cfg.Speedtest.MaxServers = f.maxServers
	}
}

// execute runs the benchmark described by cfg. The returned error covers
// setup and output failures only; per-config failures live in the report.
func execute(ctx context.Context, cfg *config.Config) (*bench.Report, error) {
	if err := results.RemoveStale(cfg.ResultsFile); err != nil {
		return nil, err
	}

	configs, err := inventory.List(cfg.ConfigsDir, cfg.ConfigPattern)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		logging.Warn("No config files found", logging.F("dir", cfg.ConfigsDir))
	}

	var store *results.Store
	if cfg.HistoryDB != "" {
		store, err = results.New(cfg.HistoryDB, cfg.MaxHistory)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
	}

	commands := newCommandRunner(cfg.CommandTimeout)
	opts := []bench.Option{bench.WithPolicy(cfg.OnError)}

	var (
		feed *websocket.Server
		ln   net.Listener
	)
	if cfg.ProgressAddr != "" {
		ln, err = net.Listen("tcp", cfg.ProgressAddr)
		if err != nil {
			return nil, fmt.Errorf("progress feed: %w", err)
		}
		feed = websocket.NewServer()
		defer feed.Close()
		opts = append(opts, bench.WithSink(feed))
	}

	runner := bench.NewRunner(
		tunnel.NewManager(cfg.Tunnel, commands),
		geo.NewLocator(cfg.Geo),
		speedtest.NewClient(cfg.Speedtest, commands),
		opts...,
	)

	var report *bench.Report
	grp, groupCtx := errgroup.WithContext(ctx)
	serveCtx, stopServe := context.WithCancel(groupCtx)
	defer stopServe()

	if feed != nil {
		mux := http.NewServeMux()
		feed.Register(mux)
		if store != nil {
			results.NewHandler(store).Register(mux)
		}
		grp.Go(func() error {
			return websocket.ServeListener(serveCtx, ln, mux)
		})
	}
	grp.Go(func() error {
		defer stopServe()
		report = runner.Run(groupCtx, configs)
		return nil
	})
	serveErr := grp.Wait()

	if err := results.WriteFile(cfg.ResultsFile, report.Records); err != nil {
		return report, err
	}
	logging.Info("Results written",
		logging.F("file", cfg.ResultsFile),
		logging.F("records", len(report.Records)))

	if store != nil {
		if err := store.Save(context.WithoutCancel(ctx), report); err != nil {
			logging.Error("Failed to save run history", logging.F("run_id", report.RunID), logging.F("error", err))
		}
	}

	logSummary(report)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return report, fmt.Errorf("progress feed: %w", serveErr)
	}
	return report, nil
}

func logSummary(report *bench.Report) {
	summary, err := metrics.Summarize(report.Records)
	if err != nil {
		logging.Warn("Failed to summarize run", logging.F("error", err))
		return
	}
	fields := []logging.Field{
		logging.F("run_id", report.RunID),
		logging.F("configs", summary.Configs),
		logging.F("measured", summary.Measured),
		logging.F("measurements", summary.Measurements),
		logging.F("failed", summary.Failed),
		logging.F("duration", report.Duration().Round(time.Millisecond)),
	}
	if summary.Measured > 0 {
		fields = append(fields,
			logging.F("download_median_mbps", summary.Download.Median),
			logging.F("ping_median_ms", summary.Ping.Median),
			logging.F("best_download_max_mbps", summary.BestDownload.Max))
	}
	logging.Info("Run summary", fields...)
}
