// Package mcp implements the `tunnelbench mcp` subcommand: an MCP (Model
// Context Protocol) server over stdio. Agents can inspect configs, the
// latest results file and the run history. Nothing here starts a tunnel.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/inventory"
	"github.com/saveenergy/tunnelbench/internal/results"
	"github.com/saveenergy/tunnelbench/pkg/diagnostic"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Run starts the MCP stdio server. Blocks until stdin closes.
func Run(version string) int {
	cfg, err := config.Resolve("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunnelbench mcp: %v\n", err)
		return 2
	}

	s := server.NewMCPServer(
		"tunnelbench",
		version,
		server.WithToolCapabilities(true),
	)
	registerTools(s, &toolset{cfg: cfg})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "tunnelbench mcp: error: %v\n", err)
		return 1
	}
	return 0
}

type toolset struct {
	cfg *config.Config
}

func registerTools(s *server.MCPServer, t *toolset) {
	listTool := mcp.NewTool("list_configs",
		mcp.WithDescription("List the tunnel config files a benchmark run would use, in run order."),
		mcp.WithString("pattern",
			mcp.Description("Only list config files whose name matches this glob, e.g. se-*.conf"),
		),
	)
	s.AddTool(listTool, t.handleListConfigs)

	resultsTool := mcp.NewTool("latest_results",
		mcp.WithDescription("Read the ranked results file written by the last benchmark run. Each config has its measurements, best download and a diagnostic grade (A-F)."),
		mcp.WithNumber("top",
			mcp.Description("Only return the N best configs (default: all)"),
		),
	)
	s.AddTool(resultsTool, t.handleLatestResults)

	historyTool := mcp.NewTool("run_history",
		mcp.WithDescription("List stored benchmark runs, newest first, with their best config. Requires a history database."),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs, 1-200 (default: 20)"),
		),
	)
	s.AddTool(historyTool, t.handleRunHistory)

	getTool := mcp.NewTool("get_run",
		mcp.WithDescription("Load one stored run with its records, failures and diagnostic grades. Requires a history database."),
		mcp.WithString("run_id",
			mcp.Description("Run ID from run_history (default: latest run)"),
		),
	)
	s.AddTool(getTool, t.handleGetRun)
}

type configEntry struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Path  string `json:"path"`
}

type gradedRecord struct {
	Rank           int                        `json:"rank"`
	Record         types.ConnectionRecord     `json:"record"`
	BestDownload   float64                    `json:"best_download_mbps"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
}

type runView struct {
	RunID      string          `json:"run_id"`
	Policy     string          `json:"policy"`
	Total      int             `json:"total"`
	Skipped    int             `json:"skipped"`
	Aborted    bool            `json:"aborted"`
	Cancelled  bool            `json:"cancelled"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Records    []gradedRecord  `json:"records"`
	Failures   []bench.Failure `json:"failures"`
}

func grade(records []types.ConnectionRecord) []gradedRecord {
	out := make([]gradedRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		best, _ := rec.Best()
		out = append(out, gradedRecord{
			Rank:           i + 1,
			Record:         *rec,
			BestDownload:   best.Download,
			Interpretation: diagnostic.InterpretRecord(rec),
		})
	}
	return out
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *toolset) handleListConfigs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern := req.GetString("pattern", t.cfg.ConfigPattern)

	list, err := inventory.List(t.cfg.ConfigsDir, pattern)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Listing configs failed: %v", err)), nil
	}
	entries := make([]configEntry, 0, len(list))
	for _, c := range list {
		entries = append(entries, configEntry{Index: c.Index, Name: c.Name, Path: c.Path})
	}
	return toolJSON(entries)
}

func (t *toolset) handleLatestResults(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	top := req.GetInt("top", 0)

	records, err := results.ReadFile(t.cfg.ResultsFile)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reading results failed: %v", err)), nil
	}
	if top > 0 && top < len(records) {
		records = records[:top]
	}
	return toolJSON(grade(records))
}

func (t *toolset) handleRunHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultHistoryLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	store, err := t.openHistory()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer store.Close()

	runs, err := store.List(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Loading history failed: %v", err)), nil
	}
	if runs == nil {
		runs = []results.RunSummary{}
	}
	return toolJSON(runs)
}

func (t *toolset) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("run_id", "")
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid run_id %q", id)), nil
		}
	}

	store, err := t.openHistory()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer store.Close()

	var report *bench.Report
	if id == "" {
		report, err = store.Latest(ctx)
	} else {
		report, err = store.Get(ctx, id)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Loading run failed: %v", err)), nil
	}
	if report == nil {
		return mcp.NewToolResultError("Run not found"), nil
	}

	failures := report.Failures
	if failures == nil {
		failures = []bench.Failure{}
	}
	return toolJSON(runView{
		RunID:      report.RunID,
		Policy:     string(report.Policy),
		Total:      report.Total,
		Skipped:    report.Skipped(),
		Aborted:    report.Aborted,
		Cancelled:  report.Cancelled,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Records:    grade(report.Records),
		Failures:   failures,
	})
}

var errNoHistory = errors.New("no history database configured (set history_db or TUNNELBENCH_HISTORY_DB)")

func (t *toolset) openHistory() (*results.Store, error) {
	if t.cfg.HistoryDB == "" {
		return nil, errNoHistory
	}
	if _, err := os.Stat(t.cfg.HistoryDB); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return results.New(t.cfg.HistoryDB, 0)
}
