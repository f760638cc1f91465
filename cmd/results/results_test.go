package results

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/internal/config"
	resultstore "github.com/saveenergy/tunnelbench/internal/results"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

func sampleRecords() []types.ConnectionRecord {
	loc := types.Location{City: "Gothenburg", Region: "Vastra Gotaland", Country: "Sweden"}
	loc.SetIP("185.213.154.68")
	return []types.ConnectionRecord{
		{
			Name:     "se-got-wg-001",
			Index:    1,
			Location: loc,
			Results: []types.MeasurementResult{
				{ServerName: "Bahnhof", ServerID: "3687", Download: 93.46, Upload: 0, Ping: 12.3, OK: true},
				{ServerName: "Telia", ServerID: "unknown_id", Ping: types.DefaultPing},
			},
		},
		{Name: "de-fra-wg-002", Index: 2},
	}
}

type harness struct {
	dir string
	out *bytes.Buffer
	err *bytes.Buffer
}

func newHarness(t *testing.T, terminal bool) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	oldOut, oldErr, oldTerm := stdout, stderr, isTerminal
	stdout, stderr = h.out, h.err
	isTerminal = func() bool { return terminal }
	t.Cleanup(func() { stdout, stderr, isTerminal = oldOut, oldErr, oldTerm })
	return h
}

func (h *harness) writeResults(t *testing.T) string {
	t.Helper()
	path := filepath.Join(h.dir, "benchmark_results.json")
	if err := resultstore.WriteFile(path, sampleRecords()); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func (h *harness) writeHistory(t *testing.T) (string, string) {
	t.Helper()
	path := filepath.Join(h.dir, "history.db")
	store, err := resultstore.New(path, 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := &bench.Report{
		RunID:      uuid.NewString(),
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Minute),
		Policy:     config.PolicyAbort,
		Total:      4,
		Records:    sampleRecords(),
		Failures:   []bench.Failure{{Config: "nl-ams-wg-003", Index: 3, Code: "TUNNEL_NOT_READY", Error: "tunnel did not become ready"}},
		Aborted:    true,
	}
	if err := store.Save(context.Background(), report); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return path, report.RunID
}

func TestResultsJSONFromFile(t *testing.T) {
	h := newHarness(t, false)
	path := h.writeResults(t)

	if code := Run([]string{"--file", path, "--json"}, "test"); code != exitSuccess {
		t.Fatalf("exit code = %d: %s", code, h.err)
	}
	var v View
	if err := json.Unmarshal(h.out.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v\n%s", err, h.out)
	}
	if v.Run != nil || len(v.Records) != 2 {
		t.Fatalf("unexpected view: %+v", v)
	}
	first := v.Records[0]
	if first.Rank != 1 || first.Name != "se-got-wg-001" || first.BestDownload != 93.46 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if first.Interpretation == nil || first.Interpretation.ReliabilityRating == "" {
		t.Fatalf("missing interpretation: %+v", first)
	}
	if v.Records[1].Interpretation.Grade != "F" {
		t.Fatalf("unmeasured config grade = %q, want F", v.Records[1].Interpretation.Grade)
	}
}

func TestResultsPlainWhenNotATerminal(t *testing.T) {
	h := newHarness(t, false)
	path := h.writeResults(t)

	if code := Run([]string{"--file", path}, "test"); code != exitSuccess {
		t.Fatalf("exit code = %d: %s", code, h.err)
	}
	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), h.out)
	}
	if !strings.HasPrefix(lines[0], "rank=1 name=se-got-wg-001 ") || !strings.Contains(lines[0], "measured=1/2") {
		t.Fatalf("unexpected line %q", lines[0])
	}
	if !strings.Contains(lines[1], "ip=-") {
		t.Fatalf("unexpected line %q", lines[1])
	}
}

func TestResultsInteractiveLatestRun(t *testing.T) {
	h := newHarness(t, true)
	db, runID := h.writeHistory(t)

	if code := Run([]string{"--history-db", db, "--latest", "--no-color", "-v"}, "test"); code != exitSuccess {
		t.Fatalf("exit code = %d: %s", code, h.err)
	}
	out := h.out.String()
	for _, want := range []string{
		"Run " + runID,
		"aborted, 1 config(s) skipped",
		"se-got-wg-001",
		"Telia",
		"(failed)",
		"Failures:",
		"003) nl-ams-wg-003: tunnel did not become ready",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("--no-color output contains escape codes:\n%s", out)
	}
}

func TestResultsRunByID(t *testing.T) {
	h := newHarness(t, false)
	db, runID := h.writeHistory(t)

	if code := Run([]string{"--history-db", db, "--run", runID, "--plain"}, "test"); code != exitSuccess {
		t.Fatalf("exit code = %d: %s", code, h.err)
	}
	if !strings.Contains(h.out.String(), "run_id="+runID) || !strings.Contains(h.out.String(), "code=TUNNEL_NOT_READY") {
		t.Fatalf("unexpected output:\n%s", h.out)
	}

	h.out.Reset()
	if code := Run([]string{"--history-db", db, "--run", uuid.NewString()}, "test"); code != exitFailure {
		t.Fatalf("unknown run exit code = %d, want %d", code, exitFailure)
	}
}

func TestResultsErrors(t *testing.T) {
	h := newHarness(t, false)
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"--bogus"}, exitUsage},
		{"positional", []string{"extra"}, exitUsage},
		{"run and latest", []string{"--run", "x", "--latest"}, exitUsage},
		{"json and plain", []string{"--json", "--plain"}, exitUsage},
		{"missing file", []string{"--file", filepath.Join(h.dir, "missing.json")}, exitFailure},
		{"history without db", []string{"--latest", "--history-db", filepath.Join(h.dir, "none.db")}, exitFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if code := Run(tc.args, "test"); code != tc.want {
				t.Fatalf("exit code = %d, want %d", code, tc.want)
			}
		})
	}
}
