package results

import (
	"io"
	"time"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/pkg/diagnostic"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

// View is what every formatter renders.
type View struct {
	SchemaVersion string          `json:"schema_version"`
	Source        string          `json:"source"`
	Run           *RunInfo        `json:"run,omitempty"`
	Records       []RecordView    `json:"records"`
	Failures      []bench.Failure `json:"failures,omitempty"`
}

// RunInfo is present when the view comes from the history database.
type RunInfo struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Policy     string    `json:"policy"`
	Total      int       `json:"total"`
	Skipped    int       `json:"skipped"`
	Aborted    bool      `json:"aborted"`
	Cancelled  bool      `json:"cancelled"`
}

type RecordView struct {
	Rank           int                        `json:"rank"`
	Name           string                     `json:"server_name"`
	Location       string                     `json:"location"`
	IP             string                     `json:"ip,omitempty"`
	BestDownload   float64                    `json:"best_download_mbps"`
	Results        []types.MeasurementResult  `json:"speedtest_results"`
	Interpretation *diagnostic.Interpretation `json:"interpretation"`
}

func newView(source string, records []types.ConnectionRecord) *View {
	v := &View{SchemaVersion: "1.0", Source: source, Records: make([]RecordView, 0, len(records))}
	for i := range records {
		rec := &records[i]
		best, _ := rec.Best()
		results := rec.Results
		if results == nil {
			results = []types.MeasurementResult{}
		}
		v.Records = append(v.Records, RecordView{
			Rank:           i + 1,
			Name:           rec.Name,
			Location:       rec.Location.String(),
			IP:             rec.Location.IP,
			BestDownload:   best.Download,
			Results:        results,
			Interpretation: diagnostic.InterpretRecord(rec),
		})
	}
	return v
}

func viewFromReport(source string, r *bench.Report) *View {
	v := newView(source, r.Records)
	v.Failures = r.Failures
	v.Run = &RunInfo{
		ID:         r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Policy:     string(r.Policy),
		Total:      r.Total,
		Skipped:    r.Skipped(),
		Aborted:    r.Aborted,
		Cancelled:  r.Cancelled,
	}
	return v
}

type OutputFormatter interface {
	Format(v *View) error
}

type JSONFormatter struct {
	writer io.Writer
}

type PlainFormatter struct {
	writer io.Writer
}

type InteractiveFormatter struct {
	writer  io.Writer
	verbose bool
	noColor bool
}

func NewInteractiveFormatter(w io.Writer, verbose, noColor bool) *InteractiveFormatter {
	return &InteractiveFormatter{writer: w, verbose: verbose, noColor: noColor}
}
