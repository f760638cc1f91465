package results

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/saveenergy/tunnelbench/pkg/types"
)

func (f *JSONFormatter) Format(v *View) error {
	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *PlainFormatter) Format(v *View) error {
	if v.Run != nil {
		fmt.Fprintf(f.writer, "run_id=%s\n", v.Run.ID)
		fmt.Fprintf(f.writer, "policy=%s\n", v.Run.Policy)
		fmt.Fprintf(f.writer, "total=%d\n", v.Run.Total)
		fmt.Fprintf(f.writer, "skipped=%d\n", v.Run.Skipped)
		fmt.Fprintf(f.writer, "aborted=%t\n", v.Run.Aborted)
		fmt.Fprintf(f.writer, "cancelled=%t\n", v.Run.Cancelled)
	}
	for _, r := range v.Records {
		fmt.Fprintf(f.writer, "rank=%d name=%s grade=%s best_download_mbps=%.2f ip=%s measured=%d/%d\n",
			r.Rank, r.Name, r.Interpretation.Grade, r.BestDownload, orDash(r.IP), measured(r.Results), len(r.Results))
	}
	for _, fl := range v.Failures {
		fmt.Fprintf(f.writer, "failure index=%d name=%s code=%s error=%q\n", fl.Index, fl.Config, orDash(fl.Code), fl.Error)
	}
	return nil
}

func (f *InteractiveFormatter) Format(v *View) error {
	if v.Run != nil {
		fmt.Fprintf(f.writer, "Run %s (%s, on_error=%s)\n", v.Run.ID, v.Run.FinishedAt.Sub(v.Run.StartedAt).Round(time.Millisecond), v.Run.Policy)
		switch {
		case v.Run.Cancelled:
			fmt.Fprintln(f.writer, f.color("31", "  interrupted"))
		case v.Run.Aborted:
			fmt.Fprintln(f.writer, f.color("33", fmt.Sprintf("  aborted, %d config(s) skipped", v.Run.Skipped)))
		}
	} else {
		fmt.Fprintf(f.writer, "Results from %s\n", v.Source)
	}

	if len(v.Records) == 0 {
		fmt.Fprintln(f.writer, "\nNo configs were benchmarked.")
	}
	for _, r := range v.Records {
		grade := r.Interpretation.Grade
		fmt.Fprintf(f.writer, "\n%3d. %s  %s  %s\n", r.Rank, f.color(gradeColor(grade), grade), r.Name, r.Location)
		fmt.Fprintf(f.writer, "     %s\n", r.Interpretation.Summary)
		if len(r.Interpretation.Concerns) > 0 {
			fmt.Fprintf(f.writer, "     %s %s\n", f.color("33", "Concerns:"), strings.Join(r.Interpretation.Concerns, ", "))
		}
		if !f.verbose {
			continue
		}
		for _, m := range r.Results {
			line := fmt.Sprintf("       %-40s %8.2f down %8.2f up %8.1f ms", m.ServerName, m.Download, m.Upload, m.Ping)
			if !m.OK {
				line = f.color("90", line+"  (failed)")
			}
			fmt.Fprintln(f.writer, line)
		}
	}

	if len(v.Failures) > 0 {
		fmt.Fprintf(f.writer, "\n%s\n", f.color("31", "Failures:"))
		for _, fl := range v.Failures {
			fmt.Fprintf(f.writer, "  %03d) %s: %s\n", fl.Index, fl.Config, fl.Error)
		}
	}
	return nil
}

func (f *InteractiveFormatter) color(code, s string) string {
	if f.noColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func gradeColor(grade string) string {
	switch grade {
	case "A", "B":
		return "32"
	case "C":
		return "36"
	case "D":
		return "33"
	default:
		return "31"
	}
}

func measured(results []types.MeasurementResult) int {
	n := 0
	for _, r := range results {
		if r.OK {
			n++
		}
	}
	return n
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
