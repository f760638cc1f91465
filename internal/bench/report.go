package bench

import (
	"errors"
	"time"

	"github.com/saveenergy/tunnelbench/internal/config"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

// Failure is a config whose benchmark returned an error.
type Failure struct {
	Config string `json:"config"`
	Index  int    `json:"index"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error"`
}

func newFailure(name string, index int, err error) Failure {
	f := Failure{Config: name, Index: index, Error: err.Error()}
	var be *benchErrors.BenchError
	if errors.As(err, &be) {
		f.Code = be.Code
	}
	return f
}

// Report is the outcome of one run. Records are ranked.
type Report struct {
	RunID      string                   `json:"run_id"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Policy     config.ErrorPolicy       `json:"policy"`
	Total      int                      `json:"total"`
	Records    []types.ConnectionRecord `json:"records"`
	Failures   []Failure                `json:"failures,omitempty"`

	// Aborted is set when the abort policy stopped the run early.
	Aborted   bool `json:"aborted"`
	Cancelled bool `json:"cancelled"`
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Skipped is the number of configs never started.
func (r *Report) Skipped() int {
	attempted := len(r.Failures)
	for _, rec := range r.Records {
		if !r.failed(rec.Name) {
			attempted++
		}
	}
	if attempted >= r.Total {
		return 0
	}
	return r.Total - attempted
}

func (r *Report) failed(name string) bool {
	for _, f := range r.Failures {
		if f.Config == name {
			return true
		}
	}
	return false
}

// OK reports whether every config was benchmarked without error.
func (r *Report) OK() bool {
	return len(r.Failures) == 0 && !r.Aborted && !r.Cancelled
}
