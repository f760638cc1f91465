// Package bench runs the benchmark: one tunnel at a time, every
// measurement server through it, and a ranked report at the end.
package bench

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/tunnelbench/internal/config"
	"github.com/saveenergy/tunnelbench/internal/inventory"
	"github.com/saveenergy/tunnelbench/internal/logging"
	"github.com/saveenergy/tunnelbench/internal/speedtest"
	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

// Tunnel scopes an active tunnel to the duration of fn.
type Tunnel interface {
	With(ctx context.Context, c inventory.Config, fn func(ctx context.Context) error) error
}

type Locator interface {
	Lookup(ctx context.Context) types.Location
}

type Measurer interface {
	ListServers(ctx context.Context) ([]speedtest.Server, error)
	Measure(ctx context.Context, s speedtest.Server) (types.MeasurementResult, error)
}

type Runner struct {
	tunnel   Tunnel
	locator  Locator
	measurer Measurer
	policy   config.ErrorPolicy
	sink     EventSink
	logger   *logging.Logger
	now      func() time.Time

	runID string
}

type Option func(*Runner)

// WithSink publishes run events to sink.
func WithSink(sink EventSink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithPolicy sets what happens after a config fails. The default is
// config.PolicyAbort.
func WithPolicy(p config.ErrorPolicy) Option {
	return func(r *Runner) { r.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func NewRunner(t Tunnel, l Locator, m Measurer, opts ...Option) *Runner {
	r := &Runner{
		tunnel:   t,
		locator:  l,
		measurer: m,
		policy:   config.PolicyAbort,
		logger:   logging.NewLogger("bench"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) emit(e Event) {
	if r.sink == nil {
		return
	}
	e.RunID = r.runID
	e.Time = r.now()
	r.sink.Publish(e)
}

// Run benchmarks configs in order. Cancellation always stops the run;
// other per-config errors stop it under the abort policy and are skipped
// under the continue policy. Whatever was collected is ranked and
// returned.
func (r *Runner) Run(ctx context.Context, configs []inventory.Config) *Report {
	r.runID = uuid.NewString()
	report := &Report{
		RunID:     r.runID,
		StartedAt: r.now(),
		Policy:    r.policy,
		Total:     len(configs),
		Records:   []types.ConnectionRecord{},
	}
	r.emit(Event{Type: EventRunStarted, Total: len(configs)})
	r.logger.Info("run started",
		logging.F("run_id", report.RunID), logging.F("configs", len(configs)), logging.F("on_error", r.policy))

	for _, c := range configs {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			break
		}

		r.emit(Event{Type: EventConfigStarted, Config: c.Name, Index: c.Index, Total: len(configs)})
		rec, err := r.Benchmark(ctx, c)
		if err == nil || len(rec.Results) > 0 {
			report.Records = append(report.Records, *rec)
		}
		if err == nil {
			r.emit(Event{Type: EventConfigFinished, Config: c.Name, Index: c.Index, Record: rec})
			continue
		}

		report.Failures = append(report.Failures, newFailure(c.Name, c.Index, err))
		r.emit(Event{Type: EventConfigFailed, Config: c.Name, Index: c.Index, Record: rec, Error: err.Error()})

		if ctx.Err() != nil || benchErrors.HasCode(err, benchErrors.ErrCodeCancelled) {
			r.logger.Warn(fmt.Sprintf("Cancelled %s benchmark", c.Name), logging.F("error", err))
			report.Cancelled = true
			break
		}
		r.logger.Error(fmt.Sprintf("Failed %s benchmark", c.Name), logging.F("error", err))
		if r.policy == config.PolicyAbort {
			report.Aborted = true
			break
		}
	}

	types.SortRecords(report.Records)
	report.FinishedAt = r.now()
	r.emit(Event{Type: EventRunFinished, Total: len(configs)})
	r.logger.Info("run finished",
		logging.F("records", len(report.Records)),
		logging.F("failures", len(report.Failures)),
		logging.F("skipped", report.Skipped()),
		logging.F("duration", report.Duration().Round(time.Second)))
	return report
}

// Benchmark measures one config inside its tunnel. The returned record is
// never nil and holds whatever was measured before an error; its results
// are sorted.
func (r *Runner) Benchmark(ctx context.Context, c inventory.Config) (*types.ConnectionRecord, error) {
	rec := &types.ConnectionRecord{Name: c.Name, Index: c.Index}

	err := r.tunnel.With(ctx, c, func(ctx context.Context) error {
		rec.Location = r.locator.Lookup(ctx)
		r.logger.Info(fmt.Sprintf("%03d) Benchmarking %s", c.Index, rec))
		if rec.Location.IsPrivate() {
			r.logger.Warn("lookup returned a private address; traffic may not leave through the tunnel",
				logging.F("config", c.Name), logging.F("ip", rec.Location.IP))
		}

		r.logger.Info("Looking up local speedtest servers", logging.F("config", c.Name))
		servers, err := r.measurer.ListServers(ctx)
		if err != nil {
			return checkCancelled(ctx, c, err)
		}
		r.logger.Info(fmt.Sprintf("Found %d servers: [%s]", len(servers), serverIDs(servers)), logging.F("config", c.Name))

		for _, s := range servers {
			if err := ctx.Err(); err != nil {
				return benchErrors.ErrCancelled(c.Name, err)
			}
			r.logger.Info(fmt.Sprintf("Speed testing server %s: %s", s.ID, s.Name), logging.F("config", c.Name))
			res, err := r.measurer.Measure(ctx, s)
			if err != nil {
				if ctx.Err() != nil {
					return benchErrors.ErrCancelled(c.Name, err)
				}
				r.logger.Warn("measurement failed", logging.F("config", c.Name), logging.F("server", s.ID), logging.F("error", err))
			}
			r.logger.Info(fmt.Sprintf("Download: %v Mbps, Upload: %v Mbps, Ping: %v ms", res.Download, res.Upload, res.Ping),
				logging.F("config", c.Name), logging.F("host", res.ServerHost))
			rec.Results = append(rec.Results, res)
			r.emit(Event{Type: EventMeasurement, Config: c.Name, Index: c.Index, Result: &res})
		}
		return nil
	})

	types.SortResults(rec.Results)
	return rec, err
}

func checkCancelled(ctx context.Context, c inventory.Config, err error) error {
	if ctx.Err() != nil {
		return benchErrors.ErrCancelled(c.Name, err)
	}
	return err
}

func serverIDs(servers []speedtest.Server) string {
	ids := make([]string, len(servers))
	for i, s := range servers {
		ids[i] = s.ID
	}
	return strings.Join(ids, ", ")
}
