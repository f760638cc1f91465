// Package metrics summarizes the measurements of a run.
package metrics

import (
	"errors"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/saveenergy/tunnelbench/pkg/types"
)

// Distribution describes a sample. Zero Count means the sample was empty.
type Distribution struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
	StdDev float64 `json:"stddev"`
}

// Summary aggregates every successful measurement of a run.
type Summary struct {
	Configs      int          `json:"configs"`
	Measured     int          `json:"measured"`
	Measurements int          `json:"measurements"`
	Failed       int          `json:"failed"`
	Download     Distribution `json:"download_mbps"`
	Upload       Distribution `json:"upload_mbps"`
	Ping         Distribution `json:"ping_ms"`

	// BestDownload holds each measured config's best download.
	BestDownload Distribution `json:"best_download_mbps"`
}

func Describe(sample []float64) (Distribution, error) {
	if len(sample) == 0 {
		return Distribution{}, nil
	}
	data := stats.Float64Data(sample)
	d := Distribution{Count: len(sample)}
	var errs []error
	var err error
	d.Min, err = stats.Min(data)
	errs = append(errs, err)
	d.Max, err = stats.Max(data)
	errs = append(errs, err)
	d.Mean, err = stats.Mean(data)
	errs = append(errs, err)
	d.Median, err = stats.Median(data)
	errs = append(errs, err)
	d.P90, err = stats.PercentileNearestRank(data, 90)
	errs = append(errs, err)
	d.StdDev, err = stats.StandardDeviation(data)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return Distribution{}, err
	}
	d.Mean = round2(d.Mean)
	d.Median = round2(d.Median)
	d.P90 = round2(d.P90)
	d.StdDev = round2(d.StdDev)
	return d, nil
}

// Summarize ignores failed measurements; they carry placeholder values.
func Summarize(records []types.ConnectionRecord) (Summary, error) {
	s := Summary{Configs: len(records)}
	var down, up, ping, best []float64
	for i := range records {
		rec := &records[i]
		for _, r := range rec.Results {
			if !r.OK {
				s.Failed++
				continue
			}
			s.Measurements++
			down = append(down, r.Download)
			up = append(up, r.Upload)
			ping = append(ping, r.Ping)
		}
		if b := rec.BestDownload(); !math.IsInf(b, -1) {
			s.Measured++
			best = append(best, b)
		}
	}

	var err error
	if s.Download, err = Describe(down); err != nil {
		return s, err
	}
	if s.Upload, err = Describe(up); err != nil {
		return s, err
	}
	if s.Ping, err = Describe(ping); err != nil {
		return s, err
	}
	if s.BestDownload, err = Describe(best); err != nil {
		return s, err
	}
	return s, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
