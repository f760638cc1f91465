// Package diagnostic interprets benchmark records into human/agent-readable
// grades, ratings, and suitability assessments.
package diagnostic

import (
	"fmt"
	"strings"

	"github.com/saveenergy/tunnelbench/pkg/types"
)

// Interpretation holds the semantic interpretation of one config's results.
type Interpretation struct {
	Grade             string   `json:"grade"`
	Summary           string   `json:"summary"`
	LatencyRating     string   `json:"latency_rating"`
	SpeedRating       string   `json:"speed_rating"`
	ReliabilityRating string   `json:"reliability_rating"`
	SuitableFor       []string `json:"suitable_for"`
	Concerns          []string `json:"concerns"`
}

// Params are the raw metrics to interpret.
type Params struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64

	// Measured and Attempted count measurement servers; their ratio rates
	// how reliably the tunnel carried measurements.
	Measured  int
	Attempted int

	PrivateExit bool
}

// ParamsFor derives Params from a record's best successful measurement.
func ParamsFor(rec *types.ConnectionRecord) Params {
	p := Params{Attempted: len(rec.Results), PrivateExit: rec.Location.IsPrivate()}
	for _, r := range rec.Results {
		if r.OK {
			p.Measured++
		}
	}
	if best, ok := rec.Best(); ok {
		p.DownloadMbps = best.Download
		p.UploadMbps = best.Upload
		p.PingMs = best.Ping
	}
	return p
}

// InterpretRecord is Interpret(ParamsFor(rec)).
func InterpretRecord(rec *types.ConnectionRecord) *Interpretation {
	return Interpret(ParamsFor(rec))
}

// Interpret produces a diagnostic Interpretation from raw metrics.
func Interpret(p Params) *Interpretation {
	interp := &Interpretation{
		SuitableFor: []string{},
		Concerns:    []string{},
	}

	interp.LatencyRating = rateLatency(p.PingMs)
	interp.SpeedRating = rateSpeed(p.DownloadMbps, p.UploadMbps)
	interp.ReliabilityRating = rateReliability(p.Measured, p.Attempted)

	interp.SuitableFor = suitability(p)
	interp.Concerns = concerns(p)

	if p.Measured == 0 {
		interp.Grade = "F"
	} else {
		interp.Grade = computeGrade(interp.LatencyRating, interp.SpeedRating, interp.ReliabilityRating)
	}
	interp.Summary = buildSummary(interp.Grade, p)

	return interp
}

func rateLatency(ms float64) string {
	switch {
	case ms <= 0 || ms >= types.DefaultPing:
		return "unknown"
	case ms <= 20:
		return "excellent"
	case ms <= 50:
		return "good"
	case ms <= 100:
		return "fair"
	default:
		return "poor"
	}
}

func rateSpeed(downMbps, upMbps float64) string {
	// Use whichever is available; prefer download
	speed := downMbps
	if speed <= 0 {
		speed = upMbps
	}
	switch {
	case speed <= 0:
		return "unknown"
	case speed >= 100:
		return "fast"
	case speed >= 25:
		return "good"
	case speed >= 5:
		return "moderate"
	default:
		return "slow"
	}
}

func rateReliability(measured, attempted int) string {
	if attempted == 0 {
		return "unknown"
	}
	ratio := float64(measured) / float64(attempted)
	switch {
	case ratio >= 1:
		return "stable"
	case ratio >= 0.75:
		return "fair"
	case ratio > 0:
		return "degraded"
	default:
		return "unstable"
	}
}

func suitability(p Params) []string {
	s := []string{}
	if p.Measured == 0 {
		return s
	}

	// Browsing: 1+ Mbps, latency < 200ms
	if (p.DownloadMbps >= 1 || p.UploadMbps >= 1) && p.PingMs < 200 {
		s = append(s, "web_browsing")
	}

	// Video conferencing needs an upload figure; download-only runs skip it.
	if p.DownloadMbps >= 5 && p.UploadMbps >= 2 && p.PingMs < 100 {
		s = append(s, "video_conferencing")
	}

	// 4K streaming: 25+ Mbps down
	if p.DownloadMbps >= 25 {
		s = append(s, "streaming_4k")
	} else if p.DownloadMbps >= 5 {
		s = append(s, "streaming_hd")
	}

	if p.PingMs > 0 && p.PingMs < 50 {
		s = append(s, "gaming")
	}

	// Large file transfers: 50+ Mbps
	if p.DownloadMbps >= 50 || p.UploadMbps >= 50 {
		s = append(s, "large_transfers")
	}

	return s
}

func concerns(p Params) []string {
	c := []string{}

	if p.Attempted == 0 {
		c = append(c, "no_servers")
	} else if p.Measured == 0 {
		c = append(c, "no_measurements")
	} else if p.Measured < p.Attempted {
		c = append(c, "failed_measurements")
	}
	if p.PingMs > 100 && p.PingMs < types.DefaultPing {
		c = append(c, "high_latency")
	}
	if p.DownloadMbps > 0 && p.DownloadMbps < 5 {
		c = append(c, "slow_download")
	}
	if p.PrivateExit {
		c = append(c, "private_exit_ip")
	}

	return c
}

var ratingScore = map[string]int{
	"excellent": 4,
	"fast":      4,
	"stable":    4,
	"good":      3,
	"fair":      2,
	"moderate":  2,
	"degraded":  1,
	"poor":      0,
	"slow":      0,
	"unstable":  0,
	"unknown":   2, // neutral default
}

func computeGrade(latency, speed, reliability string) string {
	score := ratingScore[latency] + ratingScore[speed] + ratingScore[reliability]
	// Max score = 12 (4+4+4)
	switch {
	case score >= 11:
		return "A"
	case score >= 9:
		return "B"
	case score >= 6:
		return "C"
	case score >= 3:
		return "D"
	default:
		return "F"
	}
}

var gradeDesc = map[string]string{
	"A": "Excellent",
	"B": "Good",
	"C": "Fair",
	"D": "Poor",
	"F": "Very poor",
}

func buildSummary(grade string, p Params) string {
	parts := []string{}
	if p.DownloadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps down", p.DownloadMbps))
	}
	if p.UploadMbps > 0 {
		parts = append(parts, fmt.Sprintf("%.0f Mbps up", p.UploadMbps))
	}
	if p.PingMs > 0 && p.PingMs < types.DefaultPing {
		parts = append(parts, fmt.Sprintf("%.0fms ping", p.PingMs))
	}
	if p.Attempted > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d servers measured", p.Measured, p.Attempted))
	}

	summary := gradeDesc[grade] + " tunnel"
	if len(parts) > 0 {
		summary += ": " + strings.Join(parts, ", ")
	}
	return summary
}
