package speedtest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	benchErrors "github.com/saveenergy/tunnelbench/pkg/errors"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

const (
	UnknownServerID   = "unknown_id"
	UnknownServerHost = "unknown_host"
)

// Server is one entry of the measurement tool's server listing.
type Server struct {
	ID   string
	Name string
}

// ParseServerList reads "id) name" lines. Lines without a ")" or whose id
// is not a number (banners, "Retrieving speedtest.net configuration...")
// are skipped.
func ParseServerList(out []byte) []Server {
	var servers []Server
	for _, line := range strings.Split(string(out), "\n") {
		id, name, ok := strings.Cut(line, ")")
		if !ok {
			continue
		}
		id = strings.TrimSpace(id)
		if !isDigits(id) {
			continue
		}
		servers = append(servers, Server{ID: id, Name: strings.TrimSpace(name)})
	}
	return servers
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type resultJSON struct {
	Ping     *float64 `json:"ping"`
	Upload   *float64 `json:"upload"`
	Download *float64 `json:"download"`
	Server   struct {
		ID   json.RawMessage `json:"id"`
		Host *string         `json:"host"`
	} `json:"server"`
}

// DefaultResult is what a measurement that produced nothing records.
func DefaultResult(serverName string) types.MeasurementResult {
	return types.MeasurementResult{
		ServerName: serverName,
		ServerID:   UnknownServerID,
		ServerHost: UnknownServerHost,
		Ping:       types.DefaultPing,
	}
}

// ParseResult decodes the tool's JSON report. Missing keys take their
// defaults (ping 9999, speeds 0). Empty or malformed output returns the
// default result and an OUTPUT_UNPARSEABLE error. It never panics.
func ParseResult(serverName string, out []byte) (types.MeasurementResult, error) {
	res := DefaultResult(serverName)

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return res, benchErrors.ErrUnparseable("empty measurement output", nil)
	}
	var raw resultJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return res, benchErrors.ErrUnparseable("measurement output", err)
	}

	if raw.Ping != nil {
		res.Ping = *raw.Ping
	}
	if raw.Upload != nil {
		res.Upload = toMbps(*raw.Upload)
	}
	if raw.Download != nil {
		res.Download = toMbps(*raw.Download)
	}
	if id := serverID(raw.Server.ID); id != "" {
		res.ServerID = id
	}
	if raw.Server.Host != nil && *raw.Server.Host != "" {
		res.ServerHost = *raw.Server.Host
	}
	res.OK = raw.Download != nil
	return res, nil
}

// toMbps converts bytes per second the way the report has always done:
// scale by 1e-6 and round to two decimals.
func toMbps(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*1e-6*100) / 100
}

func serverID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}
