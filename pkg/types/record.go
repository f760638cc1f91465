package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// DefaultPing is the ping reported when the measurement tool gave none.
const DefaultPing = 9999

// MeasurementResult is one measurement server's outcome for one config.
// Speeds are Mbps rounded to two decimals; Ping is milliseconds.
type MeasurementResult struct {
	ServerName string  `json:"server_name"`
	ServerID   string  `json:"server_id"`
	ServerHost string  `json:"-"`
	Upload     float64 `json:"upload_speed"`
	Download   float64 `json:"download_speed"`
	Ping       float64 `json:"ping"`

	// OK is false when the value was defaulted after a failed measurement.
	OK bool `json:"-"`
}

func (r MeasurementResult) String() string {
	return fmt.Sprintf("{name=%s, download=%.2f, upload=%.2f, ping=%v}", r.ServerName, r.Download, r.Upload, r.Ping)
}

func (r *MeasurementResult) UnmarshalJSON(data []byte) error {
	type plain MeasurementResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = MeasurementResult(p)
	// The file format has no success flag; a fully defaulted entry is the
	// only shape a failed measurement can take.
	r.OK = !(r.Download == 0 && r.Upload == 0 && r.Ping == DefaultPing)
	return nil
}

// ConnectionRecord is the aggregated benchmark outcome for one config.
type ConnectionRecord struct {
	Name     string
	Index    int
	Location Location
	Results  []MeasurementResult
}

func (c *ConnectionRecord) String() string {
	return fmt.Sprintf("%s : %s", c.Name, c.Location)
}

// Best returns the fastest successful measurement.
func (c *ConnectionRecord) Best() (MeasurementResult, bool) {
	var best MeasurementResult
	found := false
	for _, r := range c.Results {
		if !r.OK {
			continue
		}
		if !found || r.Download > best.Download {
			best = r
			found = true
		}
	}
	return best, found
}

// BestDownload is the ranking key: the best successful download, or
// negative infinity when nothing succeeded.
func (c *ConnectionRecord) BestDownload() float64 {
	best, ok := c.Best()
	if !ok {
		return math.Inf(-1)
	}
	return best.Download
}

type recordJSON struct {
	ServerName       string              `json:"server_name"`
	IP               *string             `json:"ip"`
	City             *string             `json:"city"`
	Region           *string             `json:"region"`
	Country          *string             `json:"country"`
	Coordinate       Coordinate          `json:"coordinate"`
	SpeedtestResults []MeasurementResult `json:"speedtest_results"`
}

func (c ConnectionRecord) MarshalJSON() ([]byte, error) {
	results := c.Results
	if results == nil {
		results = []MeasurementResult{}
	}
	return json.Marshal(recordJSON{
		ServerName:       c.Name,
		IP:               nullable(c.Location.IP),
		City:             nullable(c.Location.City),
		Region:           nullable(c.Location.Region),
		Country:          nullable(c.Location.Country),
		Coordinate:       c.Location.Coordinate,
		SpeedtestResults: results,
	})
}

func (c *ConnectionRecord) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = ConnectionRecord{
		Name: w.ServerName,
		Location: Location{
			City:       deref(w.City),
			Region:     deref(w.Region),
			Country:    deref(w.Country),
			Coordinate: w.Coordinate,
		},
		Results: w.SpeedtestResults,
	}
	c.Location.SetIP(deref(w.IP))
	return nil
}

// SortResults orders results by download descending. Ties keep their
// order, except that successful results go before failed ones.
func SortResults(results []MeasurementResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Download != results[j].Download {
			return results[i].Download > results[j].Download
		}
		return results[i].OK && !results[j].OK
	})
}

// SortRecords orders records by BestDownload descending. Records without
// a successful measurement sort after every record with one.
func SortRecords(records []ConnectionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].BestDownload() > records[j].BestDownload()
	})
}
