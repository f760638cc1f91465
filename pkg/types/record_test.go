package types_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/saveenergy/tunnelbench/pkg/types"
)

func result(name string, download float64) types.MeasurementResult {
	return types.MeasurementResult{ServerName: name, ServerID: name, Download: download, Ping: 10, OK: true}
}

func downloads(results []types.MeasurementResult) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Download
	}
	return out
}

func TestSortResultsDescendingByDownload(t *testing.T) {
	results := []types.MeasurementResult{result("a", 5), result("b", 20), result("c", 1)}
	types.SortResults(results)

	if diff := cmp.Diff([]float64{20, 5, 1}, downloads(results)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortResultsPutsFailedAfterSuccessfulOnTie(t *testing.T) {
	failed := types.MeasurementResult{ServerName: "failed", Ping: types.DefaultPing}
	ok := result("ok", 0)
	results := []types.MeasurementResult{failed, ok}
	types.SortResults(results)

	if results[0].ServerName != "ok" || results[1].ServerName != "failed" {
		t.Fatalf("unexpected order: %v", results)
	}
}

func TestBestDownloadSentinel(t *testing.T) {
	empty := types.ConnectionRecord{Name: "empty"}
	if !math.IsInf(empty.BestDownload(), -1) {
		t.Fatalf("empty record BestDownload = %v, want -Inf", empty.BestDownload())
	}

	onlyFailed := types.ConnectionRecord{Name: "failed", Results: []types.MeasurementResult{{Ping: types.DefaultPing}}}
	if !math.IsInf(onlyFailed.BestDownload(), -1) {
		t.Fatalf("failed-only record BestDownload = %v, want -Inf", onlyFailed.BestDownload())
	}

	rec := types.ConnectionRecord{Results: []types.MeasurementResult{result("a", 3), result("b", 7.5)}}
	if rec.BestDownload() != 7.5 {
		t.Fatalf("BestDownload = %v, want 7.5", rec.BestDownload())
	}
}

func TestSortRecordsRanksEmptyStrictlyLast(t *testing.T) {
	records := []types.ConnectionRecord{
		{Name: "none"},
		{Name: "zero", Results: []types.MeasurementResult{result("s", 0)}},
		{Name: "fast", Results: []types.MeasurementResult{result("s", 90)}},
		{Name: "failed", Results: []types.MeasurementResult{{Ping: types.DefaultPing}}},
		{Name: "slow", Results: []types.MeasurementResult{result("s", 4)}},
	}
	types.SortRecords(records)

	var names []string
	for _, r := range records {
		names = append(names, r.Name)
	}
	want := []string{"fast", "slow", "zero", "none", "failed"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("record order mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectionRecordJSONShape(t *testing.T) {
	rec := types.ConnectionRecord{
		Name:  "se-got-wg-001",
		Index: 1,
		Location: types.Location{
			IP:         "185.213.154.68",
			City:       "Gothenburg",
			Country:    "Sweden",
			Coordinate: types.NewCoordinate(11.9668, 57.7065),
		},
		Results: []types.MeasurementResult{{
			ServerName: "Bahnhof (Gothenburg)",
			ServerID:   "1234",
			ServerHost: "speedtest.example.net:8080",
			Upload:     0,
			Download:   93.52,
			Ping:       12.5,
			OK:         true,
		}},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"server_name":"se-got-wg-001","ip":"185.213.154.68","city":"Gothenburg","region":null,` +
		`"country":"Sweden","coordinate":[11.9668,57.7065],"speedtest_results":[{"server_name":"Bahnhof (Gothenburg)",` +
		`"server_id":"1234","upload_speed":0,"download_speed":93.52,"ping":12.5}]}`
	if string(data) != want {
		t.Fatalf("json mismatch\n got: %s\nwant: %s", data, want)
	}

	var back types.ConnectionRecord
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Name != rec.Name || back.Location.City != "Gothenburg" || back.Location.Region != "" {
		t.Fatalf("unexpected decoded record: %+v", back)
	}
	if back.Location.Version != "IPv4" {
		t.Fatalf("Version = %q, want IPv4", back.Location.Version)
	}
	if !back.Results[0].OK || back.BestDownload() != 93.52 {
		t.Fatalf("decoded result should count as successful: %+v", back.Results[0])
	}
}

func TestEmptyRecordSerializesNullsAndUnknownCoordinate(t *testing.T) {
	data, err := json.Marshal(types.ConnectionRecord{Name: "x"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"server_name":"x","ip":null,"city":null,"region":null,"country":null,"coordinate":["?","?"],"speedtest_results":[]}`
	if string(data) != want {
		t.Fatalf("json mismatch\n got: %s\nwant: %s", data, want)
	}
}

func TestDefaultedResultDecodesAsFailed(t *testing.T) {
	var r types.MeasurementResult
	if err := json.Unmarshal([]byte(`{"server_name":"s","server_id":"unknown_id","upload_speed":0,"download_speed":0,"ping":9999}`), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.OK {
		t.Fatal("defaulted result decoded as successful")
	}
}
