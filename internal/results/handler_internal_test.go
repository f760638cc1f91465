package results

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saveenergy/tunnelbench/internal/bench"
)

func TestMapGetStoreError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantMsg    string
		wantStatus int
	}{
		{
			name:       "retryable error maps to 503",
			err:        errors.Join(ErrStoreRetryable, errors.New("sqlite busy")),
			wantMsg:    "store temporarily unavailable",
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "internal error maps to 500",
			err:        errors.New("db closed"),
			wantMsg:    "internal error",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMsg, gotStatus := mapGetStoreError(tt.err)
			if gotMsg != tt.wantMsg {
				t.Fatalf("message = %q, want %q", gotMsg, tt.wantMsg)
			}
			if gotStatus != tt.wantStatus {
				t.Fatalf("status = %d, want %d", gotStatus, tt.wantStatus)
			}
		})
	}
}

func TestClassifyBusy(t *testing.T) {
	if !errors.Is(classify(errors.New("database is locked (5) (SQLITE_BUSY)")), ErrStoreRetryable) {
		t.Fatal("busy error not marked retryable")
	}
	if errors.Is(classify(errors.New("no such table: runs")), ErrStoreRetryable) {
		t.Fatal("schema error marked retryable")
	}
}

type memHistory struct {
	reports map[string]*bench.Report
	err     error
}

func (m *memHistory) Get(_ context.Context, id string) (*bench.Report, error) {
	return m.reports[id], m.err
}

func (m *memHistory) Latest(context.Context) (*bench.Report, error) {
	for _, r := range m.reports {
		return r, m.err
	}
	return nil, m.err
}

func (m *memHistory) List(context.Context, int) ([]RunSummary, error) {
	var out []RunSummary
	for id := range m.reports {
		out = append(out, RunSummary{ID: id})
	}
	return out, m.err
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	id := uuid.NewString()
	report := sampleReport(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	report.RunID = id
	h := NewHandler(&memHistory{reports: map[string]*bench.Report{id: report}})

	rec := serve(h, "/runs/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run status = %d body=%s", rec.Code, rec.Body)
	}
	var got struct {
		RunID   string            `json:"run_id"`
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RunID != id || len(got.Records) != 2 {
		t.Fatalf("unexpected body %s", rec.Body)
	}

	if rec := serve(h, "/runs/latest"); rec.Code != http.StatusOK {
		t.Fatalf("GET latest status = %d", rec.Code)
	}
	if rec := serve(h, "/runs?limit=5"); rec.Code != http.StatusOK {
		t.Fatalf("GET runs status = %d", rec.Code)
	}
	if rec := serve(h, "/runs?limit=0"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
	if rec := serve(h, "/runs/not-a-uuid"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
	if rec := serve(h, "/runs/"+uuid.NewString()); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", rec.Code)
	}
}

func TestHandlerStoreBusy(t *testing.T) {
	h := NewHandler(&memHistory{err: errors.Join(ErrStoreRetryable, errors.New("locked"))})
	if rec := serve(h, "/runs"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
