package results

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/saveenergy/tunnelbench/internal/bench"
	"github.com/saveenergy/tunnelbench/internal/logging"
)

const maxListLimit = 200

// History is the read side of Store.
type History interface {
	Get(ctx context.Context, id string) (*bench.Report, error)
	Latest(ctx context.Context) (*bench.Report, error)
	List(ctx context.Context, limit int) ([]RunSummary, error)
}

// Handler serves the run history read-only over HTTP.
type Handler struct {
	store History
}

func NewHandler(store History) *Handler {
	return &Handler{store: store}
}

// Register mounts the history routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs", h.List)
	mux.HandleFunc("GET /runs/latest", h.Latest)
	mux.HandleFunc("GET /runs/{id}", h.Get)
}

func respondJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("results: marshal response failed", logging.F("error", err))
		code = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}` + "\n")
	}
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusOK {
		w.Header().Set("Cache-Control", "no-store")
	}
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		logging.Warn("results: write response failed", logging.F("error", err))
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			respondJSONError(w, "limit must be between 1 and 200", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.store.List(r.Context(), limit)
	if err != nil {
		msg, code := mapGetStoreError(err)
		respondJSONError(w, msg, code)
		return
	}
	if runs == nil {
		runs = []RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Latest(r.Context())
	h.respondReport(w, report, err)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		respondJSONError(w, "invalid run ID", http.StatusBadRequest)
		return
	}
	report, err := h.store.Get(r.Context(), id)
	h.respondReport(w, report, err)
}

func (h *Handler) respondReport(w http.ResponseWriter, report *bench.Report, err error) {
	if err != nil {
		msg, code := mapGetStoreError(err)
		respondJSONError(w, msg, code)
		return
	}
	if report == nil {
		respondJSONError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func mapGetStoreError(err error) (string, int) {
	if errors.Is(err, ErrStoreRetryable) {
		return "store temporarily unavailable", http.StatusServiceUnavailable
	}
	return "internal error", http.StatusInternalServerError
}
