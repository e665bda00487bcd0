package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/cryokit/ctfstream/internal/errors"
	"github.com/cryokit/ctfstream/pkg/ctf"
	"github.com/cryokit/ctfstream/pkg/results"
)

// ResultsHandler serves the read-only results API over a loaded
// collection. The collection is append-only and snapshot reads are
// prefix-consistent, so handlers never block writers.
type ResultsHandler struct {
	collection *results.Collection
}

// NewResultsHandler wraps a collection. A nil collection is treated as
// empty.
func NewResultsHandler(collection *results.Collection) *ResultsHandler {
	if collection == nil {
		collection = results.NewCollection()
	}
	return &ResultsHandler{collection: collection}
}

// ResultsListResponse is the body of GET /api/v1/results.
type ResultsListResponse struct {
	Count   int           `json:"count"`
	Results []*ctf.Result `json:"results"`
}

// SeriesListResponse is the body of GET /api/v1/series.
type SeriesListResponse struct {
	Count  int               `json:"count"`
	Series []*ctf.TiltSeries `json:"series"`
}

// SummaryResponse is the body of GET /api/v1/summary.
type SummaryResponse struct {
	Results  int `json:"results"`
	Clean    int `json:"clean"`
	Degraded int `json:"degraded"`
	Series   int `json:"series"`
	Complete int `json:"complete_series"`
}

// ListResults serves GET /api/v1/results.
func (h *ResultsHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	snap := h.collection.Snapshot()
	resp := ResultsListResponse{Count: len(snap.Results), Results: snap.Results}
	if resp.Results == nil {
		resp.Results = []*ctf.Result{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetResult serves GET /api/v1/results/{item}.
func (h *ResultsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item")

	snap := h.collection.Snapshot()
	for _, res := range snap.Results {
		if res.ItemID == itemID {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	respondWithError(w, r, apperrors.NewStatusError(
		http.StatusNotFound, "NOT_FOUND", "no result for item "+itemID))
}

// ListSeries serves GET /api/v1/series.
func (h *ResultsHandler) ListSeries(w http.ResponseWriter, r *http.Request) {
	snap := h.collection.Snapshot()
	resp := SeriesListResponse{Count: len(snap.Series), Series: snap.Series}
	if resp.Series == nil {
		resp.Series = []*ctf.TiltSeries{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSeries serves GET /api/v1/series/{series}.
func (h *ResultsHandler) GetSeries(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "series")

	snap := h.collection.Snapshot()
	for _, series := range snap.Series {
		if series.SeriesID == seriesID {
			writeJSON(w, http.StatusOK, series)
			return
		}
	}

	respondWithError(w, r, apperrors.NewStatusError(
		http.StatusNotFound, "NOT_FOUND", "no tilt series "+seriesID))
}

// Summary serves GET /api/v1/summary.
func (h *ResultsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	snap := h.collection.Snapshot()

	resp := SummaryResponse{Results: len(snap.Results), Series: len(snap.Series)}
	for _, res := range snap.Results {
		switch res.Quality {
		case ctf.QualityClean:
			resp.Clean++
		case ctf.QualityDegraded:
			resp.Degraded++
		}
	}
	for _, series := range snap.Series {
		if series.Complete {
			resp.Complete++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
