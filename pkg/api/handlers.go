package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/ingest"
	"github.com/ethpandaops/knoboor/pkg/pipeline"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps core errors to HTTP responses. Unexpected errors are
// logged and reported without detail.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		malformedErr   *ingest.MalformedUploadError
		unsupportedErr *catalog.UnsupportedDBMSError
		mismatchErr    *ingest.DBMSMismatchError
		unknownAppErr  *ingest.UnknownApplicationError
	)

	switch {
	case errors.As(err, &malformedErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.As(err, &unsupportedErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{err.Error()})
	case errors.As(err, &mismatchErr):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case errors.As(err, &unknownAppErr):
		writeJSON(w, http.StatusForbidden, errorResponse{"invalid upload code"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})
	case errors.Is(err, pipeline.ErrNotLaunched):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, pipeline.ErrNothingInFlight),
		errors.Is(err, store.ErrStatusChanged):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal server error"})
	}
}

// parseID parses a positive numeric URL parameter.
func parseID(r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}

	return uint(id), true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type catalogEntryResponse struct {
	ID      string           `json:"id"`
	DBMS    catalog.DBMS     `json:"dbms"`
	Knobs   []catalog.Knob   `json:"knobs"`
	Metrics []catalog.Metric `json:"metrics"`
}

// handleCatalogEntry returns the knobs and metrics of a DBMS version.
func (s *server) handleCatalogEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.catalog.Resolve(
		chi.URLParam(r, "type"), chi.URLParam(r, "version"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := catalogEntryResponse{
		ID:      entry.DBMS.ID(),
		DBMS:    entry.DBMS,
		Knobs:   make([]catalog.Knob, 0, len(entry.KeySet())),
		Metrics: make([]catalog.Metric, 0, len(entry.MetricKeySet())),
	}

	for _, name := range entry.KeySet() {
		k, _ := entry.Knob(name)
		resp.Knobs = append(resp.Knobs, *k)
	}

	for _, name := range entry.MetricKeySet() {
		m, _ := entry.Metric(name)
		resp.Metrics = append(resp.Metrics, *m)
	}

	writeJSON(w, http.StatusOK, resp)
}

type publishRankingRequest struct {
	DBMSID   string   `json:"dbms_id"`
	Hardware string   `json:"hardware"`
	Knobs    []string `json:"knobs"`
}

// handlePublishRanking stores a knob-importance ranking computed outside
// the service. The latest ranking per DBMS and hardware drives the
// similar-configuration classification.
func (s *server) handlePublishRanking(w http.ResponseWriter, r *http.Request) {
	var req publishRankingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.DBMSID == "" || req.Hardware == "" || len(req.Knobs) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"dbms_id, hardware and knobs are required"})

		return
	}

	entry, err := s.catalog.Get(req.DBMSID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	for _, name := range req.Knobs {
		if !entry.IsTunable(name) {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"knob " + strconv.Quote(name) + " is not a tunable knob"})

			return
		}
	}

	value, err := json.Marshal(req.Knobs)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	artifact := &store.PipelineArtifact{
		DBMSID:   req.DBMSID,
		Hardware: req.Hardware,
		Kind:     store.ArtifactRankedKnobs,
		Value:    string(value),
	}

	if err := s.store.CreateArtifact(r.Context(), artifact); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, artifact)
}
