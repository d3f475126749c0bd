package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/ingest"
	"github.com/ethpandaops/knoboor/pkg/pipeline"
	"github.com/ethpandaops/knoboor/pkg/seriescache"
	"github.com/ethpandaops/knoboor/pkg/similarity"
	"github.com/ethpandaops/knoboor/pkg/tasks"
	"github.com/go-chi/chi/v5"
)

const (
	maxUploadSize = 32 << 20

	// statusUnavailable is reported when a chain was launched but none
	// of its tasks has a record.
	statusUnavailable = "UNAVAILABLE"
)

type uploadResponse struct {
	ResultID uint     `json:"result_id"`
	Message  string   `json:"message"`
	TaskIDs  []string `json:"task_ids,omitempty"`
}

// handleUpload ingests a probe upload and launches the tuning pipeline
// when the application has tuning enabled.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid multipart form"})

		return
	}

	code := r.FormValue("upload_code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"upload_code is required"})

		return
	}

	payloads, err := readPayloads(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	app, result, err := s.ingester.IngestByCode(r.Context(), code, payloads)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := uploadResponse{
		ResultID: result.ID,
		Message:  "Result stored successfully!",
	}

	// The upload is accepted even when the chain cannot be launched; the
	// pipeline state is observable through the status endpoint.
	handles, err := s.orchestrator.MaybeLaunch(
		context.WithoutCancel(r.Context()), result, app.TuningSession,
	)

	switch {
	case err != nil:
		s.log.WithError(err).
			WithField("result_id", result.ID).
			Error("Failed to launch pipeline")

		resp.Message += " Pipeline could not be launched."
	case handles != nil:
		resp.Message += " Running tuner..."
		resp.TaskIDs = handles.IDs()
	}

	writeJSON(w, http.StatusCreated, resp)
}

func readPayloads(r *http.Request) (*ingest.Payloads, error) {
	files := make(map[string][]byte, len(ingest.PayloadNames))

	for _, name := range ingest.PayloadNames {
		f, _, err := r.FormFile(name)
		if err != nil {
			return nil, &ingest.MalformedUploadError{
				Payload: name,
				Reason:  "file is missing",
			}
		}

		data, err := io.ReadAll(f)
		_ = f.Close()

		if err != nil {
			return nil, &ingest.MalformedUploadError{
				Payload: name,
				Reason:  "file could not be read",
			}
		}

		files[name] = data
	}

	return &ingest.Payloads{
		Summary:       files[ingest.PayloadSummary],
		Knobs:         files[ingest.PayloadKnobs],
		MetricsBefore: files[ingest.PayloadMetricsBefore],
		MetricsAfter:  files[ingest.PayloadMetricsAfter],
	}, nil
}

type resultResponse struct {
	Result              *store.Result      `json:"result"`
	Status              string             `json:"status,omitempty"`
	NextConfigAvailable bool               `json:"next_config_available"`
	Metrics             map[string]float64 `json:"metrics"`
	SameRuns            []uint             `json:"same_runs"`
	SimilarRuns         []uint             `json:"similar_runs"`
}

// handleResult returns a result with its pipeline status, its scaled
// metrics and the runs of the same workload with the same or a similar
// configuration.
func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	target, ok := s.loadResult(w, r)
	if !ok {
		return
	}

	ctx := r.Context()

	entry, err := s.catalog.Get(target.DBMSID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	peers, err := s.store.ListResults(ctx, store.ResultFilter{
		ApplicationID: target.ApplicationID,
		DBMSID:        target.DBMSID,
		WorkloadID:    target.WorkloadID,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	classes, err := s.similarity.ClassifyPeers(ctx, target, peers)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	report, err := pipeline.ChainStatus(ctx, s.runner, target)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	data, err := target.MetricSnapshot.Data()
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := resultResponse{
		Result:      target,
		Status:      string(report.OverallStatus),
		Metrics:     scaledMetrics(entry, data),
		SameRuns:    make([]uint, 0, len(classes)),
		SimilarRuns: make([]uint, 0, len(classes)),
	}

	if report.Launched && report.OverallStatus == "" {
		resp.Status = statusUnavailable
	}

	resp.NextConfigAvailable = report.OverallStatus == tasks.StatusSuccess &&
		report.State.Phase == pipeline.PhaseResolved

	for id, class := range classes {
		switch class {
		case similarity.Same:
			resp.SameRuns = append(resp.SameRuns, id)
		case similarity.Similar:
			resp.SimilarRuns = append(resp.SimilarRuns, id)
		}
	}

	sort.Slice(resp.SameRuns, func(i, j int) bool { return resp.SameRuns[i] < resp.SameRuns[j] })
	sort.Slice(resp.SimilarRuns, func(i, j int) bool { return resp.SimilarRuns[i] < resp.SimilarRuns[j] })

	writeJSON(w, http.StatusOK, resp)
}

// handlePipelineStatus returns the aggregated status of the result's
// chain.
func (s *server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	target, ok := s.loadResult(w, r)
	if !ok {
		return
	}

	report, err := pipeline.ChainStatus(r.Context(), s.runner, target)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

type revokeResponse struct {
	TaskID string `json:"task_id"`
}

// handlePipelineRevoke stops the chain of a result at its unfinished
// stage.
func (s *server) handlePipelineRevoke(w http.ResponseWriter, r *http.Request) {
	target, ok := s.loadResult(w, r)
	if !ok {
		return
	}

	taskID, err := s.orchestrator.Revoke(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, revokeResponse{TaskID: taskID})
}

// handleRecommendation returns the configuration recommended by a
// successful chain.
func (s *server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	target, ok := s.loadResult(w, r)
	if !ok {
		return
	}

	ids := target.TaskIDList()
	if len(ids) != len(pipeline.StageNames) {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"pipeline was not launched for this result"})

		return
	}

	rec, found, err := s.runner.Status(r.Context(), ids[len(ids)-1])
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if !found || tasks.Status(rec.Status) != tasks.StatusSuccess {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"recommendation not available yet"})

		return
	}

	var recommendation pipeline.Recommendation
	if err := json.Unmarshal([]byte(rec.Output), &recommendation); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, recommendation)
}

// handleBackup returns the raw payloads and diffs recorded for a result.
func (s *server) handleBackup(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid result id"})

		return
	}

	backup, err := s.store.GetBackup(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, backup)
}

// handleSeries returns the cached history of one metric up to the
// result, across runs of the same application and workload.
func (s *server) handleSeries(w http.ResponseWriter, r *http.Request) {
	target, ok := s.loadResult(w, r)
	if !ok {
		return
	}

	entry, err := s.catalog.Get(target.DBMSID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	name := chi.URLParam(r, "metric")

	metric, ok := entry.Metric(name)
	if !ok || !metric.Numeric() {
		writeJSON(w, http.StatusNotFound, errorResponse{"unknown metric"})

		return
	}

	series, err := s.series.GetOrCompute(r.Context(), name, target.ID,
		func(ctx context.Context) (seriescache.Series, error) {
			return s.resultSeries(ctx, target, metric)
		},
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metric":         name,
		"unit":           metric.Unit,
		"less_is_better": metric.LessIsBetter,
		"data":           series,
	})
}

// resultSeries builds the metric history of the result's workload up to
// and including the result itself.
func (s *server) resultSeries(
	ctx context.Context, target *store.Result, metric *catalog.Metric,
) (seriescache.Series, error) {
	results, err := s.store.ListResults(ctx, store.ResultFilter{
		ApplicationID: target.ApplicationID,
		DBMSID:        target.DBMSID,
		WorkloadID:    target.WorkloadID,
	})
	if err != nil {
		return nil, err
	}

	upTo := make([]store.Result, 0, len(results))

	for _, res := range results {
		if !res.EndTime.After(target.EndTime) {
			upTo = append(upTo, res)
		}
	}

	return metricSeries(upTo, metric, defaultRevisions)
}

func (s *server) loadResult(w http.ResponseWriter, r *http.Request) (*store.Result, bool) {
	id, ok := parseID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid result id"})

		return nil, false
	}

	result, err := s.store.GetResult(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return nil, false
	}

	return result, true
}

// scaledMetrics applies the catalog display scale to metric data.
func scaledMetrics(entry *catalog.Entry, data map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(data))

	for name, v := range data {
		if m, ok := entry.Metric(name); ok {
			v *= m.ScaleFactor()
		}

		out[name] = v
	}

	return out
}
