package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/seriescache"
)

// defaultRevisions is the number of most recent results plotted when the
// caller does not ask for a different window.
const defaultRevisions = 10

type timelineSeries struct {
	Workload     string             `json:"workload"`
	Metric       string             `json:"metric"`
	Unit         string             `json:"unit,omitempty"`
	LessIsBetter bool               `json:"less_is_better"`
	Data         seriescache.Series `json:"data"`
}

type timelineResponse struct {
	Application *store.Application `json:"application"`
	Timelines   []timelineSeries   `json:"timelines"`
}

// handleTimeline returns per-workload metric timelines for an
// application. Query parameters:
//
//	metric    comma separated metric names, defaults to the target objective
//	workload  restrict to one workload by name
//	revs      number of recent results per workload, "all" for no limit
func (s *server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid application id"})

		return
	}

	ctx := r.Context()

	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	entry, err := s.catalog.Get(app.DBMSID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	q := r.URL.Query()

	metrics, err := timelineMetrics(entry, app, q.Get("metric"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	revs := defaultRevisions

	switch v := q.Get("revs"); v {
	case "":
	case "all":
		revs = 0
	default:
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"revs must be a non-negative integer or all"})

			return
		}

		revs = n
	}

	workloads, err := s.store.ListWorkloads(ctx, app.DBMSID, app.Hardware)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := timelineResponse{
		Application: app,
		Timelines:   make([]timelineSeries, 0, len(workloads)*len(metrics)),
	}

	name := q.Get("workload")

	for _, wl := range workloads {
		if name != "" && wl.Name != name {
			continue
		}

		results, err := s.store.ListResults(ctx, store.ResultFilter{
			ApplicationID: app.ID,
			WorkloadID:    wl.ID,
		})
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		if len(results) == 0 {
			continue
		}

		for _, metric := range metrics {
			data, err := metricSeries(results, metric, revs)
			if err != nil {
				s.writeError(w, r, err)

				return
			}

			resp.Timelines = append(resp.Timelines, timelineSeries{
				Workload:     wl.Name,
				Metric:       metric.Name,
				Unit:         metric.Unit,
				LessIsBetter: metric.LessIsBetter,
				Data:         data,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type badMetricError string

func (e badMetricError) Error() string {
	return "unknown or non-numeric metric " + strconv.Quote(string(e))
}

// timelineMetrics resolves the requested metric names. Without a request
// the target objective is used, or every numeric metric when the
// application has none.
func timelineMetrics(
	entry *catalog.Entry, app *store.Application, requested string,
) ([]*catalog.Metric, error) {
	var names []string

	switch {
	case requested != "":
		names = strings.Split(requested, ",")
	case app.TargetObjective != "":
		names = []string{app.TargetObjective}
	default:
		for _, name := range entry.MetricKeySet() {
			if entry.IsNumericMetric(name) {
				names = append(names, name)
			}
		}
	}

	metrics := make([]*catalog.Metric, 0, len(names))

	for _, name := range names {
		name = strings.TrimSpace(name)

		m, ok := entry.Metric(name)
		if !ok || !m.Numeric() {
			return nil, badMetricError(name)
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

// metricSeries turns results ordered by end time into scaled points,
// keeping only the last revs results. Results that do not report the
// metric are skipped. A revs of zero keeps everything.
func metricSeries(
	results []store.Result, metric *catalog.Metric, revs int,
) (seriescache.Series, error) {
	if revs > 0 && len(results) > revs {
		results = results[len(results)-revs:]
	}

	scale := metric.ScaleFactor()
	series := make(seriescache.Series, 0, len(results))

	for i := range results {
		if results[i].MetricSnapshot == nil {
			continue
		}

		data, err := results[i].MetricSnapshot.Data()
		if err != nil {
			return nil, err
		}

		v, ok := data[metric.Name]
		if !ok {
			continue
		}

		series = append(series, seriescache.Point{
			Time:  results[i].EndTime.UnixMilli(),
			Value: v * scale,
		})
	}

	return series, nil
}
