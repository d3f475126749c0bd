// Package ingest turns uploaded probe payloads into stored results.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/archive"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/normalize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var uploads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "knoboor_uploads_total",
		Help: "Total number of uploads by outcome",
	},
	[]string{"outcome"},
)

// Ingester validates, normalizes and stores uploads.
type Ingester struct {
	log      logrus.FieldLogger
	store    store.Store
	catalog  catalog.Catalog
	archiver archive.Archiver
}

// NewIngester creates an Ingester.
func NewIngester(
	log logrus.FieldLogger,
	st store.Store,
	cat catalog.Catalog,
	archiver archive.Archiver,
) *Ingester {
	if archiver == nil {
		archiver = archive.NewNoop()
	}

	return &Ingester{
		log:      log.WithField("component", "ingest"),
		store:    st,
		catalog:  cat,
		archiver: archiver,
	}
}

// IngestByCode resolves the application owning uploadCode and ingests the
// payloads for it.
func (i *Ingester) IngestByCode(
	ctx context.Context, uploadCode string, p *Payloads,
) (*store.Application, *store.Result, error) {
	app, err := i.store.GetApplicationByUploadCode(ctx, uploadCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			i.log.WithField("upload_code", redact(uploadCode)).
				Warn("Upload with unknown upload code")
			uploads.WithLabelValues("unknown_application").Inc()

			return nil, nil, &UnknownApplicationError{UploadCode: uploadCode}
		}

		return nil, nil, err
	}

	result, err := i.Ingest(ctx, app, p)
	if err != nil {
		return nil, nil, err
	}

	return app, result, nil
}

// Ingest stores one upload for app and returns the created result. The
// result and its snapshots are written atomically; the backup row and the
// archive copy are best-effort and only logged on failure.
func (i *Ingester) Ingest(
	ctx context.Context, app *store.Application, p *Payloads,
) (*store.Result, error) {
	result, err := i.ingest(ctx, app, p)
	if err != nil {
		uploads.WithLabelValues(outcome(err)).Inc()

		return nil, err
	}

	uploads.WithLabelValues("accepted").Inc()

	return result, nil
}

func (i *Ingester) ingest(
	ctx context.Context, app *store.Application, p *Payloads,
) (*store.Result, error) {
	upload, err := Decode(p)
	if err != nil {
		return nil, err
	}

	entry, err := i.catalog.Resolve(
		upload.Summary.DatabaseType, upload.Summary.DatabaseVersion,
	)
	if err != nil {
		return nil, err
	}

	if entry.DBMS.ID() != app.DBMSID {
		return nil, &DBMSMismatchError{
			Expected: app.DBMSID,
			Actual:   upload.Summary.DBMS(),
		}
	}

	knobs, knobDiffs := normalize.NormalizeConfig(entry, upload.Knobs)
	nondefault := normalize.NonDefaultSettings(entry, knobs)
	metrics, metricDiffs := normalize.NormalizeMetrics(
		entry, upload.MetricsBefore, upload.MetricsAfter, upload.Observation,
	)

	capture, err := buildCapture(entry, app, upload, knobs, nondefault, metrics)
	if err != nil {
		return nil, err
	}

	if err := i.store.CreateCapture(ctx, capture); err != nil {
		return nil, err
	}

	result := capture.Result
	log := i.log.WithFields(logrus.Fields{
		"result_id":   result.ID,
		"application": app.Name,
		"workload":    upload.Summary.WorkloadName,
	})

	if err := i.backup(ctx, result.ID, p, knobDiffs, metricDiffs); err != nil {
		log.WithError(err).Warn("Failed to write backup data")
	}

	if err := i.archiver.Archive(ctx, result.ID, p.Files()); err != nil {
		log.WithError(err).Warn("Failed to archive payloads")
	}

	log.WithFields(logrus.Fields{
		"knob_diffs":   len(knobDiffs),
		"metric_diffs": len(metricDiffs),
	}).Info("Result ingested")

	return result, nil
}

func buildCapture(
	entry *catalog.Entry,
	app *store.Application,
	upload *Upload,
	knobs, nondefault normalize.Knobs,
	metrics *normalize.Metrics,
) (*store.Capture, error) {
	configuration, err := json.Marshal(knobs)
	if err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}

	knobData, err := json.Marshal(normalize.KnobVector(entry, knobs, false))
	if err != nil {
		return nil, fmt.Errorf("encoding knob data: %w", err)
	}

	nondefaultJSON, err := json.Marshal(nondefault)
	if err != nil {
		return nil, fmt.Errorf("encoding nondefault settings: %w", err)
	}

	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("encoding metrics: %w", err)
	}

	metricData, err := json.Marshal(metrics.Rates(entry))
	if err != nil {
		return nil, fmt.Errorf("encoding metric data: %w", err)
	}

	name := app.Name + "@" + upload.End.Format("2006-01-02T15:04:05Z")

	return &store.Capture{
		Application: app,
		KnobSnapshot: &store.KnobSnapshot{
			ApplicationID:      app.ID,
			DBMSID:             app.DBMSID,
			Name:               name,
			Configuration:      string(configuration),
			KnobData:           string(knobData),
			NondefaultSettings: string(nondefaultJSON),
		},
		Metrics: &store.MetricSnapshot{
			ApplicationID: app.ID,
			DBMSID:        app.DBMSID,
			Name:          name,
			Metrics:       string(metricsJSON),
			MetricData:    string(metricData),
		},
		WorkloadName: upload.Summary.WorkloadName,
		Result: &store.Result{
			StartTime:       upload.Start,
			EndTime:         upload.End,
			ObservationTime: upload.Observation.Seconds(),
		},
		NondefaultSettings: string(nondefaultJSON),
	}, nil
}

func (i *Ingester) backup(
	ctx context.Context,
	resultID uint,
	p *Payloads,
	knobDiffs, metricDiffs []normalize.Diff,
) error {
	kd, err := json.Marshal(knobDiffs)
	if err != nil {
		return fmt.Errorf("encoding knob diffs: %w", err)
	}

	md, err := json.Marshal(metricDiffs)
	if err != nil {
		return fmt.Errorf("encoding metric diffs: %w", err)
	}

	return i.store.CreateBackup(ctx, &store.BackupData{
		ResultID:              resultID,
		OriginalSummary:       string(p.Summary),
		OriginalKnobs:         string(p.Knobs),
		OriginalMetricsBefore: string(p.MetricsBefore),
		OriginalMetricsAfter:  string(p.MetricsAfter),
		KnobDiffs:             string(kd),
		MetricDiffs:           string(md),
	})
}

func outcome(err error) string {
	var (
		malformedErr   *MalformedUploadError
		mismatchErr    *DBMSMismatchError
		unsupportedErr *catalog.UnsupportedDBMSError
	)

	switch {
	case errors.As(err, &malformedErr):
		return "malformed"
	case errors.As(err, &mismatchErr):
		return "dbms_mismatch"
	case errors.As(err, &unsupportedErr):
		return "unsupported_dbms"
	default:
		return "error"
	}
}

// redact keeps only a short prefix of an upload code for logging.
func redact(code string) string {
	if len(code) <= 4 {
		return "****"
	}

	return code[:4] + "****"
}
