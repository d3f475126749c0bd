package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/ethpandaops/knoboor/pkg/ingest"
	"github.com/ethpandaops/knoboor/pkg/normalize"
)

type recordingArchiver struct {
	mu    sync.Mutex
	files map[uint]map[string][]byte
	err   error
}

func (r *recordingArchiver) Preflight(context.Context) error { return nil }

func (r *recordingArchiver) Archive(_ context.Context, id uint, files map[string][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	if r.files == nil {
		r.files = make(map[uint]map[string][]byte, 1)
	}

	r.files[id] = files

	return nil
}

// failingBackupStore rejects every backup write.
type failingBackupStore struct {
	store.Store
}

func (failingBackupStore) CreateBackup(context.Context, *store.BackupData) error {
	return errors.New("disk full")
}

type fixture struct {
	store    store.Store
	catalog  catalog.Catalog
	archiver *recordingArchiver
	ingester *ingest.Ingester
	app      *store.Application
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "ingest.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	data, err := os.ReadFile("../../catalogs/postgres-9.6.yaml")
	require.NoError(t, err)

	pg96, err := catalog.Parse(data)
	require.NoError(t, err)

	pg10 := catalog.NewEntry(catalog.DBMS{Type: "postgres", Version: "10"}, []catalog.Knob{
		{Name: "shared_buffers", Type: catalog.KnobInteger, Unit: catalog.UnitBytes, Default: "128MB", Tunable: true},
	}, nil)

	cat := catalog.New(pg96, pg10)

	ctx := context.Background()
	project := &store.Project{Name: "tuning", Owner: "alice"}
	require.NoError(t, st.UpsertProject(ctx, project))

	app := &store.Application{
		ProjectID:     project.ID,
		Name:          "orders",
		UploadCode:    "UPLOAD42",
		DBMSID:        "postgres-9.6",
		Hardware:      "m5.large",
		TuningSession: true,
	}
	require.NoError(t, st.UpsertApplication(ctx, app))

	archiver := &recordingArchiver{}

	return &fixture{
		store:    st,
		catalog:  cat,
		archiver: archiver,
		ingester: ingest.NewIngester(log, st, cat, archiver),
		app:      app,
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func validPayloads(t *testing.T) *ingest.Payloads {
	t.Helper()

	return &ingest.Payloads{
		Summary: mustJSON(t, map[string]any{
			"database_type":    "PostgreSQL",
			"database_version": "9.6.3",
			"workload_name":    "tpcc",
			"observation_time": 300,
			"start_time":       1700000000000,
			"end_time":         1700000300000,
		}),
		Knobs: mustJSON(t, map[string]any{
			"shared_buffers": "1GB",
			"work_mem":       "4MB",
			"fsync":          "on",
			"not_a_knob":     "x",
		}),
		MetricsBefore: mustJSON(t, map[string]any{
			"pg_stat_database.xact_commit":   1000,
			"pg_stat_database.xact_rollback": 10,
		}),
		MetricsAfter: mustJSON(t, map[string]any{
			"pg_stat_database.xact_commit":   1600,
			"pg_stat_database.xact_rollback": 4,
			"throughput_txn_per_sec":         "2.5",
			"pg_stat_database.stats_reset":   "2024-01-01 00:00:00",
		}),
	}
}

func TestIngest_Success(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	p := validPayloads(t)

	app, result, err := f.ingester.IngestByCode(ctx, "UPLOAD42", p)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, f.app.ID, app.ID)

	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), result.StartTime)
	assert.Equal(t, time.UnixMilli(1700000300000).UTC(), result.EndTime)
	assert.Equal(t, time.UTC, result.StartTime.Location())
	assert.InDelta(t, 300, result.ObservationTime, 0.001)
	assert.Empty(t, result.TaskIDs)

	stored, err := f.store.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, "tpcc", stored.Workload.Name)

	entry, err := f.catalog.Get("postgres-9.6")
	require.NoError(t, err)

	knobs, err := stored.KnobSnapshot.Knobs()
	require.NoError(t, err)
	assert.Len(t, knobs, len(entry.KeySet()))
	assert.Equal(t, "1073741824", knobs["shared_buffers"])
	assert.NotContains(t, knobs, "not_a_knob")

	metrics, err := stored.MetricSnapshot.Decode()
	require.NoError(t, err)
	assert.Equal(t, float64(600), metrics.Values["pg_stat_database.xact_commit"])
	assert.Equal(t, float64(0), metrics.Values["pg_stat_database.xact_rollback"])
	assert.Equal(t, 2.5, metrics.Values["throughput_txn_per_sec"])
	assert.Contains(t, metrics.Info, "pg_stat_database.stats_reset")

	data, err := stored.MetricSnapshot.Data()
	require.NoError(t, err)
	assert.InDelta(t, 2.0, data["pg_stat_database.xact_commit"], 0.0001)

	backup, err := f.store.GetBackup(ctx, result.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(p.Knobs), backup.OriginalKnobs)

	var knobDiffs []normalize.Diff
	require.NoError(t, json.Unmarshal([]byte(backup.KnobDiffs), &knobDiffs))
	assert.Contains(t, knobDiffs, normalize.Diff{
		Kind: normalize.DiffUnknownKey, Name: "not_a_knob", Value: "x",
	})

	var metricDiffs []normalize.Diff
	require.NoError(t, json.Unmarshal([]byte(backup.MetricDiffs), &metricDiffs))

	kinds := make(map[normalize.DiffKind]bool, len(metricDiffs))
	for _, d := range metricDiffs {
		kinds[d.Kind] = true
	}

	assert.True(t, kinds[normalize.DiffCounterReset])
	assert.True(t, kinds[normalize.DiffMissingKey])

	require.Contains(t, f.archiver.files, result.ID)
	assert.Len(t, f.archiver.files[result.ID], 4)

	// First capture wins for the application's non-default settings.
	updated, err := f.store.GetApplication(ctx, f.app.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NondefaultSettings)

	var nondefault map[string]string
	require.NoError(t, json.Unmarshal([]byte(*updated.NondefaultSettings), &nondefault))
	assert.Equal(t, "1073741824", nondefault["shared_buffers"])

	for k := range nondefault {
		assert.Contains(t, knobs, k, "non-default settings are a subset of the capture")
	}
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, p *ingest.Payloads)
		check  func(t *testing.T, err error)
	}{
		{
			name: "summary is not json",
			mutate: func(_ *testing.T, p *ingest.Payloads) {
				p.Summary = []byte("{not json")
			},
			check: isMalformed,
		},
		{
			name: "summary misses a field",
			mutate: func(t *testing.T, p *ingest.Payloads) {
				p.Summary = mustJSON(t, map[string]any{
					"database_type": "postgres", "database_version": "9.6",
					"workload_name": "tpcc", "start_time": 1, "end_time": 2,
				})
			},
			check: isMalformed,
		},
		{
			name: "end before start",
			mutate: func(t *testing.T, p *ingest.Payloads) {
				p.Summary = mustJSON(t, map[string]any{
					"database_type": "postgres", "database_version": "9.6",
					"workload_name": "tpcc", "observation_time": 1,
					"start_time": 2000, "end_time": 1000,
				})
			},
			check: isMalformed,
		},
		{
			name: "knobs are an array",
			mutate: func(_ *testing.T, p *ingest.Payloads) {
				p.Knobs = []byte(`["shared_buffers"]`)
			},
			check: isMalformed,
		},
		{
			name: "nested metric",
			mutate: func(_ *testing.T, p *ingest.Payloads) {
				p.MetricsAfter = []byte(`{"pg_stat_database": {"xact_commit": 1}}`)
			},
			check: isMalformed,
		},
		{
			name: "unsupported version",
			mutate: func(t *testing.T, p *ingest.Payloads) {
				p.Summary = mustJSON(t, map[string]any{
					"database_type": "mysql", "database_version": "5.7",
					"workload_name": "tpcc", "observation_time": 1,
					"start_time": 1000, "end_time": 2000,
				})
			},
			check: func(t *testing.T, err error) {
				var target *catalog.UnsupportedDBMSError
				assert.True(t, errors.As(err, &target), err)
			},
		},
		{
			name: "dbms mismatch",
			mutate: func(t *testing.T, p *ingest.Payloads) {
				p.Summary = mustJSON(t, map[string]any{
					"database_type": "postgres", "database_version": "10",
					"workload_name": "tpcc", "observation_time": 1,
					"start_time": 1000, "end_time": 2000,
				})
			},
			check: func(t *testing.T, err error) {
				var target *ingest.DBMSMismatchError
				require.True(t, errors.As(err, &target), err)
				assert.Equal(t, "postgres-9.6", target.Expected)
				assert.Equal(t, "10", target.Actual.Version)
				assert.Contains(t, err.Error(), "postgres-10")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			p := validPayloads(t)
			tt.mutate(t, p)

			_, err := f.ingester.Ingest(context.Background(), f.app, p)
			require.Error(t, err)
			tt.check(t, err)

			results, err := f.store.ListResults(context.Background(), store.ResultFilter{ApplicationID: f.app.ID})
			require.NoError(t, err)
			assert.Empty(t, results, "nothing is written for a rejected upload")
		})
	}
}

func isMalformed(t *testing.T, err error) {
	t.Helper()

	var target *ingest.MalformedUploadError
	assert.True(t, errors.As(err, &target), err)
}

func TestIngest_UnknownApplication(t *testing.T) {
	f := setup(t)

	_, _, err := f.ingester.IngestByCode(context.Background(), "WRONG", validPayloads(t))
	require.Error(t, err)

	var target *ingest.UnknownApplicationError
	require.True(t, errors.As(err, &target))
	assert.NotContains(t, err.Error(), "WRONG")
}

func TestIngest_ArchiveFailureIsNotFatal(t *testing.T) {
	f := setup(t)
	f.archiver.err = errors.New("bucket gone")

	result, err := f.ingester.Ingest(context.Background(), f.app, validPayloads(t))
	require.NoError(t, err)
	assert.NotZero(t, result.ID)
}

func TestIngest_BackupFailureKeepsResult(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	ingester := ingest.NewIngester(
		log, failingBackupStore{Store: f.store}, f.catalog, f.archiver,
	)

	result, err := ingester.Ingest(ctx, f.app, validPayloads(t))
	require.NoError(t, err)
	require.NotZero(t, result.ID)

	stored, err := f.store.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, stored.ID)

	_, err = f.store.GetBackup(ctx, result.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestIngest_SameWorkloadReused(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.ingester.Ingest(ctx, f.app, validPayloads(t))
	require.NoError(t, err)

	second, err := f.ingester.Ingest(ctx, f.app, validPayloads(t))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.WorkloadID, second.WorkloadID)
}
