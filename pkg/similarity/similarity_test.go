package similarity_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/ethpandaops/knoboor/pkg/similarity"
)

func TestClassify(t *testing.T) {
	target := map[string]string{"a": "1", "b": "2", "c": "3"}

	tests := []struct {
		name      string
		candidate map[string]string
		ranked    []string
		want      similarity.Class
	}{
		{
			name:      "identical is same",
			candidate: map[string]string{"a": "1", "b": "2", "c": "3"},
			ranked:    []string{"a"},
			want:      similarity.Same,
		},
		{
			name:      "same without ranking",
			candidate: map[string]string{"a": "1", "b": "2", "c": "3"},
			want:      similarity.Same,
		},
		{
			name:      "differs outside ranked knobs",
			candidate: map[string]string{"a": "1", "b": "2", "c": "9"},
			ranked:    []string{"a", "b"},
			want:      similarity.Similar,
		},
		{
			name:      "differs on a ranked knob",
			candidate: map[string]string{"a": "1", "b": "7", "c": "3"},
			ranked:    []string{"a", "b"},
			want:      similarity.Unrelated,
		},
		{
			name:      "no ranking disables similar",
			candidate: map[string]string{"a": "1", "b": "2", "c": "9"},
			want:      similarity.Unrelated,
		},
		{
			name:      "missing ranked knob",
			candidate: map[string]string{"b": "2", "c": "3"},
			ranked:    []string{"a"},
			want:      similarity.Unrelated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, similarity.Classify(target, tt.candidate, tt.ranked))
		})
	}
}

type staticRankings struct {
	ranked []string
	err    error
}

func (s staticRankings) LatestRanking(
	context.Context, string, string,
) ([]string, bool, error) {
	return s.ranked, len(s.ranked) > 0, s.err
}

func testCatalog() catalog.Catalog {
	return catalog.New(catalog.NewEntry(
		catalog.DBMS{Type: "postgres", Version: "9.6"},
		[]catalog.Knob{
			{Name: "shared_buffers", Type: catalog.KnobInteger, Default: "1", Tunable: true},
			{Name: "work_mem", Type: catalog.KnobInteger, Default: "1", Tunable: true},
			{Name: "data_directory", Type: catalog.KnobString, Default: "/data"},
		},
		nil,
	))
}

func result(id uint, knobs map[string]string) store.Result {
	data, _ := json.Marshal(knobs)

	return store.Result{
		ID:           id,
		DBMSID:       "postgres-9.6",
		Application:  &store.Application{Hardware: "m5.large"},
		KnobSnapshot: &store.KnobSnapshot{Configuration: string(data)},
	}
}

func TestEngine_ClassifyPeers(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	target := result(1, map[string]string{"shared_buffers": "8", "work_mem": "4", "data_directory": "/a"})
	candidates := []store.Result{
		target,
		result(2, map[string]string{"shared_buffers": "8", "work_mem": "4", "data_directory": "/b"}),
		result(3, map[string]string{"shared_buffers": "8", "work_mem": "16", "data_directory": "/a"}),
		result(4, map[string]string{"shared_buffers": "2", "work_mem": "4", "data_directory": "/a"}),
	}

	t.Run("with ranking", func(t *testing.T) {
		engine := similarity.NewEngine(log, testCatalog(),
			staticRankings{ranked: []string{"shared_buffers", "work_mem"}}, 1)

		got, err := engine.ClassifyPeers(context.Background(), &target, candidates)
		require.NoError(t, err)

		assert.Equal(t, map[uint]similarity.Class{
			2: similarity.Same,
			3: similarity.Similar,
			4: similarity.Unrelated,
		}, got)
	})

	t.Run("without ranking", func(t *testing.T) {
		engine := similarity.NewEngine(log, testCatalog(), staticRankings{}, 10)

		got, err := engine.ClassifyPeers(context.Background(), &target, candidates)
		require.NoError(t, err)

		assert.Equal(t, similarity.Same, got[2])
		assert.Equal(t, similarity.Unrelated, got[3])
		assert.NotContains(t, got, uint(1))
	})

	t.Run("ranking error", func(t *testing.T) {
		engine := similarity.NewEngine(log, testCatalog(),
			staticRankings{err: errors.New("down")}, 10)

		_, err := engine.ClassifyPeers(context.Background(), &target, candidates)
		require.Error(t, err)
	})

	t.Run("unknown dbms", func(t *testing.T) {
		engine := similarity.NewEngine(log, testCatalog(), staticRankings{}, 10)
		other := result(9, nil)
		other.DBMSID = "mysql-5.7"

		_, err := engine.ClassifyPeers(context.Background(), &other, candidates)
		require.Error(t, err)
	})
}

func TestStoreRankings(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "rankings.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	ctx := context.Background()
	src := similarity.StoreRankings{Store: st}

	_, found, err := src.LatestRanking(ctx, "postgres-9.6", "m5.large")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, st.CreateArtifact(ctx, &store.PipelineArtifact{
		DBMSID: "postgres-9.6", Hardware: "m5.large",
		Kind: store.ArtifactRankedKnobs, Value: `[]`,
	}))

	_, found, err = src.LatestRanking(ctx, "postgres-9.6", "m5.large")
	require.NoError(t, err)
	assert.False(t, found, "empty ranking counts as absent")

	require.NoError(t, st.CreateArtifact(ctx, &store.PipelineArtifact{
		DBMSID: "postgres-9.6", Hardware: "m5.large",
		Kind: store.ArtifactRankedKnobs, Value: `["work_mem","shared_buffers"]`,
	}))

	ranked, found, err := src.LatestRanking(ctx, "postgres-9.6", "m5.large")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"work_mem", "shared_buffers"}, ranked)
}
