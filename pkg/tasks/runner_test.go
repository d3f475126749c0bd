package tasks_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/ethpandaops/knoboor/pkg/tasks"
)

func setupRunner(t *testing.T, start bool) tasks.Runner {
	t.Helper()

	return setupRunnerWithQueue(t, start, 8)
}

func setupRunnerWithQueue(t *testing.T, start bool, queueSize int) tasks.Runner {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "tasks.db"),
		},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	r := tasks.NewRunner(log, s, 2, queueSize)

	if start {
		require.NoError(t, r.Start(context.Background()))
		t.Cleanup(func() { _ = r.Stop() })
	}

	return r
}

func appendStage(name string) tasks.Stage {
	return tasks.Stage{
		Name: name,
		Fn: func(_ context.Context, input []byte) ([]byte, error) {
			return append(input, []byte("|"+name)...), nil
		},
	}
}

func failingStage(name string, err error) tasks.Stage {
	return tasks.Stage{
		Name: name,
		Fn: func(_ context.Context, _ []byte) ([]byte, error) {
			return nil, err
		},
	}
}

func newIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = tasks.NewTaskID()
	}

	return ids
}

func waitForStatus(t *testing.T, r tasks.Runner, id string, want tasks.Status) *store.TaskRecord {
	t.Helper()

	var rec *store.TaskRecord

	require.Eventually(t, func() bool {
		got, found, err := r.Status(context.Background(), id)
		if err != nil || !found {
			return false
		}

		rec = got

		return tasks.Status(got.Status) == want
	}, 5*time.Second, 10*time.Millisecond)

	return rec
}

func TestRunner_ChainPassesOutputs(t *testing.T) {
	r := setupRunner(t, true)
	ids := newIDs(3)

	require.NoError(t, r.SubmitChain(context.Background(), ids, []tasks.Stage{
		appendStage("a"), appendStage("b"), appendStage("c"),
	}, []byte("start")))

	last := waitForStatus(t, r, ids[2], tasks.StatusSuccess)
	assert.Equal(t, "start|a|b|c", last.Output)
	assert.NotNil(t, last.DateDone)

	for _, id := range ids[:2] {
		rec, found, err := r.Status(context.Background(), id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, string(tasks.StatusSuccess), rec.Status)
	}
}

func TestRunner_FailureStopsChain(t *testing.T) {
	r := setupRunner(t, true)
	ids := newIDs(3)

	require.NoError(t, r.SubmitChain(context.Background(), ids, []tasks.Stage{
		appendStage("a"), failingStage("b", fmt.Errorf("boom")), appendStage("c"),
	}, nil))

	rec := waitForStatus(t, r, ids[1], tasks.StatusFailure)
	assert.Equal(t, "boom", rec.Error)

	// Give a misbehaving runner a chance to schedule the third stage.
	time.Sleep(50 * time.Millisecond)

	_, found, err := r.Status(context.Background(), ids[2])
	require.NoError(t, err)
	assert.False(t, found, "stage after a failure is never scheduled")
}

func TestRunner_RetryAndPanic(t *testing.T) {
	r := setupRunner(t, true)

	retryIDs := newIDs(2)
	require.NoError(t, r.SubmitChain(context.Background(), retryIDs, []tasks.Stage{
		failingStage("a", fmt.Errorf("db busy: %w", tasks.ErrRetry)),
		appendStage("b"),
	}, nil))
	waitForStatus(t, r, retryIDs[0], tasks.StatusRetry)

	panicIDs := newIDs(1)
	require.NoError(t, r.SubmitChain(context.Background(), panicIDs, []tasks.Stage{{
		Name: "explode",
		Fn: func(context.Context, []byte) ([]byte, error) {
			panic("kaboom")
		},
	}}, nil))

	rec := waitForStatus(t, r, panicIDs[0], tasks.StatusFailure)
	assert.Contains(t, rec.Error, "kaboom")
}

func TestRunner_RevokeBeforeStart(t *testing.T) {
	r := setupRunner(t, false)
	ctx := context.Background()
	ids := newIDs(2)

	require.NoError(t, r.SubmitChain(ctx, ids, []tasks.Stage{
		appendStage("a"), appendStage("b"),
	}, nil))

	rec, found, err := r.Status(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(tasks.StatusPending), rec.Status)

	require.NoError(t, r.Revoke(ctx, ids[0]))
	require.ErrorIs(t, r.Revoke(ctx, ids[0]), store.ErrStatusChanged, "revoking twice fails")

	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop() })

	time.Sleep(50 * time.Millisecond)

	rec, _, err = r.Status(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, string(tasks.StatusRevoked), rec.Status)

	_, found, err = r.Status(ctx, ids[1])
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunner_RevokeWhileRunning(t *testing.T) {
	r := setupRunner(t, true)
	ctx := context.Background()
	ids := newIDs(2)

	started := make(chan struct{})
	release := make(chan struct{})
	cancelled := make(chan bool, 1)

	defer close(release)

	blocking := tasks.Stage{
		Name: "blocking",
		Fn: func(stageCtx context.Context, input []byte) ([]byte, error) {
			close(started)

			select {
			case <-stageCtx.Done():
				cancelled <- true
			case <-release:
				cancelled <- false
			}

			return input, nil
		},
	}

	require.NoError(t, r.SubmitChain(ctx, ids, []tasks.Stage{
		blocking, appendStage("b"),
	}, nil))

	<-started
	waitForStatus(t, r, ids[0], tasks.StatusStarted)

	require.NoError(t, r.Revoke(ctx, ids[0]))

	select {
	case wasCancelled := <-cancelled:
		assert.True(t, wasCancelled, "revoking cancels the running stage")
	case <-time.After(5 * time.Second):
		t.Fatal("stage did not return")
	}

	// Give a misbehaving runner a chance to overwrite the record.
	time.Sleep(50 * time.Millisecond)

	rec, found, err := r.Status(ctx, ids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(tasks.StatusRevoked), rec.Status)

	_, found, err = r.Status(ctx, ids[1])
	require.NoError(t, err)
	assert.False(t, found, "a revoked stage ends its chain")
}

func TestRunner_QueueFullLeavesNoRecord(t *testing.T) {
	r := setupRunnerWithQueue(t, false, 1)
	ctx := context.Background()

	first := newIDs(1)
	require.NoError(t, r.SubmitChain(ctx, first, []tasks.Stage{appendStage("a")}, nil))

	second := newIDs(1)
	err := r.SubmitChain(ctx, second, []tasks.Stage{appendStage("a")}, nil)
	require.ErrorIs(t, err, tasks.ErrQueueFull)

	_, found, err := r.Status(ctx, second[0])
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = r.Status(ctx, first[0])
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunner_SubmitAfterStop(t *testing.T) {
	r := setupRunner(t, false)
	require.NoError(t, r.Stop())

	ids := newIDs(1)
	err := r.SubmitChain(context.Background(), ids, []tasks.Stage{appendStage("a")}, nil)
	require.ErrorIs(t, err, tasks.ErrStopped)

	_, found, err := r.Status(context.Background(), ids[0])
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunner_SubmitValidation(t *testing.T) {
	r := setupRunner(t, false)

	err := r.SubmitChain(context.Background(), newIDs(1), []tasks.Stage{
		appendStage("a"), appendStage("b"),
	}, nil)
	require.Error(t, err)

	err = r.SubmitChain(context.Background(), nil, nil, nil)
	require.Error(t, err)

	err = r.Revoke(context.Background(), "unknown")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStatus_Classification(t *testing.T) {
	for _, s := range []tasks.Status{tasks.StatusFailure, tasks.StatusRevoked, tasks.StatusRetry} {
		assert.True(t, s.Fault(), s)
		assert.False(t, s.InFlight(), s)
	}

	for _, s := range []tasks.Status{tasks.StatusPending, tasks.StatusReceived, tasks.StatusStarted} {
		assert.True(t, s.InFlight(), s)
		assert.False(t, s.Fault(), s)
	}

	assert.False(t, tasks.StatusSuccess.Fault())
	assert.False(t, tasks.StatusSuccess.InFlight())
}
