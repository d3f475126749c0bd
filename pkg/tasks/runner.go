package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knoboor_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	stageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knoboor_pipeline_stage_outcomes_total",
			Help: "Total number of finished pipeline stages by status",
		},
		[]string{"stage", "status"},
	)
)

// Backend persists task records.
type Backend interface {
	CreateTaskRecord(ctx context.Context, record *store.TaskRecord) error
	UpdateTaskRecord(
		ctx context.Context, taskID string, updates store.TaskUpdate,
	) error
	GetTaskRecord(ctx context.Context, taskID string) (*store.TaskRecord, error)
	DeleteTaskRecord(ctx context.Context, taskID string) error
}

type chain struct {
	ids    []string
	stages []Stage
}

type job struct {
	chain *chain
	index int
	input []byte
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log     logrus.FieldLogger
	backend Backend
	workers int
	queue   chan job
	done    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewRunner creates a Runner with a fixed worker pool and bounded queue.
func NewRunner(
	log logrus.FieldLogger,
	backend Backend,
	workers, queueSize int,
) Runner {
	if workers <= 0 {
		workers = 1
	}

	if queueSize <= 0 {
		queueSize = 1
	}

	return &runner{
		log:     log.WithField("component", "task-runner"),
		backend: backend,
		workers: workers,
		queue:   make(chan job, queueSize),
		done:    make(chan struct{}),
		running: make(map[string]context.CancelFunc, workers),
	}
}

// Start launches the worker goroutines.
func (r *runner) Start(ctx context.Context) error {
	r.log.WithField("workers", r.workers).Info("Starting task runner")

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)

		go func() {
			defer r.wg.Done()

			for {
				select {
				case <-r.done:
					return
				case <-ctx.Done():
					return
				case j := <-r.queue:
					r.execute(ctx, j)
				}
			}
		}()
	}

	return nil
}

// Stop signals the workers and waits for running stages to finish.
// Queued stages stay PENDING.
func (r *runner) Stop() error {
	r.stop.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.log.Info("Task runner stopped")
	})

	return nil
}

func (r *runner) SubmitChain(
	ctx context.Context, ids []string, stages []Stage, input []byte,
) error {
	if len(ids) != len(stages) {
		return fmt.Errorf(
			"chain has %d stages but %d task ids", len(stages), len(ids),
		)
	}

	if len(stages) == 0 {
		return fmt.Errorf("chain has no stages")
	}

	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	c := &chain{ids: ids, stages: stages}

	if err := r.schedule(ctx, c, 0); err != nil {
		return err
	}

	select {
	case r.queue <- job{chain: c, index: 0, input: input}:
		return nil
	default:
	}

	// Nothing will pick the chain up, so leave no record behind.
	if err := r.backend.DeleteTaskRecord(
		context.WithoutCancel(ctx), ids[0],
	); err != nil {
		r.log.WithError(err).
			WithField("task_id", ids[0]).
			Error("Failed to remove unqueued task record")
	}

	return ErrQueueFull
}

func (r *runner) Status(
	ctx context.Context, taskID string,
) (*store.TaskRecord, bool, error) {
	record, err := r.backend.GetTaskRecord(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return record, true, nil
}

func (r *runner) Revoke(ctx context.Context, taskID string) error {
	record, found, err := r.Status(ctx, taskID)
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("revoking task %s: %w", taskID, store.ErrNotFound)
	}

	if !Status(record.Status).InFlight() {
		return fmt.Errorf(
			"revoking task %s: already %s: %w",
			taskID, record.Status, store.ErrStatusChanged,
		)
	}

	now := time.Now().UTC()

	if err := r.backend.UpdateTaskRecord(ctx, taskID, store.TaskUpdate{
		FromStatus: record.Status,
		Status:     string(StatusRevoked),
		DateDone:   &now,
	}); err != nil {
		return fmt.Errorf("revoking task %s: %w", taskID, err)
	}

	r.mu.Lock()
	cancel, running := r.running[taskID]
	r.mu.Unlock()

	if running {
		cancel()
	}

	return nil
}

// schedule creates the PENDING record for a stage.
func (r *runner) schedule(ctx context.Context, c *chain, index int) error {
	if err := r.backend.CreateTaskRecord(ctx, &store.TaskRecord{
		TaskID: c.ids[index],
		Name:   c.stages[index].Name,
		Status: string(StatusPending),
	}); err != nil {
		return fmt.Errorf("scheduling stage %s: %w", c.stages[index].Name, err)
	}

	return nil
}

func (r *runner) execute(ctx context.Context, j job) {
	stage := j.chain.stages[j.index]
	taskID := j.chain.ids[j.index]
	log := r.log.WithFields(logrus.Fields{
		"stage":   stage.Name,
		"task_id": taskID,
	})

	err := r.backend.UpdateTaskRecord(ctx, taskID, store.TaskUpdate{
		FromStatus: string(StatusPending),
		Status:     string(StatusStarted),
	})

	switch {
	case errors.Is(err, store.ErrStatusChanged):
		log.Info("Task revoked before start")
		stageOutcomes.WithLabelValues(stage.Name, string(StatusRevoked)).Inc()

		return
	case err != nil:
		log.WithError(err).Error("Failed to mark task started, dropping stage")

		return
	}

	stageCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.running[taskID] = cancel
	r.mu.Unlock()

	start := time.Now()
	output, runErr := r.run(stageCtx, stage, j.input)

	r.mu.Lock()
	delete(r.running, taskID)
	r.mu.Unlock()
	cancel()

	stageDuration.WithLabelValues(stage.Name).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	update := store.TaskUpdate{}

	switch {
	case runErr == nil:
		out := string(output)
		update.Output = &out
	case errors.Is(runErr, ErrRetry):
		status = StatusRetry
	default:
		status = StatusFailure
	}

	if runErr != nil {
		msg := runErr.Error()
		update.Error = &msg

		log.WithError(runErr).WithField("status", status).
			Warn("Pipeline stage did not succeed")
	}

	now := time.Now().UTC()
	update.FromStatus = string(StatusStarted)
	update.Status = string(status)
	update.DateDone = &now

	// Finished stages are recorded even when the runner is shutting down.
	// A stage revoked while running keeps its REVOKED record.
	err = r.backend.UpdateTaskRecord(context.WithoutCancel(ctx), taskID, update)

	switch {
	case errors.Is(err, store.ErrStatusChanged):
		log.Info("Task revoked while running, discarding outcome")
		stageOutcomes.WithLabelValues(stage.Name, string(StatusRevoked)).Inc()

		return
	case err != nil:
		log.WithError(err).Error("Failed to record task outcome")

		return
	}

	stageOutcomes.WithLabelValues(stage.Name, string(status)).Inc()

	if status != StatusSuccess || j.index+1 >= len(j.chain.stages) {
		return
	}

	next := job{chain: j.chain, index: j.index + 1, input: output}

	if err := r.schedule(ctx, j.chain, next.index); err != nil {
		log.WithError(err).Error("Failed to schedule next stage")

		return
	}

	// Enqueue asynchronously so a full queue cannot block every worker.
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		select {
		case r.queue <- next:
		case <-r.done:
		case <-ctx.Done():
		}
	}()
}

func (r *runner) run(ctx context.Context, stage Stage, input []byte) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", stage.Name, p)
		}
	}()

	return stage.Fn(ctx, input)
}
