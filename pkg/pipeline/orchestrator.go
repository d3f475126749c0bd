// Package pipeline launches the three-stage tuning chain for a result
// and reports its progress.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyLaunched is returned when a chain was already launched for
// the result.
var ErrAlreadyLaunched = errors.New("pipeline already launched for result")

// ErrNotLaunched is returned when revoking a result without a chain.
var ErrNotLaunched = errors.New("pipeline not launched for result")

// ErrNothingInFlight is returned when revoking a chain whose stages have
// all finished.
var ErrNothingInFlight = errors.New("no pipeline stage in flight")

var chainsLaunched = promauto.NewCounter(prometheus.CounterOpts{
	Name: "knoboor_pipeline_chains_launched_total",
	Help: "Total number of tuning chains launched",
})

// Handles identifies the tasks of a launched chain.
type Handles struct {
	Aggregate   string `json:"aggregate_target_results"`
	MapWorkload string `json:"map_workload"`
	Recommend   string `json:"configuration_recommendation"`
}

// IDs returns the task identifiers in execution order.
func (h *Handles) IDs() []string {
	return []string{h.Aggregate, h.MapWorkload, h.Recommend}
}

// Orchestrator launches tuning chains.
type Orchestrator struct {
	log    logrus.FieldLogger
	store  store.Store
	runner tasks.Runner
	stages []tasks.Stage
}

// NewOrchestrator creates an Orchestrator submitting chains to runner.
func NewOrchestrator(
	log logrus.FieldLogger,
	st store.Store,
	runner tasks.Runner,
	stages *Stages,
) *Orchestrator {
	return &Orchestrator{
		log:    log.WithField("component", "pipeline"),
		store:  st,
		runner: runner,
		stages: stages.Chain(),
	}
}

// MaybeLaunch starts the chain for result when tuning is enabled for its
// application. It returns nil handles when tuning is disabled. The task
// identifiers are recorded on the result before the chain is submitted,
// so a result is launched at most once. A chain that cannot be submitted
// releases the identifiers again.
func (o *Orchestrator) MaybeLaunch(
	ctx context.Context, result *store.Result, tuningEnabled bool,
) (*Handles, error) {
	log := o.log.WithField("result_id", result.ID)

	if !tuningEnabled {
		log.Debug("Tuning disabled, not launching pipeline")

		return nil, nil
	}

	handles := &Handles{
		Aggregate:   tasks.NewTaskID(),
		MapWorkload: tasks.NewTaskID(),
		Recommend:   tasks.NewTaskID(),
	}

	joined := strings.Join(handles.IDs(), ",")

	claimed, err := o.store.ClaimResultTaskIDs(ctx, result.ID, joined)
	if err != nil {
		return nil, err
	}

	if !claimed {
		return nil, fmt.Errorf("result %d: %w", result.ID, ErrAlreadyLaunched)
	}

	result.TaskIDs = joined

	input, err := json.Marshal(AggregateInput{ResultID: result.ID})
	if err != nil {
		return nil, fmt.Errorf("encoding chain input: %w", err)
	}

	if err := o.runner.SubmitChain(ctx, handles.IDs(), o.stages, input); err != nil {
		if relErr := o.store.ReleaseResultTaskIDs(
			context.WithoutCancel(ctx), result.ID, joined,
		); relErr != nil {
			log.WithError(relErr).Error("Failed to release task ids")

			return nil, fmt.Errorf("submitting chain: %w", err)
		}

		result.TaskIDs = ""

		return nil, fmt.Errorf("submitting chain: %w", err)
	}

	chainsLaunched.Inc()

	log.WithField("task_ids", joined).Info("Pipeline launched")

	return handles, nil
}

// Revoke stops the chain of result at its first unfinished stage and
// returns that stage's task id.
func (o *Orchestrator) Revoke(
	ctx context.Context, result *store.Result,
) (string, error) {
	ids := result.TaskIDList()
	if len(ids) == 0 {
		return "", fmt.Errorf("result %d: %w", result.ID, ErrNotLaunched)
	}

	for _, id := range ids {
		rec, found, err := o.runner.Status(ctx, id)
		if err != nil {
			return "", err
		}

		// Later stages are never scheduled once an earlier one is missing.
		if !found {
			break
		}

		if !tasks.Status(rec.Status).InFlight() {
			continue
		}

		if err := o.runner.Revoke(ctx, id); err != nil {
			return "", err
		}

		o.log.WithField("result_id", result.ID).
			WithField("task_id", id).
			WithField("stage", rec.Name).
			Info("Pipeline revoked")

		return id, nil
	}

	return "", fmt.Errorf("result %d: %w", result.ID, ErrNothingInFlight)
}
