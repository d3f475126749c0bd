package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/ethpandaops/knoboor/pkg/normalize"
	"github.com/ethpandaops/knoboor/pkg/tasks"
	"github.com/sirupsen/logrus"
)

// Stage names in execution order.
const (
	StageAggregate   = "aggregate_target_results"
	StageMapWorkload = "map_workload"
	StageRecommend   = "configuration_recommendation"
)

// StageNames lists the chain stages in execution order.
var StageNames = []string{StageAggregate, StageMapWorkload, StageRecommend}

// Sample is the numeric view of one result used by the stages.
type Sample struct {
	ResultID   uint               `json:"result_id"`
	WorkloadID uint               `json:"workload_id"`
	Knobs      map[string]float64 `json:"knobs"`
	Metrics    map[string]float64 `json:"metrics"`
}

// AggregateInput starts a chain.
type AggregateInput struct {
	ResultID uint `json:"result_id"`
}

// AggregateOutput is produced by the aggregate stage.
type AggregateOutput struct {
	ResultID   uint     `json:"result_id"`
	WorkloadID uint     `json:"workload_id"`
	DBMSID     string   `json:"dbms_id"`
	Hardware   string   `json:"hardware"`
	Objective  string   `json:"objective"`
	Target     Sample   `json:"target"`
	Samples    []Sample `json:"samples"`
}

// MappingOutput is produced by the map-workload stage.
type MappingOutput struct {
	Aggregate        AggregateOutput `json:"aggregate"`
	MappedWorkloadID uint            `json:"mapped_workload_id,omitempty"`
	Distance         float64         `json:"distance,omitempty"`
	MappedSamples    []Sample        `json:"mapped_samples,omitempty"`
}

// Recommendation is the final output of a chain.
type Recommendation struct {
	ResultID       uint              `json:"result_id"`
	SourceResultID uint              `json:"source_result_id"`
	Objective      string            `json:"objective"`
	ObjectiveValue float64           `json:"objective_value"`
	Knobs          map[string]string `json:"knobs"`
}

// Stages implements the three pipeline stages against the store.
type Stages struct {
	log     logrus.FieldLogger
	store   store.Store
	catalog catalog.Catalog
}

// NewStages creates the stage implementations.
func NewStages(
	log logrus.FieldLogger,
	st store.Store,
	cat catalog.Catalog,
) *Stages {
	return &Stages{
		log:     log.WithField("component", "pipeline-stages"),
		store:   st,
		catalog: cat,
	}
}

// Chain returns the stages in execution order.
func (s *Stages) Chain() []tasks.Stage {
	return []tasks.Stage{
		{Name: StageAggregate, Fn: jsonStage(s.AggregateTargetResults)},
		{Name: StageMapWorkload, Fn: jsonStage(s.MapWorkload)},
		{Name: StageRecommend, Fn: jsonStage(s.ConfigurationRecommendation)},
	}
}

// jsonStage adapts a typed stage function to the JSON task contract.
func jsonStage[In, Out any](
	fn func(ctx context.Context, in *In) (*Out, error),
) tasks.Func {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("decoding stage input: %w", err)
		}

		out, err := fn(ctx, &in)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encoding stage output: %w", err)
		}

		return data, nil
	}
}

// AggregateTargetResults collects the numeric samples of every result
// that ran the target's workload on the target's application.
func (s *Stages) AggregateTargetResults(
	ctx context.Context, in *AggregateInput,
) (*AggregateOutput, error) {
	target, err := s.store.GetResult(ctx, in.ResultID)
	if err != nil {
		return nil, err
	}

	entry, err := s.catalog.Get(target.DBMSID)
	if err != nil {
		return nil, err
	}

	results, err := s.store.ListResults(ctx, store.ResultFilter{
		ApplicationID: target.ApplicationID,
		DBMSID:        target.DBMSID,
		WorkloadID:    target.WorkloadID,
	})
	if err != nil {
		return nil, err
	}

	out := &AggregateOutput{
		ResultID:   target.ID,
		WorkloadID: target.WorkloadID,
		DBMSID:     target.DBMSID,
		Objective:  objectiveFor(entry, target.Application),
		Samples:    make([]Sample, 0, len(results)),
	}

	if target.Application != nil {
		out.Hardware = target.Application.Hardware
	}

	for i := range results {
		sample, err := sampleOf(entry, &results[i])
		if err != nil {
			return nil, err
		}

		if results[i].ID == target.ID {
			out.Target = *sample
		}

		out.Samples = append(out.Samples, *sample)
	}

	if out.Target.ResultID == 0 {
		sample, err := sampleOf(entry, target)
		if err != nil {
			return nil, err
		}

		out.Target = *sample
	}

	return out, nil
}

// MapWorkload finds the other workload on the same DBMS and hardware
// whose average metrics are closest to the target run.
func (s *Stages) MapWorkload(
	ctx context.Context, in *AggregateOutput,
) (*MappingOutput, error) {
	out := &MappingOutput{Aggregate: *in}

	entry, err := s.catalog.Get(in.DBMSID)
	if err != nil {
		return nil, err
	}

	workloads, err := s.store.ListWorkloads(ctx, in.DBMSID, in.Hardware)
	if err != nil {
		return nil, err
	}

	best := math.Inf(1)

	for _, w := range workloads {
		if w.ID == in.WorkloadID {
			continue
		}

		results, err := s.store.ListResults(ctx, store.ResultFilter{
			DBMSID:     in.DBMSID,
			WorkloadID: w.ID,
		})
		if err != nil {
			return nil, err
		}

		if len(results) == 0 {
			continue
		}

		samples := make([]Sample, 0, len(results))

		for i := range results {
			sample, err := sampleOf(entry, &results[i])
			if err != nil {
				return nil, err
			}

			samples = append(samples, *sample)
		}

		d, ok := distance(in.Target.Metrics, meanMetrics(samples))
		if !ok || d >= best {
			continue
		}

		best = d
		out.MappedWorkloadID = w.ID
		out.Distance = d
		out.MappedSamples = samples
	}

	if out.MappedWorkloadID != 0 {
		value, err := json.Marshal(map[string]any{
			"workload_id": out.MappedWorkloadID,
			"distance":    out.Distance,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding mapped workload: %w", err)
		}

		resultID := in.ResultID
		if err := s.store.CreateArtifact(ctx, &store.PipelineArtifact{
			DBMSID:   in.DBMSID,
			Hardware: in.Hardware,
			Kind:     store.ArtifactMappedWorkload,
			ResultID: &resultID,
			Value:    string(value),
		}); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// ConfigurationRecommendation picks the best observed configuration for
// the objective among the target workload and the mapped workload.
func (s *Stages) ConfigurationRecommendation(
	ctx context.Context, in *MappingOutput,
) (*Recommendation, error) {
	agg := in.Aggregate

	entry, err := s.catalog.Get(agg.DBMSID)
	if err != nil {
		return nil, err
	}

	metric, ok := entry.Metric(agg.Objective)
	if !ok {
		return nil, fmt.Errorf("unknown objective metric %q", agg.Objective)
	}

	candidates := make([]Sample, 0, len(agg.Samples)+len(in.MappedSamples))
	candidates = append(candidates, agg.Samples...)
	candidates = append(candidates, in.MappedSamples...)

	var (
		best      *Sample
		bestValue float64
	)

	for i := range candidates {
		v, ok := candidates[i].Metrics[agg.Objective]
		if !ok {
			continue
		}

		if best == nil ||
			(metric.LessIsBetter && v < bestValue) ||
			(!metric.LessIsBetter && v > bestValue) {
			best = &candidates[i]
			bestValue = v
		}
	}

	if best == nil {
		return nil, errors.New("no sample reports the objective metric")
	}

	source, err := s.store.GetResult(ctx, best.ResultID)
	if err != nil {
		return nil, err
	}

	knobs, err := source.KnobSnapshot.Knobs()
	if err != nil {
		return nil, err
	}

	rec := &Recommendation{
		ResultID:       agg.ResultID,
		SourceResultID: best.ResultID,
		Objective:      agg.Objective,
		ObjectiveValue: bestValue,
		Knobs:          entry.FilterTunable(knobs),
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding recommendation: %w", err)
	}

	resultID := agg.ResultID
	if err := s.store.CreateArtifact(ctx, &store.PipelineArtifact{
		DBMSID:   agg.DBMSID,
		Hardware: agg.Hardware,
		Kind:     store.ArtifactRecommendation,
		ResultID: &resultID,
		Value:    string(value),
	}); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"result_id": agg.ResultID,
		"source":    best.ResultID,
		"objective": agg.Objective,
	}).Info("Configuration recommended")

	return rec, nil
}

func sampleOf(entry *catalog.Entry, r *store.Result) (*Sample, error) {
	if r.KnobSnapshot == nil || r.MetricSnapshot == nil {
		return nil, fmt.Errorf("result %d is missing its snapshots", r.ID)
	}

	knobs, err := r.KnobSnapshot.Knobs()
	if err != nil {
		return nil, err
	}

	metrics, err := r.MetricSnapshot.Data()
	if err != nil {
		return nil, err
	}

	return &Sample{
		ResultID:   r.ID,
		WorkloadID: r.WorkloadID,
		Knobs:      normalize.KnobVector(entry, knobs, true),
		Metrics:    metrics,
	}, nil
}

// objectiveFor returns the application's target objective, defaulting to
// the first numeric metric where more is better.
func objectiveFor(entry *catalog.Entry, app *store.Application) string {
	if app != nil && app.TargetObjective != "" {
		return app.TargetObjective
	}

	for _, name := range entry.MetricKeySet() {
		m, _ := entry.Metric(name)
		if m.Numeric() && !m.LessIsBetter {
			return name
		}
	}

	return ""
}

func meanMetrics(samples []Sample) map[string]float64 {
	sums := make(map[string]float64, 16)
	counts := make(map[string]int, 16)

	for _, s := range samples {
		for k, v := range s.Metrics {
			sums[k] += v
			counts[k]++
		}
	}

	for k := range sums {
		sums[k] /= float64(counts[k])
	}

	return sums
}

// distance is the Euclidean distance over shared metrics, each term
// scaled by the larger magnitude so metrics of different units compare.
func distance(a, b map[string]float64) (float64, bool) {
	keys := make([]string, 0, len(a))

	for k := range a {
		if _, ok := b[k]; ok {
			keys = append(keys, k)
		}
	}

	if len(keys) == 0 {
		return 0, false
	}

	sort.Strings(keys)

	var sum float64

	for _, k := range keys {
		scale := math.Max(math.Max(math.Abs(a[k]), math.Abs(b[k])), 1)
		d := (a[k] - b[k]) / scale
		sum += d * d
	}

	return math.Sqrt(sum), true
}
