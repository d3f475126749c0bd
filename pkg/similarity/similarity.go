// Package similarity classifies results against a target by comparing
// their tunable configurations.
package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/ethpandaops/knoboor/pkg/catalog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Class is the relation of a candidate result to a target.
type Class string

// Classes.
const (
	Same      Class = "same"
	Similar   Class = "similar"
	Unrelated Class = "unrelated"
)

// DefaultTopK is the number of ranked knobs compared for Similar.
const DefaultTopK = 10

// Classify compares two tunable-only configurations. ranked must already
// be truncated to the knobs that count; an empty list disables Similar.
func Classify(target, candidate map[string]string, ranked []string) Class {
	if equalKnobs(target, candidate) {
		return Same
	}

	if len(ranked) == 0 {
		return Unrelated
	}

	for _, name := range ranked {
		tv, tok := target[name]
		cv, cok := candidate[name]

		if tok != cok || tv != cv {
			return Unrelated
		}
	}

	return Similar
}

func equalKnobs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for k, av := range a {
		bv, ok := b[k]
		if !ok || av != bv {
			return false
		}
	}

	return true
}

// RankingSource returns the latest knob ranking for a DBMS and hardware
// pair. found is false when no ranking was computed yet.
type RankingSource interface {
	LatestRanking(
		ctx context.Context, dbmsID, hardware string,
	) (ranked []string, found bool, err error)
}

// StoreRankings reads rankings from ranked-knobs pipeline artifacts.
type StoreRankings struct {
	Store store.Store
}

// LatestRanking implements RankingSource.
func (s StoreRankings) LatestRanking(
	ctx context.Context, dbmsID, hardware string,
) ([]string, bool, error) {
	artifact, err := s.Store.LatestArtifact(
		ctx, dbmsID, hardware, store.ArtifactRankedKnobs,
	)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	var ranked []string
	if err := json.Unmarshal([]byte(artifact.Value), &ranked); err != nil {
		return nil, false, fmt.Errorf("decoding ranking %d: %w", artifact.ID, err)
	}

	return ranked, len(ranked) > 0, nil
}

// Engine classifies peer results of a target.
type Engine struct {
	log      logrus.FieldLogger
	catalog  catalog.Catalog
	rankings RankingSource
	topK     int
}

// NewEngine creates an Engine comparing the top topK ranked knobs.
func NewEngine(
	log logrus.FieldLogger,
	cat catalog.Catalog,
	rankings RankingSource,
	topK int,
) *Engine {
	if topK <= 0 {
		topK = DefaultTopK
	}

	return &Engine{
		log:      log.WithField("component", "similarity"),
		catalog:  cat,
		rankings: rankings,
		topK:     topK,
	}
}

// ClassifyPeers classifies each candidate against target, keyed by result
// id. Candidates need their knob snapshot loaded; target also needs its
// application. The target itself is skipped.
func (e *Engine) ClassifyPeers(
	ctx context.Context, target *store.Result, candidates []store.Result,
) (map[uint]Class, error) {
	entry, err := e.catalog.Get(target.DBMSID)
	if err != nil {
		return nil, err
	}

	targetKnobs, err := tunableKnobs(entry, target)
	if err != nil {
		return nil, err
	}

	var hardware string
	if target.Application != nil {
		hardware = target.Application.Hardware
	}

	ranked, found, err := e.rankings.LatestRanking(ctx, target.DBMSID, hardware)
	if err != nil {
		return nil, fmt.Errorf("fetching ranking: %w", err)
	}

	if !found {
		e.log.WithFields(logrus.Fields{
			"dbms":     target.DBMSID,
			"hardware": hardware,
		}).Debug("No knob ranking available, similar results disabled")
	}

	if len(ranked) > e.topK {
		ranked = ranked[:e.topK]
	}

	classes := make([]Class, len(candidates))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i := range candidates {
		if candidates[i].ID == target.ID {
			continue
		}

		g.Go(func() error {
			knobs, err := tunableKnobs(entry, &candidates[i])
			if err != nil {
				return err
			}

			classes[i] = Classify(targetKnobs, knobs, ranked)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uint]Class, len(candidates))

	for i, c := range classes {
		if c != "" {
			out[candidates[i].ID] = c
		}
	}

	return out, nil
}

func tunableKnobs(entry *catalog.Entry, r *store.Result) (map[string]string, error) {
	if r.KnobSnapshot == nil {
		return nil, fmt.Errorf("result %d has no knob snapshot loaded", r.ID)
	}

	knobs, err := r.KnobSnapshot.Knobs()
	if err != nil {
		return nil, err
	}

	return entry.FilterTunable(knobs), nil
}
