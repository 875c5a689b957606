// Package promotion registers a run in the model registry and moves it to
// Production.
package promotion

import (
	"context"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/selection"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// Result is what a promotion produced.
type Result struct {
	Run     tracking.Run
	Version registry.Version
}

// Promoter ties a run store to a registry.
type Promoter struct {
	store    tracking.Store
	registry registry.Registry
	logger   log.Logger
}

// NewPromoter creates a Promoter. A nil logger falls back to log.GetLogger().
func NewPromoter(store tracking.Store, reg registry.Registry, logger log.Logger) *Promoter {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Promoter{
		store:    store,
		registry: reg,
		logger:   logger.With(log.ComponentKey, "promotion", log.OperationKey, log.OperationPromote),
	}
}

// PromoteBest selects the best run of experiment by metric and promotes it
// under modelName. An experiment without runs yields an EmptyInputError.
func (p *Promoter) PromoteBest(ctx context.Context, experiment, modelName, metric string) (Result, error) {
	runs, err := p.store.Query(ctx, experiment)
	if err != nil {
		return Result{}, errors.Wrapf(err, "query experiment %s", experiment)
	}
	best, err := selection.SelectBest(runs, metric)
	if err != nil {
		return Result{}, err
	}
	p.logger.Info("best run selected",
		log.ExperimentKey, experiment,
		log.RunIDKey, best.ID,
		log.RunNameKey, best.DisplayName,
		log.MetricKey, metric,
		"value", best.MetricValue(metric),
	)
	return p.promote(ctx, best, modelName)
}

// PromoteRun promotes an explicit run. Runs are addressed by ID only; a
// display name is not unique.
func (p *Promoter) PromoteRun(ctx context.Context, runID, modelName string) (Result, error) {
	run, err := p.store.Get(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	return p.promote(ctx, run, modelName)
}

func (p *Promoter) promote(ctx context.Context, run tracking.Run, modelName string) (Result, error) {
	v, err := p.registry.Register(ctx, modelName, run)
	if err != nil {
		return Result{}, errors.Wrapf(err, "register run %s", run.ID)
	}
	v, err = p.registry.Transition(ctx, modelName, v.Number, registry.StageProduction)
	if err != nil {
		return Result{}, errors.Wrapf(err, "promote %s", v)
	}
	p.logger.Info("run promoted to production",
		log.RunIDKey, run.ID,
		log.RunNameKey, run.DisplayName,
		log.RegistryModelKey, modelName,
		log.VersionKey, v.Number,
	)
	return Result{Run: run, Version: v}, nil
}
