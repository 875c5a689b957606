// Package serving decides which trained artifact answers predictions and
// runs those predictions.
//
// Resolution order: the registry's Production version of the model, then
// the best run of the experiment by the fallback metric. A Production
// version always wins over a better unpromoted run.
package serving

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/selection"
	"github.com/YuminosukeSato/scitrack/telemetry"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// Source tells where a resolved artifact came from.
type Source string

const (
	SourceRegistry Source = "registry"
	SourceRun      Source = "run"
)

// Resolved is a decoded artifact ready to serve. It is never modified after
// construction.
type Resolved struct {
	Artifact   model.Artifact
	Source     Source
	ModelName  string
	Experiment string
	RunID      string
	// Version is the registry version number; 0 when Source is SourceRun.
	Version  int
	Kind     string
	HasProba bool
	// Classes and NFeatures are empty/zero when the artifact does not expose them.
	Classes   []int
	NFeatures int
	LoadedAt  time.Time
}

// ArtifactResolver resolves the artifact to serve.
type ArtifactResolver interface {
	Resolve(ctx context.Context, modelName, experiment, fallbackMetric string) (*Resolved, error)
}

// Resolver implements ArtifactResolver over a registry and a run store.
type Resolver struct {
	registry registry.Registry
	store    tracking.Store
	logger   log.Logger
	tracer   trace.Tracer
}

// NewResolver creates a Resolver. reg may be nil, in which case only the
// run fallback is used. A nil logger falls back to log.GetLogger().
func NewResolver(reg registry.Registry, store tracking.Store, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Resolver{
		registry: reg,
		store:    store,
		logger:   logger.With(log.ComponentKey, "serving", log.OperationKey, log.OperationResolve),
		tracer:   telemetry.Tracer("serving"),
	}
}

// Resolve implements ArtifactResolver. Any failure of the registry step,
// including a broken Production artifact, falls through to the run step.
// When both fail the result is a ModelUnavailableError wrapping the last
// cause.
func (r *Resolver) Resolve(ctx context.Context, modelName, experiment, fallbackMetric string) (res *Resolved, err error) {
	ctx, span := r.tracer.Start(ctx, "serving.resolve", trace.WithAttributes(
		attribute.String(log.RegistryModelKey, modelName),
		attribute.String(log.ExperimentKey, experiment),
	))
	defer func() {
		telemetry.RecordError(span, err)
		if res != nil {
			span.SetAttributes(attribute.String(log.SourceKey, string(res.Source)))
		}
		span.End()
	}()

	if r.registry != nil {
		res, err := r.fromRegistry(ctx, modelName)
		if err == nil {
			res.Experiment = experiment
			r.logResolved(res)
			return res, nil
		}
		if errors.IsNotFound(err) {
			r.logger.Info("no production version, falling back to best run",
				log.RegistryModelKey, modelName, log.ExperimentKey, experiment)
		} else {
			r.logger.Warn("production artifact unusable, falling back to best run",
				log.ErrAttrKey, err, log.RegistryModelKey, modelName)
		}
	}

	res, err = r.fromRuns(ctx, experiment, fallbackMetric)
	if err != nil {
		reason := "no production version and no usable run"
		if errors.IsEmptyInput(err) {
			reason = "no production version and the experiment has no runs"
		}
		return nil, errors.NewModelUnavailableError(modelName, experiment, reason, err)
	}
	res.ModelName = modelName
	r.logResolved(res)
	return res, nil
}

func (r *Resolver) fromRegistry(ctx context.Context, modelName string) (*Resolved, error) {
	v, err := r.registry.GetProduction(ctx, modelName)
	if err != nil {
		return nil, err
	}
	runID, err := tracking.ParseArtifactRef(v.ArtifactRef)
	if err != nil {
		return nil, err
	}
	art, err := r.load(ctx, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", v)
	}
	res := describe(art)
	res.Source = SourceRegistry
	res.ModelName = modelName
	res.RunID = v.SourceRunID
	res.Version = v.Number
	return res, nil
}

func (r *Resolver) fromRuns(ctx context.Context, experiment, metric string) (*Resolved, error) {
	runs, err := r.store.Query(ctx, experiment)
	if err != nil {
		return nil, err
	}
	best, err := selection.SelectBest(runs, metric)
	if err != nil {
		return nil, err
	}
	art, err := r.load(ctx, best.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "load best run %s", best.ID)
	}
	res := describe(art)
	res.Source = SourceRun
	res.Experiment = experiment
	res.RunID = best.ID
	return res, nil
}

func (r *Resolver) load(ctx context.Context, runID string) (model.Artifact, error) {
	blob, err := r.store.LoadArtifact(ctx, runID)
	if err != nil {
		return nil, err
	}
	return model.Unmarshal(blob)
}

func (r *Resolver) logResolved(res *Resolved) {
	r.logger.Info("serving artifact resolved",
		log.SourceKey, string(res.Source),
		log.RegistryModelKey, res.ModelName,
		log.VersionKey, res.Version,
		log.RunIDKey, res.RunID,
		log.ModelNameKey, res.Kind,
	)
}

// describe captures the artifact's capabilities once, at load time.
func describe(art model.Artifact) *Resolved {
	res := &Resolved{
		Artifact: art,
		Kind:     art.Kind(),
		HasProba: model.HasProbabilitySupport(art),
		LoadedAt: time.Now().UTC(),
	}
	if w, ok := art.(interface{ InnerKind() string }); ok {
		res.Kind = w.InnerKind()
	}
	if cl, ok := art.(model.ClassLister); ok {
		res.Classes = cl.Classes()
	}
	if fc, ok := art.(model.FeatureCounter); ok {
		res.NFeatures = fc.NFeaturesIn()
	}
	return res
}
