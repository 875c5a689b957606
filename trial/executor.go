// Package trial trains estimators on a prepared dataset and records every
// trial as a run in a tracking store.
package trial

import (
	"context"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/datasets"
	"github.com/YuminosukeSato/scitrack/metrics"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/preprocessing"
	"github.com/YuminosukeSato/scitrack/report"
	"github.com/YuminosukeSato/scitrack/selection"
	"github.com/YuminosukeSato/scitrack/sklearn"
	"github.com/YuminosukeSato/scitrack/telemetry"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// Builder turns an estimator spec into an unfitted estimator plus the
// parameters to record.
type Builder func(sklearn.EstimatorSpec) (model.TrainableArtifact, map[string]any, error)

// Executor runs trials sequentially against one experiment.
type Executor struct {
	store      tracking.Store
	experiment string
	logger     log.Logger
	tracer     trace.Tracer
	build      Builder
	figures    bool
	now        func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. The default is log.GetLogger().
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithBuilder replaces sklearn.Build.
func WithBuilder(b Builder) Option {
	return func(e *Executor) { e.build = b }
}

// WithFigures toggles the confusion-matrix attachment (on by default).
func WithFigures(enabled bool) Option {
	return func(e *Executor) { e.figures = enabled }
}

// WithClock overrides time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor writing runs of experiment into store.
func NewExecutor(store tracking.Store, experiment string, opts ...Option) *Executor {
	e := &Executor{
		store:      store,
		experiment: experiment,
		logger:     log.GetLogger(),
		tracer:     telemetry.Tracer("trial"),
		build:      sklearn.Build,
		figures:    true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(log.ComponentKey, "trial", log.ExperimentKey, experiment)
	return e
}

// RunTrial trains, evaluates and records one trial. No run is stored when
// the estimator cannot be built (ValidationError) or training fails or
// panics (TrainingFailure).
func (e *Executor) RunTrial(ctx context.Context, spec TrialSpec, split datasets.Split) (run tracking.Run, err error) {
	ctx, span := e.tracer.Start(ctx, "trial.run", trace.WithAttributes(
		attribute.String(log.RunNameKey, spec.RunName),
		attribute.String(log.ModelNameKey, spec.Estimator.Kind),
	))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()
	logger := e.logger.With(log.RunNameKey, spec.RunName, log.ModelNameKey, spec.Estimator.Kind)

	if err := split.Validate(); err != nil {
		return tracking.Run{}, err
	}
	est, built, err := e.build(spec.Estimator)
	if err != nil {
		return tracking.Run{}, errors.Wrapf(err, "build %s", spec.RunName)
	}
	// Builder の map は呼び出し側のもの。nil の場合もある
	params := make(map[string]any, len(built)+5)
	maps.Copy(params, built)

	started := e.now()
	logger.Info("training started",
		log.SamplesKey, rows(split.XTrain),
		log.FeaturesKey, split.NFeatures(),
	)
	fitErr := errors.SafeExecute("trial "+spec.RunName, func() error {
		return est.Fit(split.XTrain, split.YTrain)
	})
	if fitErr != nil {
		return tracking.Run{}, errors.NewTrainingFailure(spec.RunName, spec.Estimator.Kind, fitErr)
	}

	var trainScores, testScores metrics.Scores
	var testPred mat.Matrix
	evalErr := errors.SafeExecute("evaluate "+spec.RunName, func() error {
		trainPred, err := est.Predict(split.XTrain)
		if err != nil {
			return err
		}
		if trainScores, err = metrics.Evaluate(split.YTrain, trainPred); err != nil {
			return err
		}
		if testPred, err = est.Predict(split.XTest); err != nil {
			return err
		}
		testScores, err = metrics.Evaluate(split.YTest, testPred)
		return err
	})
	if evalErr != nil {
		return tracking.Run{}, errors.NewTrainingFailure(spec.RunName, spec.Estimator.Kind, evalErr)
	}

	var art model.Artifact = est
	if split.Scaler != nil {
		// 推論時は生の特徴量を受け取るのでスケーラーごと保存する
		art = preprocessing.NewScaledModel(split.Scaler, est)
		params["feature_scaling"] = "standard"
	}
	blob, err := model.Marshal(art)
	if err != nil {
		return tracking.Run{}, errors.NewTrainingFailure(spec.RunName, spec.Estimator.Kind, err)
	}

	params["model_type"] = spec.Estimator.Kind
	params["n_features"] = float64(split.NFeatures())
	params["n_samples"] = float64(rows(split.XTrain))
	params["n_classes"] = float64(split.NClasses())

	r := tracking.Run{
		ExperimentName: e.experiment,
		DisplayName:    spec.RunName,
		Params:         params,
		Metrics: map[string]float64{
			tracking.MetricTrainAccuracy:  trainScores.Accuracy,
			tracking.MetricTrainPrecision: trainScores.Precision,
			tracking.MetricTrainRecall:    trainScores.Recall,
			tracking.MetricTrainF1:        trainScores.F1,
			tracking.MetricTestAccuracy:   testScores.Accuracy,
			tracking.MetricTestPrecision:  testScores.Precision,
			tracking.MetricTestRecall:     testScores.Recall,
			tracking.MetricTestF1:         testScores.F1,
		},
		StartedAt: started,
		EndedAt:   e.now(),
	}
	if spec.Description != "" {
		r.Tags = map[string]string{tracking.TagDescription: spec.Description}
	}

	artifacts := tracking.Artifacts{Model: blob}
	if e.figures {
		if png, err := e.renderConfusion(spec.RunName, split.YTest, testPred); err != nil {
			logger.Warn("confusion matrix skipped", log.ErrAttrKey, err)
		} else {
			artifacts.Files = map[string][]byte{report.ConfusionMatrixName: png}
		}
	}

	id, err := e.store.Append(ctx, r, artifacts)
	if err != nil {
		return tracking.Run{}, errors.Wrapf(err, "record run %s", spec.RunName)
	}
	stored, err := e.store.Get(ctx, id)
	if err != nil {
		return tracking.Run{}, err
	}
	span.SetAttributes(attribute.String(log.RunIDKey, id))

	logger.Info("trial finished",
		log.RunIDKey, id,
		log.AccuracyKey, testScores.Accuracy,
		log.F1ScoreKey, testScores.F1,
		log.DurationMsKey, r.EndedAt.Sub(r.StartedAt).Milliseconds(),
	)
	return stored, nil
}

func (e *Executor) renderConfusion(runName string, yTrue, yPred mat.Matrix) ([]byte, error) {
	cm, err := metrics.Confusion(yTrue, yPred)
	if err != nil {
		return nil, err
	}
	return report.ConfusionHeatmap(cm, report.HeatmapOptions{Title: "Confusion Matrix - " + runName})
}

// Failure is a trial that produced no run.
type Failure struct {
	RunName string
	Err     error
}

// BatchResult collects the outcome of RunBatch.
type BatchResult struct {
	Runs     []tracking.Run
	Failures []Failure
	// Err is set when the context ended the batch early.
	Err error
}

// RunBatch runs trials in order. A failing trial is recorded and the batch
// moves on; a cancelled context stops it before the next trial.
func (e *Executor) RunBatch(ctx context.Context, trials []TrialSpec, split datasets.Split) BatchResult {
	var res BatchResult
	for i, spec := range trials {
		if err := ctx.Err(); err != nil {
			res.Err = err
			e.logger.Warn("batch cancelled", "remaining", len(trials)-i)
			break
		}
		run, err := e.RunTrial(ctx, spec, split)
		if err != nil {
			e.logger.Error("trial failed", log.ErrAttrKey, err, log.RunNameKey, spec.RunName)
			res.Failures = append(res.Failures, Failure{RunName: spec.RunName, Err: err})
			continue
		}
		res.Runs = append(res.Runs, run)
	}
	return res
}

// RunPlan prepares the plan's dataset and runs every trial.
func (e *Executor) RunPlan(ctx context.Context, plan Plan) (BatchResult, datasets.Split, error) {
	split, _, err := datasets.Prepare(plan.Dataset)
	if err != nil {
		return BatchResult{}, datasets.Split{}, errors.Wrap(err, "prepare dataset")
	}
	e.logger.Info("dataset prepared", "split", split.String())
	return e.RunBatch(ctx, plan.Trials, split), split, nil
}

// WriteSummary prints the runs in trial order followed by the best run by
// metric and any failures.
func (b BatchResult) WriteSummary(w io.Writer, metric string) error {
	var sb strings.Builder
	rule := strings.Repeat("=", 80)
	fmt.Fprintf(&sb, "%s\nEXPERIMENT RESULTS SUMMARY\n%s\n\n", rule, rule)
	fmt.Fprintf(&sb, "%-32s %-15s %-15s\n", "Model", "Accuracy", "F1 Score")
	sb.WriteString(strings.Repeat("-", 62) + "\n")
	for _, r := range b.Runs {
		fmt.Fprintf(&sb, "%-32s %-15.4f %-15.4f\n", r.DisplayName,
			r.Metrics[tracking.MetricTestAccuracy], r.Metrics[tracking.MetricTestF1])
	}
	if best, err := selection.SelectBest(b.Runs, metric); err == nil {
		fmt.Fprintf(&sb, "\n%s\nBEST MODEL: %s\n", rule, best.DisplayName)
		fmt.Fprintf(&sb, "Run ID: %s\n", best.ID)
		fmt.Fprintf(&sb, "Test Accuracy: %.4f\n", best.Metrics[tracking.MetricTestAccuracy])
		fmt.Fprintf(&sb, "Test F1 Score: %.4f\n%s\n", best.Metrics[tracking.MetricTestF1], rule)
	}
	for _, f := range b.Failures {
		fmt.Fprintf(&sb, "FAILED: %s: %v\n", f.RunName, f.Err)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func rows(m mat.Matrix) int {
	r, _ := m.Dims()
	return r
}
