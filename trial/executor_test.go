package trial

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/datasets"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/preprocessing"
	"github.com/YuminosukeSato/scitrack/report"
	"github.com/YuminosukeSato/scitrack/sklearn"
	"github.com/YuminosukeSato/scitrack/sklearn/linear_model"
	"github.com/YuminosukeSato/scitrack/tracking"
)

func smallSplit(t *testing.T) datasets.Split {
	t.Helper()
	cfg := datasets.DefaultConfig()
	cfg.Classification.NSamples = 240
	cfg.Classification.NFeatures = 6
	cfg.Classification.NInformative = 4
	cfg.Classification.NRedundant = 2
	cfg.Classification.NClustersPerClass = 1
	cfg.Classification.ClassSep = 2.0
	cfg.Classification.FlipY = 0
	split, _, err := datasets.Prepare(cfg)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	return split
}

func logisticSpec(name string) TrialSpec {
	return TrialSpec{
		RunName:     name,
		Description: "logistic regression",
		Estimator:   sklearn.EstimatorSpec{Kind: "LogisticRegression", Params: map[string]any{"C": 1.0, "max_iter": 200}},
	}
}

func TestRunTrial_RecordsRun(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	logger, _ := log.NewTestLogger(log.LevelDebug)
	e := NewExecutor(store, "exp", WithLogger(logger))
	split := smallSplit(t)

	run, err := e.RunTrial(ctx, logisticSpec("LogReg_Baseline"), split)
	if err != nil {
		t.Fatalf("RunTrial() error = %v", err)
	}
	if run.ID == "" || run.ArtifactRef != tracking.ArtifactRefFor(run.ID) {
		t.Errorf("run = %v, ref %q", run, run.ArtifactRef)
	}
	for _, key := range []string{
		tracking.MetricTrainAccuracy, tracking.MetricTrainPrecision, tracking.MetricTrainRecall, tracking.MetricTrainF1,
		tracking.MetricTestAccuracy, tracking.MetricTestPrecision, tracking.MetricTestRecall, tracking.MetricTestF1,
	} {
		v, ok := run.Metrics[key]
		if !ok || v < 0 || v > 1 {
			t.Errorf("metric %s = %v (present %v)", key, v, ok)
		}
	}
	if run.Metrics[tracking.MetricTestAccuracy] < 0.7 {
		t.Errorf("test accuracy = %v on an easy problem", run.Metrics[tracking.MetricTestAccuracy])
	}
	rowsTrain, _ := split.XTrain.Dims()
	wantParams := map[string]any{
		"model_type": "LogisticRegression",
		"n_features": 6.0,
		"n_samples":  float64(rowsTrain),
		"n_classes":  3.0,
		"max_iter":   200.0,
		"C":          1.0,

		"feature_scaling": "standard",
	}
	for k, want := range wantParams {
		if run.Params[k] != want {
			t.Errorf("param %s = %#v, want %#v", k, run.Params[k], want)
		}
	}
	if run.Tags[tracking.TagDescription] != "logistic regression" {
		t.Errorf("tags = %v", run.Tags)
	}
	if len(run.Attachments) != 1 || run.Attachments[0] != report.ConfusionMatrixName {
		t.Errorf("attachments = %v", run.Attachments)
	}

	// 保存されたアーティファクトは生の特徴量から同じ予測を返すこと
	blob, err := store.LoadArtifact(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	art, err := model.Unmarshal(blob)
	if err != nil {
		t.Fatal(err)
	}
	scaled, ok := art.(*preprocessing.ScaledModel)
	if !ok || !model.HasProbabilitySupport(art) {
		t.Fatalf("artifact kind = %s", art.Kind())
	}
	accuracy := func(pred mat.Matrix) float64 {
		correct := 0
		n, _ := pred.Dims()
		for i := 0; i < n; i++ {
			if pred.At(i, 0) == split.YTest.At(i, 0) {
				correct++
			}
		}
		return float64(correct) / float64(n)
	}
	pred, err := scaled.Model.Predict(split.XTest)
	if err != nil {
		t.Fatal(err)
	}
	if got := accuracy(pred); got != run.Metrics[tracking.MetricTestAccuracy] {
		t.Errorf("reloaded accuracy = %v, recorded %v", got, run.Metrics[tracking.MetricTestAccuracy])
	}
	raw, err := split.Scaler.InverseTransform(split.XTest)
	if err != nil {
		t.Fatal(err)
	}
	if pred, err = art.Predict(raw); err != nil {
		t.Fatal(err)
	}
	if got := accuracy(pred); math.Abs(got-run.Metrics[tracking.MetricTestAccuracy]) > 0.05 {
		t.Errorf("raw-feature accuracy = %v, recorded %v", got, run.Metrics[tracking.MetricTestAccuracy])
	}
	if !logger.ContainsMessage("trial finished") {
		t.Error("trial completion was not logged")
	}
}

func TestRunTrial_NoDescriptionNoTags(t *testing.T) {
	spec := logisticSpec("x")
	spec.Description = ""
	run, err := NewExecutor(tracking.NewMemoryStore(), "exp", WithFigures(false)).RunTrial(context.Background(), spec, smallSplit(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Tags) != 0 || len(run.Attachments) != 0 {
		t.Errorf("tags = %v, attachments = %v", run.Tags, run.Attachments)
	}
}

type panickingEstimator struct{}

func (panickingEstimator) Fit(X, y mat.Matrix) error                { panic("diverged") }
func (panickingEstimator) Predict(X mat.Matrix) (mat.Matrix, error) { return nil, nil }
func (panickingEstimator) Kind() string                             { return "Panicking" }

func TestRunTrial_BuilderWithoutParams(t *testing.T) {
	shared := map[string]any{"C": 1.0}
	for name, params := range map[string]map[string]any{"nil": nil, "shared": shared} {
		t.Run(name, func(t *testing.T) {
			e := NewExecutor(tracking.NewMemoryStore(), "exp", WithFigures(false),
				WithBuilder(func(sklearn.EstimatorSpec) (model.TrainableArtifact, map[string]any, error) {
					return linear_model.NewLogisticRegression(), params, nil
				}))
			run, err := e.RunTrial(context.Background(), logisticSpec("custom"), smallSplit(t))
			if err != nil {
				t.Fatalf("RunTrial() error = %v", err)
			}
			if run.Params["model_type"] != "LogisticRegression" || run.Params["n_features"] != 6.0 {
				t.Errorf("params = %v", run.Params)
			}
		})
	}
	if len(shared) != 1 {
		t.Errorf("builder params were modified: %v", shared)
	}
}

func TestRunTrial_Failures(t *testing.T) {
	ctx := context.Background()
	split := smallSplit(t)

	tests := []struct {
		name     string
		exec     func(store tracking.Store) *Executor
		spec     TrialSpec
		training bool
	}{
		{
			name: "unknown_kind",
			exec: func(s tracking.Store) *Executor { return NewExecutor(s, "exp") },
			spec: TrialSpec{RunName: "svm", Estimator: sklearn.EstimatorSpec{Kind: "SVC"}},
		},
		{
			name: "fit_error",
			exec: func(s tracking.Store) *Executor { return NewExecutor(s, "exp") },
			spec: TrialSpec{RunName: "bad", Estimator: sklearn.EstimatorSpec{
				Kind: "MLPClassifier", Params: map[string]any{"activation": "softsign"},
			}},
			training: true,
		},
		{
			name: "fit_panic",
			exec: func(s tracking.Store) *Executor {
				return NewExecutor(s, "exp", WithBuilder(func(sklearn.EstimatorSpec) (model.TrainableArtifact, map[string]any, error) {
					return panickingEstimator{}, map[string]any{}, nil
				}))
			},
			spec:     TrialSpec{RunName: "boom", Estimator: sklearn.EstimatorSpec{Kind: "Panicking"}},
			training: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tracking.NewMemoryStore()
			_, err := tt.exec(store).RunTrial(ctx, tt.spec, split)
			if err == nil {
				t.Fatal("RunTrial() should fail")
			}
			if got := errors.IsTrainingFailure(err); got != tt.training {
				t.Errorf("IsTrainingFailure(%v) = %v, want %v", err, got, tt.training)
			}
			runs, _ := store.Query(ctx, "exp")
			if len(runs) != 0 {
				t.Errorf("%d runs stored after a failed trial", len(runs))
			}
		})
	}
}

func TestRunBatch_ContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	e := NewExecutor(store, "exp", WithFigures(false))

	trials := []TrialSpec{
		logisticSpec("first"),
		{RunName: "broken", Estimator: sklearn.EstimatorSpec{Kind: "SVC"}},
		{RunName: "pa", Estimator: sklearn.EstimatorSpec{Kind: "PassiveAggressiveClassifier", Params: map[string]any{"C": 0.1}}},
	}
	res := e.RunBatch(ctx, trials, smallSplit(t))
	if len(res.Runs) != 2 || len(res.Failures) != 1 || res.Failures[0].RunName != "broken" {
		t.Fatalf("RunBatch() = %d runs, failures %v", len(res.Runs), res.Failures)
	}
	if res.Err != nil {
		t.Errorf("Err = %v", res.Err)
	}
	stored, _ := store.Query(ctx, "exp")
	if len(stored) != 2 {
		t.Errorf("store holds %d runs, want 2", len(stored))
	}

	var buf bytes.Buffer
	if err := res.WriteSummary(&buf, tracking.MetricTestF1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"EXPERIMENT RESULTS SUMMARY", "first", "pa", "BEST MODEL:", "FAILED: broken"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRunBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewExecutor(tracking.NewMemoryStore(), "exp").RunBatch(ctx, []TrialSpec{logisticSpec("a")}, smallSplit(t))
	if len(res.Runs) != 0 || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("RunBatch() = %+v", res)
	}
}
