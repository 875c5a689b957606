package serving

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/sklearn/linear_model"
	"github.com/YuminosukeSato/scitrack/storage/sqlite"
	"github.com/YuminosukeSato/scitrack/tracking"
)

const (
	testModel      = "BestClassifier"
	testExperiment = "exp"
	testMetric     = tracking.MetricTestF1
)

// trainingData has two features and three well separated classes.
func trainingData() (*mat.Dense, *mat.Dense) {
	X := mat.NewDense(9, 2, []float64{
		-5, 0, -5.5, 0.5, -4.5, -0.5,
		5, 0, 5.5, 0.5, 4.5, -0.5,
		0, 6, 0.5, 6.5, -0.5, 5.5,
	})
	y := mat.NewDense(9, 1, []float64{0, 0, 0, 1, 1, 1, 2, 2, 2})
	return X, y
}

func fitted(t *testing.T, est model.TrainableArtifact) []byte {
	t.Helper()
	X, y := trainingData()
	if err := est.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	blob, err := model.Marshal(est)
	if err != nil {
		t.Fatal(err)
	}
	return blob
}

func appendRun(t *testing.T, s tracking.Store, name string, f1 float64, blob []byte) tracking.Run {
	t.Helper()
	ctx := context.Background()
	id, err := s.Append(ctx, tracking.Run{
		ExperimentName: testExperiment,
		DisplayName:    name,
		Metrics:        map[string]float64{testMetric: f1},
	}, tracking.Artifacts{Model: blob})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := s.Get(ctx, id)
	return r
}

func quietLogger() log.Logger {
	l, _ := log.NewTestLogger(log.LevelDebug)
	return l
}

func TestResolve_FallsBackToBestRun(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	blob := fitted(t, linear_model.NewLogisticRegression(linear_model.WithLRMaxIter(300)))
	appendRun(t, store, "weak", 0.5, blob)
	best := appendRun(t, store, "best", 0.9, blob)

	r := NewResolver(registry.NewMemoryRegistry(registry.WithLogger(quietLogger())), store, quietLogger())
	res, err := r.Resolve(ctx, testModel, testExperiment, testMetric)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Source != SourceRun || res.RunID != best.ID || res.Version != 0 {
		t.Errorf("resolved = %+v", res)
	}
	if res.Kind != linear_model.KindLogisticRegression || !res.HasProba || res.NFeatures != 2 || len(res.Classes) != 3 {
		t.Errorf("capabilities = %+v", res)
	}
}

func TestResolve_ProductionWinsOverBetterRun(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	reg := registry.NewMemoryRegistry(registry.WithLogger(quietLogger()))
	blob := fitted(t, linear_model.NewPassiveAggressiveClassifier())
	promoted := appendRun(t, store, "promoted", 0.3, blob)
	appendRun(t, store, "better", 0.99, blob)

	v, err := reg.Register(ctx, testModel, promoted)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Transition(ctx, testModel, v.Number, registry.StageProduction); err != nil {
		t.Fatal(err)
	}

	res, err := NewResolver(reg, store, quietLogger()).Resolve(ctx, testModel, testExperiment, testMetric)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceRegistry || res.RunID != promoted.ID || res.Version != v.Number {
		t.Errorf("resolved = %+v", res)
	}
	if res.HasProba {
		t.Error("passive-aggressive artifact should not report probability support")
	}
}

func TestResolve_BrokenProductionFallsBack(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	reg := registry.NewMemoryRegistry(registry.WithLogger(quietLogger()))
	broken := appendRun(t, store, "broken", 0.99, []byte("not a model"))
	appendRun(t, store, "good", 0.5, fitted(t, linear_model.NewLogisticRegression()))

	v, _ := reg.Register(ctx, testModel, broken)
	if _, err := reg.Transition(ctx, testModel, v.Number, registry.StageProduction); err != nil {
		t.Fatal(err)
	}
	logger, _ := log.NewTestLogger(log.LevelDebug)

	// broken は指標では最良だが、フォールバックも同じ run を選ぶので失敗する
	_, err := NewResolver(reg, store, logger).Resolve(ctx, testModel, testExperiment, testMetric)
	if !errors.IsModelUnavailable(err) {
		t.Fatalf("Resolve() error = %v, want ModelUnavailableError", err)
	}
	if !logger.ContainsMessage("production artifact unusable, falling back to best run") {
		t.Error("registry failure was not logged")
	}

	// broken の指標が低ければフォールバックは良い run を選ぶ
	store2 := tracking.NewMemoryStore()
	brokenOnly := appendRun(t, store2, "broken", 0.1, []byte("garbage"))
	goodOnly := appendRun(t, store2, "good", 0.9, fitted(t, linear_model.NewLogisticRegression()))
	reg2 := registry.NewMemoryRegistry(registry.WithLogger(quietLogger()))
	v2, _ := reg2.Register(ctx, testModel, brokenOnly)
	if _, err := reg2.Transition(ctx, testModel, v2.Number, registry.StageProduction); err != nil {
		t.Fatal(err)
	}
	res, err := NewResolver(reg2, store2, quietLogger()).Resolve(ctx, testModel, testExperiment, testMetric)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != SourceRun || res.RunID != goodOnly.ID {
		t.Errorf("resolved = %+v, want fallback to %s", res, goodOnly.ID)
	}
}

func TestResolve_NothingAvailable(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(registry.NewMemoryRegistry(registry.WithLogger(quietLogger())), tracking.NewMemoryStore(), quietLogger())
	_, err := r.Resolve(ctx, testModel, testExperiment, testMetric)
	if !errors.IsModelUnavailable(err) {
		t.Fatalf("Resolve() error = %v, want ModelUnavailableError", err)
	}
	var mu *errors.ModelUnavailableError
	if errors.As(err, &mu) && (mu.ModelName != testModel || mu.Experiment != testExperiment) {
		t.Errorf("error fields = %+v", mu)
	}
}

func TestResolve_NilRegistry(t *testing.T) {
	store := tracking.NewMemoryStore()
	run := appendRun(t, store, "only", 0.7, fitted(t, linear_model.NewLogisticRegression()))
	res, err := NewResolver(nil, store, quietLogger()).Resolve(context.Background(), testModel, testExperiment, testMetric)
	if err != nil || res.RunID != run.ID {
		t.Errorf("Resolve() = %+v, %v", res, err)
	}
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
	res   *Resolved
	err   error
	delay time.Duration
}

func (c *countingResolver) Resolve(ctx context.Context, modelName, experiment, metric string) (*Resolved, error) {
	c.mu.Lock()
	c.calls++
	res, err := c.res, c.err
	c.mu.Unlock()
	time.Sleep(c.delay)
	return res, err
}

func TestHandle_ReloadKeepsPreviousOnFailure(t *testing.T) {
	ctx := context.Background()
	first := &Resolved{RunID: "a", Source: SourceRun}
	cr := &countingResolver{res: first}
	h := NewHandle(cr, Target{ModelName: testModel}, quietLogger())

	if h.Current() != nil {
		t.Fatal("new handle should be empty")
	}
	if _, err := h.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if h.Current() != first {
		t.Fatal("Reload() did not install the artifact")
	}

	cr.mu.Lock()
	cr.res, cr.err = nil, errors.NewModelUnavailableError(testModel, "", "gone", nil)
	cr.mu.Unlock()
	kept, err := h.Reload(ctx)
	if err == nil || kept != first || h.Current() != first {
		t.Errorf("failed reload: kept = %v, err = %v", kept, err)
	}
}

func TestHandle_ReloadSameArtifactLogsOnce(t *testing.T) {
	ctx := context.Background()
	cr := &countingResolver{res: &Resolved{RunID: "a", Source: SourceRun}}
	logger, _ := log.NewTestLogger(log.LevelDebug)
	h := NewHandle(cr, Target{ModelName: testModel}, logger)

	if _, err := h.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if !logger.ContainsMessage("serving artifact swapped") {
		t.Fatal("first reload should log the swap")
	}

	logger.Clear()
	// 同じ run の再解決は swap として記録しない
	cr.mu.Lock()
	cr.res = &Resolved{RunID: "a", Source: SourceRun}
	cr.mu.Unlock()
	if _, err := h.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if logger.ContainsMessage("serving artifact swapped") {
		t.Error("reload of the same run logged a swap")
	}

	logger.Clear()
	cr.mu.Lock()
	cr.res = &Resolved{RunID: "b", Source: SourceRun}
	cr.mu.Unlock()
	if _, err := h.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if !logger.ContainsField(log.RunIDKey, "b") {
		t.Error("swap to a new run should be logged with its run id")
	}
}

func TestHandle_ReloadCoalesces(t *testing.T) {
	cr := &countingResolver{res: &Resolved{RunID: "a"}, delay: 50 * time.Millisecond}
	h := NewHandle(cr, Target{}, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.Reload(context.Background())
		}()
	}
	wg.Wait()
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.calls >= 10 {
		t.Errorf("resolver called %d times for 10 concurrent reloads", cr.calls)
	}
}

func newService(t *testing.T, est model.TrainableArtifact) *Service {
	t.Helper()
	store := tracking.NewMemoryStore()
	appendRun(t, store, "run", 0.9, fitted(t, est))
	h := NewHandle(NewResolver(nil, store, quietLogger()), Target{ModelName: testModel, Experiment: testExperiment, FallbackMetric: testMetric}, quietLogger())
	if _, err := h.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	return NewService(h, quietLogger())
}

func TestService_Predict(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, linear_model.NewLogisticRegression(linear_model.WithLRMaxIter(500)))

	tests := []struct {
		name string
		raw  RawFeatures
		want int
	}{
		{"values", FeatureValues(5, 0), 1},
		{"text", FeatureText(" -5 , 0.2 "), 0},
		{"text_third_class", FeatureText("0,6"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Predict(ctx, tt.raw)
			if err != nil {
				t.Fatalf("Predict() error = %v", err)
			}
			if got.Prediction != tt.want || got.PredictionLabel != "Class "+string(rune('0'+tt.want)) {
				t.Errorf("Predict() = %+v, want class %d", got, tt.want)
			}
			if got.NumFeatures != 2 || len(got.InputFeatures) != 2 {
				t.Errorf("features echo = %+v", got)
			}
			sum := 0.0
			for _, p := range got.Probabilities {
				sum += p
			}
			if len(got.Probabilities) != 3 || sum < 0.999 || sum > 1.001 {
				t.Errorf("probabilities = %v", got.Probabilities)
			}
		})
	}
}

func TestService_PredictWithoutProbabilities(t *testing.T) {
	svc := newService(t, linear_model.NewPassiveAggressiveClassifier())
	got, err := svc.Predict(context.Background(), FeatureValues(-5, 0))
	if err != nil {
		t.Fatal(err)
	}
	if got.Probabilities != nil {
		t.Errorf("Probabilities = %v, want none", got.Probabilities)
	}
}

func TestService_PredictInvalidInput(t *testing.T) {
	svc := newService(t, linear_model.NewLogisticRegression())
	for name, raw := range map[string]RawFeatures{
		"bad_token":     FeatureText("1,abc"),
		"empty_text":    FeatureText("  "),
		"empty_token":   FeatureText("1,,2"),
		"empty_values":  FeatureValues(),
		"wrong_count":   FeatureValues(1, 2, 3),
		"non_finite":    FeatureText("1,NaN"),
		"infinite_text": FeatureText("Inf,1"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Predict(context.Background(), raw)
			if !errors.IsInvalidInput(err) {
				t.Errorf("Predict() error = %v, want InvalidInputError", err)
			}
		})
	}
}

// flakyProba predicts class 1 but cannot produce probabilities.
type flakyProba struct{}

func (flakyProba) Kind() string { return "test.FlakyProba" }
func (flakyProba) Predict(X mat.Matrix) (mat.Matrix, error) {
	return mat.NewDense(1, 1, []float64{1}), nil
}
func (flakyProba) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	return nil, errors.New("probabilities not calibrated")
}

func TestService_PredictProbaFailureKeepsPrediction(t *testing.T) {
	cr := &countingResolver{res: &Resolved{Artifact: flakyProba{}, HasProba: true, RunID: "r", Source: SourceRun}}
	h := NewHandle(cr, Target{ModelName: testModel}, quietLogger())
	if _, err := h.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	logger, _ := log.NewTestLogger(log.LevelDebug)
	got, err := NewService(h, logger).Predict(context.Background(), FeatureValues(1, 2))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if got.Prediction != 1 || got.Probabilities != nil {
		t.Errorf("Predict() = %+v", got)
	}
	if !logger.ContainsMessage("probabilities omitted") {
		t.Error("probability failure was not logged")
	}
}

func TestService_NoModel(t *testing.T) {
	h := NewHandle(&countingResolver{err: errors.New("nothing")}, Target{ModelName: testModel}, quietLogger())
	svc := NewService(h, quietLogger())
	if svc.Loaded() {
		t.Error("Loaded() = true without an artifact")
	}
	if _, err := svc.Predict(context.Background(), FeatureValues(1)); !errors.IsModelUnavailable(err) {
		t.Errorf("Predict() error = %v", err)
	}
	if _, err := svc.Info(); !errors.IsModelUnavailable(err) {
		t.Errorf("Info() error = %v", err)
	}
}

func TestService_Info(t *testing.T) {
	svc := newService(t, linear_model.NewLogisticRegression())
	info, err := svc.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.ModelName != testModel || info.ModelType != linear_model.KindLogisticRegression || info.Source != SourceRun {
		t.Errorf("Info() = %+v", info)
	}
	if info.NFeatures != 2 || info.NClasses != 3 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestRawFeatures_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    []float64
		wantErr bool
	}{
		{`[1, 2.5, -3]`, []float64{1, 2.5, -3}, false},
		{`["1", " 2 "]`, []float64{1, 2}, false},
		{`"1, 2,3"`, []float64{1, 2, 3}, false},
		{`4`, []float64{4}, false},
		{`[true]`, nil, true},
		{`["1,2", "3"]`, nil, true},
		{`["1", "x"]`, nil, true},
		{`[]`, nil, true},
		{`{"a":1}`, nil, true},
	}
	for _, tt := range tests {
		var r RawFeatures
		err := r.UnmarshalJSON([]byte(tt.in))
		if err == nil {
			var values []float64
			values, err = r.Parse()
			if err == nil && !floatsEqual(values, tt.want) {
				t.Errorf("%s: values = %v, want %v", tt.in, values, tt.want)
			}
		}
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWatchStore_ReloadsOnWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "store.db")
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := tracking.NewSQLiteStore(db)
	blob := fitted(t, linear_model.NewLogisticRegression())
	first := appendRun(t, store, "first", 0.5, blob)

	h := NewHandle(NewResolver(nil, store, quietLogger()), Target{ModelName: testModel, Experiment: testExperiment, FallbackMetric: testMetric}, quietLogger())
	if _, err := h.Reload(ctx); err != nil || h.Current().RunID != first.ID {
		t.Fatalf("initial reload: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- WatchStore(ctx, h, path, 50*time.Millisecond, quietLogger()) }()
	time.Sleep(100 * time.Millisecond)

	better := appendRun(t, store, "better", 0.9, blob)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cur := h.Current(); cur != nil && cur.RunID == better.ID {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := h.Current().RunID; got != better.ID {
		t.Errorf("after store write RunID = %s, want %s", got, better.ID)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("WatchStore() error = %v", err)
	}
}

func TestWatchStore_MissingDir(t *testing.T) {
	h := NewHandle(&countingResolver{}, Target{}, quietLogger())
	path := filepath.Join(t.TempDir(), "missing", "store.db")
	err := WatchStore(context.Background(), h, path, 0, quietLogger())
	if err == nil || !strings.Contains(err.Error(), "watch") {
		t.Errorf("WatchStore() error = %v", err)
	}
	_ = os.Remove(path)
}
