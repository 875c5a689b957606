package neural_network

import (
	"bytes"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

func makeBlobs(seed uint64, perClass int, centers [][]float64, spread float64) (*mat.Dense, *mat.Dense) {
	rng := rand.New(rand.NewPCG(seed, seed))
	d := len(centers[0])
	X := mat.NewDense(perClass*len(centers), d, nil)
	y := mat.NewDense(perClass*len(centers), 1, nil)
	row := 0
	for k, c := range centers {
		for i := 0; i < perClass; i++ {
			for j := 0; j < d; j++ {
				X.Set(row, j, c[j]+spread*rng.NormFloat64())
			}
			y.Set(row, 0, float64(k))
			row++
		}
	}
	return X, y
}

var threeCenters = [][]float64{{-3, 0}, {3, 0}, {0, 4}}

func TestMLPClassifier_FitPredict(t *testing.T) {
	X, y := makeBlobs(3, 50, threeCenters, 0.7)

	tests := []struct {
		name string
		opts []MLPOption
	}{
		{"single_layer", []MLPOption{WithHiddenLayerSizes(32)}},
		{"deep", []MLPOption{WithHiddenLayerSizes(16, 8), WithAlpha(1e-3)}},
		{"tanh", []MLPOption{WithHiddenLayerSizes(16), WithActivation("tanh")}},
		{"early_stopping", []MLPOption{WithHiddenLayerSizes(16), WithEarlyStopping(true, 0.2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]MLPOption{WithMLPMaxIter(300), WithLearningRateInit(0.01)}, tt.opts...)
			m := NewMLPClassifier(opts...)
			if err := m.Fit(X, y); err != nil {
				t.Fatalf("Fit() error = %v", err)
			}
			acc, err := m.Score(X, y)
			if err != nil {
				t.Fatal(err)
			}
			if acc < 0.95 {
				t.Errorf("training accuracy = %v, want >= 0.95", acc)
			}
			if m.NIter_ == 0 || len(m.LossCurve_) != m.NIter_ {
				t.Errorf("NIter_ = %d, len(LossCurve_) = %d", m.NIter_, len(m.LossCurve_))
			}
		})
	}
}

func TestMLPClassifier_PredictProbaRowsSumToOne(t *testing.T) {
	X, y := makeBlobs(5, 20, threeCenters, 0.5)
	m := NewMLPClassifier(WithHiddenLayerSizes(8), WithMLPMaxIter(50))
	if err := m.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	proba, err := m.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	rows, cols := proba.Dims()
	if cols != 3 {
		t.Fatalf("PredictProba columns = %d, want 3", cols)
	}
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += proba.At(i, j)
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Fatalf("row %d sums to %v", i, sum)
		}
	}
	if !model.HasProbabilitySupport(m) {
		t.Error("MLPClassifier should expose probabilities")
	}
}

func TestMLPClassifier_Deterministic(t *testing.T) {
	X, y := makeBlobs(7, 20, threeCenters, 0.9)
	fit := func() *MLPClassifier {
		m := NewMLPClassifier(WithHiddenLayerSizes(8), WithMLPMaxIter(20), WithMLPRandomState(11))
		if err := m.Fit(X, y); err != nil {
			t.Fatal(err)
		}
		return m
	}
	a, b := fit(), fit()
	for l := range a.Weights_ {
		for i := range a.Weights_[l] {
			if a.Weights_[l][i] != b.Weights_[l][i] {
				t.Fatalf("weights differ at layer %d index %d", l, i)
			}
		}
	}
}

func TestMLPClassifier_Errors(t *testing.T) {
	m := NewMLPClassifier()
	if _, err := m.Predict(mat.NewDense(1, 2, nil)); err == nil {
		t.Error("Predict before Fit should fail")
	} else {
		var nf *errors.NotFittedError
		if !errors.As(err, &nf) {
			t.Errorf("expected NotFittedError, got %T", err)
		}
	}

	bad := NewMLPClassifier(WithActivation("softsign"))
	X, y := makeBlobs(1, 5, threeCenters, 0.5)
	if err := bad.Fit(X, y); err == nil {
		t.Error("unknown activation should fail")
	}

	one := NewMLPClassifier()
	if err := one.Fit(mat.NewDense(3, 1, []float64{1, 2, 3}), mat.NewDense(3, 1, []float64{1, 1, 1})); err == nil {
		t.Error("single class should fail")
	}

	fitted := NewMLPClassifier(WithHiddenLayerSizes(4), WithMLPMaxIter(5))
	if err := fitted.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	_, err := fitted.Predict(mat.NewDense(1, 3, nil))
	var de *errors.DimensionError
	if !errors.As(err, &de) {
		t.Errorf("expected DimensionError, got %v", err)
	}
}

func TestMLPClassifier_CodecRoundTrip(t *testing.T) {
	X, y := makeBlobs(9, 20, threeCenters, 0.6)
	m := NewMLPClassifier(WithHiddenLayerSizes(8, 4), WithMLPMaxIter(40))
	if err := m.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := model.Save(&buf, m); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := model.Load(&buf)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Kind() != KindMLPClassifier {
		t.Errorf("Kind() = %q", loaded.Kind())
	}
	want, _ := m.Predict(X)
	got, err := loaded.Predict(X)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(want, got) {
		t.Error("predictions differ after round trip")
	}
}

func TestMLPClassifier_HiddenLayersString(t *testing.T) {
	tests := []struct {
		sizes []int
		want  string
	}{
		{[]int{100}, "(100,)"},
		{[]int{100, 50}, "(100, 50)"},
	}
	for _, tt := range tests {
		m := NewMLPClassifier(WithHiddenLayerSizes(tt.sizes...))
		if got := m.HiddenLayersString(); got != tt.want {
			t.Errorf("HiddenLayersString() = %q, want %q", got, tt.want)
		}
	}
}
