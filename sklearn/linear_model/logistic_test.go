package linear_model

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// TestLogisticRegression_FitPredict_Binary tests binary classification
func TestLogisticRegression_FitPredict_Binary(t *testing.T) {
	// Class 0: points around (1, 1)
	// Class 1: points around (3, 3)
	X := mat.NewDense(6, 2, []float64{
		0.5, 0.5,
		1.0, 1.5,
		1.5, 1.0,
		3.0, 2.5,
		2.5, 3.0,
		3.5, 3.5,
	})
	y := mat.NewDense(6, 1, []float64{0, 0, 0, 1, 1, 1})

	lr := NewLogisticRegression(WithLRMaxIter(5000), WithLRTol(1e-6), WithLRC(100))
	if err := lr.Fit(X, y); err != nil {
		t.Fatalf("Failed to fit model: %v", err)
	}

	predictions, err := lr.Predict(X)
	if err != nil {
		t.Fatalf("Failed to predict: %v", err)
	}
	for i := 0; i < 6; i++ {
		if predictions.At(i, 0) != y.At(i, 0) {
			t.Errorf("Sample %d: expected %v, got %v", i, y.At(i, 0), predictions.At(i, 0))
		}
	}

	XTest := mat.NewDense(2, 2, []float64{
		1.0, 1.0, // Should be class 0
		3.0, 3.0, // Should be class 1
	})
	testPreds, err := lr.Predict(XTest)
	if err != nil {
		t.Fatalf("Failed to predict on test data: %v", err)
	}
	if testPreds.At(0, 0) != 0 || testPreds.At(1, 0) != 1 {
		t.Errorf("unexpected test predictions %v", mat.Formatted(testPreds))
	}
}

func TestLogisticRegression_Multiclass(t *testing.T) {
	X, y := makeBlobs(1, 40, threeCenters, 0.8)

	for _, mode := range []string{"multinomial", "ovr"} {
		t.Run(mode, func(t *testing.T) {
			lr := NewLogisticRegression(WithLRMaxIter(2000), WithLRMultiClass(mode))
			if err := lr.Fit(X, y); err != nil {
				t.Fatal(err)
			}
			acc, err := lr.Score(X, y)
			if err != nil {
				t.Fatal(err)
			}
			if acc < 0.95 {
				t.Errorf("training accuracy = %v, want >= 0.95", acc)
			}
			if got := lr.Classes(); len(got) != 3 || got[0] != 0 || got[2] != 2 {
				t.Errorf("Classes() = %v", got)
			}
			if lr.NFeaturesIn() != 2 {
				t.Errorf("NFeaturesIn() = %d", lr.NFeaturesIn())
			}
		})
	}
}

// TestLogisticRegression_PredictProba tests probability predictions
func TestLogisticRegression_PredictProba(t *testing.T) {
	X, y := makeBlobs(2, 30, threeCenters, 1.0)
	lr := NewLogisticRegression(WithLRMaxIter(500))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	proba, err := lr.PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	pred, err := lr.Predict(X)
	if err != nil {
		t.Fatal(err)
	}
	rows, cols := proba.Dims()
	if cols != 3 {
		t.Fatalf("expected 3 probability columns, got %d", cols)
	}
	for i := 0; i < rows; i++ {
		sum, best := 0.0, 0
		for j := 0; j < cols; j++ {
			p := proba.At(i, j)
			if p < 0 || p > 1 {
				t.Fatalf("probability out of range: %v", p)
			}
			sum += p
			if p > proba.At(i, best) {
				best = j
			}
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("row %d sums to %v", i, sum)
		}
		if float64(best) != pred.At(i, 0) {
			t.Errorf("row %d: argmax proba %d disagrees with Predict %v", i, best, pred.At(i, 0))
		}
	}
	if !model.HasProbabilitySupport(lr) {
		t.Error("LogisticRegression should support probabilities")
	}
}

func TestLogisticRegression_Errors(t *testing.T) {
	lr := NewLogisticRegression()
	var nf *errors.NotFittedError
	if _, err := lr.Predict(mat.NewDense(1, 2, nil)); !errors.As(err, &nf) {
		t.Errorf("expected NotFittedError, got %v", err)
	}

	X, y := makeBlobs(3, 10, threeCenters, 0.5)
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	var dim *errors.DimensionError
	if _, err := lr.Predict(mat.NewDense(1, 5, nil)); !errors.As(err, &dim) {
		t.Errorf("expected DimensionError, got %v", err)
	}

	if err := NewLogisticRegression(WithLRC(0)).Fit(X, y); err == nil {
		t.Error("C=0 should be rejected")
	}
	single := mat.NewDense(3, 1, []float64{1, 1, 1})
	if err := NewLogisticRegression().Fit(mat.NewDense(3, 2, nil), single); err == nil {
		t.Error("a single class should be rejected")
	}
	frac := mat.NewDense(3, 1, []float64{0, 0.5, 1})
	if err := NewLogisticRegression().Fit(mat.NewDense(3, 2, nil), frac); err == nil {
		t.Error("non-integer labels should be rejected")
	}
}

func TestLogisticRegression_StrongerRegularizationShrinksWeights(t *testing.T) {
	X, y := makeBlobs(4, 30, threeCenters, 1.0)

	weak := NewLogisticRegression(WithLRC(1.0), WithLRMaxIter(500))
	strong := NewLogisticRegression(WithLRC(0.01), WithLRMaxIter(500))
	if err := weak.Fit(X, y); err != nil {
		t.Fatal(err)
	}
	if err := strong.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	norm := func(coef [][]float64) float64 {
		s := 0.0
		for _, row := range coef {
			for _, v := range row {
				s += v * v
			}
		}
		return s
	}
	if norm(strong.Coef_) >= norm(weak.Coef_) {
		t.Errorf("C=0.01 should shrink weights: %v >= %v", norm(strong.Coef_), norm(weak.Coef_))
	}
}

func TestLogisticRegression_ArtifactRoundTrip(t *testing.T) {
	X, y := makeBlobs(5, 20, threeCenters, 1.0)
	lr := NewLogisticRegression(WithLRMaxIter(300))
	if err := lr.Fit(X, y); err != nil {
		t.Fatal(err)
	}

	blob, err := model.Marshal(lr)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := model.Unmarshal(blob)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Kind() != KindLogisticRegression {
		t.Fatalf("kind = %s", decoded.Kind())
	}

	want, _ := lr.PredictProba(X)
	got, err := decoded.(model.ProbabilityPredictor).PredictProba(X)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(want, got) {
		t.Error("decoded model should produce identical probabilities")
	}
}
