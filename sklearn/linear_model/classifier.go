package linear_model

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/parallel"
	"github.com/YuminosukeSato/scitrack/metrics"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// predictParallelThreshold is the row count above which argmax runs in parallel.
const predictParallelThreshold = 2048

// validateFitInput checks X and y for Fit and returns the sorted class labels
// and each row's class index.
func validateFitInput(op string, X, y mat.Matrix) (classes []int, yIdx []int, err error) {
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return nil, nil, errors.NewModelError(op, "empty data", errors.ErrEmptyData)
	}
	yRows, yCols := y.Dims()
	if yRows != nSamples {
		return nil, nil, errors.NewDimensionError(op, nSamples, yRows, 0)
	}
	if yCols != 1 {
		return nil, nil, errors.NewDimensionError(op, 1, yCols, 1)
	}
	if err := errors.CheckMatrix(op, X, nSamples, nFeatures, 0); err != nil {
		return nil, nil, err
	}

	seen := map[int]bool{}
	labels := make([]int, nSamples)
	for i := 0; i < nSamples; i++ {
		v := y.At(i, 0)
		if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return nil, nil, errors.NewValidationError("y", "class labels must be integers", v)
		}
		labels[i] = int(v)
		seen[labels[i]] = true
	}
	classes = make([]int, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Ints(classes)
	if len(classes) < 2 {
		return nil, nil, errors.NewValueError(op, "need samples of at least 2 classes")
	}

	index := make(map[int]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}
	yIdx = make([]int, nSamples)
	for i, l := range labels {
		yIdx[i] = index[l]
	}
	return classes, yIdx, nil
}

// linearScores computes X·Wᵀ + b for coef (k×d) and intercept (k).
func linearScores(X mat.Matrix, coef [][]float64, intercept []float64) *mat.Dense {
	rows, _ := X.Dims()
	k := len(coef)
	d := len(coef[0])
	W := mat.NewDense(k, d, nil)
	for c := range coef {
		W.SetRow(c, coef[c])
	}
	scores := mat.NewDense(rows, k, nil)
	scores.Mul(X, W.T())
	for i := 0; i < rows; i++ {
		row := scores.RawRowView(i)
		for c := range row {
			row[c] += intercept[c]
		}
	}
	return scores
}

// argmaxLabels maps each row of scores to classes[argmax].
func argmaxLabels(scores *mat.Dense, classes []int) (*mat.Dense, error) {
	rows, _ := scores.Dims()
	out := mat.NewDense(rows, 1, nil)
	err := parallel.ParallelizeWithThreshold(rows, predictParallelThreshold, func(start, end int) error {
		for i := start; i < end; i++ {
			row := scores.RawRowView(i)
			best := 0
			for c := 1; c < len(row); c++ {
				if row[c] > row[best] {
					best = c
				}
			}
			out.Set(i, 0, float64(classes[best]))
		}
		return nil
	})
	return out, err
}

func copyInts(s []int) []int {
	return append([]int(nil), s...)
}

// accuracyScore returns the mean accuracy of p on (X, y).
func accuracyScore(p interface {
	Predict(mat.Matrix) (mat.Matrix, error)
}, X, y mat.Matrix) (float64, error) {
	pred, err := p.Predict(X)
	if err != nil {
		return 0, err
	}
	return metrics.Accuracy(y, pred)
}
