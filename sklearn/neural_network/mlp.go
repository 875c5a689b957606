// Package neural_network provides a multi-layer perceptron classifier trained
// with Adam on mini-batches, compatible with scikit-learn's MLPClassifier.
package neural_network

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/core/parallel"
	"github.com/YuminosukeSato/scitrack/datasets"
	"github.com/YuminosukeSato/scitrack/metrics"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// KindMLPClassifier is the artifact kind of MLPClassifier.
const KindMLPClassifier = "MLPClassifier"

// MLPClassifier は全結合ニューラルネットワークによる分類器
// 出力層は softmax、損失は交差エントロピー + L2 正則化 (alpha)
type MLPClassifier struct {
	State *model.StateManager

	// ハイパーパラメータ
	HiddenLayerSizes   []int
	Activation         string  // "relu", "tanh", "logistic"
	Alpha              float64 // L2 正則化の強さ
	LearningRateInit   float64
	MaxIter            int // 最大エポック数
	BatchSize          int // 0 なら min(200, n_samples)
	Tol                float64
	NIterNoChange      int
	EarlyStopping      bool
	ValidationFraction float64
	Shuffle            bool
	RandomState        int64
	Beta1              float64
	Beta2              float64
	Epsilon            float64

	// 学習パラメータ
	// Weights_[l] は LayerSizes_[l] × LayerSizes_[l+1] の行優先配列
	Weights_             [][]float64
	Biases_              [][]float64
	LayerSizes_          []int
	Classes_             []int
	NIter_               int
	LossCurve_           []float64
	ValidationScores_    []float64
	BestValidationScore_ float64
	BestLoss_            float64
}

// MLPOption は設定オプション
type MLPOption func(*MLPClassifier)

// NewMLPClassifier creates an MLPClassifier with scikit-learn's defaults.
func NewMLPClassifier(opts ...MLPOption) *MLPClassifier {
	m := &MLPClassifier{
		State:              model.NewStateManager(),
		HiddenLayerSizes:   []int{100},
		Activation:         "relu",
		Alpha:              1e-4,
		LearningRateInit:   1e-3,
		MaxIter:            200,
		Tol:                1e-4,
		NIterNoChange:      10,
		ValidationFraction: 0.1,
		Shuffle:            true,
		RandomState:        42,
		Beta1:              0.9,
		Beta2:              0.999,
		Epsilon:            1e-8,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithHiddenLayerSizes sets the width of each hidden layer.
func WithHiddenLayerSizes(sizes ...int) MLPOption {
	return func(m *MLPClassifier) { m.HiddenLayerSizes = append([]int(nil), sizes...) }
}

// WithActivation sets the hidden layer activation.
func WithActivation(name string) MLPOption {
	return func(m *MLPClassifier) { m.Activation = name }
}

// WithAlpha sets the L2 penalty.
func WithAlpha(alpha float64) MLPOption {
	return func(m *MLPClassifier) { m.Alpha = alpha }
}

// WithLearningRateInit sets the Adam step size.
func WithLearningRateInit(lr float64) MLPOption {
	return func(m *MLPClassifier) { m.LearningRateInit = lr }
}

// WithMLPMaxIter sets the maximum number of epochs.
func WithMLPMaxIter(n int) MLPOption {
	return func(m *MLPClassifier) { m.MaxIter = n }
}

// WithBatchSize sets the mini-batch size.
func WithBatchSize(n int) MLPOption {
	return func(m *MLPClassifier) { m.BatchSize = n }
}

// WithEarlyStopping holds out fraction of the training data and stops when the
// validation accuracy stops improving.
func WithEarlyStopping(enabled bool, fraction float64) MLPOption {
	return func(m *MLPClassifier) {
		m.EarlyStopping = enabled
		m.ValidationFraction = fraction
	}
}

// WithMLPTol sets the improvement tolerance.
func WithMLPTol(tol float64) MLPOption {
	return func(m *MLPClassifier) { m.Tol = tol }
}

// WithMLPRandomState sets the random seed.
func WithMLPRandomState(seed int64) MLPOption {
	return func(m *MLPClassifier) { m.RandomState = seed }
}

// Kind implements model.Kinded.
func (m *MLPClassifier) Kind() string { return KindMLPClassifier }

// HiddenLayersString renders the hidden layer sizes the way they are recorded
// as a run parameter, e.g. "(100, 50)".
func (m *MLPClassifier) HiddenLayersString() string {
	parts := make([]string, len(m.HiddenLayerSizes))
	for i, s := range m.HiddenLayerSizes {
		parts[i] = fmt.Sprint(s)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (m *MLPClassifier) validateParams() error {
	for _, s := range m.HiddenLayerSizes {
		if s <= 0 {
			return errors.NewValidationError("hidden_layer_sizes", "must be positive", m.HiddenLayerSizes)
		}
	}
	switch {
	case m.Activation != "relu" && m.Activation != "tanh" && m.Activation != "logistic":
		return errors.NewValidationError("activation", "must be relu, tanh or logistic", m.Activation)
	case m.Alpha < 0:
		return errors.NewValidationError("alpha", "must be non-negative", m.Alpha)
	case m.LearningRateInit <= 0:
		return errors.NewValidationError("learning_rate_init", "must be positive", m.LearningRateInit)
	case m.MaxIter <= 0:
		return errors.NewValidationError("max_iter", "must be positive", m.MaxIter)
	case m.BatchSize < 0:
		return errors.NewValidationError("batch_size", "must be non-negative", m.BatchSize)
	case m.EarlyStopping && (m.ValidationFraction <= 0 || m.ValidationFraction >= 1):
		return errors.NewValidationError("validation_fraction", "must be in (0, 1)", m.ValidationFraction)
	}
	return nil
}

// Fit trains the network.
func (m *MLPClassifier) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "MLPClassifier.Fit")

	if err := m.validateParams(); err != nil {
		return err
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return errors.NewModelError("MLPClassifier.Fit", "empty data", errors.ErrEmptyData)
	}
	if yr, yc := y.Dims(); yr != nSamples || yc != 1 {
		return errors.NewDimensionError("MLPClassifier.Fit", nSamples, yr, 0)
	}
	labels, err := metrics.Labels("MLPClassifier.Fit", y)
	if err != nil {
		return err
	}
	m.Classes_ = uniqueSorted(labels)
	if len(m.Classes_) < 2 {
		return errors.NewValueError("MLPClassifier.Fit", "need samples of at least 2 classes")
	}
	if m.State == nil {
		m.State = model.NewStateManager()
	}
	m.State.Reset()

	rng := rand.New(rand.NewPCG(uint64(m.RandomState), uint64(m.RandomState)))
	m.LayerSizes_ = append(append([]int{nFeatures}, m.HiddenLayerSizes...), len(m.Classes_))
	m.initialize(rng)

	// 早期停止用の検証データを層化抽出で切り出す
	XTrain, yTrain := X, y
	var XVal, yVal mat.Matrix
	if m.EarlyStopping {
		split, err := datasets.TrainTestSplit(X, y, m.ValidationFraction, m.RandomState, true)
		if err != nil {
			split, err = datasets.TrainTestSplit(X, y, m.ValidationFraction, m.RandomState, false)
			if err != nil {
				return err
			}
		}
		XTrain, yTrain, XVal, yVal = split.XTrain, split.YTrain, split.XTest, split.YTest
	}

	classIndex := make(map[int]int, len(m.Classes_))
	for i, c := range m.Classes_ {
		classIndex[c] = i
	}
	nTrain, _ := XTrain.Dims()
	target := mat.NewDense(nTrain, len(m.Classes_), nil)
	for i := 0; i < nTrain; i++ {
		target.Set(i, classIndex[int(math.Round(yTrain.At(i, 0)))], 1)
	}

	batchSize := m.BatchSize
	if batchSize == 0 {
		batchSize = 200
	}
	if batchSize > nTrain {
		batchSize = nTrain
	}

	if err := m.train(rng, XTrain, target, batchSize, XVal, yVal); err != nil {
		return err
	}
	m.State.SetFitted(nFeatures, nSamples)
	return nil
}

func (m *MLPClassifier) initialize(rng *rand.Rand) {
	nLayers := len(m.LayerSizes_) - 1
	m.Weights_ = make([][]float64, nLayers)
	m.Biases_ = make([][]float64, nLayers)
	for l := 0; l < nLayers; l++ {
		fanIn, fanOut := m.LayerSizes_[l], m.LayerSizes_[l+1]
		factor := 6.0
		if m.Activation == "logistic" {
			factor = 2.0
		}
		bound := math.Sqrt(factor / float64(fanIn+fanOut))
		m.Weights_[l] = make([]float64, fanIn*fanOut)
		for i := range m.Weights_[l] {
			m.Weights_[l][i] = (2*rng.Float64() - 1) * bound
		}
		m.Biases_[l] = make([]float64, fanOut)
		for i := range m.Biases_[l] {
			m.Biases_[l][i] = (2*rng.Float64() - 1) * bound
		}
	}
	m.NIter_ = 0
	m.LossCurve_ = nil
	m.ValidationScores_ = nil
	m.BestValidationScore_ = math.Inf(-1)
	m.BestLoss_ = math.Inf(1)
}

// weightViews returns matrices sharing storage with Weights_.
func (m *MLPClassifier) weightViews() []*mat.Dense {
	views := make([]*mat.Dense, len(m.Weights_))
	for l := range m.Weights_ {
		views[l] = mat.NewDense(m.LayerSizes_[l], m.LayerSizes_[l+1], m.Weights_[l])
	}
	return views
}

type adam struct {
	beta1, beta2, eps, lr float64
	t                     int
	mom, vel              [][]float64
}

func newAdam(m *MLPClassifier) *adam {
	a := &adam{beta1: m.Beta1, beta2: m.Beta2, eps: m.Epsilon, lr: m.LearningRateInit}
	for _, p := range append(append([][]float64{}, m.Weights_...), m.Biases_...) {
		a.mom = append(a.mom, make([]float64, len(p)))
		a.vel = append(a.vel, make([]float64, len(p)))
	}
	return a
}

// step applies one Adam update; params and grads are weights followed by biases.
func (a *adam) step(params, grads [][]float64) {
	a.t++
	lr := a.lr * math.Sqrt(1-math.Pow(a.beta2, float64(a.t))) / (1 - math.Pow(a.beta1, float64(a.t)))
	for i, p := range params {
		g := grads[i]
		mo, ve := a.mom[i], a.vel[i]
		for j := range p {
			mo[j] = a.beta1*mo[j] + (1-a.beta1)*g[j]
			ve[j] = a.beta2*ve[j] + (1-a.beta2)*g[j]*g[j]
			p[j] -= lr * mo[j] / (math.Sqrt(ve[j]) + a.eps)
		}
	}
}

func (m *MLPClassifier) train(rng *rand.Rand, X mat.Matrix, target *mat.Dense, batchSize int, XVal, yVal mat.Matrix) error {
	n, d := X.Dims()
	k := len(m.Classes_)
	opt := newAdam(m)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	var bestWeights, bestBiases [][]float64
	noImprove := 0
	stopped := false

	for epoch := 0; epoch < m.MaxIter; epoch++ {
		if m.Shuffle {
			rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })
		}
		epochLoss := 0.0
		for start := 0; start < n; start += batchSize {
			end := start + batchSize
			if end > n {
				end = n
			}
			xb := mat.NewDense(end-start, d, nil)
			yb := mat.NewDense(end-start, k, nil)
			for r, idx := range order[start:end] {
				for j := 0; j < d; j++ {
					xb.Set(r, j, X.At(idx, j))
				}
				yb.SetRow(r, target.RawRowView(idx))
			}
			loss, gw, gb := m.backprop(xb, yb)
			epochLoss += loss * float64(end-start)
			opt.step(append(append([][]float64{}, m.Weights_...), m.Biases_...), append(gw, gb...))
		}
		epochLoss /= float64(n)
		m.NIter_ = epoch + 1
		m.LossCurve_ = append(m.LossCurve_, epochLoss)
		if err := errors.CheckScalar("MLPClassifier.Fit", epochLoss, epoch); err != nil {
			return err
		}

		if m.EarlyStopping {
			pred, err := m.predictUnchecked(XVal)
			if err != nil {
				return err
			}
			score, err := metrics.Accuracy(yVal, pred)
			if err != nil {
				return err
			}
			m.ValidationScores_ = append(m.ValidationScores_, score)
			if score < m.BestValidationScore_+m.Tol {
				noImprove++
			} else {
				noImprove = 0
			}
			if score > m.BestValidationScore_ {
				m.BestValidationScore_ = score
				bestWeights, bestBiases = cloneParams(m.Weights_), cloneParams(m.Biases_)
			}
		} else {
			if epochLoss > m.BestLoss_-m.Tol {
				noImprove++
			} else {
				noImprove = 0
			}
			if epochLoss < m.BestLoss_ {
				m.BestLoss_ = epochLoss
			}
		}
		if noImprove > m.NIterNoChange {
			stopped = true
			break
		}
	}

	if m.EarlyStopping && bestWeights != nil {
		m.Weights_, m.Biases_ = bestWeights, bestBiases
	}
	if !stopped {
		errors.Warn(errors.NewConvergenceWarning("MLPClassifier", m.MaxIter, "maximum iterations reached and the optimization hasn't converged yet"))
	}
	return nil
}

// backprop returns the penalized mean loss of the batch and the gradients of
// Weights_ and Biases_.
func (m *MLPClassifier) backprop(xb, yb *mat.Dense) (float64, [][]float64, [][]float64) {
	n, _ := xb.Dims()
	W := m.weightViews()
	acts := m.forward(xb, W)
	out := acts[len(acts)-1]

	loss := 0.0
	for i := 0; i < n; i++ {
		for c, t := range yb.RawRowView(i) {
			if t > 0 {
				loss -= errors.StabilizeLog(out.At(i, c))
			}
		}
	}
	loss /= float64(n)
	sq := 0.0
	for _, w := range m.Weights_ {
		for _, v := range w {
			sq += v * v
		}
	}
	loss += 0.5 * m.Alpha * sq / float64(n)

	nLayers := len(W)
	gw := make([][]float64, nLayers)
	gb := make([][]float64, nLayers)

	var delta mat.Dense
	delta.Sub(out, yb)
	for l := nLayers - 1; l >= 0; l-- {
		var g mat.Dense
		g.Mul(acts[l].T(), &delta)
		g.Scale(1/float64(n), &g)
		g.Add(&g, scaled(m.Alpha/float64(n), W[l]))
		gw[l] = append([]float64(nil), g.RawMatrix().Data...)

		rows, cols := delta.Dims()
		gb[l] = make([]float64, cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				gb[l][j] += delta.At(i, j)
			}
		}
		for j := range gb[l] {
			gb[l][j] /= float64(n)
		}

		if l > 0 {
			var prev mat.Dense
			prev.Mul(&delta, W[l].T())
			a := acts[l]
			prev.Apply(func(i, j int, v float64) float64 {
				return v * m.derivative(a.At(i, j))
			}, &prev)
			delta = prev
		}
	}
	return loss, gw, gb
}

func scaled(f float64, a mat.Matrix) *mat.Dense {
	var s mat.Dense
	s.Scale(f, a)
	return &s
}

// forward returns the input followed by every layer's activation. The last
// element holds the softmax probabilities.
func (m *MLPClassifier) forward(X mat.Matrix, W []*mat.Dense) []mat.Matrix {
	acts := make([]mat.Matrix, 0, len(W)+1)
	acts = append(acts, X)
	a := X
	for l := range W {
		rows, _ := a.Dims()
		z := mat.NewDense(rows, m.LayerSizes_[l+1], nil)
		z.Mul(a, W[l])
		for i := 0; i < rows; i++ {
			row := z.RawRowView(i)
			for j := range row {
				row[j] += m.Biases_[l][j]
			}
			if l == len(W)-1 {
				errors.Softmax(row, row)
				continue
			}
			for j := range row {
				row[j] = m.activate(row[j])
			}
		}
		acts = append(acts, z)
		a = z
	}
	return acts
}

func (m *MLPClassifier) activate(z float64) float64 {
	switch m.Activation {
	case "tanh":
		return math.Tanh(z)
	case "logistic":
		return errors.Sigmoid(z)
	default:
		return math.Max(0, z)
	}
}

// derivative is the activation derivative expressed in the activated value.
func (m *MLPClassifier) derivative(a float64) float64 {
	switch m.Activation {
	case "tanh":
		return 1 - a*a
	case "logistic":
		return a * (1 - a)
	default:
		if a > 0 {
			return 1
		}
		return 0
	}
}

func (m *MLPClassifier) checkPredict(method string, X mat.Matrix) error {
	if m.State == nil {
		return errors.NewNotFittedError("MLPClassifier", method)
	}
	if err := m.State.RequireFitted("MLPClassifier", method); err != nil {
		return err
	}
	return m.State.CheckInput("MLPClassifier."+method, X)
}

// PredictProba returns the softmax output; column j is Classes()[j].
func (m *MLPClassifier) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := m.checkPredict("PredictProba", X); err != nil {
		return nil, err
	}
	acts := m.forward(X, m.weightViews())
	return acts[len(acts)-1], nil
}

// Predict returns the most probable class for each row.
func (m *MLPClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := m.checkPredict("Predict", X); err != nil {
		return nil, err
	}
	return m.predictUnchecked(X)
}

func (m *MLPClassifier) predictUnchecked(X mat.Matrix) (mat.Matrix, error) {
	acts := m.forward(X, m.weightViews())
	proba := acts[len(acts)-1]
	rows, cols := proba.Dims()
	out := mat.NewDense(rows, 1, nil)
	err := parallel.ParallelizeWithThreshold(rows, 2048, func(start, end int) error {
		for i := start; i < end; i++ {
			best := 0
			for c := 1; c < cols; c++ {
				if proba.At(i, c) > proba.At(i, best) {
					best = c
				}
			}
			out.Set(i, 0, float64(m.Classes_[best]))
		}
		return nil
	})
	return out, err
}

// Score returns the mean accuracy on the given test data and labels.
func (m *MLPClassifier) Score(X, y mat.Matrix) (float64, error) {
	pred, err := m.Predict(X)
	if err != nil {
		return 0, err
	}
	return metrics.Accuracy(y, pred)
}

// Classes implements model.ClassLister.
func (m *MLPClassifier) Classes() []int { return append([]int(nil), m.Classes_...) }

// NFeaturesIn implements model.FeatureCounter.
func (m *MLPClassifier) NFeaturesIn() int {
	if m.State == nil {
		return 0
	}
	n, _ := m.State.GetDimensions()
	return n
}

// GetParams returns the model hyperparameters.
func (m *MLPClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"hidden_layer_sizes":  m.HiddenLayersString(),
		"activation":          m.Activation,
		"alpha":               m.Alpha,
		"learning_rate_init":  m.LearningRateInit,
		"max_iter":            m.MaxIter,
		"batch_size":          m.BatchSize,
		"tol":                 m.Tol,
		"early_stopping":      m.EarlyStopping,
		"validation_fraction": m.ValidationFraction,
		"random_state":        m.RandomState,
	}
}

func cloneParams(p [][]float64) [][]float64 {
	out := make([][]float64, len(p))
	for i := range p {
		out[i] = append([]float64(nil), p[i]...)
	}
	return out
}

func uniqueSorted(labels []int) []int {
	seen := map[int]bool{}
	out := []int{}
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

func init() {
	model.RegisterKind(KindMLPClassifier, func() model.Artifact { return &MLPClassifier{} })
}
