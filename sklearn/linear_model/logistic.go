package linear_model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// KindLogisticRegression is the artifact kind of LogisticRegression.
const KindLogisticRegression = "LogisticRegression"

// LogisticRegression implements L2-regularized logistic regression.
// Compatible with scikit-learn's LogisticRegression: the objective is
// C * Σ logloss + ½‖w‖², multinomial for more than two classes.
//
// Fields are exported so that the fitted model can be gob encoded.
type LogisticRegression struct {
	State *model.StateManager

	// Hyperparameters
	Penalty      string  // "l2" or "none"
	C            float64 // Inverse regularization strength
	FitIntercept bool
	MaxIter      int
	Tol          float64 // stop when max |gradient| < Tol
	LearningRate float64 // upper bound on the step size
	MultiClass   string  // "auto", "multinomial", "ovr"
	RandomState  int64

	// Learned parameters
	Coef_      [][]float64 // n_classes × n_features (1 × n_features for binary)
	Intercept_ []float64
	Classes_   []int
	NIter_     []int
}

// LogisticRegressionOption is a functional option for LogisticRegression
type LogisticRegressionOption func(*LogisticRegression)

// NewLogisticRegression creates a new LogisticRegression classifier
func NewLogisticRegression(opts ...LogisticRegressionOption) *LogisticRegression {
	lr := &LogisticRegression{
		State:        model.NewStateManager(),
		Penalty:      "l2",
		C:            1.0,
		FitIntercept: true,
		MaxIter:      100,
		Tol:          1e-4,
		LearningRate: 0.5,
		MultiClass:   "auto",
		RandomState:  42,
	}
	for _, opt := range opts {
		opt(lr)
	}
	return lr
}

// WithLRPenalty sets the regularization type
func WithLRPenalty(penalty string) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.Penalty = penalty }
}

// WithLRC sets the inverse regularization strength
func WithLRC(c float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.C = c }
}

// WithLogisticFitIntercept sets whether to fit intercept
func WithLogisticFitIntercept(fit bool) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.FitIntercept = fit }
}

// WithLRMaxIter sets the maximum number of iterations
func WithLRMaxIter(maxIter int) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.MaxIter = maxIter }
}

// WithLRTol sets the tolerance for stopping criteria
func WithLRTol(tol float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.Tol = tol }
}

// WithLRLearningRate sets the gradient descent step size
func WithLRLearningRate(eta float64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.LearningRate = eta }
}

// WithLRMultiClass selects "multinomial" or "ovr" for more than two classes
func WithLRMultiClass(mode string) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.MultiClass = mode }
}

// WithLRRandomState sets the random seed
func WithLRRandomState(seed int64) LogisticRegressionOption {
	return func(lr *LogisticRegression) { lr.RandomState = seed }
}

// Kind implements model.Kinded.
func (lr *LogisticRegression) Kind() string { return KindLogisticRegression }

func (lr *LogisticRegression) validateParams() error {
	switch {
	case lr.C <= 0:
		return errors.NewValidationError("C", "must be positive", lr.C)
	case lr.MaxIter <= 0:
		return errors.NewValidationError("max_iter", "must be positive", lr.MaxIter)
	case lr.LearningRate <= 0:
		return errors.NewValidationError("learning_rate", "must be positive", lr.LearningRate)
	case lr.Penalty != "l2" && lr.Penalty != "none":
		return errors.NewValidationError("penalty", "must be l2 or none", lr.Penalty)
	case lr.MultiClass != "auto" && lr.MultiClass != "multinomial" && lr.MultiClass != "ovr":
		return errors.NewValidationError("multi_class", "must be auto, multinomial or ovr", lr.MultiClass)
	}
	return nil
}

// Fit trains the logistic regression model with full-batch gradient descent.
func (lr *LogisticRegression) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "LogisticRegression.Fit")

	if err := lr.validateParams(); err != nil {
		return err
	}
	classes, yIdx, err := validateFitInput("LogisticRegression.Fit", X, y)
	if err != nil {
		return err
	}
	if lr.State == nil {
		lr.State = model.NewStateManager()
	}
	lr.State.Reset()

	nSamples, nFeatures := X.Dims()
	lr.Classes_ = classes
	rng := rand.New(rand.NewPCG(uint64(lr.RandomState), uint64(lr.RandomState)))

	switch {
	case len(classes) == 2:
		lr.initWeights(rng, 1, nFeatures)
		target := make([]float64, nSamples)
		for i, c := range yIdx {
			target[i] = float64(c)
		}
		lr.NIter_[0] = lr.fitBinary(X, target, 0)
	case lr.MultiClass == "ovr":
		lr.initWeights(rng, len(classes), nFeatures)
		for k := range classes {
			target := make([]float64, nSamples)
			for i, c := range yIdx {
				if c == k {
					target[i] = 1
				}
			}
			lr.NIter_[k] = lr.fitBinary(X, target, k)
		}
	default:
		lr.initWeights(rng, len(classes), nFeatures)
		n := lr.fitMultinomial(X, yIdx)
		for k := range lr.NIter_ {
			lr.NIter_[k] = n
		}
	}

	for k := range lr.Coef_ {
		if err := errors.CheckMatrix("LogisticRegression.Fit", mat.NewDense(1, nFeatures, lr.Coef_[k]), 1, nFeatures, lr.NIter_[k]); err != nil {
			return err
		}
	}

	lr.State.SetFitted(nFeatures, nSamples)
	return nil
}

func (lr *LogisticRegression) initWeights(rng *rand.Rand, k, d int) {
	lr.Coef_ = make([][]float64, k)
	for c := range lr.Coef_ {
		lr.Coef_[c] = make([]float64, d)
		for j := range lr.Coef_[c] {
			lr.Coef_[c][j] = rng.NormFloat64() * 0.01
		}
	}
	lr.Intercept_ = make([]float64, k)
	lr.NIter_ = make([]int, k)
}

// lambda is the L2 penalty on the mean loss that matches C on the summed loss.
func (lr *LogisticRegression) lambda(nSamples int) float64 {
	if lr.Penalty == "none" {
		return 0
	}
	return 1.0 / (lr.C * float64(nSamples))
}

// stepSize bounds the gradient step by the inverse of a Lipschitz constant of
// the loss gradient. trace(XᵀX)/n bounds the largest eigenvalue of XᵀX/n and
// the logistic/softmax curvature is at most 1/2.
func (lr *LogisticRegression) stepSize(X mat.Matrix) float64 {
	nSamples, _ := X.Dims()
	norm := mat.Norm(X, 2)
	lipschitz := 0.5*norm*norm/float64(nSamples) + lr.lambda(nSamples)
	if lr.FitIntercept {
		lipschitz += 0.5
	}
	return math.Min(lr.LearningRate, errors.SafeDivide(1, lipschitz))
}

// fitBinary fits row k of Coef_ against 0/1 targets and returns the iterations used.
func (lr *LogisticRegression) fitBinary(X mat.Matrix, target []float64, k int) int {
	nSamples, nFeatures := X.Dims()
	weights := lr.Coef_[k]
	lambda := lr.lambda(nSamples)
	grad := make([]float64, nFeatures)
	z := mat.NewVecDense(nSamples, nil)
	eta := lr.stepSize(X)

	for iter := 0; iter < lr.MaxIter; iter++ {
		z.MulVec(X, mat.NewVecDense(nFeatures, weights))

		for j := range grad {
			grad[j] = 0
		}
		gradIntercept := 0.0
		for i := 0; i < nSamples; i++ {
			residual := errors.Sigmoid(z.AtVec(i)+lr.Intercept_[k]) - target[i]
			gradIntercept += residual
			for j := 0; j < nFeatures; j++ {
				grad[j] += residual * X.At(i, j)
			}
		}

		maxGrad := 0.0
		for j := range grad {
			grad[j] = grad[j]/float64(nSamples) + lambda*weights[j]
			maxGrad = math.Max(maxGrad, math.Abs(grad[j]))
		}
		gradIntercept /= float64(nSamples)
		if lr.FitIntercept {
			maxGrad = math.Max(maxGrad, math.Abs(gradIntercept))
		}
		if maxGrad < lr.Tol {
			return iter + 1
		}

		for j := range weights {
			weights[j] -= eta * grad[j]
		}
		if lr.FitIntercept {
			lr.Intercept_[k] -= eta * gradIntercept
		}
	}

	errors.Warn(errors.NewConvergenceWarning("LogisticRegression", lr.MaxIter,
		fmt.Sprintf("class index %d did not reach tol=%g", k, lr.Tol)))
	return lr.MaxIter
}

// fitMultinomial minimizes the softmax cross entropy over all classes jointly.
func (lr *LogisticRegression) fitMultinomial(X mat.Matrix, yIdx []int) int {
	nSamples, nFeatures := X.Dims()
	k := len(lr.Classes_)
	lambda := lr.lambda(nSamples)

	gradW := mat.NewDense(k, nFeatures, nil)
	gradB := make([]float64, k)
	residual := mat.NewDense(nSamples, k, nil)
	prob := make([]float64, k)
	eta := lr.stepSize(X)

	for iter := 0; iter < lr.MaxIter; iter++ {
		scores := linearScores(X, lr.Coef_, lr.Intercept_)
		for c := range gradB {
			gradB[c] = 0
		}
		for i := 0; i < nSamples; i++ {
			errors.Softmax(prob, scores.RawRowView(i))
			for c := 0; c < k; c++ {
				r := prob[c]
				if c == yIdx[i] {
					r -= 1
				}
				residual.Set(i, c, r)
				gradB[c] += r
			}
		}
		gradW.Mul(residual.T(), X)

		maxGrad := 0.0
		for c := 0; c < k; c++ {
			row := gradW.RawRowView(c)
			for j := range row {
				row[j] = row[j]/float64(nSamples) + lambda*lr.Coef_[c][j]
				maxGrad = math.Max(maxGrad, math.Abs(row[j]))
			}
			gradB[c] /= float64(nSamples)
			if lr.FitIntercept {
				maxGrad = math.Max(maxGrad, math.Abs(gradB[c]))
			}
		}
		if maxGrad < lr.Tol {
			return iter + 1
		}

		for c := 0; c < k; c++ {
			row := gradW.RawRowView(c)
			for j := range row {
				lr.Coef_[c][j] -= eta * row[j]
			}
			if lr.FitIntercept {
				lr.Intercept_[c] -= eta * gradB[c]
			}
		}
	}

	errors.Warn(errors.NewConvergenceWarning("LogisticRegression", lr.MaxIter, "multinomial solver did not converge"))
	return lr.MaxIter
}

func (lr *LogisticRegression) checkPredict(method string, X mat.Matrix) error {
	if lr.State == nil {
		return errors.NewNotFittedError("LogisticRegression", method)
	}
	if err := lr.State.RequireFitted("LogisticRegression", method); err != nil {
		return err
	}
	return lr.State.CheckInput("LogisticRegression."+method, X)
}

// DecisionFunction returns the linear scores (n×1 for binary, n×k otherwise).
func (lr *LogisticRegression) DecisionFunction(X mat.Matrix) (mat.Matrix, error) {
	if err := lr.checkPredict("DecisionFunction", X); err != nil {
		return nil, err
	}
	return linearScores(X, lr.Coef_, lr.Intercept_), nil
}

// Predict makes predictions for input data
func (lr *LogisticRegression) Predict(X mat.Matrix) (mat.Matrix, error) {
	proba, err := lr.PredictProba(X)
	if err != nil {
		return nil, err
	}
	return argmaxLabels(proba.(*mat.Dense), lr.Classes_)
}

// PredictProba returns probability estimates for each class.
// Column j corresponds to Classes()[j].
func (lr *LogisticRegression) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	if err := lr.checkPredict("PredictProba", X); err != nil {
		return nil, err
	}
	scores := linearScores(X, lr.Coef_, lr.Intercept_)
	nSamples, _ := X.Dims()
	k := len(lr.Classes_)
	probas := mat.NewDense(nSamples, k, nil)

	for i := 0; i < nSamples; i++ {
		row := scores.RawRowView(i)
		switch {
		case k == 2:
			p1 := errors.Sigmoid(row[0])
			probas.Set(i, 0, 1-p1)
			probas.Set(i, 1, p1)
		case lr.MultiClass == "ovr":
			// OvR は各クラスのシグモイドを正規化する
			sum := 0.0
			for c := range row {
				sum += errors.Sigmoid(row[c])
			}
			for c := range row {
				probas.Set(i, c, errors.SafeDivide(errors.Sigmoid(row[c]), sum))
			}
		default:
			probas.SetRow(i, errors.Softmax(nil, row))
		}
	}
	return probas, nil
}

// Score returns the mean accuracy on the given test data and labels
func (lr *LogisticRegression) Score(X, y mat.Matrix) (float64, error) {
	return accuracyScore(lr, X, y)
}

// Classes implements model.ClassLister.
func (lr *LogisticRegression) Classes() []int { return copyInts(lr.Classes_) }

// NFeaturesIn implements model.FeatureCounter.
func (lr *LogisticRegression) NFeaturesIn() int {
	if lr.State == nil {
		return 0
	}
	n, _ := lr.State.GetDimensions()
	return n
}

// GetParams returns the model hyperparameters
func (lr *LogisticRegression) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"penalty":       lr.Penalty,
		"C":             lr.C,
		"fit_intercept": lr.FitIntercept,
		"max_iter":      lr.MaxIter,
		"tol":           lr.Tol,
		"learning_rate": lr.LearningRate,
		"multi_class":   lr.MultiClass,
		"random_state":  lr.RandomState,
	}
}

func init() {
	model.RegisterKind(KindLogisticRegression, func() model.Artifact { return &LogisticRegression{} })
}
