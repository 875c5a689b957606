package linear_model

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// KindPassiveAggressive is the artifact kind of PassiveAggressiveClassifier.
const KindPassiveAggressive = "PassiveAggressiveClassifier"

// PassiveAggressiveClassifier は受動的攻撃的分類モデル（One-vs-Rest）
//
// loss="hinge" は PA-I (τ = min(C, ℓ/‖x‖²))、loss="squared_hinge" は
// PA-II (τ = ℓ/(‖x‖² + 1/(2C))) の更新を行う。確率出力は持たない。
type PassiveAggressiveClassifier struct {
	State *model.StateManager

	// ハイパーパラメータ
	C             float64 // 正則化パラメータ（ステップ幅の上限）
	FitIntercept  bool
	MaxIter       int     // 最大エポック数
	Tol           float64 // 改善がこれ未満のエポックが NIterNoChange 回続くと停止
	NIterNoChange int
	Shuffle       bool
	Loss          string // "hinge", "squared_hinge"
	Average       bool   // 平均化PA
	RandomState   int64

	// 学習パラメータ
	Coef_         [][]float64 // クラス数 × 特徴数
	Intercept_    []float64
	AvgCoef_      [][]float64
	AvgIntercept_ []float64
	Classes_      []int
	NIter_        int
	T_            int64 // 総ステップ数
	Converged_    bool
}

// PassiveAggressiveOption は設定オプション
type PassiveAggressiveOption func(*PassiveAggressiveClassifier)

// NewPassiveAggressiveClassifier は新しいPassiveAggressiveClassifierを作成
func NewPassiveAggressiveClassifier(options ...PassiveAggressiveOption) *PassiveAggressiveClassifier {
	pa := &PassiveAggressiveClassifier{
		State:         model.NewStateManager(),
		C:             1.0,
		FitIntercept:  true,
		MaxIter:       1000,
		Tol:           1e-3,
		NIterNoChange: 5,
		Shuffle:       true,
		Loss:          "hinge",
		RandomState:   42,
	}
	for _, opt := range options {
		opt(pa)
	}
	return pa
}

// WithPAC は正則化パラメータを設定
func WithPAC(c float64) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.C = c }
}

// WithPAMaxIter は最大イテレーション数を設定
func WithPAMaxIter(maxIter int) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.MaxIter = maxIter }
}

// WithPAFitIntercept は切片学習の有無を設定
func WithPAFitIntercept(fit bool) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.FitIntercept = fit }
}

// WithPALoss は損失関数を設定
func WithPALoss(loss string) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.Loss = loss }
}

// WithPATol は早期停止の許容誤差を設定
func WithPATol(tol float64) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.Tol = tol }
}

// WithPAAverage は平均化PAを有効にする
func WithPAAverage(avg bool) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.Average = avg }
}

// WithPARandomState は乱数シードを設定
func WithPARandomState(seed int64) PassiveAggressiveOption {
	return func(pa *PassiveAggressiveClassifier) { pa.RandomState = seed }
}

// Kind implements model.Kinded.
func (pa *PassiveAggressiveClassifier) Kind() string { return KindPassiveAggressive }

// Fit はバッチ学習でモデルを訓練
func (pa *PassiveAggressiveClassifier) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "PassiveAggressiveClassifier.Fit")

	switch {
	case pa.C <= 0:
		return errors.NewValidationError("C", "must be positive", pa.C)
	case pa.MaxIter <= 0:
		return errors.NewValidationError("max_iter", "must be positive", pa.MaxIter)
	case pa.Loss != "hinge" && pa.Loss != "squared_hinge":
		return errors.NewValidationError("loss", "must be hinge or squared_hinge", pa.Loss)
	}
	classes, yIdx, err := validateFitInput("PassiveAggressiveClassifier.Fit", X, y)
	if err != nil {
		return err
	}
	if pa.State == nil {
		pa.State = model.NewStateManager()
	}
	pa.State.Reset()

	rows, cols := X.Dims()
	pa.Classes_ = classes
	pa.initializeWeights(cols)

	rng := rand.New(rand.NewPCG(uint64(pa.RandomState), uint64(pa.RandomState)))
	order := make([]int, rows)
	for i := range order {
		order[i] = i
	}
	xi := make([]float64, cols)

	bestLoss := math.Inf(1)
	noImprove := 0
	pa.Converged_ = false
	for epoch := 0; epoch < pa.MaxIter; epoch++ {
		if pa.Shuffle {
			rng.Shuffle(rows, func(a, b int) { order[a], order[b] = order[b], order[a] })
		}
		epochLoss := 0.0
		for _, i := range order {
			mat.Row(xi, i, X)
			epochLoss += pa.updateWeights(xi, yIdx[i])
		}
		pa.NIter_ = epoch + 1

		if err := errors.CheckScalar("PassiveAggressiveClassifier.Fit", epochLoss, epoch); err != nil {
			return err
		}
		if epochLoss > bestLoss-pa.Tol*float64(rows) {
			noImprove++
		} else {
			noImprove = 0
		}
		if epochLoss < bestLoss {
			bestLoss = epochLoss
		}
		if pa.Tol > 0 && noImprove >= pa.NIterNoChange {
			pa.Converged_ = true
			break
		}
	}

	if !pa.Converged_ {
		errors.Warn(errors.NewConvergenceWarning("PassiveAggressiveClassifier", pa.NIter_, "Maximum number of iterations reached"))
	}

	pa.State.SetFitted(cols, rows)
	return nil
}

// updateWeights は単一サンプルで全クラスの重みを更新し、hinge損失の合計を返す
func (pa *PassiveAggressiveClassifier) updateWeights(x []float64, classIdx int) float64 {
	sqNorm := floats.Dot(x, x)
	if pa.FitIntercept {
		sqNorm += 1
	}
	total := 0.0

	for c := range pa.Coef_ {
		score := floats.Dot(pa.Coef_[c], x) + pa.Intercept_[c]
		target := -1.0
		if c == classIdx {
			target = 1.0
		}

		loss := math.Max(0, 1-target*score)
		total += loss
		if loss == 0 {
			continue
		}

		var tau float64
		switch pa.Loss {
		case "squared_hinge":
			tau = loss / (sqNorm + 1.0/(2.0*pa.C))
		default:
			tau = math.Min(pa.C, errors.SafeDivide(loss, sqNorm))
		}
		tau *= target

		floats.AddScaled(pa.Coef_[c], tau, x)
		if pa.FitIntercept {
			pa.Intercept_[c] += tau
		}
	}

	pa.T_++
	if pa.Average {
		// 平均化PA: 全ステップの重みの平均を逐次更新
		t := float64(pa.T_)
		for c := range pa.Coef_ {
			for j := range pa.Coef_[c] {
				pa.AvgCoef_[c][j] += (pa.Coef_[c][j] - pa.AvgCoef_[c][j]) / t
			}
			pa.AvgIntercept_[c] += (pa.Intercept_[c] - pa.AvgIntercept_[c]) / t
		}
	}
	return total
}

func (pa *PassiveAggressiveClassifier) initializeWeights(nFeatures int) {
	k := len(pa.Classes_)
	pa.Coef_ = make([][]float64, k)
	pa.AvgCoef_ = make([][]float64, k)
	for c := range pa.Coef_ {
		pa.Coef_[c] = make([]float64, nFeatures)
		pa.AvgCoef_[c] = make([]float64, nFeatures)
	}
	pa.Intercept_ = make([]float64, k)
	pa.AvgIntercept_ = make([]float64, k)
	pa.NIter_ = 0
	pa.T_ = 0
}

func (pa *PassiveAggressiveClassifier) weights() ([][]float64, []float64) {
	if pa.Average && pa.AvgCoef_ != nil {
		return pa.AvgCoef_, pa.AvgIntercept_
	}
	return pa.Coef_, pa.Intercept_
}

// DecisionFunction returns the per-class margins (n × n_classes).
func (pa *PassiveAggressiveClassifier) DecisionFunction(X mat.Matrix) (mat.Matrix, error) {
	if pa.State == nil {
		return nil, errors.NewNotFittedError("PassiveAggressiveClassifier", "DecisionFunction")
	}
	if err := pa.State.RequireFitted("PassiveAggressiveClassifier", "DecisionFunction"); err != nil {
		return nil, err
	}
	if err := pa.State.CheckInput("PassiveAggressiveClassifier.DecisionFunction", X); err != nil {
		return nil, err
	}
	coef, intercept := pa.weights()
	return linearScores(X, coef, intercept), nil
}

// Predict は入力データに対する予測を行う
func (pa *PassiveAggressiveClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	scores, err := pa.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	return argmaxLabels(scores.(*mat.Dense), pa.Classes_)
}

// Score returns the mean accuracy on the given test data and labels
func (pa *PassiveAggressiveClassifier) Score(X, y mat.Matrix) (float64, error) {
	return accuracyScore(pa, X, y)
}

// Classes implements model.ClassLister.
func (pa *PassiveAggressiveClassifier) Classes() []int { return copyInts(pa.Classes_) }

// NFeaturesIn implements model.FeatureCounter.
func (pa *PassiveAggressiveClassifier) NFeaturesIn() int {
	if pa.State == nil {
		return 0
	}
	n, _ := pa.State.GetDimensions()
	return n
}

// GetParams returns the model hyperparameters
func (pa *PassiveAggressiveClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"C":                pa.C,
		"fit_intercept":    pa.FitIntercept,
		"max_iter":         pa.MaxIter,
		"tol":              pa.Tol,
		"n_iter_no_change": pa.NIterNoChange,
		"shuffle":          pa.Shuffle,
		"loss":             pa.Loss,
		"average":          pa.Average,
		"random_state":     pa.RandomState,
	}
}

func init() {
	model.RegisterKind(KindPassiveAggressive, func() model.Artifact { return &PassiveAggressiveClassifier{} })
}
