// Package sklearn maps declarative estimator specs onto the concrete
// estimators in linear_model and neural_network.
package sklearn

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/sklearn/linear_model"
	"github.com/YuminosukeSato/scitrack/sklearn/neural_network"
)

// EstimatorSpec names an estimator kind and its hyperparameters.
type EstimatorSpec struct {
	Kind   string         `yaml:"kind" json:"kind"`
	Params map[string]any `yaml:"params" json:"params"`
}

// Kinds lists the estimator kinds Build understands.
func Kinds() []string {
	return []string{
		linear_model.KindLogisticRegression,
		linear_model.KindPassiveAggressive,
		neural_network.KindMLPClassifier,
	}
}

// Build constructs an unfitted estimator from spec and returns it together
// with the normalized parameters to record on the run: integers become
// float64 and lists become strings such as "(100, 50)".
func Build(spec EstimatorSpec) (model.TrainableArtifact, map[string]any, error) {
	p := params{kind: spec.Kind, raw: spec.Params, norm: map[string]any{}}
	var est model.TrainableArtifact
	switch spec.Kind {
	case linear_model.KindLogisticRegression:
		est = p.logistic()
	case linear_model.KindPassiveAggressive:
		est = p.passiveAggressive()
	case neural_network.KindMLPClassifier:
		est = p.mlp()
	default:
		return nil, nil, errors.NewValidationError("kind", fmt.Sprintf("unknown estimator kind (known: %s)", strings.Join(Kinds(), ", ")), spec.Kind)
	}
	if p.err != nil {
		return nil, nil, p.err
	}
	if unknown := p.unused(); len(unknown) > 0 {
		return nil, nil, errors.NewValidationError("params", "unknown parameter for "+spec.Kind, strings.Join(unknown, ", "))
	}
	return est, p.norm, nil
}

// params reads typed values out of a loosely typed map, remembering the
// first conversion error.
type params struct {
	kind string
	raw  map[string]any
	norm map[string]any
	used []string
	err  error
}

func (p *params) lookup(keys ...string) (string, any, bool) {
	for _, k := range keys {
		if v, ok := p.raw[k]; ok {
			p.used = append(p.used, k)
			return k, v, true
		}
	}
	return "", nil, false
}

func (p *params) unused() []string {
	var out []string
	for k := range p.raw {
		found := false
		for _, u := range p.used {
			if u == k {
				found = true
				break
			}
		}
		if !found {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (p *params) fail(key, reason string, v any) {
	if p.err == nil {
		p.err = errors.NewValidationError(key, reason, v)
	}
}

func (p *params) floatParam(def float64, keys ...string) float64 {
	key, v, ok := p.lookup(keys...)
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		p.fail(key, "must be a number", v)
		return def
	}
	p.norm[key] = f
	return f
}

func (p *params) intParam(def int, keys ...string) int {
	key, v, ok := p.lookup(keys...)
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		p.fail(key, "must be an integer", v)
		return def
	}
	p.norm[key] = f
	return int(f)
}

func (p *params) boolParam(def bool, keys ...string) bool {
	key, v, ok := p.lookup(keys...)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		p.fail(key, "must be a boolean", v)
		return def
	}
	p.norm[key] = b
	return b
}

func (p *params) stringParam(def string, keys ...string) string {
	key, v, ok := p.lookup(keys...)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		p.fail(key, "must be a string", v)
		return def
	}
	p.norm[key] = s
	return s
}

func (p *params) sizesParam(def []int, keys ...string) []int {
	key, v, ok := p.lookup(keys...)
	if !ok {
		return def
	}
	sizes, err := toInts(v)
	if err != nil {
		p.fail(key, err.Error(), v)
		return def
	}
	p.norm[key] = FormatSizes(sizes)
	return sizes
}

func (p *params) logistic() model.TrainableArtifact {
	return linear_model.NewLogisticRegression(
		linear_model.WithLRC(p.floatParam(1.0, "C", "c")),
		linear_model.WithLRMaxIter(p.intParam(100, "max_iter")),
		linear_model.WithLRTol(p.floatParam(1e-4, "tol")),
		linear_model.WithLRPenalty(p.stringParam("l2", "penalty")),
		linear_model.WithLogisticFitIntercept(p.boolParam(true, "fit_intercept")),
		linear_model.WithLRMultiClass(p.stringParam("auto", "multi_class")),
		linear_model.WithLRLearningRate(p.floatParam(0.5, "learning_rate")),
		linear_model.WithLRRandomState(int64(p.intParam(42, "random_state"))),
	)
}

func (p *params) passiveAggressive() model.TrainableArtifact {
	return linear_model.NewPassiveAggressiveClassifier(
		linear_model.WithPAC(p.floatParam(1.0, "C", "c")),
		linear_model.WithPAMaxIter(p.intParam(1000, "max_iter")),
		linear_model.WithPATol(p.floatParam(1e-3, "tol")),
		linear_model.WithPALoss(p.stringParam("hinge", "loss")),
		linear_model.WithPAFitIntercept(p.boolParam(true, "fit_intercept")),
		linear_model.WithPAAverage(p.boolParam(false, "average")),
		linear_model.WithPARandomState(int64(p.intParam(42, "random_state"))),
	)
}

func (p *params) mlp() model.TrainableArtifact {
	m := neural_network.NewMLPClassifier(
		neural_network.WithHiddenLayerSizes(p.sizesParam([]int{100}, "hidden_layer_sizes", "hidden_layers")...),
		neural_network.WithActivation(p.stringParam("relu", "activation")),
		neural_network.WithAlpha(p.floatParam(1e-4, "alpha")),
		neural_network.WithLearningRateInit(p.floatParam(1e-3, "learning_rate_init")),
		neural_network.WithMLPMaxIter(p.intParam(200, "max_iter")),
		neural_network.WithBatchSize(p.intParam(0, "batch_size")),
		neural_network.WithMLPTol(p.floatParam(1e-4, "tol")),
		neural_network.WithMLPRandomState(int64(p.intParam(42, "random_state"))),
	)
	m.EarlyStopping = p.boolParam(false, "early_stopping")
	m.ValidationFraction = p.floatParam(0.1, "validation_fraction")
	return m
}

// FormatSizes renders layer sizes as a tuple string: (100,) or (100, 50).
func FormatSizes(sizes []int) string {
	parts := make([]string, len(sizes))
	for i, s := range sizes {
		parts[i] = strconv.Itoa(s)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}

// toInts accepts a list, a single number, or a tuple string like "(100, 50)".
func toInts(v any) ([]int, error) {
	var out []int
	switch x := v.(type) {
	case []int:
		out = append(out, x...)
	case []any:
		for _, e := range x {
			f, ok := toFloat(e)
			if !ok {
				return nil, errors.Newf("element %v is not a number", e)
			}
			out = append(out, int(f))
		}
	case string:
		trimmed := strings.Trim(strings.TrimSpace(x), "()[]")
		for _, tok := range strings.Split(trimmed, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			n, err := strconv.Atoi(tok)
			if err != nil {
				return nil, errors.Wrapf(err, "element %q", tok)
			}
			out = append(out, n)
		}
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil, errors.New("must be a list of layer sizes")
		}
		out = []int{int(f)}
	}
	if len(out) == 0 {
		return nil, errors.New("must name at least one layer")
	}
	for _, n := range out {
		if n <= 0 {
			return nil, errors.Newf("layer size %d must be positive", n)
		}
	}
	return out, nil
}
