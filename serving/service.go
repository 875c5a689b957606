package serving

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/telemetry"
)

// PredictionResult is the answer to one prediction request.
type PredictionResult struct {
	Prediction      int                `json:"prediction"`
	PredictionLabel string             `json:"prediction_label"`
	Probabilities   map[string]float64 `json:"probabilities,omitempty"`
	InputFeatures   []float64          `json:"input_features"`
	NumFeatures     int                `json:"num_features"`
}

// ModelInfo describes the served artifact.
type ModelInfo struct {
	ModelName  string    `json:"model_name"`
	ModelType  string    `json:"model_type"`
	Source     Source    `json:"source"`
	Experiment string    `json:"experiment"`
	RunID      string    `json:"run_id"`
	Version    int       `json:"version,omitempty"`
	NFeatures  int       `json:"n_features,omitempty"`
	Classes    []int     `json:"classes,omitempty"`
	NClasses   int       `json:"n_classes,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Service answers predictions with whatever the handle currently serves.
type Service struct {
	handle *Handle
	logger log.Logger
	tracer trace.Tracer
}

// NewService creates a Service. A nil logger falls back to log.GetLogger().
func NewService(h *Handle, logger log.Logger) *Service {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Service{
		handle: h,
		logger: logger.With(log.ComponentKey, "serving", log.OperationKey, log.OperationPredict),
		tracer: telemetry.Tracer("serving"),
	}
}

// Handle returns the underlying handle.
func (s *Service) Handle() *Handle { return s.handle }

// Loaded reports whether an artifact is being served.
func (s *Service) Loaded() bool { return s.handle.Current() != nil }

func (s *Service) unavailable() error {
	t := s.handle.Target()
	return errors.NewModelUnavailableError(t.ModelName, t.Experiment, "no model loaded", nil)
}

// Predict validates raw, reshapes it to one row and predicts. Bad input,
// including a feature count the artifact was not trained on, yields an
// InvalidInputError; a missing artifact a ModelUnavailableError.
func (s *Service) Predict(ctx context.Context, raw RawFeatures) (result PredictionResult, err error) {
	_, span := s.tracer.Start(ctx, "serving.predict")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	res := s.handle.Current()
	if res == nil {
		return PredictionResult{}, s.unavailable()
	}
	span.SetAttributes(attribute.String(log.SourceKey, string(res.Source)), attribute.String(log.RunIDKey, res.RunID))

	values, err := raw.Parse()
	if err != nil {
		return PredictionResult{}, err
	}
	if res.NFeatures > 0 && len(values) != res.NFeatures {
		return PredictionResult{}, errors.NewInvalidInputError("features",
			fmt.Sprintf("expected %d features", res.NFeatures), len(values))
	}
	X := mat.NewDense(1, len(values), append([]float64(nil), values...))

	var pred mat.Matrix
	err = errors.SafeExecute("serving.predict", func() error {
		var perr error
		pred, perr = res.Artifact.Predict(X)
		return perr
	})
	if err != nil {
		var de *errors.DimensionError
		if errors.As(err, &de) {
			return PredictionResult{}, errors.NewInvalidInputError("features", err.Error(), len(values))
		}
		s.logger.Error("prediction failed", log.ErrAttrKey, err, log.RunIDKey, res.RunID)
		return PredictionResult{}, errors.Wrap(err, "predict")
	}

	label := int(math.Round(pred.At(0, 0)))
	result = PredictionResult{
		Prediction:      label,
		PredictionLabel: fmt.Sprintf("Class %d", label),
		InputFeatures:   values,
		NumFeatures:     len(values),
	}
	if res.HasProba {
		// 確率が取れなくても予測自体は返す
		if probs, err := s.probabilities(res, X); err != nil {
			s.logger.Warn("probabilities omitted", log.ErrAttrKey, err, log.RunIDKey, res.RunID)
		} else {
			result.Probabilities = probs
		}
	}
	s.logger.Debug("prediction served", log.RunIDKey, res.RunID, "prediction", label)
	return result, nil
}

func (s *Service) probabilities(res *Resolved, X mat.Matrix) (map[string]float64, error) {
	var proba mat.Matrix
	err := errors.SafeExecute("serving.predict_proba", func() error {
		var perr error
		proba, perr = res.Artifact.(model.ProbabilityPredictor).PredictProba(X)
		return perr
	})
	if err != nil {
		return nil, err
	}
	_, k := proba.Dims()
	out := make(map[string]float64, k)
	for i := 0; i < k; i++ {
		out[fmt.Sprintf("Class %d", i)] = proba.At(0, i)
	}
	return out, nil
}

// Info describes the served artifact or returns a ModelUnavailableError.
func (s *Service) Info() (ModelInfo, error) {
	res := s.handle.Current()
	if res == nil {
		return ModelInfo{}, s.unavailable()
	}
	return ModelInfo{
		ModelName:  res.ModelName,
		ModelType:  res.Kind,
		Source:     res.Source,
		Experiment: res.Experiment,
		RunID:      res.RunID,
		Version:    res.Version,
		NFeatures:  res.NFeatures,
		Classes:    append([]int(nil), res.Classes...),
		NClasses:   len(res.Classes),
		LoadedAt:   res.LoadedAt,
	}, nil
}
