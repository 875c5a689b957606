package preprocessing

import (
	"bytes"
	"encoding/gob"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/core/model"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// KindScaledModel は ScaledModel のアーティファクト種別名
const KindScaledModel = "ScaledModel"

// ScaledModel は学習時のスケーラーと学習済み推定器を一つのアーティファクトにまとめる
// 推論時の入力は元のスケールのまま渡せばよい
type ScaledModel struct {
	Scaler *StandardScaler
	Model  model.Artifact
}

// NewScaledModel wraps a fitted estimator with the scaler its training data
// went through.
func NewScaledModel(scaler *StandardScaler, m model.Artifact) *ScaledModel {
	return &ScaledModel{Scaler: scaler, Model: m}
}

// Kind implements model.Kinded.
func (s *ScaledModel) Kind() string { return KindScaledModel }

// InnerKind returns the wrapped estimator's kind.
func (s *ScaledModel) InnerKind() string {
	if s.Model == nil {
		return ""
	}
	return s.Model.Kind()
}

func (s *ScaledModel) transform(op string, X mat.Matrix) (mat.Matrix, error) {
	if s.Scaler == nil || s.Model == nil {
		return nil, errors.NewNotFittedError("ScaledModel", op)
	}
	return s.Scaler.Transform(X)
}

// Predict standardizes X and predicts with the wrapped estimator.
func (s *ScaledModel) Predict(X mat.Matrix) (mat.Matrix, error) {
	Xs, err := s.transform("Predict", X)
	if err != nil {
		return nil, err
	}
	return s.Model.Predict(Xs)
}

// PredictProba delegates to the wrapped estimator when it supports
// probabilities.
func (s *ScaledModel) PredictProba(X mat.Matrix) (mat.Matrix, error) {
	pp, ok := s.Model.(model.ProbabilityPredictor)
	if !ok {
		return nil, errors.NewValueError("ScaledModel.PredictProba", s.InnerKind()+" has no probability support")
	}
	Xs, err := s.transform("PredictProba", X)
	if err != nil {
		return nil, err
	}
	return pp.PredictProba(Xs)
}

// SupportsProbability reports whether the wrapped estimator has PredictProba.
func (s *ScaledModel) SupportsProbability() bool {
	return s.Model != nil && model.HasProbabilitySupport(s.Model)
}

// Classes delegates to the wrapped estimator.
func (s *ScaledModel) Classes() []int {
	if cl, ok := s.Model.(model.ClassLister); ok {
		return cl.Classes()
	}
	return nil
}

// NFeaturesIn returns the scaler's input width.
func (s *ScaledModel) NFeaturesIn() int {
	if s.Scaler == nil || s.Scaler.State == nil {
		return 0
	}
	n, _ := s.Scaler.State.GetDimensions()
	return n
}

// scaledModelWire はネストしたアーティファクトを codec の封筒ごと保存する
type scaledModelWire struct {
	Scaler *StandardScaler
	Inner  []byte
}

// GobEncode implements gob.GobEncoder.
func (s *ScaledModel) GobEncode() ([]byte, error) {
	if s.Model == nil {
		return nil, errors.NewNotFittedError("ScaledModel", "GobEncode")
	}
	inner, err := model.Marshal(s.Model)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(scaledModelWire{Scaler: s.Scaler, Inner: inner}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (s *ScaledModel) GobDecode(data []byte) error {
	var w scaledModelWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	inner, err := model.Unmarshal(w.Inner)
	if err != nil {
		return err
	}
	s.Scaler = w.Scaler
	s.Model = inner
	return nil
}

func init() {
	model.RegisterKind(KindScaledModel, func() model.Artifact { return &ScaledModel{} })
}
