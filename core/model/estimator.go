// Package model defines the estimator capabilities the tracking pipeline relies on
// and the codec that turns a fitted estimator into an artifact blob and back.
package model

import "gonum.org/v1/gonum/mat"

// Fitter は学習可能なモデルのインターフェース
type Fitter interface {
	// Fit はモデルを訓練データで学習させる
	Fit(X, y mat.Matrix) error
}

// Predictor は予測可能なモデルのインターフェース
type Predictor interface {
	// Predict は入力データに対する予測を行う（n×1 のクラスラベル）
	Predict(X mat.Matrix) (mat.Matrix, error)
}

// Estimator は学習と予測の両方ができるモデル
type Estimator interface {
	Fitter
	Predictor
}

// ProbabilityPredictor はクラス確率を出力できる分類器
// 戻り値は n×k 行列で、列 j は Classes()[j] の確率
type ProbabilityPredictor interface {
	PredictProba(X mat.Matrix) (mat.Matrix, error)
}

// ClassLister は学習時に観測したクラスラベルを昇順で返す
type ClassLister interface {
	Classes() []int
}

// FeatureCounter は学習時の特徴量数を返す
type FeatureCounter interface {
	NFeaturesIn() int
}

// Kinded はアーティファクトとして保存できる推定器の種別名を返す
type Kinded interface {
	Kind() string
}

// Artifact は保存・復元可能な学習済み推定器
type Artifact interface {
	Predictor
	Kinded
}

// TrainableArtifact は学習から保存までを一通り行える推定器
type TrainableArtifact interface {
	Estimator
	Kinded
}

// probabilityGate はラッパーが内側の推定器の能力を報告するためのもの
type probabilityGate interface {
	SupportsProbability() bool
}

// HasProbabilitySupport reports whether p can produce class probabilities.
// Wrappers that always expose PredictProba answer through SupportsProbability.
func HasProbabilitySupport(p Predictor) bool {
	if g, ok := p.(probabilityGate); ok {
		return g.SupportsProbability()
	}
	_, ok := p.(ProbabilityPredictor)
	return ok
}
