// Package datasets generates the synthetic classification problem the trials are
// trained on and splits it into scaled train/test partitions.
package datasets

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// ClassificationConfig はscikit-learnの make_classification 相当のパラメータ
type ClassificationConfig struct {
	NSamples          int     `yaml:"n_samples" mapstructure:"n_samples"`
	NFeatures         int     `yaml:"n_features" mapstructure:"n_features"`
	NInformative      int     `yaml:"n_informative" mapstructure:"n_informative"`
	NRedundant        int     `yaml:"n_redundant" mapstructure:"n_redundant"`
	NClasses          int     `yaml:"n_classes" mapstructure:"n_classes"`
	NClustersPerClass int     `yaml:"n_clusters_per_class" mapstructure:"n_clusters_per_class"`
	FlipY             float64 `yaml:"flip_y" mapstructure:"flip_y"`
	ClassSep          float64 `yaml:"class_sep" mapstructure:"class_sep"`
	RandomState       int64   `yaml:"random_state" mapstructure:"random_state"`
}

// DefaultClassificationConfig は実験で使う既定の問題設定
// (2000サンプル, 20特徴量のうち15が有益・5が冗長, 3クラス)
func DefaultClassificationConfig() ClassificationConfig {
	return ClassificationConfig{
		NSamples:          2000,
		NFeatures:         20,
		NInformative:      15,
		NRedundant:        5,
		NClasses:          3,
		NClustersPerClass: 2,
		FlipY:             0.1,
		ClassSep:          1.0,
		RandomState:       42,
	}
}

// Validate はパラメータの整合性を検証する
func (c ClassificationConfig) Validate() error {
	switch {
	case c.NSamples <= 0:
		return errors.NewValidationError("n_samples", "must be positive", c.NSamples)
	case c.NInformative <= 0:
		return errors.NewValidationError("n_informative", "must be positive", c.NInformative)
	case c.NRedundant < 0:
		return errors.NewValidationError("n_redundant", "must be non-negative", c.NRedundant)
	case c.NInformative+c.NRedundant > c.NFeatures:
		return errors.NewValidationError("n_features", "must be at least n_informative + n_redundant", c.NFeatures)
	case c.NClasses < 2:
		return errors.NewValidationError("n_classes", "must be at least 2", c.NClasses)
	case c.NClustersPerClass <= 0:
		return errors.NewValidationError("n_clusters_per_class", "must be positive", c.NClustersPerClass)
	case c.FlipY < 0 || c.FlipY > 1:
		return errors.NewValidationError("flip_y", "must be in [0, 1]", c.FlipY)
	case c.ClassSep <= 0:
		return errors.NewValidationError("class_sep", "must be positive", c.ClassSep)
	}
	if c.NInformative < 62 && c.NClasses*c.NClustersPerClass > 1<<c.NInformative {
		return errors.NewValidationError("n_informative", "too few informative features for n_classes * n_clusters_per_class clusters", c.NInformative)
	}
	return nil
}

// MakeClassification は多クラス分類用の合成データを生成する
//
// 各クラスは NClustersPerClass 個のガウスクラスタからなり、クラスタ中心は
// 辺の長さ 2*ClassSep の超立方体の頂点に置かれる。冗長特徴量は有益特徴量の
// ランダムな線形結合、残りはノイズ。FlipY の割合のラベルはランダムに付け替える。
//
// 戻り値は X (NSamples×NFeatures) と y (NSamples×1)。
func MakeClassification(cfg ClassificationConfig) (*mat.Dense, *mat.Dense, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	seed := uint64(cfg.RandomState)
	rng := rand.New(rand.NewPCG(seed, seed))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	uniform := distuv.Uniform{Min: -1, Max: 1, Src: rng}

	nInf := cfg.NInformative
	nClusters := cfg.NClasses * cfg.NClustersPerClass
	centroids := hypercubeVertices(rng, nClusters, nInf)

	X := mat.NewDense(cfg.NSamples, cfg.NFeatures, nil)
	y := mat.NewDense(cfg.NSamples, 1, nil)

	// サンプルをクラスタへ均等に割り当てる（端数は先頭のクラスタへ）
	perCluster := make([]int, nClusters)
	for k := range perCluster {
		perCluster[k] = cfg.NSamples / nClusters
	}
	for k := 0; k < cfg.NSamples%nClusters; k++ {
		perCluster[k]++
	}

	row := 0
	for k := 0; k < nClusters; k++ {
		// クラスタごとにランダムな共分散をかける
		A := mat.NewDense(nInf, nInf, nil)
		for i := 0; i < nInf; i++ {
			for j := 0; j < nInf; j++ {
				A.Set(i, j, uniform.Rand())
			}
		}
		z := make([]float64, nInf)
		for n := 0; n < perCluster[k]; n++ {
			for j := range z {
				z[j] = normal.Rand()
			}
			zv := mat.NewVecDense(nInf, z)
			var xv mat.VecDense
			xv.MulVec(A.T(), zv)
			for j := 0; j < nInf; j++ {
				X.Set(row, j, xv.AtVec(j)+cfg.ClassSep*centroids[k][j])
			}
			y.Set(row, 0, float64(k%cfg.NClasses))
			row++
		}
	}

	if cfg.NRedundant > 0 {
		B := mat.NewDense(nInf, cfg.NRedundant, nil)
		for i := 0; i < nInf; i++ {
			for j := 0; j < cfg.NRedundant; j++ {
				B.Set(i, j, uniform.Rand())
			}
		}
		var red mat.Dense
		red.Mul(X.Slice(0, cfg.NSamples, 0, nInf), B)
		for i := 0; i < cfg.NSamples; i++ {
			for j := 0; j < cfg.NRedundant; j++ {
				X.Set(i, nInf+j, red.At(i, j))
			}
		}
	}

	for i := 0; i < cfg.NSamples; i++ {
		for j := nInf + cfg.NRedundant; j < cfg.NFeatures; j++ {
			X.Set(i, j, normal.Rand())
		}
	}

	if cfg.FlipY > 0 {
		for i := 0; i < cfg.NSamples; i++ {
			if rng.Float64() < cfg.FlipY {
				y.Set(i, 0, float64(rng.IntN(cfg.NClasses)))
			}
		}
	}

	shuffleRows(rng, X, y)
	return X, y, nil
}

// hypercubeVertices は nInf 次元超立方体 {-1, 1}^nInf の異なる頂点を n 個選ぶ
func hypercubeVertices(rng *rand.Rand, n, nInf int) [][]float64 {
	seen := make(map[uint64]bool, n)
	out := make([][]float64, 0, n)
	for len(out) < n {
		var code uint64
		if nInf >= 64 {
			code = rng.Uint64()
		} else {
			code = rng.Uint64N(uint64(1) << nInf)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		v := make([]float64, nInf)
		for j := range v {
			if j < 64 && code&(1<<j) != 0 {
				v[j] = 1
			} else if j >= 64 && rng.IntN(2) == 1 {
				v[j] = 1
			} else {
				v[j] = -1
			}
		}
		out = append(out, v)
	}
	return out
}

func shuffleRows(rng *rand.Rand, X, y *mat.Dense) {
	n, _ := X.Dims()
	perm := rng.Perm(n)
	Xc := mat.DenseCopyOf(X)
	yc := mat.DenseCopyOf(y)
	for i, p := range perm {
		X.SetRow(i, Xc.RawRowView(p))
		y.Set(i, 0, yc.At(p, 0))
	}
}

// classCounts はラベルごとの出現数（ラベルは非負整数を想定）
func classCounts(y mat.Matrix) map[int]int {
	n, _ := y.Dims()
	counts := map[int]int{}
	for i := 0; i < n; i++ {
		counts[int(math.Round(y.At(i, 0)))]++
	}
	return counts
}
