// Package metrics は分類器の評価指標を提供します。
// 入力はいずれも n×1 のクラスラベル行列（*mat.VecDense も可）です。
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// Scores は1つのデータ分割に対する評価指標の組
type Scores struct {
	Accuracy  float64
	Precision float64
	Recall    float64
	F1        float64
}

// Evaluate は正解率と重み付き適合率・再現率・F1を一度に計算する
// 分母が0になるクラスの値は0として扱う
func Evaluate(yTrue, yPred mat.Matrix) (Scores, error) {
	acc, err := Accuracy(yTrue, yPred)
	if err != nil {
		return Scores{}, err
	}
	p, r, f, err := PrecisionRecallF1(yTrue, yPred)
	if err != nil {
		return Scores{}, err
	}
	return Scores{Accuracy: acc, Precision: p, Recall: r, F1: f}, nil
}

// Accuracy は予測が正解と一致した割合を返す
func Accuracy(yTrue, yPred mat.Matrix) (float64, error) {
	t, p, err := labelPairs("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i := range t {
		if t[i] == p[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(t)), nil
}

// PrecisionRecallF1 はサポート（正解ラベルの出現数）で重み付けしたクラス平均の
// 適合率・再現率・F1を返す。F1はクラスごとに計算してから重み付け平均する。
func PrecisionRecallF1(yTrue, yPred mat.Matrix) (precision, recall, f1 float64, err error) {
	t, p, err := labelPairs("PrecisionRecallF1", yTrue, yPred)
	if err != nil {
		return 0, 0, 0, err
	}
	cm := confusionFromLabels(t, p)
	n := float64(len(t))
	for i := range cm.Labels {
		support := float64(cm.Support(i))
		if support == 0 {
			continue
		}
		cp, cr, cf := cm.ClassScores(i)
		w := support / n
		precision += w * cp
		recall += w * cr
		f1 += w * cf
	}
	return precision, recall, f1, nil
}

// ConfusionMatrix は混同行列。行が正解、列が予測で、Labels は昇順。
type ConfusionMatrix struct {
	Labels []int
	Counts [][]int
}

// Confusion は yTrue と yPred に現れる全ラベルについて混同行列を作る
func Confusion(yTrue, yPred mat.Matrix) (*ConfusionMatrix, error) {
	t, p, err := labelPairs("Confusion", yTrue, yPred)
	if err != nil {
		return nil, err
	}
	return confusionFromLabels(t, p), nil
}

// Support は i 番目のラベルの正解数
func (c *ConfusionMatrix) Support(i int) int {
	s := 0
	for _, v := range c.Counts[i] {
		s += v
	}
	return s
}

// ClassScores は i 番目のラベルの適合率・再現率・F1（ゼロ除算は0）
func (c *ConfusionMatrix) ClassScores(i int) (precision, recall, f1 float64) {
	tp := float64(c.Counts[i][i])
	predicted := 0
	for r := range c.Counts {
		predicted += c.Counts[r][i]
	}
	precision = errors.SafeDivide(tp, float64(predicted))
	recall = errors.SafeDivide(tp, float64(c.Support(i)))
	f1 = errors.SafeDivide(2*precision*recall, precision+recall)
	return precision, recall, f1
}

// Dense は混同行列を float64 行列として返す（ヒートマップ描画用）
func (c *ConfusionMatrix) Dense() *mat.Dense {
	k := len(c.Labels)
	d := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			d.Set(i, j, float64(c.Counts[i][j]))
		}
	}
	return d
}

func confusionFromLabels(t, p []int) *ConfusionMatrix {
	seen := map[int]struct{}{}
	for i := range t {
		seen[t[i]] = struct{}{}
		seen[p[i]] = struct{}{}
	}
	labels := make([]int, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Ints(labels)
	index := make(map[int]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}

	counts := make([][]int, len(labels))
	for i := range counts {
		counts[i] = make([]int, len(labels))
	}
	for i := range t {
		counts[index[t[i]]][index[p[i]]]++
	}
	return &ConfusionMatrix{Labels: labels, Counts: counts}
}

// Labels は n×1 行列を整数ラベルに変換する
func Labels(op string, y mat.Matrix) ([]int, error) {
	if y == nil {
		return nil, errors.NewValueError(op, "labels must not be empty")
	}
	r, c := y.Dims()
	if r == 0 {
		return nil, errors.NewValueError(op, "labels must not be empty")
	}
	if c != 1 {
		return nil, errors.NewDimensionError(op, 1, c, 1)
	}
	out := make([]int, r)
	for i := 0; i < r; i++ {
		v := y.At(i, 0)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewValueError(op, "labels must be finite")
		}
		out[i] = int(math.Round(v))
	}
	return out, nil
}

func labelPairs(op string, yTrue, yPred mat.Matrix) ([]int, []int, error) {
	t, err := Labels(op, yTrue)
	if err != nil {
		return nil, nil, err
	}
	p, err := Labels(op, yPred)
	if err != nil {
		return nil, nil, err
	}
	if len(t) != len(p) {
		return nil, nil, errors.NewDimensionError(op, len(t), len(p), 0)
	}
	return t, p, nil
}
