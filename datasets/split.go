package datasets

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/preprocessing"
)

// Split is a train/test partition. X matrices are n×d, Y matrices are n×1 class labels.
type Split struct {
	XTrain *mat.Dense
	XTest  *mat.Dense
	YTrain *mat.Dense
	YTest  *mat.Dense
	// Scaler is the transform already applied to both X partitions, or nil.
	Scaler *preprocessing.StandardScaler
}

// Validate checks that the partition shapes agree.
func (s Split) Validate() error {
	if s.XTrain == nil || s.YTrain == nil || s.XTest == nil || s.YTest == nil {
		return errors.NewValueError("Split", "train and test partitions are required")
	}
	trRows, trCols := s.XTrain.Dims()
	teRows, teCols := s.XTest.Dims()
	if yr, _ := s.YTrain.Dims(); yr != trRows {
		return errors.NewDimensionError("Split.YTrain", trRows, yr, 0)
	}
	if yr, _ := s.YTest.Dims(); yr != teRows {
		return errors.NewDimensionError("Split.YTest", teRows, yr, 0)
	}
	if trCols != teCols {
		return errors.NewDimensionError("Split.XTest", trCols, teCols, 1)
	}
	return nil
}

// NFeatures returns the training column count.
func (s Split) NFeatures() int {
	_, c := s.XTrain.Dims()
	return c
}

// NClasses returns the number of distinct training labels.
func (s Split) NClasses() int {
	return len(classCounts(s.YTrain))
}

func (s Split) String() string {
	trRows, c := s.XTrain.Dims()
	teRows, _ := s.XTest.Dims()
	return fmt.Sprintf("Split(train=%d, test=%d, features=%d, classes=%d)", trRows, teRows, c, s.NClasses())
}

// TrainTestSplit partitions X and y. With stratify the class proportions of
// both partitions follow y; the test size is ceil(testSize*n).
func TrainTestSplit(X, y mat.Matrix, testSize float64, seed int64, stratify bool) (Split, error) {
	n, d := X.Dims()
	if yr, yc := y.Dims(); yr != n || yc != 1 {
		return Split{}, errors.NewDimensionError("TrainTestSplit", n, yr, 0)
	}
	if testSize <= 0 || testSize >= 1 {
		return Split{}, errors.NewValidationError("test_size", "must be in (0, 1)", testSize)
	}
	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest <= 0 || nTest >= n {
		return Split{}, errors.NewValidationError("test_size", "leaves an empty partition", testSize)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	var trainIdx, testIdx []int
	if stratify {
		var err error
		trainIdx, testIdx, err = stratifiedIndices(rng, y, nTest)
		if err != nil {
			return Split{}, err
		}
	} else {
		perm := rng.Perm(n)
		testIdx, trainIdx = perm[:nTest], perm[nTest:]
	}

	return Split{
		XTrain: takeRows(X, trainIdx, d),
		XTest:  takeRows(X, testIdx, d),
		YTrain: takeRows(y, trainIdx, 1),
		YTest:  takeRows(y, testIdx, 1),
	}, nil
}

func stratifiedIndices(rng *rand.Rand, y mat.Matrix, nTest int) (train, test []int, err error) {
	n, _ := y.Dims()
	classIndices := map[int][]int{}
	for i := 0; i < n; i++ {
		label := int(math.Round(y.At(i, 0)))
		classIndices[label] = append(classIndices[label], i)
	}
	labels := make([]int, 0, len(classIndices))
	for l, idx := range classIndices {
		if len(idx) < 2 {
			return nil, nil, errors.NewValidationError("stratify", "every class needs at least two samples", l)
		}
		labels = append(labels, l)
	}
	sort.Ints(labels)

	// 最大剰余法でテスト件数をクラスへ配分する
	quota := make([]int, len(labels))
	type rem struct {
		i    int
		frac float64
	}
	rems := make([]rem, len(labels))
	assigned := 0
	for i, l := range labels {
		exact := float64(len(classIndices[l])) * float64(nTest) / float64(n)
		quota[i] = int(math.Floor(exact))
		assigned += quota[i]
		rems[i] = rem{i: i, frac: exact - float64(quota[i])}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for k := 0; assigned < nTest; k++ {
		quota[rems[k%len(rems)].i]++
		assigned++
	}

	for i, l := range labels {
		idx := classIndices[l]
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		test = append(test, idx[:quota[i]]...)
		train = append(train, idx[quota[i]:]...)
	}
	rng.Shuffle(len(train), func(a, b int) { train[a], train[b] = train[b], train[a] })
	rng.Shuffle(len(test), func(a, b int) { test[a], test[b] = test[b], test[a] })
	return train, test, nil
}

func takeRows(m mat.Matrix, idx []int, cols int) *mat.Dense {
	out := mat.NewDense(len(idx), cols, nil)
	for i, src := range idx {
		for j := 0; j < cols; j++ {
			out.Set(i, j, m.At(src, j))
		}
	}
	return out
}

// Config describes how the experiment dataset is produced.
type Config struct {
	Classification ClassificationConfig `yaml:"classification" mapstructure:"classification"`
	TestSize       float64              `yaml:"test_size" mapstructure:"test_size"`
	Stratify       bool                 `yaml:"stratify" mapstructure:"stratify"`
	Scale          bool                 `yaml:"scale" mapstructure:"scale"`
}

// DefaultConfig mirrors the reference experiment: 20% stratified test split,
// standardized with statistics from the training partition.
func DefaultConfig() Config {
	return Config{
		Classification: DefaultClassificationConfig(),
		TestSize:       0.2,
		Stratify:       true,
		Scale:          true,
	}
}

// Prepare generates the dataset, splits it and optionally standardizes both
// partitions with a scaler fitted on the training rows. The scaler is nil when
// scaling is disabled.
func Prepare(cfg Config) (Split, *preprocessing.StandardScaler, error) {
	X, y, err := MakeClassification(cfg.Classification)
	if err != nil {
		return Split{}, nil, err
	}
	split, err := TrainTestSplit(X, y, cfg.TestSize, cfg.Classification.RandomState, cfg.Stratify)
	if err != nil {
		return Split{}, nil, err
	}
	if !cfg.Scale {
		return split, nil, nil
	}

	scaler := preprocessing.NewStandardScalerDefault()
	xtr, err := scaler.FitTransform(split.XTrain)
	if err != nil {
		return Split{}, nil, err
	}
	xte, err := scaler.Transform(split.XTest)
	if err != nil {
		return Split{}, nil, err
	}
	split.XTrain = mat.DenseCopyOf(xtr)
	split.XTest = mat.DenseCopyOf(xte)
	split.Scaler = scaler
	return split, scaler, nil
}
