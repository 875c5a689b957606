// Package selection picks the best run of an experiment by a metric.
package selection

import (
	"sort"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// DefaultMetric is the metric used when none is configured.
const DefaultMetric = tracking.MetricTestF1

// SelectBest returns the run with the highest value of metricKey. Runs
// lacking the metric (or holding NaN) rank below every run that has it.
// Ties go to the lexicographically smaller run ID, so the result does not
// depend on input order.
func SelectBest(runs []tracking.Run, metricKey string) (tracking.Run, error) {
	if len(runs) == 0 {
		return tracking.Run{}, errors.NewEmptyInputError("SelectBest")
	}
	best := 0
	for i := 1; i < len(runs); i++ {
		if better(runs[i], runs[best], metricKey) {
			best = i
		}
	}
	return runs[best].Clone(), nil
}

// Rank returns copies of runs ordered best first under the same rule as
// SelectBest.
func Rank(runs []tracking.Run, metricKey string) []tracking.Run {
	out := make([]tracking.Run, len(runs))
	for i, r := range runs {
		out[i] = r.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j], metricKey) })
	return out
}

func better(a, b tracking.Run, key string) bool {
	va, vb := a.MetricValue(key), b.MetricValue(key)
	if va != vb {
		return va > vb
	}
	return a.ID < b.ID
}
