package tracking

import (
	"context"
	"sort"
)

// SearchQuery selects and orders the runs of one experiment.
type SearchQuery struct {
	Experiment string
	// OrderBy is a metric key; empty orders by start time, oldest first.
	OrderBy string
	// Ascending reverses the default descending metric order.
	Ascending bool
	// MinMetrics keeps runs whose metric is at least the given value.
	MinMetrics map[string]float64
	// Limit caps the result; 0 means no limit.
	Limit int
}

// Search runs q against s. Runs missing the OrderBy metric sort last in
// either direction, ties break on run ID.
func Search(ctx context.Context, s Store, q SearchQuery) ([]Run, error) {
	runs, err := s.Query(ctx, q.Experiment)
	if err != nil {
		return nil, err
	}

	filtered := runs[:0]
	for _, r := range runs {
		keep := true
		for key, min := range q.MinMetrics {
			if v, ok := r.Metrics[key]; !ok || !(v >= min) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, r)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if q.OrderBy == "" {
			if !a.StartedAt.Equal(b.StartedAt) {
				return a.StartedAt.Before(b.StartedAt)
			}
			return a.ID < b.ID
		}
		va, vb := a.MetricValue(q.OrderBy), b.MetricValue(q.OrderBy)
		if va != vb {
			if q.Ascending {
				// 欠損値は昇順でも末尾
				if va == negInf {
					return false
				}
				if vb == negInf {
					return true
				}
				return va < vb
			}
			return va > vb
		}
		return a.ID < b.ID
	})

	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}
