package selection

import (
	"math"
	"testing"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/tracking"
)

func run(id string, f1 float64) tracking.Run {
	return tracking.Run{ID: id, Metrics: map[string]float64{DefaultMetric: f1}}
}

func TestSelectBest(t *testing.T) {
	noMetric := tracking.Run{ID: "0", Metrics: map[string]float64{}}

	tests := []struct {
		name string
		runs []tracking.Run
		want string
	}{
		{"single", []tracking.Run{run("a", 0.5)}, "a"},
		{"highest_wins", []tracking.Run{run("a", 0.5), run("b", 0.9), run("c", 0.7)}, "b"},
		{"tie_smaller_id", []tracking.Run{run("z", 0.8), run("m", 0.8), run("q", 0.1)}, "m"},
		{"missing_loses", []tracking.Run{noMetric, run("b", 0.01)}, "b"},
		{"nan_loses", []tracking.Run{run("a", math.NaN()), run("b", 0)}, "b"},
		{"all_missing_smallest_id", []tracking.Run{run("b", math.NaN()), noMetric}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectBest(tt.runs, DefaultMetric)
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != tt.want {
				t.Errorf("SelectBest() = %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestSelectBest_OrderIndependent(t *testing.T) {
	runs := []tracking.Run{run("c", 0.7), run("a", 0.9), run("b", 0.9), run("d", 0.2)}
	for i := 0; i < len(runs); i++ {
		rotated := append(append([]tracking.Run{}, runs[i:]...), runs[:i]...)
		got, err := SelectBest(rotated, DefaultMetric)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != "a" {
			t.Errorf("rotation %d: SelectBest() = %s, want a", i, got.ID)
		}
	}
}

func TestSelectBest_Empty(t *testing.T) {
	_, err := SelectBest(nil, DefaultMetric)
	if !errors.IsEmptyInput(err) {
		t.Errorf("SelectBest(nil) error = %v, want EmptyInputError", err)
	}
}

func TestRank(t *testing.T) {
	runs := []tracking.Run{run("c", 0.1), run("b", 0.9), run("a", 0.9), {ID: "x"}}
	ranked := Rank(runs, DefaultMetric)
	want := []string{"a", "b", "c", "x"}
	for i, r := range ranked {
		if r.ID != want[i] {
			t.Errorf("Rank()[%d] = %s, want %s", i, r.ID, want[i])
		}
	}
	if runs[0].ID != "c" {
		t.Error("Rank must not reorder its input")
	}
}
