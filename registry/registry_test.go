package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/storage/sqlite"
	"github.com/YuminosukeSato/scitrack/tracking"
)

type registryFactory struct {
	name string
	new  func(t *testing.T) Registry
}

func registries() []registryFactory {
	logger, _ := log.NewTestLogger(log.LevelDebug)
	return []registryFactory{
		{"memory", func(t *testing.T) Registry { return NewMemoryRegistry(WithLogger(logger)) }},
		{"sqlite", func(t *testing.T) Registry {
			db, err := sqlite.Open(context.Background(), sqlite.MemoryPath)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLiteRegistry(db, WithLogger(logger))
		}},
	}
}

func runWithArtifact(id string) tracking.Run {
	return tracking.Run{ID: id, ExperimentName: "exp", ArtifactRef: tracking.ArtifactRefFor(id)}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	for _, f := range registries() {
		t.Run(f.name, func(t *testing.T) {
			r := f.new(t)
			v1, err := r.Register(ctx, "BestClassifier", runWithArtifact("run-a"))
			if err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			if v1.Number != 1 || v1.Stage != StageNone || v1.SourceRunID != "run-a" || v1.ArtifactRef != "runs:/run-a/model" {
				t.Errorf("first version = %+v", v1)
			}
			// 同じ run を二度登録しても新しいバージョンになる
			v2, err := r.Register(ctx, "BestClassifier", runWithArtifact("run-a"))
			if err != nil {
				t.Fatal(err)
			}
			if v2.Number != 2 {
				t.Errorf("second version number = %d, want 2", v2.Number)
			}
			other, _ := r.Register(ctx, "Other", runWithArtifact("run-b"))
			if other.Number != 1 {
				t.Errorf("numbering is per model, got %d", other.Number)
			}

			latest, err := r.GetLatest(ctx, "BestClassifier")
			if err != nil || latest.Number != 2 {
				t.Errorf("GetLatest() = %v, %v", latest, err)
			}
			list, err := r.List(ctx, "BestClassifier")
			if err != nil || len(list) != 2 || list[0].Number != 1 || list[1].Number != 2 {
				t.Errorf("List() = %v, %v", list, err)
			}
			empty, err := r.List(ctx, "unknown")
			if err != nil || len(empty) != 0 {
				t.Errorf("List(unknown) = %v, %v", empty, err)
			}
		})
	}
}

func TestRegister_Validation(t *testing.T) {
	ctx := context.Background()
	for _, f := range registries() {
		t.Run(f.name, func(t *testing.T) {
			r := f.new(t)
			var ve *errors.ValidationError
			if _, err := r.Register(ctx, "m", tracking.Run{ID: "no-artifact"}); !errors.As(err, &ve) {
				t.Errorf("run without artifact: error = %v", err)
			}
			if _, err := r.Register(ctx, "", runWithArtifact("x")); !errors.As(err, &ve) {
				t.Errorf("empty model name: error = %v", err)
			}
		})
	}
}

func TestTransition_Table(t *testing.T) {
	stages := []Stage{StageNone, StageStaging, StageProduction, StageArchived}
	legal := map[[2]Stage]bool{
		{StageNone, StageStaging}:          true,
		{StageNone, StageProduction}:       true,
		{StageNone, StageArchived}:         true,
		{StageStaging, StageProduction}:    true,
		{StageStaging, StageArchived}:      true,
		{StageProduction, StageArchived}:   true,
		{StageNone, StageNone}:             true,
		{StageStaging, StageStaging}:       true,
		{StageProduction, StageProduction}: true,
		{StageArchived, StageArchived}:     true,
	}
	for _, from := range stages {
		for _, to := range stages {
			if got := CanTransition(from, to); got != legal[[2]Stage{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

// reach drives a fresh version into stage through legal moves.
func reach(ctx context.Context, t *testing.T, r Registry, model string, stage Stage) Version {
	t.Helper()
	v, err := r.Register(ctx, model, runWithArtifact(fmt.Sprintf("run-%d", time.Now().UnixNano())))
	if err != nil {
		t.Fatal(err)
	}
	if stage == StageNone {
		return v
	}
	v, err = r.Transition(ctx, model, v.Number, stage)
	if err != nil {
		t.Fatalf("Transition(None -> %s) error = %v", stage, err)
	}
	return v
}

func TestTransition_Denied(t *testing.T) {
	ctx := context.Background()
	denied := [][2]Stage{
		{StageStaging, StageNone},
		{StageProduction, StageNone},
		{StageProduction, StageStaging},
		{StageArchived, StageNone},
		{StageArchived, StageStaging},
		{StageArchived, StageProduction},
	}
	for _, f := range registries() {
		for _, d := range denied {
			t.Run(fmt.Sprintf("%s/%s_to_%s", f.name, d[0], d[1]), func(t *testing.T) {
				r := f.new(t)
				v := reach(ctx, t, r, "m", d[0])
				_, err := r.Transition(ctx, "m", v.Number, d[1])
				var te *errors.TransitionError
				if !errors.As(err, &te) {
					t.Fatalf("Transition() error = %v, want TransitionError", err)
				}
				got, _ := r.Get(ctx, "m", v.Number)
				if got.Stage != d[0] {
					t.Errorf("stage changed to %s after a denied transition", got.Stage)
				}
			})
		}
	}
}

func TestTransition_SameStageIsNoop(t *testing.T) {
	ctx := context.Background()
	for _, f := range registries() {
		t.Run(f.name, func(t *testing.T) {
			r := f.new(t)
			v := reach(ctx, t, r, "m", StageStaging)
			again, err := r.Transition(ctx, "m", v.Number, StageStaging)
			if err != nil || again.Stage != StageStaging || !again.UpdatedAt.Equal(v.UpdatedAt) {
				t.Errorf("no-op transition = %+v, %v", again, err)
			}
		})
	}
}

func TestTransition_ProductionArchivesPrevious(t *testing.T) {
	ctx := context.Background()
	for _, f := range registries() {
		t.Run(f.name, func(t *testing.T) {
			r := f.new(t)
			v1 := reach(ctx, t, r, "m", StageProduction)
			v2 := reach(ctx, t, r, "m", StageStaging)

			if _, err := r.Transition(ctx, "m", v2.Number, StageProduction); err != nil {
				t.Fatal(err)
			}
			prod, err := r.GetProduction(ctx, "m")
			if err != nil || prod.Number != v2.Number {
				t.Errorf("GetProduction() = %v, %v", prod, err)
			}
			old, _ := r.Get(ctx, "m", v1.Number)
			if old.Stage != StageArchived {
				t.Errorf("previous production stage = %s, want Archived", old.Stage)
			}
			count := 0
			list, _ := r.List(ctx, "m")
			for _, v := range list {
				if v.Stage == StageProduction {
					count++
				}
			}
			if count != 1 {
				t.Errorf("%d Production versions, want 1", count)
			}
		})
	}
}

func TestTransition_ConcurrentPromotions(t *testing.T) {
	ctx := context.Background()
	for _, f := range registries() {
		t.Run(f.name, func(t *testing.T) {
			r := f.new(t)
			var numbers []int
			for i := 0; i < 8; i++ {
				numbers = append(numbers, reach(ctx, t, r, "m", StageNone).Number)
			}
			var wg sync.WaitGroup
			for _, n := range numbers {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					_, _ = r.Transition(ctx, "m", n, StageProduction)
				}(n)
			}
			wg.Wait()

			list, _ := r.List(ctx, "m")
			count := 0
			for _, v := range list {
				if v.Stage == StageProduction {
					count++
				}
			}
			if count != 1 {
				t.Errorf("%d Production versions after concurrent promotions, want 1", count)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, f := range registries() {
		t.Run(f.name, func(t *testing.T) {
			r := f.new(t)
			if _, err := r.GetProduction(ctx, "m"); !errors.IsNotFound(err) {
				t.Errorf("GetProduction(empty) error = %v", err)
			}
			if _, err := r.GetLatest(ctx, "m"); !errors.IsNotFound(err) {
				t.Errorf("GetLatest(empty) error = %v", err)
			}
			if _, err := r.Transition(ctx, "m", 1, StageStaging); !errors.IsNotFound(err) {
				t.Errorf("Transition(unknown) error = %v", err)
			}
			reach(ctx, t, r, "m", StageNone)
			if _, err := r.Get(ctx, "m", 7); !errors.IsNotFound(err) {
				t.Errorf("Get(unknown version) error = %v", err)
			}
			if _, err := r.GetProduction(ctx, "m"); !errors.IsNotFound(err) {
				t.Errorf("GetProduction(no production) error = %v", err)
			}
		})
	}
}

func TestParseStage(t *testing.T) {
	for in, want := range map[string]Stage{"production": StageProduction, " Staging ": StageStaging, "NONE": StageNone} {
		got, err := ParseStage(in)
		if err != nil || got != want {
			t.Errorf("ParseStage(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStage("live"); !errors.IsInvalidInput(err) {
		t.Errorf("ParseStage(live) error = %v", err)
	}
}
