package promotion

import (
	"context"
	"testing"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/registry"
	"github.com/YuminosukeSato/scitrack/tracking"
)

func appendRun(t *testing.T, s tracking.Store, name string, f1 float64) string {
	t.Helper()
	id, err := s.Append(context.Background(), tracking.Run{
		ExperimentName: "exp",
		DisplayName:    name,
		Metrics:        map[string]float64{tracking.MetricTestF1: f1},
	}, tracking.Artifacts{Model: []byte(name)})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestPromoteBest(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	logger, _ := log.NewTestLogger(log.LevelInfo)
	p := NewPromoter(store, reg, logger)

	appendRun(t, store, "weak", 0.4)
	strong := appendRun(t, store, "strong", 0.9)

	res, err := p.PromoteBest(ctx, "exp", "BestClassifier", tracking.MetricTestF1)
	if err != nil {
		t.Fatalf("PromoteBest() error = %v", err)
	}
	if res.Run.ID != strong || res.Version.Stage != registry.StageProduction || res.Version.Number != 1 {
		t.Errorf("PromoteBest() = %+v", res)
	}
	if !logger.ContainsMessage("run promoted to production") {
		t.Error("promotion was not logged")
	}

	// より良い run が後から来たら旧 Production はアーカイブされる
	stronger := appendRun(t, store, "stronger", 0.95)
	res, err = p.PromoteBest(ctx, "exp", "BestClassifier", tracking.MetricTestF1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Run.ID != stronger || res.Version.Number != 2 {
		t.Errorf("second PromoteBest() = %+v", res)
	}
	v1, _ := reg.Get(ctx, "BestClassifier", 1)
	if v1.Stage != registry.StageArchived {
		t.Errorf("v1 stage = %s, want Archived", v1.Stage)
	}
}

func TestPromoteBest_EmptyExperiment(t *testing.T) {
	p := NewPromoter(tracking.NewMemoryStore(), registry.NewMemoryRegistry(), nil)
	_, err := p.PromoteBest(context.Background(), "none", "m", tracking.MetricTestF1)
	if !errors.IsEmptyInput(err) {
		t.Errorf("PromoteBest() error = %v, want EmptyInputError", err)
	}
}

func TestPromoteRun(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	reg := registry.NewMemoryRegistry()
	p := NewPromoter(store, reg, nil)

	weak := appendRun(t, store, "weak", 0.1)
	appendRun(t, store, "strong", 0.9)

	res, err := p.PromoteRun(ctx, weak, "m")
	if err != nil {
		t.Fatal(err)
	}
	prod, _ := reg.GetProduction(ctx, "m")
	if prod.SourceRunID != weak || res.Version.Number != prod.Number {
		t.Errorf("production = %+v", prod)
	}

	if _, err := p.PromoteRun(ctx, "missing", "m"); !errors.IsNotFound(err) {
		t.Errorf("PromoteRun(missing) error = %v", err)
	}
}

func TestPromoteRun_WithoutArtifact(t *testing.T) {
	ctx := context.Background()
	store := tracking.NewMemoryStore()
	id, err := store.Append(ctx, tracking.Run{ExperimentName: "exp"}, tracking.Artifacts{})
	if err != nil {
		t.Fatal(err)
	}
	p := NewPromoter(store, registry.NewMemoryRegistry(), nil)
	_, err = p.PromoteRun(ctx, id, "m")
	var ve *errors.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("PromoteRun() error = %v, want ValidationError", err)
	}
}
