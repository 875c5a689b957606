// Package registry manages named model slots whose numbered versions move
// through the None, Staging, Production and Archived stages.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/pkg/log"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// Stage is the lifecycle state of a model version.
type Stage string

const (
	StageNone       Stage = "None"
	StageStaging    Stage = "Staging"
	StageProduction Stage = "Production"
	StageArchived   Stage = "Archived"
)

// allowed[from] lists the stages a version may move to. Archived is terminal.
var allowed = map[Stage][]Stage{
	StageNone:       {StageStaging, StageProduction, StageArchived},
	StageStaging:    {StageProduction, StageArchived},
	StageProduction: {StageArchived},
	StageArchived:   nil,
}

// ParseStage accepts a stage name in any letter case.
func ParseStage(s string) (Stage, error) {
	for st := range allowed {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", errors.NewInvalidInputError("stage", "must be None, Staging, Production or Archived", s)
}

// CanTransition reports whether from -> to is a legal move. Staying in the
// same stage is always legal.
func CanTransition(from, to Stage) bool {
	if from == to {
		_, known := allowed[from]
		return known
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Version is one numbered entry of a model slot.
type Version struct {
	ModelName   string    `json:"model_name"`
	Number      int       `json:"version"`
	SourceRunID string    `json:"run_id"`
	ArtifactRef string    `json:"artifact_ref"`
	Stage       Stage     `json:"stage"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// String returns "name/vN (stage)".
func (v Version) String() string {
	return fmt.Sprintf("%s/v%d (%s)", v.ModelName, v.Number, v.Stage)
}

// Registry is the model registry. A slot holds at most one Production
// version at any time.
type Registry interface {
	// Register adds a new version in stage None pointing at run's artifact.
	// Registering the same run twice creates two versions.
	Register(ctx context.Context, modelName string, run tracking.Run) (Version, error)
	// Transition moves a version to stage. Moving to Production archives the
	// previous Production version in the same step.
	Transition(ctx context.Context, modelName string, number int, stage Stage) (Version, error)
	GetProduction(ctx context.Context, modelName string) (Version, error)
	GetLatest(ctx context.Context, modelName string) (Version, error)
	Get(ctx context.Context, modelName string, number int) (Version, error)
	// List returns the versions of a slot ordered by number; empty for an
	// unknown slot.
	List(ctx context.Context, modelName string) ([]Version, error)
}

// Option configures a registry.
type Option func(*options)

type options struct {
	logger log.Logger
	now    func() time.Time
}

// WithLogger sets the logger used for stage changes.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{logger: log.GetLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(log.ComponentKey, "registry")
	return o
}

func validateRegister(modelName string, run tracking.Run) error {
	if strings.TrimSpace(modelName) == "" {
		return errors.NewValidationError("model_name", "must not be empty", modelName)
	}
	if run.ID == "" {
		return errors.NewValidationError("run_id", "must not be empty", run.ID)
	}
	if run.ArtifactRef == "" {
		return errors.NewValidationError("artifact_ref", "run has no model artifact", run.ID)
	}
	return nil
}

func versionNotFound(modelName string, number int) error {
	return errors.NewNotFoundError("model version", fmt.Sprintf("%s/v%d", modelName, number))
}

func checkTransition(v Version, to Stage) error {
	if _, known := allowed[to]; !known {
		return errors.NewInvalidInputError("stage", "unknown stage", string(to))
	}
	if !CanTransition(v.Stage, to) {
		return errors.NewTransitionError(v.ModelName, v.Number, string(v.Stage), string(to))
	}
	return nil
}

func logTransition(l log.Logger, v Version, from Stage, archived int) {
	fields := []any{
		log.RegistryModelKey, v.ModelName,
		log.VersionKey, v.Number,
		log.StageKey, string(v.Stage),
		"from", string(from),
	}
	if archived > 0 {
		fields = append(fields, "archived_version", archived)
	}
	l.Info("model version transitioned", fields...)
}
