package registry

import (
	"context"
	"sync"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// MemoryRegistry keeps slots in memory. One mutex covers every operation so
// that archiving the old Production and promoting the new one is a single
// step to readers.
type MemoryRegistry struct {
	mu    sync.Mutex
	opts  options
	slots map[string][]Version
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	return &MemoryRegistry{opts: buildOptions(opts), slots: make(map[string][]Version)}
}

// Register implements Registry.
func (r *MemoryRegistry) Register(ctx context.Context, modelName string, run tracking.Run) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	if err := validateRegister(modelName, run); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.now().UTC()
	v := Version{
		ModelName:   modelName,
		Number:      len(r.slots[modelName]) + 1,
		SourceRunID: run.ID,
		ArtifactRef: run.ArtifactRef,
		Stage:       StageNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.slots[modelName] = append(r.slots[modelName], v)
	return v, nil
}

// Transition implements Registry.
func (r *MemoryRegistry) Transition(ctx context.Context, modelName string, number int, stage Stage) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[modelName]
	if number < 1 || number > len(slot) {
		return Version{}, versionNotFound(modelName, number)
	}
	v := slot[number-1]
	if err := checkTransition(v, stage); err != nil {
		return Version{}, err
	}
	if v.Stage == stage {
		return v, nil
	}

	now := r.opts.now().UTC()
	archived := 0
	if stage == StageProduction {
		for i := range slot {
			if slot[i].Stage == StageProduction && slot[i].Number != number {
				slot[i].Stage = StageArchived
				slot[i].UpdatedAt = now
				archived = slot[i].Number
			}
		}
	}
	from := v.Stage
	slot[number-1].Stage = stage
	slot[number-1].UpdatedAt = now
	logTransition(r.opts.logger, slot[number-1], from, archived)
	return slot[number-1], nil
}

// GetProduction implements Registry.
func (r *MemoryRegistry) GetProduction(ctx context.Context, modelName string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.slots[modelName] {
		if v.Stage == StageProduction {
			return v, nil
		}
	}
	return Version{}, errors.NewNotFoundError("production version", modelName)
}

// GetLatest implements Registry.
func (r *MemoryRegistry) GetLatest(ctx context.Context, modelName string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[modelName]
	if len(slot) == 0 {
		return Version{}, errors.NewNotFoundError("model", modelName)
	}
	return slot[len(slot)-1], nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, modelName string, number int) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.slots[modelName]
	if number < 1 || number > len(slot) {
		return Version{}, versionNotFound(modelName, number)
	}
	return slot[number-1], nil
}

// List implements Registry.
func (r *MemoryRegistry) List(ctx context.Context, modelName string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Version{}, r.slots[modelName]...), nil
}
