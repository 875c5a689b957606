package tracking

import (
	"context"
	"sort"
	"sync"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// MemoryStore is an in-process Store. Contents are lost with the process.
type MemoryStore struct {
	mu    sync.RWMutex
	opts  storeOptions
	runs  map[string]Run
	order []string
	blobs map[string]map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	return &MemoryStore{
		opts:  buildOptions(opts),
		runs:  make(map[string]Run),
		blobs: make(map[string]map[string][]byte),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, run Run, artifacts Artifacts) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stored, err := validateForAppend(run, artifacts)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.opts.newID()
	if _, dup := s.runs[id]; dup {
		return "", errors.Newf("run id %s already exists", id)
	}
	stored.ID = id
	blobs := make(map[string][]byte, len(artifacts.Files)+1)
	if artifacts.Model != nil {
		stored.ArtifactRef = ArtifactRefFor(id)
		blobs[ModelArtifactName] = append([]byte(nil), artifacts.Model...)
	}
	for name, data := range artifacts.Files {
		blobs[name] = append([]byte(nil), data...)
	}
	s.runs[id] = stored
	s.blobs[id] = blobs
	s.order = append(s.order, id)
	return id, nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, experiment string) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Run{}
	for _, id := range s.order {
		if r := s.runs[id]; r.ExperimentName == experiment {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return Run{}, errors.NewNotFoundError("run", runID)
	}
	return r.Clone(), nil
}

// LoadArtifact implements Store.
func (s *MemoryStore) LoadArtifact(ctx context.Context, runID string) ([]byte, error) {
	return s.load(ctx, runID, ModelArtifactName, "artifact")
}

// LoadAttachment implements Store.
func (s *MemoryStore) LoadAttachment(ctx context.Context, runID, name string) ([]byte, error) {
	if name == ModelArtifactName {
		return nil, errors.NewNotFoundError("attachment", runID+"/"+name)
	}
	return s.load(ctx, runID, name, "attachment")
}

func (s *MemoryStore) load(ctx context.Context, runID, name, kind string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, errors.NewNotFoundError("run", runID)
	}
	data, ok := s.blobs[runID][name]
	if !ok {
		return nil, errors.NewNotFoundError(kind, runID+"/"+name)
	}
	return append([]byte(nil), data...), nil
}

// Experiments implements Store.
func (s *MemoryStore) Experiments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	out := []string{}
	for _, r := range s.runs {
		if _, ok := seen[r.ExperimentName]; !ok {
			seen[r.ExperimentName] = struct{}{}
			out = append(out, r.ExperimentName)
		}
	}
	sort.Strings(out)
	return out, nil
}
