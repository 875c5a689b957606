package tracking

import (
	"context"

	"github.com/google/uuid"
)

// Store persists runs and their artifacts. Runs are append-only: there is
// no update or delete.
type Store interface {
	// Append assigns a fresh ID, stores run and artifacts atomically and
	// returns the ID.
	Append(ctx context.Context, run Run, artifacts Artifacts) (string, error)
	// Query returns every run of experiment, in no particular order. An
	// unknown experiment yields an empty slice.
	Query(ctx context.Context, experiment string) ([]Run, error)
	// Get returns one run or a NotFoundError.
	Get(ctx context.Context, runID string) (Run, error)
	// LoadArtifact returns the model blob of a run or a NotFoundError.
	LoadArtifact(ctx context.Context, runID string) ([]byte, error)
	// LoadAttachment returns a named extra blob or a NotFoundError. The model
	// blob is only reachable through LoadArtifact.
	LoadAttachment(ctx context.Context, runID, name string) ([]byte, error)
	// Experiments lists the distinct experiment names, sorted.
	Experiments(ctx context.Context) ([]string, error)
}

// IDGenerator returns run identifiers; they must never repeat.
type IDGenerator func() string

// StoreOption configures a store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	newID IDGenerator
}

// WithIDGenerator overrides the uuid v4 generator.
func WithIDGenerator(gen IDGenerator) StoreOption {
	return func(o *storeOptions) { o.newID = gen }
}

func buildOptions(opts []StoreOption) storeOptions {
	o := storeOptions{newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
