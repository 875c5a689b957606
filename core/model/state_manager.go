package model

import (
	"sync"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// StateManager tracks the fitted state of an estimator.
// Fields are exported for gob encoding; the mutex is not encoded.
type StateManager struct {
	Fitted bool
	mu     sync.RWMutex

	NFeatures int
	NSamples  int
}

// NewStateManager creates a new StateManager instance.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// IsFitted returns whether the model has been fitted.
func (s *StateManager) IsFitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Fitted
}

// SetFitted marks the model as fitted with the given training shape.
func (s *StateManager) SetFitted(nFeatures, nSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = true
	s.NFeatures = nFeatures
	s.NSamples = nSamples
}

// Reset resets the fitted state.
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = false
	s.NFeatures = 0
	s.NSamples = 0
}

// GetDimensions returns the number of features and samples seen during fitting.
func (s *StateManager) GetDimensions() (nFeatures, nSamples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NFeatures, s.NSamples
}

// RequireFitted returns a NotFittedError naming model and method when the
// estimator has not been fitted.
func (s *StateManager) RequireFitted(model, method string) error {
	if !s.IsFitted() {
		return errors.NewNotFittedError(model, method)
	}
	return nil
}

// CheckInput verifies that X has at least one row and the training feature count.
func (s *StateManager) CheckInput(op string, X interface{ Dims() (int, int) }) error {
	rows, cols := X.Dims()
	if rows == 0 {
		return errors.NewValueError(op, "X must contain at least one sample")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cols != s.NFeatures {
		return errors.NewDimensionError(op, s.NFeatures, cols, 1)
	}
	return nil
}
