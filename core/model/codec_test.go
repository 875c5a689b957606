package model

import (
	"bytes"
	"encoding/gob"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// constantClassifier always predicts Label. It exists only to exercise the codec.
type constantClassifier struct {
	Label int
	State *StateManager
}

func (c *constantClassifier) Kind() string { return "test.Constant" }

func (c *constantClassifier) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := c.State.RequireFitted("constantClassifier", "Predict"); err != nil {
		return nil, err
	}
	if err := c.State.CheckInput("constantClassifier.Predict", X); err != nil {
		return nil, err
	}
	r, _ := X.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		out.Set(i, 0, float64(c.Label))
	}
	return out, nil
}

func init() {
	RegisterKind("test.Constant", func() Artifact { return &constantClassifier{} })
}

func TestCodecRoundTrip(t *testing.T) {
	state := NewStateManager()
	state.SetFitted(3, 10)
	original := &constantClassifier{Label: 2, State: state}

	blob, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(blob)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind() != "test.Constant" {
		t.Errorf("Kind = %s", decoded.Kind())
	}

	pred, err := decoded.Predict(mat.NewDense(2, 3, nil))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.At(0, 0) != 2 || pred.At(1, 0) != 2 {
		t.Errorf("unexpected predictions %v", mat.Formatted(pred))
	}
	if HasProbabilitySupport(decoded) {
		t.Error("constant classifier has no PredictProba")
	}
}

func TestCodecRejectsBadInput(t *testing.T) {
	if _, err := Unmarshal(nil); err == nil {
		t.Error("expected error for empty blob")
	}
	if _, err := Unmarshal([]byte("not a gob stream")); err == nil {
		t.Error("expected error for garbage")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Kind: "unknown.Kind", Version: CodecVersion}); err != nil {
		t.Fatal(err)
	}
	_, err := Unmarshal(buf.Bytes())
	var ve *errors.ValueError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValueError for unknown kind, got %v", err)
	}
}

func TestStateManagerChecks(t *testing.T) {
	s := NewStateManager()
	var nf *errors.NotFittedError
	if err := s.RequireFitted("M", "Predict"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFittedError, got %v", err)
	}

	s.SetFitted(4, 100)
	if err := s.CheckInput("M.Predict", mat.NewDense(1, 4, nil)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	var dim *errors.DimensionError
	if err := s.CheckInput("M.Predict", mat.NewDense(1, 3, nil)); !errors.As(err, &dim) {
		t.Errorf("expected DimensionError, got %v", err)
	}

	s.Reset()
	if s.IsFitted() {
		t.Error("Reset should clear the fitted flag")
	}
}

func TestRegisteredKindsSorted(t *testing.T) {
	kinds := RegisteredKinds()
	found := false
	for i, k := range kinds {
		if k == "test.Constant" {
			found = true
		}
		if i > 0 && kinds[i-1] > k {
			t.Errorf("kinds not sorted: %v", kinds)
		}
	}
	if !found {
		t.Error("test.Constant should be registered")
	}
}
