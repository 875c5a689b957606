// Package tracking records training trials as immutable runs and stores the
// artifacts they produce.
package tracking

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
)

// Metric keys recorded for every trial.
const (
	MetricTrainAccuracy  = "train_accuracy"
	MetricTrainPrecision = "train_precision"
	MetricTrainRecall    = "train_recall"
	MetricTrainF1        = "train_f1_score"
	MetricTestAccuracy   = "test_accuracy"
	MetricTestPrecision  = "test_precision"
	MetricTestRecall     = "test_recall"
	MetricTestF1         = "test_f1_score"
)

// TagDescription is the tag key holding a trial's free-text description.
const TagDescription = "description"

// ModelArtifactName is the reserved blob name of a run's trained model.
const ModelArtifactName = "model"

const refScheme = "runs:/"

var negInf = math.Inf(-1)

// Run is the record of one trial. Stores hand out copies; a stored run is
// never modified.
type Run struct {
	ID             string             `json:"run_id"`
	ExperimentName string             `json:"experiment"`
	DisplayName    string             `json:"run_name"`
	Params         map[string]any     `json:"params"`
	Metrics        map[string]float64 `json:"metrics"`
	Tags           map[string]string  `json:"tags,omitempty"`
	ArtifactRef    string             `json:"artifact_ref,omitempty"`
	Attachments    []string           `json:"attachments,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	EndedAt        time.Time          `json:"ended_at"`
}

// Artifacts are the blobs appended together with a run.
type Artifacts struct {
	// Model is the encoded estimator; nil when the run has none.
	Model []byte
	// Files are extra named blobs such as rendered figures.
	Files map[string][]byte
}

// Clone returns a deep copy of r.
func (r Run) Clone() Run {
	c := r
	if r.Params != nil {
		c.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			c.Params[k] = v
		}
	}
	if r.Metrics != nil {
		c.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			c.Metrics[k] = v
		}
	}
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	c.Attachments = append([]string(nil), r.Attachments...)
	return c
}

// MetricValue returns the metric or -Inf when it is missing or NaN, so that
// such runs always rank last.
func (r Run) MetricValue(key string) float64 {
	v, ok := r.Metrics[key]
	if !ok || math.IsNaN(v) {
		return negInf
	}
	return v
}

// String returns a short description of the run.
func (r Run) String() string {
	return fmt.Sprintf("Run(id=%s, name=%s, experiment=%s)", r.ID, r.DisplayName, r.ExperimentName)
}

// ArtifactRefFor returns the reference of the model blob of runID.
func ArtifactRefFor(runID string) string {
	return refScheme + runID + "/" + ModelArtifactName
}

// ParseArtifactRef extracts the run ID from a reference built by ArtifactRefFor.
func ParseArtifactRef(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, refScheme)
	if !ok {
		return "", errors.NewInvalidInputError("artifact_ref", "unknown scheme", ref)
	}
	runID, ok := strings.CutSuffix(rest, "/"+ModelArtifactName)
	if !ok || runID == "" || strings.Contains(runID, "/") {
		return "", errors.NewInvalidInputError("artifact_ref", "malformed reference", ref)
	}
	return runID, nil
}

// NormalizeParams converts integer values to float64 and rejects anything
// that is not a string, float64 or bool, so that a run reads back with
// exactly the values it was written with.
func NormalizeParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch x := v.(type) {
		case string, bool:
			out[k] = x
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, errors.NewValidationError("params."+k, "must be finite", x)
			}
			out[k] = x
		case float32:
			out[k] = float64(x)
		case int:
			out[k] = float64(x)
		case int32:
			out[k] = float64(x)
		case int64:
			out[k] = float64(x)
		case uint:
			out[k] = float64(x)
		case uint64:
			out[k] = float64(x)
		default:
			return nil, errors.NewValidationError("params."+k, "must be a scalar", v)
		}
	}
	return out, nil
}

// validateForAppend checks a run before a store persists it and returns the
// normalized copy to store.
func validateForAppend(run Run, artifacts Artifacts) (Run, error) {
	if strings.TrimSpace(run.ExperimentName) == "" {
		return Run{}, errors.NewValidationError("experiment", "must not be empty", run.ExperimentName)
	}
	params, err := NormalizeParams(run.Params)
	if err != nil {
		return Run{}, err
	}
	for k, v := range run.Metrics {
		if math.IsInf(v, 0) {
			return Run{}, errors.NewValidationError("metrics."+k, "must not be infinite", v)
		}
	}
	for name := range artifacts.Files {
		if name == "" || name == ModelArtifactName {
			return Run{}, errors.NewValidationError("artifacts", "reserved or empty attachment name", name)
		}
	}
	c := run.Clone()
	c.Params = params
	if c.Metrics == nil {
		c.Metrics = map[string]float64{}
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now()
	}
	if c.EndedAt.IsZero() {
		c.EndedAt = c.StartedAt
	}
	c.StartedAt, c.EndedAt = c.StartedAt.UTC(), c.EndedAt.UTC()
	c.ArtifactRef = ""
	c.Attachments = attachmentNames(artifacts.Files)
	return c, nil
}

func attachmentNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
