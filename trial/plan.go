package trial

import (
	"bytes"
	_ "embed"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/scitrack/datasets"
	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/sklearn"
)

//go:embed default_plan.yaml
var defaultPlanYAML []byte

// Plan is a declarative batch of trials against one dataset.
type Plan struct {
	Experiment      string          `yaml:"experiment"`
	ModelName       string          `yaml:"model_name"`
	SelectionMetric string          `yaml:"selection_metric"`
	Promote         bool            `yaml:"promote"`
	Dataset         datasets.Config `yaml:"dataset"`
	Trials          []TrialSpec     `yaml:"trials"`
}

// TrialSpec is one training trial.
type TrialSpec struct {
	RunName     string                `yaml:"name"`
	Description string                `yaml:"description"`
	Estimator   sklearn.EstimatorSpec `yaml:"estimator"`
}

// DefaultPlan returns the built-in eight-trial plan.
func DefaultPlan() Plan {
	p, err := ParsePlan(defaultPlanYAML)
	if err != nil {
		panic("trial: embedded default plan is invalid: " + err.Error())
	}
	return p
}

// LoadPlan reads a plan from a YAML file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, errors.Wrapf(err, "read plan %s", path)
	}
	return ParsePlan(data)
}

// ParsePlan decodes YAML on top of the dataset defaults and validates it.
// Unknown fields are rejected.
func ParsePlan(data []byte) (Plan, error) {
	p := Plan{Dataset: datasets.DefaultConfig()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plan{}, errors.Wrap(err, "decode plan")
	}
	return p, p.Validate()
}

// Validate checks the plan without building any estimator.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.Experiment) == "" {
		return errors.NewValidationError("experiment", "must not be empty", p.Experiment)
	}
	if strings.TrimSpace(p.SelectionMetric) == "" {
		return errors.NewValidationError("selection_metric", "must not be empty", p.SelectionMetric)
	}
	if p.Promote && strings.TrimSpace(p.ModelName) == "" {
		return errors.NewValidationError("model_name", "required when promote is set", p.ModelName)
	}
	if err := p.Dataset.Classification.Validate(); err != nil {
		return err
	}
	if p.Dataset.TestSize <= 0 || p.Dataset.TestSize >= 1 {
		return errors.NewValidationError("test_size", "must be in (0, 1)", p.Dataset.TestSize)
	}
	if len(p.Trials) == 0 {
		return errors.NewValidationError("trials", "must not be empty", 0)
	}
	for i, t := range p.Trials {
		if strings.TrimSpace(t.RunName) == "" {
			return errors.NewValidationError("trials.name", "must not be empty", i)
		}
		if t.Estimator.Kind == "" {
			return errors.NewValidationError("trials.estimator.kind", "must not be empty", t.RunName)
		}
	}
	return nil
}
