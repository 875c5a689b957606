package log

// Model and operation context.
const (
	// ModelNameKey identifies the estimator type, e.g. "LogisticRegression".
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed: "fit", "predict", "resolve", ...
	OperationKey = "ml.operation"

	// ComponentKey identifies the package emitting the record.
	ComponentKey = "ml.component"

	PhaseKey = "ml.phase"
)

// Data shape.
const (
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"
	ClassesKey  = "data.classes"
)

// Performance metrics.
const (
	DurationMsKey = "perf.duration_ms"
	AccuracyKey   = "metrics.accuracy"
	F1ScoreKey    = "metrics.f1_score"
	LossKey       = "metrics.loss"
	IterationKey  = "training.iteration"
	EpochKey      = "training.epoch"
	PredsKey      = "preds.count"
)

// Experiment tracking and registry context.
const (
	// ExperimentKey is the experiment name that groups runs.
	ExperimentKey = "experiment.name"

	// RunIDKey is the store-assigned run identifier.
	RunIDKey = "run.id"

	// RunNameKey is the human-readable display name of a run.
	RunNameKey = "run.name"

	RegistryModelKey = "registry.model"
	VersionKey       = "registry.version"
	StageKey         = "registry.stage"

	// SourceKey tells where the serving artifact was resolved from: "registry" or "run".
	SourceKey = "serving.source"

	MetricKey = "selection.metric"
)

// Error context.
const (
	ErrorCodeKey  = "error.code"
	ErrorTypeKey  = "error.type"
	SuggestionKey = "error.suggestion"
)

// Standard attribute values.
const (
	OperationFit       = "fit"
	OperationPredict   = "predict"
	OperationTransform = "transform"
	OperationScore     = "score"
	OperationResolve   = "resolve"
	OperationPromote   = "promote"

	PhaseTraining   = "training"
	PhaseEvaluation = "evaluation"
	PhaseInference  = "inference"

	ErrorNotFitted         = "NOT_FITTED"
	ErrorDimensionMismatch = "DIMENSION_MISMATCH"
	ErrorInvalidInput      = "INVALID_INPUT"
	ErrorConvergence       = "CONVERGENCE_FAILURE"
	ErrorModelUnavailable  = "MODEL_UNAVAILABLE"
)
