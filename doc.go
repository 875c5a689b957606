// Package scitrack trains classifier trials, records each one as an
// immutable run, promotes the best run into a model registry and serves
// predictions from whatever the registry says is in Production.
//
// # Overview
//
// A trial plan (YAML) lists estimator specs. The trial executor fits each
// one on a shared train/test split, computes weighted accuracy, precision,
// recall and F1 on both partitions, and appends a run to the run store
// together with the encoded model and a confusion-matrix image. The model
// selector picks the best run by a metric, and the promoter registers it as a
// new version of a named model and moves it to Production. Promoting a version
// archives the previous Production version.
//
// The serving resolver looks up the Production version first. When the
// registry has none, or its artifact cannot be loaded, it falls back to the
// best run of the configured experiment. The prediction service accepts a
// numeric list or comma-delimited text and returns the class, its label and,
// when the estimator supports it, per-class probabilities.
//
// # Quick Start
//
// Run the default plan, promote the winner and serve it:
//
//	go run ./cmd/experiments
//	go run ./cmd/serve
//	curl -s localhost:5001/predict -d '{"features": "0.1, -1.2, ..."}'
//
// Promote a specific run or move a version between stages:
//
//	go run ./cmd/promote -run <run-id>
//	go run ./cmd/promote -version 2 -stage Archived
//
// # Packages
//
//   - tracking: Run, the run store (memory, SQLite) and metric search
//   - selection: best-run selection by metric
//   - registry: model versions and the None/Staging/Production/Archived stages
//   - promotion: register-then-promote of a chosen run
//   - trial: trial plans and the executor
//   - serving: resolver, atomic model handle, prediction service, store watcher
//   - server: chi HTTP routes
//   - sklearn: estimator specs; linear_model and neural_network estimators
//   - core/model: estimator capabilities and the artifact codec
//   - datasets, preprocessing, metrics, report: data, scaling, scores, plots
//   - storage/sqlite, config, telemetry, pkg/log, pkg/errors: ambient stack
//
// # Configuration
//
// Settings come from defaults, an optional configs/config.yaml and
// SCITRACK_* environment variables, e.g. SCITRACK_STORE_PATH.
package scitrack
