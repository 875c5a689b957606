package registry

import (
	"context"
	"database/sql"
	"sync"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/storage/sqlite"
	"github.com/YuminosukeSato/scitrack/tracking"
)

// SQLiteRegistry stores versions in the model_versions table. Stage changes
// run in one transaction under a mutex; the partial unique index on
// Production rows rejects anything that slips past both.
type SQLiteRegistry struct {
	mu   sync.Mutex
	db   *sql.DB
	opts options
}

// NewSQLiteRegistry wraps a database opened with storage/sqlite.Open.
func NewSQLiteRegistry(db *sql.DB, opts ...Option) *SQLiteRegistry {
	return &SQLiteRegistry{db: db, opts: buildOptions(opts)}
}

const versionColumns = `model_name, number, source_run_id, artifact_ref, stage, created_at, updated_at`

// Register implements Registry.
func (r *SQLiteRegistry) Register(ctx context.Context, modelName string, run tracking.Run) (v Version, err error) {
	if err := validateRegister(modelName, run); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, errors.Wrap(err, "begin register tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var next int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM model_versions WHERE model_name = ?`, modelName).Scan(&next); err != nil {
		return Version{}, errors.Wrap(err, "next version number")
	}
	now := r.opts.now().UTC()
	v = Version{
		ModelName:   modelName,
		Number:      next,
		SourceRunID: run.ID,
		ArtifactRef: run.ArtifactRef,
		Stage:       StageNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO model_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ModelName, v.Number, v.SourceRunID, v.ArtifactRef, string(v.Stage),
		sqlite.FormatTime(v.CreatedAt), sqlite.FormatTime(v.UpdatedAt)); err != nil {
		return Version{}, errors.Wrapf(err, "insert %s", v)
	}
	if err = tx.Commit(); err != nil {
		return Version{}, errors.Wrap(err, "commit register")
	}
	return v, nil
}

// Transition implements Registry.
func (r *SQLiteRegistry) Transition(ctx context.Context, modelName string, number int, stage Stage) (v Version, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, errors.Wrap(err, "begin transition tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	v, err = scanVersion(tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE model_name = ? AND number = ?`, modelName, number))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, versionNotFound(modelName, number)
	}
	if err != nil {
		return Version{}, err
	}
	if err = checkTransition(v, stage); err != nil {
		return Version{}, err
	}
	if v.Stage == stage {
		_ = tx.Rollback()
		return v, nil
	}

	now := sqlite.FormatTime(r.opts.now())
	archived := 0
	if stage == StageProduction {
		err = tx.QueryRowContext(ctx,
			`SELECT number FROM model_versions WHERE model_name = ? AND stage = ? AND number <> ?`,
			modelName, string(StageProduction), number).Scan(&archived)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Version{}, errors.Wrap(err, "find current production")
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE model_versions SET stage = ?, updated_at = ? WHERE model_name = ? AND stage = ? AND number <> ?`,
			string(StageArchived), now, modelName, string(StageProduction), number); err != nil {
			return Version{}, errors.Wrap(err, "archive previous production")
		}
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE model_versions SET stage = ?, updated_at = ? WHERE model_name = ? AND number = ?`,
		string(stage), now, modelName, number); err != nil {
		return Version{}, errors.Wrapf(err, "move %s to %s", v, stage)
	}
	if err = tx.Commit(); err != nil {
		return Version{}, errors.Wrap(err, "commit transition")
	}

	from := v.Stage
	v.Stage = stage
	v.UpdatedAt, _ = sqlite.ParseTime(now)
	logTransition(r.opts.logger, v, from, archived)
	return v, nil
}

// GetProduction implements Registry.
func (r *SQLiteRegistry) GetProduction(ctx context.Context, modelName string) (Version, error) {
	v, err := scanVersion(r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE model_name = ? AND stage = ?`,
		modelName, string(StageProduction)))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, errors.NewNotFoundError("production version", modelName)
	}
	return v, err
}

// GetLatest implements Registry.
func (r *SQLiteRegistry) GetLatest(ctx context.Context, modelName string) (Version, error) {
	v, err := scanVersion(r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE model_name = ? ORDER BY number DESC LIMIT 1`,
		modelName))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, errors.NewNotFoundError("model", modelName)
	}
	return v, err
}

// Get implements Registry.
func (r *SQLiteRegistry) Get(ctx context.Context, modelName string, number int) (Version, error) {
	v, err := scanVersion(r.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE model_name = ? AND number = ?`,
		modelName, number))
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, versionNotFound(modelName, number)
	}
	return v, err
}

// List implements Registry.
func (r *SQLiteRegistry) List(ctx context.Context, modelName string) ([]Version, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM model_versions WHERE model_name = ? ORDER BY number`, modelName)
	if err != nil {
		return nil, errors.Wrapf(err, "list versions of %s", modelName)
	}
	defer rows.Close()

	out := []Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "iterate versions")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (Version, error) {
	var (
		v                Version
		stage            string
		created, updated string
	)
	if err := row.Scan(&v.ModelName, &v.Number, &v.SourceRunID, &v.ArtifactRef, &stage, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, err
		}
		return Version{}, errors.Wrap(err, "scan version")
	}
	v.Stage = Stage(stage)
	var err error
	if v.CreatedAt, err = sqlite.ParseTime(created); err != nil {
		return Version{}, err
	}
	if v.UpdatedAt, err = sqlite.ParseTime(updated); err != nil {
		return Version{}, err
	}
	return v, nil
}
