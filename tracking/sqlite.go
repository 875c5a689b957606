package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"

	"github.com/YuminosukeSato/scitrack/pkg/errors"
	"github.com/YuminosukeSato/scitrack/storage/sqlite"
)

// SQLiteStore is a Store backed by the runs and run_artifacts tables.
type SQLiteStore struct {
	db   *sql.DB
	opts storeOptions
}

// NewSQLiteStore wraps a database opened with storage/sqlite.Open.
func NewSQLiteStore(db *sql.DB, opts ...StoreOption) *SQLiteStore {
	return &SQLiteStore{db: db, opts: buildOptions(opts)}
}

// Append implements Store. The run row and every blob are written in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, run Run, artifacts Artifacts) (id string, err error) {
	stored, err := validateForAppend(run, artifacts)
	if err != nil {
		return "", err
	}
	stored.ID = s.opts.newID()
	if artifacts.Model != nil {
		stored.ArtifactRef = ArtifactRefFor(stored.ID)
	}

	params, err := json.Marshal(stored.Params)
	if err != nil {
		return "", errors.Wrap(err, "marshal params")
	}
	metrics, err := json.Marshal(encodeMetrics(stored.Metrics))
	if err != nil {
		return "", errors.Wrap(err, "marshal metrics")
	}
	tags, err := json.Marshal(stored.Tags)
	if err != nil {
		return "", errors.Wrap(err, "marshal tags")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin append tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertRun = `
		INSERT INTO runs (id, experiment, display_name, params, metrics, tags, artifact_ref, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, insertRun,
		stored.ID,
		stored.ExperimentName,
		stored.DisplayName,
		string(params),
		string(metrics),
		string(tags),
		stored.ArtifactRef,
		sqlite.FormatTime(stored.StartedAt),
		sqlite.FormatTime(stored.EndedAt),
	); err != nil {
		return "", errors.Wrapf(err, "insert run %s", stored.ID)
	}

	const insertBlob = `INSERT INTO run_artifacts (run_id, name, data) VALUES (?, ?, ?)`
	if artifacts.Model != nil {
		if _, err = tx.ExecContext(ctx, insertBlob, stored.ID, ModelArtifactName, artifacts.Model); err != nil {
			return "", errors.Wrap(err, "insert model artifact")
		}
	}
	for _, name := range stored.Attachments {
		if _, err = tx.ExecContext(ctx, insertBlob, stored.ID, name, artifacts.Files[name]); err != nil {
			return "", errors.Wrapf(err, "insert attachment %s", name)
		}
	}
	if err = tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit append")
	}
	return stored.ID, nil
}

const selectRun = `
	SELECT r.id, r.experiment, r.display_name, r.params, r.metrics, r.tags, r.artifact_ref, r.started_at, r.ended_at,
	       COALESCE((SELECT group_concat(a.name, char(31)) FROM
	                   (SELECT name FROM run_artifacts WHERE run_id = r.id AND name <> 'model' ORDER BY name) a), '')
	FROM runs r`

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, experiment string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, selectRun+` WHERE r.experiment = ? ORDER BY r.seq`, experiment)
	if err != nil {
		return nil, errors.Wrapf(err, "query runs of %s", experiment)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate runs")
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE r.id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, errors.NewNotFoundError("run", runID)
	}
	return r, err
}

// LoadArtifact implements Store.
func (s *SQLiteStore) LoadArtifact(ctx context.Context, runID string) ([]byte, error) {
	return s.load(ctx, runID, ModelArtifactName, "artifact")
}

// LoadAttachment implements Store.
func (s *SQLiteStore) LoadAttachment(ctx context.Context, runID, name string) ([]byte, error) {
	if name == ModelArtifactName {
		return nil, errors.NewNotFoundError("attachment", runID+"/"+name)
	}
	return s.load(ctx, runID, name, "attachment")
}

func (s *SQLiteStore) load(ctx context.Context, runID, name, kind string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM run_artifacts WHERE run_id = ? AND name = ?`, runID, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, runID); getErr != nil {
			return nil, getErr
		}
		return nil, errors.NewNotFoundError(kind, runID+"/"+name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s %s/%s", kind, runID, name)
	}
	return data, nil
}

// Experiments implements Store.
func (s *SQLiteStore) Experiments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT experiment FROM runs ORDER BY experiment`)
	if err != nil {
		return nil, errors.Wrap(err, "list experiments")
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan experiment")
		}
		out = append(out, name)
	}
	return out, errors.Wrap(rows.Err(), "iterate experiments")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                     Run
		params, metrics, tags string
		startedAt, endedAt    string
		attachments           string
	)
	if err := row.Scan(&r.ID, &r.ExperimentName, &r.DisplayName, &params, &metrics, &tags,
		&r.ArtifactRef, &startedAt, &endedAt, &attachments); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, errors.Wrap(err, "scan run")
	}
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return Run{}, errors.Wrapf(err, "decode params of %s", r.ID)
	}
	var encoded map[string]*float64
	if err := json.Unmarshal([]byte(metrics), &encoded); err != nil {
		return Run{}, errors.Wrapf(err, "decode metrics of %s", r.ID)
	}
	r.Metrics = decodeMetrics(encoded)
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return Run{}, errors.Wrapf(err, "decode tags of %s", r.ID)
	}
	var err error
	if r.StartedAt, err = sqlite.ParseTime(startedAt); err != nil {
		return Run{}, err
	}
	if r.EndedAt, err = sqlite.ParseTime(endedAt); err != nil {
		return Run{}, err
	}
	if attachments != "" {
		r.Attachments = splitNames(attachments)
		sort.Strings(r.Attachments)
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	return r, nil
}

// encodeMetrics maps NaN to JSON null.
func encodeMetrics(m map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(m))
	for k, v := range m {
		if math.IsNaN(v) {
			out[k] = nil
			continue
		}
		v := v
		out[k] = &v
	}
	return out
}

func decodeMetrics(m map[string]*float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if v == nil {
			out[k] = math.NaN()
			continue
		}
		out[k] = *v
	}
	return out
}

func splitNames(joined string) []string {
	var out []string
	start := 0
	for i := 0; i < len(joined); i++ {
		if joined[i] == 31 {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	return append(out, joined[start:])
}
