// Package resultstore persists analysis runs to SQLite and exports them as TSV tables.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/libsize/server/internal/pipeline"
)

// Run describes one batch analysis of a dataset.
type Run struct {
	ID        string          `json:"run_id"`
	DatasetID string          `json:"dataset_id"`
	CreatedAt time.Time       `json:"created_at"`
	Config    json.RawMessage `json:"config,omitempty"`
	Samples   int             `json:"samples"`
	Failed    int             `json:"failed"`
}

// Store provides persistent storage for analysis runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		samples INTEGER NOT NULL,
		failed INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset_id);

	CREATE TABLE IF NOT EXISTS bins (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		row INTEGER NOT NULL,
		col INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		ntranscripts INTEGER NOT NULL,
		ncells INTEGER NOT NULL,
		ndetections INTEGER NOT NULL,
		region TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_bins_run_sample ON bins(run_id, sample_id);

	CREATE TABLE IF NOT EXISTS coefficients (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		term TEXT NOT NULL,
		estimate REAL,
		std_error REAL,
		z_value REAL,
		p_value REAL,
		estimable INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_coefficients_run_sample ON coefficients(run_id, sample_id);

	CREATE TABLE IF NOT EXISTS residuals (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		row INTEGER NOT NULL,
		col INTEGER NOT NULL,
		observed REAL NOT NULL,
		fitted REAL,
		pearson REAL,
		deviance REAL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_residuals_run_sample ON residuals(run_id, sample_id);

	CREATE TABLE IF NOT EXISTS effects (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		region TEXT NOT NULL,
		slope REAL,
		intercept REAL,
		log_slope REAL,
		log_intercept REAL,
		estimable INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_effects_run ON effects(run_id);

	CREATE TABLE IF NOT EXISTS anova (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		term TEXT NOT NULL,
		statistic REAL,
		df INTEGER NOT NULL,
		df_residual INTEGER NOT NULL,
		p_value REAL,
		test TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_anova_run ON anova(run_id);

	CREATE TABLE IF NOT EXISTS failures (
		run_id TEXT NOT NULL,
		sample_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		kind TEXT NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// nullable maps non-finite values to NULL; SQLite has no NaN.
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// SaveRun writes every table of batch in one transaction and returns the new run.
// config is stored verbatim as JSON and may be nil.
func (s *Store) SaveRun(datasetID string, config interface{}, batch *pipeline.BatchResult) (*Run, error) {
	cfgJSON := []byte("{}")
	if config != nil {
		var err error
		if cfgJSON, err = json.Marshal(config); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
	}
	run := &Run{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Config:    cfgJSON,
		Samples:   len(batch.Order),
		Failed:    len(batch.Failures()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO runs (run_id, dataset_id, created_at, config_json, samples, failed)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.DatasetID, run.CreatedAt.Format(time.RFC3339), string(cfgJSON), run.Samples, run.Failed); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	for _, t := range tables {
		if err := insertTable(tx, run.ID, t, batch); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", t.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

func insertTable(tx *sql.Tx, runID string, t table, batch *pipeline.BatchResult) error {
	stmt, err := tx.Prepare(t.insertSQL())
	if err != nil {
		return err
	}
	defer stmt.Close()

	return t.rows(batch, func(vals ...interface{}) error {
		args := make([]interface{}, 0, len(vals)+1)
		args = append(args, runID)
		for _, v := range vals {
			if f, ok := v.(float64); ok {
				v = nullable(f)
			}
			args = append(args, v)
		}
		_, err := stmt.Exec(args...)
		return err
	})
}

// GetRun retrieves a run by ID. A missing run yields nil without error.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, dataset_id, created_at, config_json, samples, failed
		FROM runs WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns all runs for a dataset, newest first.
func (s *Store) ListRuns(datasetID string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, dataset_id, created_at, config_json, samples, failed
		FROM runs WHERE dataset_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var createdAt, cfg string
	if err := sc.Scan(&run.ID, &run.DatasetID, &createdAt, &cfg, &run.Samples, &run.Failed); err != nil {
		return nil, err
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.Config = json.RawMessage(cfg)
	return &run, nil
}

// Effects returns the stored effect rows of a run in sample, region order.
func (s *Store) Effects(runID string) ([]pipeline.EffectRow, error) {
	rows, err := s.db.Query(`
		SELECT sample_id, region, slope, intercept, estimable
		FROM effects WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.EffectRow
	for rows.Next() {
		var r pipeline.EffectRow
		var slope, intercept sql.NullFloat64
		if err := rows.Scan(&r.SampleID, &r.Region, &slope, &intercept, &r.Estimable); err != nil {
			return nil, err
		}
		r.Slope, r.Intercept = orNaN(slope), orNaN(intercept)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failures returns the stored failures of a run.
func (s *Store) Failures(runID string) ([]pipeline.Failure, error) {
	rows, err := s.db.Query(`
		SELECT sample_id, stage, kind, error FROM failures WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.Failure
	for rows.Next() {
		var f pipeline.Failure
		if err := rows.Scan(&f.SampleID, &f.Stage, &f.Kind, &f.Error); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its rows.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range tables {
		if _, err := tx.Exec("DELETE FROM "+t.name+" WHERE run_id = ?", runID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec("DELETE FROM runs WHERE run_id = ?", runID); err != nil {
		return err
	}
	return tx.Commit()
}

// Count returns the number of rows of a table for a run.
func (s *Store) Count(runID, tableName string) (int, error) {
	for _, t := range tables {
		if t.name == tableName {
			var n int
			err := s.db.QueryRow("SELECT COUNT(*) FROM "+t.name+" WHERE run_id = ?", runID).Scan(&n)
			return n, err
		}
	}
	return 0, fmt.Errorf("unknown table %q", tableName)
}
