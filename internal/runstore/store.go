// Package runstore records training runs and their per-epoch metrics in a
// SQLite database so past runs can be listed and compared.
package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"retina-forge/internal/metrics"
)

// Run is one row of the runs table.
type Run struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   *time.Time
	State        string
	Architecture string
	// Config is the YAML rendering of the effective configuration.
	Config string
	Epochs int
	// BestKappa is nil until an epoch with validation samples is recorded.
	BestKappa  *float64
	Checkpoint string
	Error      string
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  state TEXT NOT NULL,
  architecture TEXT NOT NULL DEFAULT '',
  config TEXT NOT NULL DEFAULT '',
  epochs INTEGER NOT NULL DEFAULT 0,
  best_kappa REAL,
  checkpoint TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epochs (
  run_id TEXT NOT NULL REFERENCES runs(run_id),
  epoch INTEGER NOT NULL,
  train_loss REAL NOT NULL,
  val_loss REAL NOT NULL,
  val_kappa REAL NOT NULL,
  val_accuracy REAL NOT NULL,
  train_samples INTEGER NOT NULL,
  val_samples INTEGER NOT NULL,
  skipped INTEGER NOT NULL,
  images_per_sec REAL NOT NULL DEFAULT 0,
  recorded_at DATETIME NOT NULL,
  PRIMARY KEY (run_id, epoch)
);
`)
	return err
}

// RunStarted inserts run in its initial state.
func (s *Store) RunStarted(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, started_at, state, architecture, config, epochs)
VALUES(?, ?, ?, ?, ?, ?);
`, run.ID, run.StartedAt.UTC(), run.State, run.Architecture, run.Config, run.Epochs)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

// EpochFinished stores rec and advances the run's epoch count and best
// validation kappa. Records without validation samples leave the best kappa
// untouched. Re-recording an epoch (after a resume) replaces it.
func (s *Store) EpochFinished(ctx context.Context, rec metrics.EpochRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record epoch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO epochs(run_id, epoch, train_loss, val_loss, val_kappa, val_accuracy,
  train_samples, val_samples, skipped, images_per_sec, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.RunID, rec.Epoch, rec.TrainLoss, rec.ValLoss, rec.ValKappa, rec.ValAccuracy,
		rec.TrainSamples, rec.ValSamples, rec.Skipped, rec.ImagesPerSec, rec.Time.UTC()); err != nil {
		return fmt.Errorf("record epoch %d of %s: %w", rec.Epoch, rec.RunID, err)
	}
	res, err := tx.ExecContext(ctx, `
UPDATE runs SET epochs = MAX(epochs, ?),
  best_kappa = CASE WHEN ? > 0 THEN MAX(COALESCE(best_kappa, ?), ?) ELSE best_kappa END
WHERE run_id = ?;
`, rec.Epoch, rec.ValSamples, rec.ValKappa, rec.ValKappa, rec.RunID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", rec.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: no such run", rec.RunID)
	}
	return tx.Commit()
}

// RunFinished records the terminal state of a run.
func (s *Store) RunFinished(ctx context.Context, runID, state, checkpoint string, runErr error, at time.Time) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ?, state = ?, checkpoint = ?, error = ? WHERE run_id = ?;
`, at.UTC(), state, checkpoint, msg, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", runID)
	}
	return nil
}

// ListRuns returns up to limit runs, most recent first. limit <= 0 means
// no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, started_at, finished_at, state, architecture, config, epochs, best_kappa, checkpoint, error
FROM runs ORDER BY started_at DESC, run_id LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.State, &r.Architecture, &r.Config,
			&r.Epochs, &r.BestKappa, &r.Checkpoint, &r.Error); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Epochs returns the recorded epochs of runID in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]metrics.EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT epoch, train_loss, val_loss, val_kappa, val_accuracy, train_samples, val_samples, skipped,
  images_per_sec, recorded_at
FROM epochs WHERE run_id = ? ORDER BY epoch;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	defer rows.Close()

	var out []metrics.EpochRecord
	for rows.Next() {
		rec := metrics.EpochRecord{RunID: runID}
		if err := rows.Scan(&rec.Epoch, &rec.TrainLoss, &rec.ValLoss, &rec.ValKappa, &rec.ValAccuracy,
			&rec.TrainSamples, &rec.ValSamples, &rec.Skipped, &rec.ImagesPerSec, &rec.Time); err != nil {
			return nil, fmt.Errorf("list epochs: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
