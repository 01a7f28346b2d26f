// Package history records training runs and their per-epoch results in a
// SQLite database so runs can be compared after the fact.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tsawler/leafnet/training"
)

// Run status values
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped" // ended by early stopping
	StatusFailed    = "failed"
)

var (
	// ErrRunNotFound is returned for an unknown run id
	ErrRunNotFound = errors.New("run not found")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("history store is closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    fold INTEGER NOT NULL,
    config TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT
);
CREATE TABLE IF NOT EXISTS epochs (
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    epoch INTEGER NOT NULL,
    train_loss REAL,
    train_metric REAL,
    valid_loss REAL,
    valid_metric REAL,
    valid_epoch_metric REAL,
    learning_rate REAL,
    skipped_steps INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (run_id, epoch)
);`

// RunInfo describes a run when it starts
type RunInfo struct {
	Name   string
	Fold   int
	Config string // serialised settings, free form
}

// Run is a recorded training run
type Run struct {
	ID         string
	Name       string
	Fold       int
	Config     string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Epochs     int
	BestLoss   float64 // NaN when no finite validation loss was recorded
}

// Store is a SQLite-backed run history
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps pragmas and writes serialised
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// StartRun inserts a running run and returns its id (a UUID v7, so ids sort
// by start time)
func (s *Store) StartRun(ctx context.Context, info RunInfo) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO runs (run_id, name, fold, config, status, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		id.String(), info.Name, info.Fold, info.Config, StatusRunning, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return id.String(), nil
}

// RecordEpoch stores one epoch of runID, replacing an earlier record of the
// same epoch (a resumed run repeats none, a restarted one may)
func (s *Store) RecordEpoch(ctx context.Context, runID string, r training.EpochResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := exists(ctx, db, runID); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, train_loss, train_metric, valid_loss, valid_metric,
            valid_epoch_metric, learning_rate, skipped_steps, duration_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Epoch, nullable(r.TrainLoss), nullable(r.TrainMetric), nullable(r.ValidLoss), nullable(r.ValidMetric),
		nullable(r.ValidEpochMetric), nullable(r.LearningRate), r.SkippedSteps, r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording epoch %d of run %s: %w", r.Epoch, runID, err)
	}
	return nil
}

// FinishRun marks runID as ended with status; runErr, when non-nil, is kept
// with a failed run
func (s *Store) FinishRun(ctx context.Context, runID, status string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := db.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?",
		status, msg, s.now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	query := `SELECT r.run_id, r.name, r.fold, r.config, r.status, r.error, r.started_at, r.finished_at,
                 COUNT(e.epoch), MIN(e.valid_loss)
              FROM runs r LEFT JOIN epochs e ON e.run_id = r.run_id
              GROUP BY r.run_id
              ORDER BY r.started_at DESC, r.run_id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := hydrateRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a single run. runID may be a unique prefix of the id, as
// printed by the run listing.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		return Run{}, err
	}
	var matches []Run
	for _, r := range runs {
		if r.ID == runID {
			return r, nil
		}
		if runID != "" && strings.HasPrefix(r.ID, runID) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	case 1:
		return matches[0], nil
	}
	return Run{}, fmt.Errorf("run id %q is ambiguous: %d runs match", runID, len(matches))
}

// Epochs returns the recorded epochs of runID in order. Losses that were
// not finite come back as NaN.
func (s *Store) Epochs(ctx context.Context, runID string) ([]training.EpochResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if err := exists(ctx, db, runID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT epoch, train_loss, train_metric, valid_loss, valid_metric, valid_epoch_metric,
                learning_rate, skipped_steps, duration_ms
         FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying epochs of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []training.EpochResult
	for rows.Next() {
		var r training.EpochResult
		var vals [6]sql.NullFloat64
		var durationMS int64
		if err := rows.Scan(&r.Epoch, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5],
			&r.SkippedSteps, &durationMS); err != nil {
			return nil, err
		}
		r.TrainLoss = finiteOrNaN(vals[0])
		r.TrainMetric = finiteOrNaN(vals[1])
		r.ValidLoss = finiteOrNaN(vals[2])
		r.ValidMetric = finiteOrNaN(vals[3])
		r.ValidEpochMetric = finiteOrNaN(vals[4])
		r.LearningRate = finiteOrNaN(vals[5])
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func exists(ctx context.Context, db *sql.DB, runID string) error {
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM runs WHERE run_id = ?", runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return err
}

func hydrateRun(rows *sql.Rows) (Run, error) {
	var r Run
	var errMsg, finishedAt sql.NullString
	var startedAt string
	var best sql.NullFloat64
	if err := rows.Scan(&r.ID, &r.Name, &r.Fold, &r.Config, &r.Status, &errMsg, &startedAt, &finishedAt,
		&r.Epochs, &best); err != nil {
		return Run{}, err
	}
	r.Error = errMsg.String
	r.BestLoss = finiteOrNaN(best)

	var err error
	r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if finishedAt.Valid {
		r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing finished_at: %w", err)
		}
	}
	return r, nil
}

// nullable stores non-finite values as NULL
func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func finiteOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
