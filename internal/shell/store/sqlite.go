package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ledgerscan/deployer/internal/core/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements RunStore using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Row Types
// =============================================================================

type runRow struct {
	ID         string    `db:"id"`
	Ref        string    `db:"ref"`
	Image      string    `db:"image"`
	Succeeded  bool      `db:"succeeded"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

type stageResultRow struct {
	RunID       string    `db:"run_id"`
	Seq         int       `db:"seq"`
	Stage       string    `db:"stage"`
	Status      string    `db:"status"`
	Detail      string    `db:"detail"`
	CompletedAt time.Time `db:"completed_at"`
}

// =============================================================================
// Run Operations
// =============================================================================

// SaveRun persists a terminated run and its stage results.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *pipeline.Run) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("SaveRun", run.ID, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO runs (id, ref, image, succeeded, started_at, finished_at)
		VALUES (:id, :ref, :image, :succeeded, :started_at, :finished_at)`,
		runRow{
			ID:         run.ID,
			Ref:        run.Ref,
			Image:      run.Image,
			Succeeded:  run.Succeeded(),
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		})
	if err != nil {
		return NewStoreError("SaveRun", run.ID, err.Error(), err)
	}

	for i, res := range run.Results {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO stage_results (run_id, seq, stage, status, detail, completed_at)
			VALUES (:run_id, :seq, :stage, :status, :detail, :completed_at)`,
			stageResultRow{
				RunID:       run.ID,
				Seq:         i,
				Stage:       string(res.Stage),
				Status:      string(res.Status),
				Detail:      res.Detail,
				CompletedAt: res.CompletedAt,
			})
		if err != nil {
			return NewStoreError("SaveRun", run.ID, err.Error(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("SaveRun", run.ID, "failed to commit", err)
	}
	return nil
}

// GetRun returns a run by ID with its stage results.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", id, err.Error(), err)
	}

	run := rowToRun(row)
	results, err := s.stageResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Results = results
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, NewStoreError("ListRuns", "", err.Error(), err)
	}

	runs := make([]pipeline.Run, 0, len(rows))
	for _, row := range rows {
		run := rowToRun(row)
		results, err := s.stageResults(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		run.Results = results
		runs = append(runs, *run)
	}
	return runs, nil
}

func (s *SQLiteStore) stageResults(ctx context.Context, runID string) ([]pipeline.StageResult, error) {
	var rows []stageResultRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM stage_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, NewStoreError("GetRun", runID, err.Error(), err)
	}

	results := make([]pipeline.StageResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, pipeline.StageResult{
			Stage:       pipeline.Stage(r.Stage),
			Status:      pipeline.StageStatus(r.Status),
			Detail:      r.Detail,
			CompletedAt: r.CompletedAt,
		})
	}
	return results, nil
}

func rowToRun(row runRow) *pipeline.Run {
	return &pipeline.Run{
		ID:         row.ID,
		Ref:        row.Ref,
		Image:      row.Image,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
	}
}
