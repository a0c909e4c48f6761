package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (
			id, status, settings_path, dry_run, validate_only, started_at, completed_at,
			error, problems, attributes, services, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	setJSONDefaults(run)

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.SettingsPath,
		run.DryRun,
		run.ValidateOnly,
		run.StartedAt.UTC(),
		run.CompletedAt,
		run.Error,
		run.Problems,
		run.Attributes,
		run.Services,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func setJSONDefaults(run *Run) {
	if run.Problems == "" {
		run.Problems = "[]"
	}
	if run.Attributes == "" {
		run.Attributes = "{}"
	}
	if run.Services == "" {
		run.Services = "[]"
	}
}

const runColumns = `id, status, settings_path, dry_run, validate_only, started_at, completed_at,
	error, problems, attributes, services, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.SettingsPath,
		&run.DryRun,
		&run.ValidateOnly,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Problems,
		&run.Attributes,
		&run.Services,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun stores the final status and outputs of a run. CompletedAt is set
// to now when the status is terminal and the caller left it empty.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?, problems = ?, attributes = ?, services = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	if run.CompletedAt == nil && run.Status.IsTerminal() {
		run.CompletedAt = &now
	}
	run.UpdatedAt = now
	setJSONDefaults(run)

	result, err := s.db.ExecContext(ctx, query,
		run.Status, run.CompletedAt, run.Error, run.Problems, run.Attributes, run.Services, run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	return expectRow(result, "run", run.ID)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// ListRuns lists runs newest first with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and everything recorded for it
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectRow(result, "run", id)
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// removed. keep <= 0 keeps everything.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}

// AddModuleResult records the outcome of one module
func (s *SQLiteStore) AddModuleResult(ctx context.Context, rec *ModuleRecord) error {
	query := `
		INSERT INTO module_results (run_id, position, module, section, status, phase, error, problems, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Problems == "" {
		rec.Problems = "[]"
	}

	result, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Position,
		rec.Module,
		rec.Section,
		rec.Status,
		rec.Phase,
		rec.Error,
		rec.Problems,
		rec.Duration.Milliseconds(),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add module result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get module result id: %w", err)
	}
	rec.ID = id

	return nil
}

// ListModuleResults lists the module results of a run in module order
func (s *SQLiteStore) ListModuleResults(ctx context.Context, runID string) ([]*ModuleRecord, error) {
	query := `
		SELECT id, run_id, position, module, section, status, phase, error, problems, duration_ms, created_at
		FROM module_results
		WHERE run_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module results: %w", err)
	}
	defer rows.Close()

	records := []*ModuleRecord{}
	for rows.Next() {
		rec := &ModuleRecord{}
		var durationMS int64
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Position,
			&rec.Module,
			&rec.Section,
			&rec.Status,
			&rec.Phase,
			&rec.Error,
			&rec.Problems,
			&durationMS,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module result: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module results: %w", err)
	}

	return records, nil
}

// SaveFacts replaces the facts recorded for a run in one transaction
func (s *SQLiteStore) SaveFacts(ctx context.Context, runID string, facts map[string]string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear facts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO facts (run_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare fact insert: %w", err)
	}
	defer stmt.Close()

	for key, value := range facts {
		if _, err := stmt.ExecContext(ctx, runID, key, value); err != nil {
			return fmt.Errorf("failed to save fact %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit facts: %w", err)
	}

	return nil
}

// GetFacts returns the facts recorded for a run
func (s *SQLiteStore) GetFacts(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM facts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}

	return facts, nil
}

// AppendChange records a file or service a run modified
func (s *SQLiteStore) AppendChange(ctx context.Context, change *Change) error {
	query := `INSERT INTO changes (run_id, kind, target, detail, created_at) VALUES (?, ?, ?, ?, ?)`

	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		change.RunID, change.Kind, change.Target, change.Detail, change.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get change id: %w", err)
	}
	change.ID = id

	return nil
}

// ListChanges lists the changes of a run in the order they were made
func (s *SQLiteStore) ListChanges(ctx context.Context, runID string) ([]*Change, error) {
	query := `SELECT id, run_id, kind, target, detail, created_at FROM changes WHERE run_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	changes := []*Change{}
	for rows.Next() {
		c := &Change{}
		if err := rows.Scan(&c.ID, &c.RunID, &c.Kind, &c.Target, &c.Detail, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
