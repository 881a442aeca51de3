package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/groundworkhq/groundwork/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Load returns the full nodeID -> ObservedState snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]engine.ObservedState, error) {
	query := `
		SELECT node_id, provider_id, digest, attrs, outputs, status, depends_on, parent_gate
		FROM resources
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	defer rows.Close()

	states := make(map[string]engine.ObservedState)
	for rows.Next() {
		var (
			nodeID, providerID, digest string
			attrsRaw, outputsRaw       string
			status, dependsOnRaw       string
			parentGate                 string
		)
		if err := rows.Scan(&nodeID, &providerID, &digest, &attrsRaw, &outputsRaw, &status, &dependsOnRaw, &parentGate); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}

		state := engine.ObservedState{
			ProviderID: providerID,
			Digest:     digest,
			Status:     engine.NodeStatus(status),
			ParentGate: parentGate,
		}
		if err := json.Unmarshal([]byte(attrsRaw), &state.Attrs); err != nil {
			return nil, fmt.Errorf("corrupt attrs for %s: %w", nodeID, err)
		}
		if err := json.Unmarshal([]byte(outputsRaw), &state.Outputs); err != nil {
			return nil, fmt.Errorf("corrupt outputs for %s: %w", nodeID, err)
		}
		if err := json.Unmarshal([]byte(dependsOnRaw), &state.DependsOn); err != nil {
			return nil, fmt.Errorf("corrupt depends_on for %s: %w", nodeID, err)
		}
		states[nodeID] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return states, nil
}

// Record upserts one node's observed state. The write is a single statement,
// so a crash leaves either the old record or the new one, never a mix.
func (s *SQLiteStore) Record(ctx context.Context, nodeID string, state engine.ObservedState) error {
	attrs, err := marshalMap(state.Attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attrs: %w", err)
	}
	outputs, err := marshalMap(state.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	dependsOn, err := marshalList(state.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode depends_on: %w", err)
	}

	query := `
		INSERT INTO resources (node_id, provider_id, digest, attrs, outputs, status, depends_on, parent_gate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(node_id) DO UPDATE SET
			provider_id = excluded.provider_id,
			digest = excluded.digest,
			attrs = excluded.attrs,
			outputs = excluded.outputs,
			status = excluded.status,
			depends_on = excluded.depends_on,
			parent_gate = excluded.parent_gate,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.ExecContext(ctx, query,
		nodeID, state.ProviderID, state.Digest, attrs, outputs, string(state.Status), dependsOn, state.ParentGate,
	); err != nil {
		return fmt.Errorf("failed to record resource state: %w", err)
	}
	return nil
}

// Remove deletes one node's observed state. Removing an absent record is not
// an error: destroy retries must stay idempotent.
func (s *SQLiteStore) Remove(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to remove resource state: %w", err)
	}
	return nil
}

// CreateRun records the start of an apply run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, plan_id, status, ready, deleted, noop, failed, blocked, skipped, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.PlanID, run.Status,
		run.Summary.Ready, run.Summary.Deleted, run.Summary.NoOp,
		run.Summary.Failed, run.Summary.Blocked, run.Summary.Skipped,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records a run's final status and summary.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status string, summary engine.RunSummary) error {
	query := `
		UPDATE runs
		SET status = ?, ready = ?, deleted = ?, noop = ?, failed = ?, blocked = ?, skipped = ?,
			completed_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, summary.Ready, summary.Deleted, summary.NoOp,
		summary.Failed, summary.Blocked, summary.Skipped, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, plan_id, status, ready, deleted, noop, failed, blocked, skipped, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.PlanID, &run.Status,
		&run.Summary.Ready, &run.Summary.Deleted, &run.Summary.NoOp,
		&run.Summary.Failed, &run.Summary.Blocked, &run.Summary.Skipped,
		&run.StartedAt, &run.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, plan_id, status, ready, deleted, noop, failed, blocked, skipped, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(
			&run.ID, &run.PlanID, &run.Status,
			&run.Summary.Ready, &run.Summary.Deleted, &run.Summary.NoOp,
			&run.Summary.Failed, &run.Summary.Blocked, &run.Summary.Skipped,
			&run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// AppendEvent appends a run event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, node, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.Node, event.Type, event.Level, event.Message, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// ListEvents lists a run's events in order of occurrence.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, node, type, level, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		if err := rows.Scan(
			&event.ID, &event.RunID, &event.Node, &event.Type, &event.Level, &event.Message, &event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

func marshalList(l []string) (string, error) {
	if l == nil {
		l = []string{}
	}
	raw, err := json.Marshal(l)
	return string(raw), err
}
