package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is a fixed-width UTC format. The zero-padded fraction
// keeps lexicographic order equal to chronological order, which the queued
// and liveness-window comparisons rely on.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a SQLite implementation of Store.
//
// It persists workflows, activities, and lock rows in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local workflows requiring persistence
//   - Prototyping before migrating to Postgres or MySQL
//
// SQLite has no SKIP LOCKED, so the atomicity of queue admission comes
// from the single-writer connection: the pool is capped at one open
// connection and WAL mode keeps readers unblocked.
type SQLiteStore struct {
	db   *sql.DB
	cfg  config
	path string

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./sagas.db" - file in current directory
//   - "/tmp/sagas.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables
//   - Enables WAL mode for concurrent reads
//   - Configures a busy timeout
//
// Example:
//
//	st, err := store.NewSQLiteStore("./sagas.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// One writer at a time; the shared connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	st := &SQLiteStore{db: db, cfg: cfg, path: path}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	workflowsTable := `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN (
				'queued', 'pending', 'running', 'running_retry',
				'running_rollback', 'failed', 'failed_rollback', 'succeeded')),
			ref_type TEXT NOT NULL DEFAULT '',
			ref_id TEXT NOT NULL DEFAULT '',
			activity_types TEXT NOT NULL DEFAULT '[]',
			attempts INTEGER NOT NULL DEFAULT 0,
			execute_at TEXT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, workflowsTable); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_workflows_queued ON workflows(state, execute_at)"); err != nil {
		return fmt.Errorf("failed to create idx_workflows_queued: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_workflows_ref_id ON workflows(ref_id)"); err != nil {
		return fmt.Errorf("failed to create idx_workflows_ref_id: %w", err)
	}

	activitiesTable := `
		CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			type TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN (
				'pending', 'running', 'failed_temporary', 'failed_permanent', 'succeeded')),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (workflow_id, type)
		)
	`
	if _, err := s.db.ExecContext(ctx, activitiesTable); err != nil {
		return fmt.Errorf("failed to create activities table: %w", err)
	}

	locksTable := `
		CREATE TABLE IF NOT EXISTS workflow_locks (
			id TEXT PRIMARY KEY,
			expire_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, locksTable); err != nil {
		return fmt.Errorf("failed to create workflow_locks table: %w", err)
	}

	return nil
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return t, nil
}

func scanSQLiteWorkflow(row rowScanner) (*Workflow, error) {
	var (
		w             Workflow
		id            string
		state         string
		activityTypes string
		executeAt     sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&id, &w.Type, &state, &w.RefType, &w.RefID,
		&activityTypes, &w.Attempts, &executeAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	w.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow id: %w", err)
	}
	if err := json.Unmarshal([]byte(activityTypes), &w.ActivityTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal activity types: %w", err)
	}
	w.State = WorkflowState(state)
	if executeAt.Valid {
		t, err := parseSQLiteTime(executeAt.String)
		if err != nil {
			return nil, err
		}
		w.ExecuteAt = &t
	}
	if w.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// live reports an error when the store has been closed.
func (s *SQLiteStore) live() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// GetWorkflow returns the workflow with the given ID, or ErrNotFound.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id.String())
	w, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return w, nil
}

// GetWorkflowByRefID returns the workflow with the given foreign reference
// ID, or ErrNotFound. When several workflows share a refID the oldest wins.
func (s *SQLiteStore) GetWorkflowByRefID(ctx context.Context, refID string) (*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE ref_id = ? ORDER BY created_at ASC LIMIT 1", refID)
	w, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow by ref_id: %w", err)
	}
	return w, nil
}

// GetExecutableWorkflows returns up to limit queued workflows due at or
// before cutoff, atomically transitioning each to pending. The select and
// the transition run in one transaction on the single writer connection,
// so concurrent pollers never admit the same workflow twice.
func (s *SQLiteStore) GetExecutableWorkflows(ctx context.Context, cutoff time.Time, limit int) ([]*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE state = 'queued' AND execute_at IS NOT NULL AND execute_at <= ?
		ORDER BY execute_at ASC
		LIMIT ?
	`
	rows, err := tx.QueryContext(ctx, query, sqliteTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executable workflows: %w", err)
	}

	var workflows []*Workflow
	for rows.Next() {
		w, scanErr := scanSQLiteWorkflow(rows)
		if scanErr != nil {
			_ = rows.Close()
			err = fmt.Errorf("failed to scan workflow row: %w", scanErr)
			return nil, err
		}
		workflows = append(workflows, w)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	now := time.Now()
	for _, w := range workflows {
		if _, err = tx.ExecContext(ctx,
			"UPDATE workflows SET state = 'pending', updated_at = ? WHERE id = ?",
			sqliteTime(now), w.ID.String()); err != nil {
			return nil, fmt.Errorf("failed to admit workflow: %w", err)
		}
		w.State = WorkflowPending
		w.UpdatedAt = now
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return workflows, nil
}

// GetLostWorkflows returns up to limit in-flight workflows whose CreatedAt
// falls inside the liveness window and whose ExecuteAt is absent or past
// the lookback horizon.
func (s *SQLiteStore) GetLostWorkflows(ctx context.Context, limit int) ([]*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now()
	newest := sqliteTime(now.Add(-s.cfg.window.Lookback))
	oldest := sqliteTime(now.Add(-s.cfg.window.Cutoff))

	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE state IN ('pending', 'running', 'running_retry', 'running_rollback')
		  AND created_at BETWEEN ? AND ?
		  AND (execute_at IS NULL OR execute_at < ?)
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, oldest, newest, newest, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query lost workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workflows []*Workflow
	for rows.Next() {
		w, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}
	return workflows, nil
}

// CreateWorkflow inserts a new workflow. The initial state is queued when
// input.ExecuteAt is set, pending otherwise.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	id := input.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	state := WorkflowPending
	if input.ExecuteAt != nil {
		state = WorkflowQueued
	}
	now := time.Now()

	var executeAt any
	if input.ExecuteAt != nil {
		executeAt = sqliteTime(*input.ExecuteAt)
	}

	query := `
		INSERT INTO workflows (id, type, state, ref_type, ref_id, activity_types, attempts, execute_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '[]', 0, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		id.String(), input.Type, string(state), input.RefType, input.RefID,
		executeAt, sqliteTime(now), sqliteTime(now)); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w := &Workflow{
		ID:        id,
		Type:      input.Type,
		State:     state,
		RefType:   input.RefType,
		RefID:     input.RefID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.ExecuteAt != nil {
		t := *input.ExecuteAt
		w.ExecuteAt = &t
	}
	return w, nil
}

// SetWorkflowState persists the new state, incrementing Attempts when the
// workflow enters running. The passed workflow is updated in place.
func (s *SQLiteStore) SetWorkflowState(ctx context.Context, workflow *Workflow, state WorkflowState) error {
	if err := s.live(); err != nil {
		return err
	}

	bump := 0
	if state == WorkflowRunning {
		bump = 1
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET state = ?, attempts = attempts + ?, updated_at = ? WHERE id = ?",
		string(state), bump, sqliteTime(now), workflow.ID.String())
	if err != nil {
		return fmt.Errorf("failed to set workflow state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	workflow.State = state
	workflow.Attempts += bump
	workflow.UpdatedAt = now
	return nil
}

// UpdateWorkflow persists the workflow's current field values.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, workflow *Workflow) error {
	if err := s.live(); err != nil {
		return err
	}

	activityTypes, err := marshalActivityTypes(workflow.ActivityTypes)
	if err != nil {
		return err
	}

	now := time.Now()
	var executeAt any
	if workflow.ExecuteAt != nil {
		executeAt = sqliteTime(*workflow.ExecuteAt)
	}

	query := `
		UPDATE workflows
		SET type = ?, state = ?, ref_type = ?, ref_id = ?,
		    activity_types = ?, attempts = ?, execute_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		workflow.Type, string(workflow.State), workflow.RefType, workflow.RefID,
		activityTypes, workflow.Attempts, executeAt, sqliteTime(now), workflow.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	workflow.UpdatedAt = now
	return nil
}

// acquireLock upserts the lock row, displacing an expired holder. Reports
// whether the lock was freshly acquired.
func (s *SQLiteStore) acquireLock(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	query := `
		INSERT INTO workflow_locks (id, expire_at, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			expire_at = excluded.expire_at,
			created_at = excluded.created_at
		WHERE workflow_locks.expire_at <= ?
	`
	res, err := s.db.ExecContext(ctx, query,
		id.String(), sqliteTime(now.Add(s.cfg.lockTTL)), sqliteTime(now), sqliteTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// LockWorkflow acquires the workflow's lock, displacing an expired holder.
// Contention yields a *LockedError matching ErrAlreadyLocked.
func (s *SQLiteStore) LockWorkflow(ctx context.Context, workflow *Workflow) error {
	if err := s.live(); err != nil {
		return err
	}

	acquired, err := s.acquireLock(ctx, workflow.ID)
	if err != nil {
		return err
	}
	if !acquired {
		return &LockedError{WorkflowType: workflow.Type, WorkflowID: workflow.ID}
	}
	return nil
}

// TryLockWorkflow reports whether the lock was freshly acquired. Contention
// is not an error.
func (s *SQLiteStore) TryLockWorkflow(ctx context.Context, workflow *Workflow) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	return s.acquireLock(ctx, workflow.ID)
}

// UnlockWorkflow releases the workflow's lock. Idempotent.
func (s *SQLiteStore) UnlockWorkflow(ctx context.Context, workflow *Workflow) error {
	if err := s.live(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_locks WHERE id = ?", workflow.ID.String()); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// GetActivityByType returns the workflow's activity with the given type, or
// ErrNotFound.
func (s *SQLiteStore) GetActivityByType(ctx context.Context, workflow *Workflow, activityType string) (*Activity, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	var (
		a          Activity
		id         string
		workflowID string
		state      string
		createdAt  string
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, workflow_id, type, state, created_at, updated_at FROM activities WHERE workflow_id = ? AND type = ?",
		workflow.ID.String(), activityType).
		Scan(&id, &workflowID, &a.Type, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}

	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse activity id: %w", err)
	}
	if a.WorkflowID, err = uuid.Parse(workflowID); err != nil {
		return nil, fmt.Errorf("failed to parse workflow id: %w", err)
	}
	a.State = ActivityState(state)
	if a.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateActivity inserts a new pending activity under the workflow. Fails
// if the workflow does not exist.
func (s *SQLiteStore) CreateActivity(ctx context.Context, workflow *Workflow, id uuid.UUID, activityType string) (*Activity, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	now := time.Now()
	query := `
		INSERT INTO activities (id, workflow_id, type, state, created_at, updated_at)
		SELECT ?, w.id, ?, 'pending', ?, ?
		FROM workflows w WHERE w.id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		id.String(), activityType, sqliteTime(now), sqliteTime(now), workflow.ID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create activity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("create activity %s: workflow %s: %w", activityType, workflow.ID, ErrNotFound)
	}

	return &Activity{
		ID:         id,
		WorkflowID: workflow.ID,
		Type:       activityType,
		State:      ActivityPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// UpdateActivity persists the activity's current field values.
func (s *SQLiteStore) UpdateActivity(ctx context.Context, activity *Activity) error {
	if err := s.live(); err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE activities SET state = ?, updated_at = ? WHERE id = ?",
		string(activity.State), sqliteTime(now), activity.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update activity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	activity.UpdatedAt = now
	return nil
}

// Close closes the database connection. Calling Close multiple times is
// safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
