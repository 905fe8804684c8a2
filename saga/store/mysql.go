package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// It persists workflows, activities, and lock rows in a relational schema.
// Requires MySQL 8.0 or later: GetExecutableWorkflows relies on
// FOR UPDATE SKIP LOCKED for safe work distribution between concurrent
// pollers.
//
// Activity plans are stored as a JSON array since MySQL has no native
// array column type; states use ENUM columns over the closed state sets.
type MySQLStore struct {
	db  *sql.DB
	cfg config

	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/sagas
//	user:password@tcp(127.0.0.1:3306)/sagas?parseTime=true
//
// parseTime is forced on regardless of the DSN, since the store scans
// timestamp columns into time.Time.
//
// Never hardcode credentials in source. Read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	if dsn == "" {
//	    log.Fatal("MYSQL_DSN environment variable not set")
//	}
//	st, err := store.NewMySQLStore(dsn)
//
// The store automatically:
//   - Verifies the connection
//   - Creates required tables if they don't exist
//   - Configures connection pooling
func NewMySQLStore(dsn string, opts ...Option) (*MySQLStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	dsnCfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	dsnCfg.ParseTime = true

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	st := &MySQLStore{db: db, cfg: cfg}
	if err := st.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return st, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *MySQLStore) createTables(ctx context.Context) error {
	workflowsTable := `
		CREATE TABLE IF NOT EXISTS workflows (
			id CHAR(36) PRIMARY KEY,
			type VARCHAR(255) NOT NULL,
			state ENUM('queued', 'pending', 'running', 'running_retry',
				'running_rollback', 'failed', 'failed_rollback', 'succeeded') NOT NULL,
			ref_type VARCHAR(255) NOT NULL DEFAULT '',
			ref_id VARCHAR(255) NOT NULL DEFAULT '',
			activity_types JSON NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			execute_at TIMESTAMP(6) NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_workflows_queued (state, execute_at),
			INDEX idx_workflows_ref_id (ref_id),
			INDEX idx_workflows_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, workflowsTable); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}

	activitiesTable := `
		CREATE TABLE IF NOT EXISTS activities (
			id CHAR(36) PRIMARY KEY,
			workflow_id CHAR(36) NOT NULL,
			type VARCHAR(255) NOT NULL,
			state ENUM('pending', 'running', 'failed_temporary', 'failed_permanent', 'succeeded') NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			UNIQUE KEY unique_workflow_type (workflow_id, type),
			CONSTRAINT fk_activities_workflow FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, activitiesTable); err != nil {
		return fmt.Errorf("failed to create activities table: %w", err)
	}

	locksTable := `
		CREATE TABLE IF NOT EXISTS workflow_locks (
			id CHAR(36) PRIMARY KEY,
			expire_at TIMESTAMP(6) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, locksTable); err != nil {
		return fmt.Errorf("failed to create workflow_locks table: %w", err)
	}

	return nil
}

func scanMySQLWorkflow(row rowScanner) (*Workflow, error) {
	var (
		w             Workflow
		id            string
		state         string
		activityTypes string
		executeAt     sql.NullTime
	)
	err := row.Scan(&id, &w.Type, &state, &w.RefType, &w.RefID,
		&activityTypes, &w.Attempts, &executeAt, &w.CreatedAt, &w.UpdatedAt)
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
		t := executeAt.Time
		w.ExecuteAt = &t
	}
	return &w, nil
}

func marshalActivityTypes(types []string) (string, error) {
	if types == nil {
		types = []string{}
	}
	encoded, err := json.Marshal(types)
	if err != nil {
		return "", fmt.Errorf("failed to marshal activity types: %w", err)
	}
	return string(encoded), nil
}

// live reports an error when the store has been closed.
func (s *MySQLStore) live() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// GetWorkflow returns the workflow with the given ID, or ErrNotFound.
func (s *MySQLStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id.String())
	w, err := scanMySQLWorkflow(row)
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
func (s *MySQLStore) GetWorkflowByRefID(ctx context.Context, refID string) (*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE ref_id = ? ORDER BY created_at ASC LIMIT 1", refID)
	w, err := scanMySQLWorkflow(row)
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
// the transition run in one transaction with FOR UPDATE SKIP LOCKED row
// claims.
func (s *MySQLStore) GetExecutableWorkflows(ctx context.Context, cutoff time.Time, limit int) ([]*Workflow, error) {
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
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executable workflows: %w", err)
	}

	var workflows []*Workflow
	for rows.Next() {
		w, scanErr := scanMySQLWorkflow(rows)
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

	if len(workflows) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(workflows)), ", ")
		now := time.Now()
		args := make([]any, 0, len(workflows)+1)
		args = append(args, now)
		for _, w := range workflows {
			args = append(args, w.ID.String())
		}
		// #nosec G201 -- placeholders are not user input, just "?" marks for parameterized query
		update := fmt.Sprintf("UPDATE workflows SET state = 'pending', updated_at = ? WHERE id IN (%s)", placeholders)
		if _, err = tx.ExecContext(ctx, update, args...); err != nil {
			return nil, fmt.Errorf("failed to admit workflows: %w", err)
		}
		for _, w := range workflows {
			w.State = WorkflowPending
			w.UpdatedAt = now
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return workflows, nil
}

// GetLostWorkflows returns up to limit in-flight workflows whose CreatedAt
// falls inside the liveness window and whose ExecuteAt is absent or past
// the lookback horizon.
func (s *MySQLStore) GetLostWorkflows(ctx context.Context, limit int) ([]*Workflow, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now()
	newest := now.Add(-s.cfg.window.Lookback)
	oldest := now.Add(-s.cfg.window.Cutoff)

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
		w, err := scanMySQLWorkflow(rows)
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
func (s *MySQLStore) CreateWorkflow(ctx context.Context, input CreateWorkflowInput) (*Workflow, error) {
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
		executeAt = *input.ExecuteAt
	}

	query := `
		INSERT INTO workflows (id, type, state, ref_type, ref_id, activity_types, attempts, execute_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		id.String(), input.Type, string(state), input.RefType, input.RefID,
		"[]", executeAt, now, now); err != nil {
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
func (s *MySQLStore) SetWorkflowState(ctx context.Context, workflow *Workflow, state WorkflowState) error {
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
		string(state), bump, now, workflow.ID.String())
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
func (s *MySQLStore) UpdateWorkflow(ctx context.Context, workflow *Workflow) error {
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
		executeAt = *workflow.ExecuteAt
	}

	query := `
		UPDATE workflows
		SET type = ?, state = ?, ref_type = ?, ref_id = ?,
		    activity_types = ?, attempts = ?, execute_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		workflow.Type, string(workflow.State), workflow.RefType, workflow.RefID,
		activityTypes, workflow.Attempts, executeAt, now, workflow.ID.String())
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
//
// The conditional takeover uses IF() inside ON DUPLICATE KEY UPDATE: held
// unexpired rows keep their values and report zero affected rows, expired
// rows take the new holder's values.
func (s *MySQLStore) acquireLock(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now()
	query := `
		INSERT INTO workflow_locks (id, expire_at, created_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			created_at = IF(expire_at <= VALUES(created_at), VALUES(created_at), created_at),
			expire_at = IF(expire_at <= VALUES(created_at), VALUES(expire_at), expire_at)
	`
	res, err := s.db.ExecContext(ctx, query, id.String(), now.Add(s.cfg.lockTTL), now)
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
func (s *MySQLStore) LockWorkflow(ctx context.Context, workflow *Workflow) error {
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
func (s *MySQLStore) TryLockWorkflow(ctx context.Context, workflow *Workflow) (bool, error) {
	if err := s.live(); err != nil {
		return false, err
	}
	return s.acquireLock(ctx, workflow.ID)
}

// UnlockWorkflow releases the workflow's lock. Idempotent.
func (s *MySQLStore) UnlockWorkflow(ctx context.Context, workflow *Workflow) error {
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
func (s *MySQLStore) GetActivityByType(ctx context.Context, workflow *Workflow, activityType string) (*Activity, error) {
	if err := s.live(); err != nil {
		return nil, err
	}

	var (
		a          Activity
		id         string
		workflowID string
		state      string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, workflow_id, type, state, created_at, updated_at FROM activities WHERE workflow_id = ? AND type = ?",
		workflow.ID.String(), activityType).
		Scan(&id, &workflowID, &a.Type, &state, &a.CreatedAt, &a.UpdatedAt)
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
	return &a, nil
}

// CreateActivity inserts a new pending activity under the workflow. Fails
// if the workflow does not exist.
func (s *MySQLStore) CreateActivity(ctx context.Context, workflow *Workflow, id uuid.UUID, activityType string) (*Activity, error) {
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
		id.String(), activityType, now, now, workflow.ID.String())
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
func (s *MySQLStore) UpdateActivity(ctx context.Context, activity *Activity) error {
	if err := s.live(); err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE activities SET state = ?, updated_at = ? WHERE id = ?",
		string(activity.State), now, activity.ID.String())
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
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
