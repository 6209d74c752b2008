package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/insight-wizard/internal/domain"
	"github.com/ashureev/insight-wizard/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex // serializes writers to avoid SQLITE_BUSY
	retry shared.RetryConfig
}

// NewSQLite creates a new SQLite-backed session store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryConfig()}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS analysis_sessions (
		session_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		project_name TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		target_json TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON analysis_sessions(owner_id, started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Save upserts a session keyed by SessionID.
func (s *SQLiteStore) Save(ctx context.Context, session *domain.Session) error {
	if session == nil || session.SessionID == "" {
		return fmt.Errorf("save session: session id is required")
	}

	configJSON, err := json.Marshal(session.Configuration)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	target := session.Target
	if len(target) == 0 {
		target = json.RawMessage("null")
	}

	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
	INSERT INTO analysis_sessions (
		session_id, owner_id, project_name, scenario_id, target_json, config_json,
		status, progress, current_step, started_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		project_name = excluded.project_name,
		scenario_id = excluded.scenario_id,
		target_json = excluded.target_json,
		config_json = excluded.config_json,
		status = excluded.status,
		progress = excluded.progress,
		current_step = excluded.current_step,
		started_at = excluded.started_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, s.retry, "save session", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		_, err := s.db.ExecContext(ctx, query,
			session.SessionID, session.OwnerID, session.ProjectName, session.ScenarioID,
			string(target), string(configJSON),
			string(session.Status), domain.ClampProgress(session.Progress), session.CurrentStep,
			session.StartedAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

const selectSession = `
	SELECT session_id, owner_id, project_name, scenario_id, target_json, config_json,
	       status, progress, current_step, started_at, updated_at
	FROM analysis_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var targetJSON, configJSON, status string
	var startedAt, updatedAt int64

	if err := row.Scan(
		&session.SessionID, &session.OwnerID, &session.ProjectName, &session.ScenarioID,
		&targetJSON, &configJSON, &status, &session.Progress, &session.CurrentStep,
		&startedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &session.Configuration); err != nil {
		return nil, fmt.Errorf("decode config for %s: %w", session.SessionID, err)
	}
	session.Target = json.RawMessage(targetJSON)
	session.Status = domain.SessionStatus(status)
	session.StartedAt = time.UnixMilli(startedAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// Load returns the session or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE session_id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

// ApplyProgress records a progress report idempotently.
func (s *SQLiteStore) ApplyProgress(ctx context.Context, sessionID string, progress int, status domain.SessionStatus) (*domain.Session, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("apply progress: unknown status %q", status)
	}

	query := `
	UPDATE analysis_sessions SET
		progress = MAX(progress, ?),
		status = CASE
			WHEN status IN ('completed', 'failed') THEN status
			WHEN ? = '' THEN status
			ELSE ?
		END,
		updated_at = ?
	WHERE session_id = ?`

	p := domain.ClampProgress(progress)
	if status == domain.SessionCompleted {
		p = 100
	}

	err := shared.RetryOnConflict(ctx, s.retry, "apply progress", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		result, err := s.db.ExecContext(ctx, query, p, string(status), string(status), time.Now().UnixMilli(), sessionID)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, sessionID)
}

// ListByOwner returns an owner's sessions, newest first.
func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, selectSession+` WHERE owner_id = ? ORDER BY started_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
