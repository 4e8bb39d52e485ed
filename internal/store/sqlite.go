package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/elysium-atlas/atlas/internal/domain"
	"github.com/elysium-atlas/atlas/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry shared.RetryPolicy) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS wizard_sessions (
		session_key TEXT PRIMARY KEY,
		step INTEGER NOT NULL DEFAULT 1,
		draft_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wizard_sessions_updated ON wizard_sessions(updated_at);
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

// GetWizardSession retrieves the wizard state for a session key.
func (s *SQLiteStore) GetWizardSession(ctx context.Context, sessionKey string) (*domain.WizardSession, error) {
	query := `
		SELECT session_key, step, draft_json, created_at, updated_at
		FROM wizard_sessions WHERE session_key = ?`

	var session domain.WizardSession
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, sessionKey).Scan(
		&session.SessionKey, &session.Step, &session.DraftJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan wizard session: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// UpsertWizardSession creates or updates wizard state.
// created_at is preserved across updates; updated_at always moves to now.
func (s *SQLiteStore) UpsertWizardSession(ctx context.Context, session *domain.WizardSession) error {
	query := `
		INSERT INTO wizard_sessions (session_key, step, draft_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			step = excluded.step,
			draft_json = excluded.draft_json,
			updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err := shared.RetryOnConflict(ctx, s.retry, "UpsertWizardSession", func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.SessionKey, session.Step, session.DraftJSON,
			createdAt.Unix(), now.Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert wizard session: %w", err)
	}
	return nil
}

// DeleteWizardSession removes wizard state.
func (s *SQLiteStore) DeleteWizardSession(ctx context.Context, sessionKey string) error {
	err := shared.RetryOnConflict(ctx, s.retry, "DeleteWizardSession", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM wizard_sessions WHERE session_key = ?`, sessionKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete wizard session %s: %w", sessionKey, err)
	}
	return nil
}

// DeleteIdleWizardSession removes wizard state that has not been updated
// since cutoff. A session written after cutoff is kept.
func (s *SQLiteStore) DeleteIdleWizardSession(ctx context.Context, sessionKey string, cutoff time.Time) (bool, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, s.retry, "DeleteIdleWizardSession", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM wizard_sessions WHERE session_key = ? AND updated_at < ?`,
			sessionKey, cutoff.Unix())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete idle wizard session %s: %w", sessionKey, err)
	}
	return affected > 0, nil
}

// ExpiredWizardSessions lists sessions not updated within ttl.
func (s *SQLiteStore) ExpiredWizardSessions(ctx context.Context, ttl time.Duration) ([]*domain.WizardSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT session_key, step, draft_json, created_at, updated_at
		FROM wizard_sessions WHERE updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired wizard sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired wizard session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.WizardSession
	for rows.Next() {
		var session domain.WizardSession
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&session.SessionKey, &session.Step, &session.DraftJSON, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan expired wizard session row: %w", err)
		}
		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired wizard sessions: %w", err)
	}

	return sessions, nil
}
