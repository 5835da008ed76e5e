package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crewdeck/runwatch/internal/core"
)

// Archive persists messages and session labels to sqlite. Replaying a
// session's archived messages through the dedup store is safe because
// appends are idempotent.
type Archive struct {
	db *sql.DB
}

// NewArchive opens (and migrates) the archive database at dsn.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return a, nil
}

// migrate runs database migrations.
func (a *Archive) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			job_id TEXT,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_labels (
			session_id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := a.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveMessage persists one message. Saving the same message id twice is a
// no-op, mirroring the dedup store's exact-dedup rule.
func (a *Archive) SaveMessage(ctx context.Context, msg core.Message) error {
	var jobID sql.NullString
	if msg.JobID != "" {
		jobID = sql.NullString{String: msg.JobID, Valid: true}
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (message_id, session_id, job_id, type, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, jobID, string(msg.Type), msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// ReplaySession loads a session's archived messages in timestamp order.
func (a *Archive) ReplaySession(ctx context.Context, sessionID string) ([]core.Message, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT message_id, session_id, job_id, type, content, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var msg core.Message
		var jobID sql.NullString
		var typ string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &jobID, &typ, &msg.Content, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Type = core.MessageType(typ)
		if jobID.Valid {
			msg.JobID = jobID.String
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SetSessionLabel stores the human-friendly job name for a session. Labels
// are display-only and never used for correctness.
func (a *Archive) SetSessionLabel(ctx context.Context, sessionID, jobName string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_labels (session_id, job_name) VALUES (?, ?)`,
		sessionID, jobName)
	if err != nil {
		return fmt.Errorf("failed to set label for %s: %w", sessionID, err)
	}
	return nil
}

// SessionLabel retrieves a session's label, empty when none is stored.
func (a *Archive) SessionLabel(ctx context.Context, sessionID string) (string, error) {
	var jobName string
	err := a.db.QueryRowContext(ctx,
		`SELECT job_name FROM session_labels WHERE session_id = ?`,
		sessionID).Scan(&jobName)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return jobName, nil
}

// ListSessions returns every session id seen in the archive, labeled or
// not, in no particular order.
func (a *Archive) ListSessions(ctx context.Context) ([]core.Session, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM messages
		 UNION SELECT session_id FROM session_labels`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []core.Session
	for rows.Next() {
		var s core.Session
		if err := rows.Scan(&s.SessionID); err != nil {
			return nil, err
		}
		s.ExecutionStatus = core.ExecIdle
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
