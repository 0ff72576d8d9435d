// Package store persists conversation records and task run history to
// PostgreSQL. The in-memory registry and broker remain the source of truth
// for live state; the store is the durable shadow read by reporting tools
// and by the change feed that external systems consume.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/queue"
	"github.com/Bionic-AI-Solutions/voice-chat-widget-sub000/internal/session"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL at connStr and applies pending migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Persist upserts a conversation snapshot. Every registry update replays the
// whole row, so redelivered snapshots converge instead of conflicting.
func (s *Store) Persist(ctx context.Context, c session.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, session_id, identity, app_name, language, started_at, ended_at,
			 duration_sec, status, transcript, audio_url, summary, document_url, error_msg, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			duration_sec = EXCLUDED.duration_sec,
			status       = EXCLUDED.status,
			transcript   = EXCLUDED.transcript,
			audio_url    = EXCLUDED.audio_url,
			summary      = EXCLUDED.summary,
			document_url = EXCLUDED.document_url,
			error_msg    = EXCLUDED.error_msg,
			updated_at   = EXCLUDED.updated_at`,
		c.ID, c.SessionID, c.Identity, c.AppName, c.Language,
		c.StartedAt.UTC(), c.EndedAt.UTC(), c.DurationSec, string(c.Status),
		c.Transcript, c.AudioURL, c.Summary, c.DocumentURL, c.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("persist conversation %s: %w", c.ID, err)
	}
	return nil
}

// RecordTask upserts one task's lifecycle row.
func (s *Store) RecordTask(ctx context.Context, t queue.Task) error {
	var finished sql.NullTime
	if !t.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: t.FinishedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, queue, conversation_id, status, attempts, error_msg, created_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			attempts    = EXCLUDED.attempts,
			error_msg   = EXCLUDED.error_msg,
			finished_at = EXCLUDED.finished_at,
			updated_at  = EXCLUDED.updated_at`,
		t.ID, string(t.Queue), t.ConversationID(), string(t.Status),
		t.Attempts, t.Error, t.CreatedAt.UTC(), finished, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", t.ID, err)
	}
	return nil
}

// TaskRun is one persisted task lifecycle row.
type TaskRun struct {
	ID             string     `json:"id"`
	Queue          string     `json:"queue"`
	ConversationID string     `json:"conversation_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// ListTaskRuns returns a conversation's task history in creation order.
func (s *Store) ListTaskRuns(ctx context.Context, conversationID string) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, conversation_id, status, attempts, error_msg, created_at, finished_at
		FROM task_runs
		WHERE conversation_id = $1
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []TaskRun
	for rows.Next() {
		var r TaskRun
		var finished sql.NullTime
		if err = rows.Scan(&r.ID, &r.Queue, &r.ConversationID, &r.Status,
			&r.Attempts, &r.Error, &r.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListConversations returns persisted conversations newest first.
func (s *Store) ListConversations(ctx context.Context, limit, offset int) ([]session.Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, identity, app_name, language, started_at, ended_at,
		       duration_sec, status, transcript, audio_url, summary, document_url, error_msg
		FROM conversations
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []session.Conversation
	for rows.Next() {
		var c session.Conversation
		var status string
		if err = rows.Scan(&c.ID, &c.SessionID, &c.Identity, &c.AppName, &c.Language,
			&c.StartedAt, &c.EndedAt, &c.DurationSec, &status,
			&c.Transcript, &c.AudioURL, &c.Summary, &c.DocumentURL, &c.Error); err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		c.Status = session.ConversationStatus(status)
		out = append(out, c)
	}
	return out, total, rows.Err()
}
