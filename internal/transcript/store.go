// Package transcript persists handled chat exchanges to SQLite so
// operators can audit what the gateway answered and which tools ran.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eladberg/relay/internal/agent"
)

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	route       TEXT NOT NULL,
	question    TEXT NOT NULL,
	answer      TEXT NOT NULL,
	work_log    TEXT NOT NULL DEFAULT '[]',
	duration_ms INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id);
CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
`

// Exchange is one recorded question/answer pair.
type Exchange struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Route     string               `json:"route"`
	Question  string               `json:"question"`
	Answer    string               `json:"answer"`
	WorkLog   []agent.WorkLogEntry `json:"work_log"`
	Duration  time.Duration        `json:"duration_ms"`
	CreatedAt time.Time            `json:"created_at"`
}

// Store is a SQLite-backed transcript log. Safe for concurrent use;
// database/sql serializes access.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the transcript database at path and applies the
// schema. Pass driver "sqlite3" in production.
func Open(driver, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply transcript schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "transcript")}, nil
}

// Record inserts one exchange. A zero ID gets a fresh UUID; a zero
// CreatedAt gets the current time.
func (s *Store) Record(ctx context.Context, ex Exchange) (string, error) {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	if ex.WorkLog == nil {
		ex.WorkLog = []agent.WorkLogEntry{}
	}

	workLog, err := json.Marshal(ex.WorkLog)
	if err != nil {
		return "", fmt.Errorf("encode work log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, session_id, route, question, answer, work_log, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.Route, ex.Question, ex.Answer, string(workLog),
		ex.Duration.Milliseconds(), ex.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("record exchange: %w", err)
	}

	s.logger.Debug("exchange recorded", "id", ex.ID, "session", ex.SessionID, "route", ex.Route)
	return ex.ID, nil
}

// Recent returns the newest exchanges, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, route, question, answer, work_log, duration_ms, created_at
		FROM exchanges
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var workLog string
		var durationMs int64
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Route, &ex.Question, &ex.Answer,
			&workLog, &durationMs, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		if err := json.Unmarshal([]byte(workLog), &ex.WorkLog); err != nil {
			s.logger.Warn("corrupt work log, skipping field", "id", ex.ID, "error", err)
			ex.WorkLog = nil
		}
		ex.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, ex)
	}
	return out, rows.Err()
}

// BySession returns every exchange for one session, oldest first.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, route, question, answer, work_log, duration_ms, created_at
		FROM exchanges
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var workLog string
		var durationMs int64
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Route, &ex.Question, &ex.Answer,
			&workLog, &durationMs, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		if err := json.Unmarshal([]byte(workLog), &ex.WorkLog); err != nil {
			ex.WorkLog = nil
		}
		ex.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
