// Why this file: ./storage/sessions.go
// SQLite-backed history of completed agent sessions. Recording is best-effort
// diagnostics: callers log failures and move on, a broken history database
// must never fail a query.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"repoagent/models"
)

// SessionStore persists agent sessions and their iteration history.
type SessionStore struct {
	db   *sql.DB
	path string
}

// SessionRecord is one stored session row with its iterations attached.
type SessionRecord struct {
	ID        int64                `json:"id"`
	Repo      string               `json:"repo"`
	RequestID string               `json:"request_id"`
	Query     string               `json:"query"`
	Status    models.SessionStatus `json:"status"`
	Answer    string               `json:"answer"`
	Sources   int                  `json:"sources"`
	Duration  time.Duration        `json:"duration"`
	CreatedAt time.Time            `json:"created_at"`

	Iterations []IterationRecord `json:"iterations,omitempty"`
}

// IterationRecord mirrors one iteration result row.
type IterationRecord struct {
	Iteration      int     `json:"iteration"`
	QueryUsed      string  `json:"query_used"`
	ChunksFound    int     `json:"chunks_found"`
	RelevantChunks int     `json:"relevant_chunks"`
	AvgScore       float64 `json:"avg_score"`
	MaxScore       float64 `json:"max_score"`
	ActionType     string  `json:"action_type"`
	Reasoning      string  `json:"reasoning"`
	Confidence     float64 `json:"confidence"`
	DurationMs     int64   `json:"duration_ms"`
	SearchConfig   string  `json:"search_config"` // JSON snapshot
}

// NewSessionStore opens (and if needed creates) the history database.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SessionStore{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SessionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo TEXT NOT NULL,
		request_id TEXT,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		answer TEXT,
		sources INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		iteration INTEGER NOT NULL,
		query_used TEXT NOT NULL,
		chunks_found INTEGER NOT NULL,
		relevant_chunks INTEGER NOT NULL,
		avg_score REAL NOT NULL,
		max_score REAL NOT NULL,
		action_type TEXT NOT NULL,
		reasoning TEXT,
		confidence REAL NOT NULL,
		duration_ms INTEGER NOT NULL,
		search_config TEXT DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(repo, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_iterations_session ON iterations(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSession stores one completed session with its iterations and returns
// the new session row id.
func (s *SessionStore) RecordSession(ctx context.Context, repo, requestID, query string, result *models.AgentResult) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (repo, request_id, query, status, answer, sources, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repo, requestID, query, string(result.Status), result.Answer,
		len(result.Sources), result.Duration.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, it := range result.Iterations {
		configJSON := "{}"
		if it.SearchConfig != nil {
			if raw, err := json.Marshal(it.SearchConfig); err == nil {
				configJSON = string(raw)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO iterations
				(session_id, iteration, query_used, chunks_found, relevant_chunks,
				 avg_score, max_score, action_type, reasoning, confidence,
				 duration_ms, search_config)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, it.Iteration, it.QueryUsed, it.ChunksFound, it.RelevantChunks,
			it.AvgScore, it.MaxScore, string(it.Action.Type), it.Action.Reasoning,
			it.Action.Confidence, it.Duration.Milliseconds(), configJSON)
		if err != nil {
			return 0, fmt.Errorf("failed to insert iteration %d: %w", it.Iteration, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit session: %w", err)
	}
	return sessionID, nil
}

// RecentSessions returns the most recent sessions for a repository, newest
// first, iterations included.
func (s *SessionStore) RecentSessions(ctx context.Context, repo string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo, request_id, query, status, answer, sources, duration_ms, created_at
		FROM sessions WHERE repo = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var status string
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.Repo, &rec.RequestID, &rec.Query,
			&status, &rec.Answer, &rec.Sources, &durationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.Status = models.SessionStatus(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		iterations, err := s.sessionIterations(ctx, sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Iterations = iterations
	}
	return sessions, nil
}

func (s *SessionStore) sessionIterations(ctx context.Context, sessionID int64) ([]IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, query_used, chunks_found, relevant_chunks, avg_score,
		       max_score, action_type, reasoning, confidence, duration_ms, search_config
		FROM iterations WHERE session_id = ? ORDER BY iteration`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var iterations []IterationRecord
	for rows.Next() {
		var it IterationRecord
		if err := rows.Scan(&it.Iteration, &it.QueryUsed, &it.ChunksFound,
			&it.RelevantChunks, &it.AvgScore, &it.MaxScore, &it.ActionType,
			&it.Reasoning, &it.Confidence, &it.DurationMs, &it.SearchConfig); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

// DeleteByRepo removes all stored sessions for a repository.
func (s *SessionStore) DeleteByRepo(ctx context.Context, repo string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE repo = ?`, repo)
	return err
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
