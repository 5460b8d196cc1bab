// Package eventstore keeps an optional SQLite timeline of answered turns.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-ask/internal/config"
	"github.com/loqalabs/loqa-ask/internal/protocol"
)

// Retention modes.
const (
	Ephemeral  = "ephemeral"
	Session    = "session"
	Persistent = "persistent"
)

// Turn is a recorded turn row.
type Turn struct {
	ID         string
	SessionID  string
	State      string
	Prompt     string
	Search     bool
	Text       string
	Sources    []protocol.Source
	Error      string
	AudioError string
	CreatedAt  time.Time
}

// Store wraps a SQLite-backed turn timeline. In ephemeral mode it holds no
// database and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == Ephemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	log.Info("event store opened", slog.String("path", cfg.Path), slog.String("retention", cfg.RetentionMode))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    state TEXT NOT NULL,
    prompt TEXT,
    search INTEGER NOT NULL DEFAULT 0,
    answer TEXT,
    sources BLOB,
    error TEXT,
    audio_error TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil || s.cfg.RetentionMode == Ephemeral
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordTurn stores a finished turn, creating its session row on first use.
func (s *Store) RecordTurn(ctx context.Context, turn protocol.Turn) error {
	if s.disabled() {
		return nil
	}
	if turn.ID == "" || turn.SessionID == "" {
		return errors.New("turn and session ids are required")
	}
	sources, err := json.Marshal(turn.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	now := s.clock().UTC()
	created := now
	if turn.StartedAt != nil {
		created = turn.StartedAt.UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`, turn.SessionID, now); err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns(turn_id, session_id, state, prompt, search, answer, sources, error, audio_error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO UPDATE SET state=excluded.state, answer=excluded.answer,
		   sources=excluded.sources, error=excluded.error, audio_error=excluded.audio_error`,
		turn.ID, turn.SessionID, turn.State, turn.Prompt, turn.Search, turn.Text, sources,
		turn.Error, turn.AudioError, created); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return tx.Commit()
}

// EndSession marks a session as finished. Session retention drops its turns
// right away; persistent retention keeps them until pruned.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode == Session {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, s.clock().UTC(), sessionID)
	return err
}

// ListSessionTurns retrieves up to limit turns for a session ordered ascending by time.
func (s *Store) ListSessionTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, session_id, state, prompt, search, answer, sources, error, audio_error, created_at
		 FROM turns WHERE session_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sources []byte
		if err := rows.Scan(&t.ID, &t.SessionID, &t.State, &t.Prompt, &t.Search, &t.Text, &sources, &t.Error, &t.AudioError, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &t.Sources); err != nil {
				return nil, fmt.Errorf("decode sources of turn %s: %w", t.ID, err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode == Session {
		// sessions still open when the process stopped are never ended
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, s.clock().UTC().Add(-24*time.Hour)); err != nil {
			return err
		}
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
