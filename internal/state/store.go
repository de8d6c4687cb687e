package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load when no session exists for the id.
var ErrNotFound = errors.New("session not found")

// Store persists conversation state by session id. Each state is stored as a
// single JSON document so every field round-trips losslessly.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	// WAL mode allows concurrent readers across sessions while keeping the
	// single-writer discipline sqlite wants.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping session database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Load retrieves the state for a session id. Returns ErrNotFound when the
// session has never been saved.
func (s *Store) Load(ctx context.Context, sessionID string) (*ConversationState, error) {
	var doc string
	query := `SELECT state FROM sessions WHERE session_id = ?`
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var st ConversationState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	if st.UserProfile == nil {
		st.UserProfile = make(map[string]string)
	}
	if st.StrategyWeights == nil {
		st.StrategyWeights = DefaultStrategyWeights()
	}
	if st.AgentSuggestions == nil {
		st.AgentSuggestions = make(map[Act][]string)
	}
	return &st, nil
}

// LoadOrCreate returns the stored state, or a fresh one when the session is
// new.
func (s *Store) LoadOrCreate(ctx context.Context, sessionID string) (*ConversationState, error) {
	st, err := s.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return New(sessionID), nil
	}
	return st, err
}

// Save upserts the state under its session id.
func (s *Store) Save(ctx context.Context, st *ConversationState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", st.SessionID, err)
	}

	query := `
		INSERT INTO sessions (session_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, st.SessionID, string(doc), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", st.SessionID, err)
	}
	return nil
}
