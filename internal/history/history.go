// Package history persists conversation turns in SQLite so routed
// requests can carry prior context across restarts.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parley-bot/parley/internal/dispatch"
)

// Store is a SQLite-backed conversation turn store. One conversation
// per requester.
type Store struct {
	db       *sql.DB
	maxTurns int
}

// Open creates a store backed by the database file at path, running
// migrations on first use.
func Open(path string, maxTurns int) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewStore(db, maxTurns)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle. Useful for tests with an
// in-memory database.
func NewStore(db *sql.DB, maxTurns int) (*Store, error) {
	if maxTurns <= 0 {
		maxTurns = 50
	}
	s := &Store{db: db, maxTurns: maxTurns}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			timestamp       TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, timestamp)
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddTurn appends a turn to a conversation.
func (s *Store) AddTurn(conversationID, role, content string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("turn id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO turns (id, conversation_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), conversationID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns the newest turns of a conversation in
// chronological order, capped at the store's per-conversation limit.
func (s *Store) RecentTurns(conversationID string) ([]dispatch.Turn, error) {
	rows, err := s.db.Query(`
		SELECT role, content, timestamp FROM (
			SELECT id, role, content, timestamp
			FROM turns
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, conversationID, s.maxTurns)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []dispatch.Turn
	for rows.Next() {
		var t dispatch.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Clear removes all turns of a conversation.
func (s *Store) Clear(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM turns WHERE conversation_id = ?`, conversationID)
	return err
}

// Stats reports store counters for the admin surface.
func (s *Store) Stats() map[string]any {
	var convCount, turnCount int
	_ = s.db.QueryRow(`SELECT COUNT(DISTINCT conversation_id) FROM turns`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&turnCount)

	return map[string]any{
		"conversations": convCount,
		"turns":         turnCount,
		"max_per_conv":  s.maxTurns,
		"storage":       "sqlite",
	}
}
