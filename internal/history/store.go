// Package history is the durable per-session chat log backed by a
// single sqlite file under ~/.echoshell.
package history

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Message types mirror the chat-message taxonomy on the wire.
const (
	MessageUser      = "user"
	MessageAssistant = "assistant"
	MessageTool      = "tool"
	MessageSystem    = "system"
	MessageError     = "error"
)

type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type SessionInfo struct {
	SessionID string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

type Stats struct {
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
	Messages       int `json:"messages"`
}

type Store struct {
	db *sql.DB
}

// DefaultPath is ~/.echoshell/chat_history.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chat_history.db"
	}
	return filepath.Join(home, ".echoshell", "chat_history.db")
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// CreateSession registers a chat session; re-creating an existing one
// reactivates it.
func (s *Store) CreateSession(sessionID string) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_sessions (session_id) VALUES (?)
		 ON CONFLICT(session_id) DO UPDATE SET is_active = 1, closed_at = NULL, updated_at = datetime('now')`,
		sessionID,
	)
	return err
}

// AddMessage appends one message. The ID is assigned when empty.
func (s *Store) AddMessage(m Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	var metadata any
	if m.Metadata != nil {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	if _, err := s.db.Exec(
		`INSERT INTO chat_messages (id, session_id, type, content, metadata) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Type, m.Content, metadata,
	); err != nil {
		return "", err
	}
	_, err := s.db.Exec(`UPDATE chat_sessions SET updated_at = datetime('now') WHERE session_id = ?`, m.SessionID)
	return m.ID, err
}

// GetChatHistory returns all messages of a session in insertion order.
func (s *Store) GetChatHistory(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, timestamp, type, content, metadata
		 FROM chat_messages WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Timestamp, &m.Type, &m.Content, &metadata); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearHistory removes the messages of a session but keeps the session.
func (s *Store) ClearHistory(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM chat_messages WHERE session_id = ?`, sessionID)
	return err
}

// CloseSession marks a session inactive with a close timestamp.
func (s *Store) CloseSession(sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE chat_sessions SET is_active = 0, closed_at = datetime('now'), updated_at = datetime('now')
		 WHERE session_id = ?`,
		sessionID,
	)
	return err
}

// DeleteSession drops the session and, via the FK cascade, its messages.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM chat_sessions WHERE session_id = ?`, sessionID)
	return err
}

// CleanupOldSessions drops every inactive session; called once at
// startup so sessions closed before a restart don't accumulate.
func (s *Store) CleanupOldSessions() (int, error) {
	res, err := s.db.Exec(`DELETE FROM chat_sessions WHERE is_active = 0`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetActiveSessions lists sessions that are still open.
func (s *Store) GetActiveSessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(
		`SELECT session_id, created_at, updated_at, closed_at, is_active
		 FROM chat_sessions WHERE is_active = 1 ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var closed sql.NullTime
		if err := rows.Scan(&info.SessionID, &info.CreatedAt, &info.UpdatedAt, &closed, &info.IsActive); err != nil {
			return nil, err
		}
		if closed.Valid {
			info.ClosedAt = &closed.Time
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetSessionStats reports store-wide counts.
func (s *Store) GetSessionStats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_sessions`).Scan(&st.Sessions); err != nil {
		return st, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_sessions WHERE is_active = 1`).Scan(&st.ActiveSessions); err != nil {
		return st, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&st.Messages); err != nil {
		return st, err
	}
	return st, nil
}

// SaveTerminalSession records terminal session metadata so the station
// can report sessions that predate its current process.
func (s *Store) SaveTerminalSession(id, workingDir, terminalType, name string, createdAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO terminal_sessions (session_id, working_dir, terminal_type, name, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET name = excluded.name`,
		id, workingDir, terminalType, name, createdAt.UTC(),
	)
	return err
}

func (s *Store) DeleteTerminalSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM terminal_sessions WHERE session_id = ?`, id)
	return err
}

// ClearTerminalSessions wipes the table; PTYs do not survive a restart
// so the metadata is stale after one.
func (s *Store) ClearTerminalSessions() error {
	_, err := s.db.Exec(`DELETE FROM terminal_sessions`)
	return err
}
