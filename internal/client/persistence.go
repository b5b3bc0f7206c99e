package client

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Preference keys stored alongside the session record.
const (
	PrefServerURL = "server_url"
	PrefUsername  = "username"
)

// PersistedSession is the durable record that lets a relaunched client
// silently rejoin its last room.
type PersistedSession struct {
	RoomCode     string
	SessionToken string
	UserID       string
	WasHost      bool
	SavedAt      time.Time
}

// Age reports how long ago the session was saved.
func (p PersistedSession) Age() time.Duration {
	return time.Since(p.SavedAt)
}

// SessionStore persists the session record and user preferences in a local
// SQLite database. One row per relay URL.
type SessionStore struct {
	db *sql.DB
}

// OpenSessionStore opens (creating if needed) the database under dataDir and
// applies migrations.
func OpenSessionStore(dataDir string) (*SessionStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "session.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SessionStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SaveSession upserts the record for serverURL, stamping it with now.
func (s *SessionStore) SaveSession(serverURL string, session PersistedSession) error {
	query := `
		INSERT OR REPLACE INTO sessions (server_url, room_code, session_token, user_id, was_host, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	wasHost := 0
	if session.WasHost {
		wasHost = 1
	}
	savedAt := session.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	_, err := s.db.Exec(query, serverURL, session.RoomCode, session.SessionToken,
		session.UserID, wasHost, savedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session for %s: %w", serverURL, err)
	}
	return nil
}

// LoadSession returns the record for serverURL, or (nil, nil) when absent.
// Staleness is the caller's policy; the raw record is always returned.
func (s *SessionStore) LoadSession(serverURL string) (*PersistedSession, error) {
	query := `
		SELECT room_code, session_token, user_id, was_host, saved_at
		FROM sessions WHERE server_url = ?
	`

	var (
		session PersistedSession
		wasHost int
		savedAt int64
	)
	err := s.db.QueryRow(query, serverURL).Scan(
		&session.RoomCode, &session.SessionToken, &session.UserID, &wasHost, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session for %s: %w", serverURL, err)
	}

	session.WasHost = wasHost != 0
	session.SavedAt = time.UnixMilli(savedAt)
	return &session, nil
}

// ClearSession removes the record for serverURL.
func (s *SessionStore) ClearSession(serverURL string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE server_url = ?`, serverURL); err != nil {
		return fmt.Errorf("clear session for %s: %w", serverURL, err)
	}
	return nil
}

// SetPreference upserts a preference value.
func (s *SessionStore) SetPreference(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO preferences (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// Preference returns the stored value, or "" when unset.
func (s *SessionStore) Preference(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, nil
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}
