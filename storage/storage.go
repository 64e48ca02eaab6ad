// Storage module - SQLite event journal

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gliderlab/moltgate/pkg/config"
	_ "github.com/mattn/go-sqlite3"
)

// Event kinds recorded by the gateway
const (
	EventDisciplineTrigger = "discipline_trigger"
	EventForwardFailure    = "forward_failure"
	EventHintSent          = "hint_sent"
)

type Storage struct {
	db *sql.DB

	stmtAddEvent  *sql.Stmt
	stmtLastEvent *sql.Stmt
}

// Event is one journal row
type Event struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	ChatID    string    `json:"chat_id"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates storage at dbPath with default settings
func New(dbPath string) (*Storage, error) {
	cfg := config.DefaultStorageConfig()
	cfg.DBPath = dbPath
	return NewWithConfig(*cfg)
}

// NewWithConfig creates storage with injected configuration
func NewWithConfig(cfg config.StorageConfig) (*Storage, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path required")
	}
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %v", err)
	}

	s := &Storage{db: db}

	if cfg.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL: %v", err)
		}
	}

	syncMode := cfg.SyncMode
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	if _, err := db.Exec("PRAGMA synchronous=" + syncMode + ";"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous: %v", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	if err := s.initPreparedStmts(); err != nil {
		log.Printf("[WARN] Failed to prepare statements: %v (continuing without prepared statements)", err)
	}

	return s, nil
}

func (s *Storage) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			chat_id TEXT DEFAULT '',
			detail TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_kind_chat ON events(kind, chat_id, created_at)`)
	return err
}

func (s *Storage) initPreparedStmts() error {
	var err error
	s.stmtAddEvent, err = s.db.Prepare("INSERT INTO events (kind, chat_id, detail, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	s.stmtLastEvent, err = s.db.Prepare(`
		SELECT id, kind, chat_id, detail, created_at FROM events
		WHERE kind = ? AND chat_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`)
	return err
}

// AddEvent appends an event to the journal
func (s *Storage) AddEvent(kind, chatID, detail string) (int64, error) {
	now := time.Now().UTC()
	var (
		result sql.Result
		err    error
	)
	if s.stmtAddEvent != nil {
		result, err = s.stmtAddEvent.Exec(kind, chatID, detail, now)
	} else {
		result, err = s.db.Exec("INSERT INTO events (kind, chat_id, detail, created_at) VALUES (?, ?, ?, ?)", kind, chatID, detail, now)
	}
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// LastEvent returns the newest event of kind for chatID, or nil when none exists
func (s *Storage) LastEvent(kind, chatID string) (*Event, error) {
	var row *sql.Row
	if s.stmtLastEvent != nil {
		row = s.stmtLastEvent.QueryRow(kind, chatID)
	} else {
		row = s.db.QueryRow(`
			SELECT id, kind, chat_id, detail, created_at FROM events
			WHERE kind = ? AND chat_id = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`, kind, chatID)
	}

	var e Event
	if err := row.Scan(&e.ID, &e.Kind, &e.ChatID, &e.Detail, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// RecentEvents returns the newest events of kind, newest first. An empty
// kind matches all events.
func (s *Storage) RecentEvents(kind string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := "SELECT id, kind, chat_id, detail, created_at FROM events"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.ChatID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents returns how many events of kind were recorded since t
func (s *Storage) CountEvents(kind string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ? AND created_at >= ?", kind, since.UTC()).Scan(&n)
	return n, err
}

// PruneEvents deletes events recorded before t and returns how many were removed
func (s *Storage) PruneEvents(before time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Storage) Close() error {
	if s.stmtAddEvent != nil {
		s.stmtAddEvent.Close()
	}
	if s.stmtLastEvent != nil {
		s.stmtLastEvent.Close()
	}
	return s.db.Close()
}
