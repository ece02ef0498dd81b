package journal

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded in the journal
const (
	KindConnect    = "connect"
	KindDisconnect = "disconnect"
	KindSync       = "sync"
)

// Append-only record of connects, disconnects and accepted syncs.
// Only derived counts are stored, never snapshot content.
type Journal struct {
	db *sql.DB
}

type Event struct {
	ID           int64     `json:"id"`
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connectionId,omitempty"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Objects      int       `json:"objects"`
	Scripts      int       `json:"scripts"`
	Clients      int       `json:"clients"`
	CreatedAt    time.Time `json:"createdAt"`
}

func New(dbPath string) (*Journal, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Journal initialized at %s", dbPath)
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		connection_id TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		objects INTEGER NOT NULL DEFAULT 0,
		scripts INTEGER NOT NULL DEFAULT 0,
		clients INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) RecordConnect(connectionID, remoteAddr, userAgent string, clients int) error {
	_, err := j.db.Exec(
		"INSERT INTO events (kind, connection_id, remote_addr, detail, clients) VALUES (?, ?, ?, ?, ?)",
		KindConnect, connectionID, remoteAddr, userAgent, clients,
	)
	return err
}

func (j *Journal) RecordDisconnect(connectionID, reason string, clients int) error {
	_, err := j.db.Exec(
		"INSERT INTO events (kind, connection_id, detail, clients) VALUES (?, ?, ?, ?)",
		KindDisconnect, connectionID, reason, clients,
	)
	return err
}

func (j *Journal) RecordSync(objects, scripts, clients int) error {
	_, err := j.db.Exec(
		"INSERT INTO events (kind, objects, scripts, clients) VALUES (?, ?, ?, ?)",
		KindSync, objects, scripts, clients,
	)
	return err
}

// Returns the most recent events, newest first
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	rows, err := j.db.Query(`
		SELECT id, kind, connection_id, remote_addr, detail, objects, scripts, clients, created_at
		FROM events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.ConnectionID, &e.RemoteAddr, &e.Detail,
			&e.Objects, &e.Scripts, &e.Clients, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *Journal) CountByKind(kind string) (int, error) {
	var count int
	err := j.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ?", kind).Scan(&count)
	return count, err
}
