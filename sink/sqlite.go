package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"mobsim.dev/mobsim/event"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

// SQLiteSink writes events to a SQLite database, in memory by default or
// under Directory when OnDisk is set.
type SQLiteSink struct {
	SQLiteConfig

	mu sync.Mutex
	db *sql.DB
}

func NewSQLite(cfg ...SQLiteConfig) (*SQLiteSink, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/events.db"
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    source TEXT NOT NULL,
    time REAL NOT NULL,
    service TEXT NOT NULL,
    details TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_event_type ON events (event_type);
CREATE INDEX IF NOT EXISTS events_time ON events (time);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	return &SQLiteSink{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		db: db,
	}, nil
}

func (s *SQLiteSink) Write(e event.Event) error {
	details, err := detailsJSON(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
INSERT INTO events (event_type, source, time, service, details)
VALUES (?, ?, ?, ?, ?)`,
		string(e.Type),
		e.Source,
		e.Time,
		e.Service,
		details,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Events() ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
SELECT event_type, source, time, service, details
FROM events
ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var typ, source, service, details string
		var t float64
		err := rows.Scan(&typ, &source, &t, &service, &details)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e := event.Event{
			Type:    event.Type(typ),
			Source:  source,
			Time:    t,
			Service: service,
		}
		if details != "" {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}

	return events, nil
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`ANALYZE;`)
	if err != nil {
		s.db.Close()
		return fmt.Errorf("analyzing database: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func detailsJSON(e event.Event) (string, error) {
	if e.Details == nil {
		return "", nil
	}
	buf, err := json.Marshal(e.Details)
	if err != nil {
		return "", fmt.Errorf("encoding %s details: %w", e.Type, err)
	}
	return string(buf), nil
}
