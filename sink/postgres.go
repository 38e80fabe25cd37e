package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"mobsim.dev/mobsim/event"
)

const PSQLEventBatchSize = 5000

type pgRow struct {
	typ     string
	source  string
	time    float64
	service string
	details string
}

// PostgresSink buffers events and COPYs them into an events table in
// batches. Events are flushed at the batch size and on Close.
type PostgresSink struct {
	mu     sync.Mutex
	db     *sql.DB
	buf    []pgRow
	closed bool
}

// NewPostgres opens a Postgres sink using the provided connection string.
//
// If clearDB is true, the events table is dropped on startup. You probably
// only want this for testing.
func NewPostgres(connStr string, clearDB bool) (*PostgresSink, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`DROP TABLE IF EXISTS events;`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS events (
    seq BIGSERIAL PRIMARY KEY,
    event_type TEXT NOT NULL,
    source TEXT NOT NULL,
    time DOUBLE PRECISION NOT NULL,
    service TEXT NOT NULL,
    details TEXT NOT NULL
);`)
	if err != nil {
		return nil, fmt.Errorf("creating events table: %w", err)
	}

	return &PostgresSink{db: db}, nil
}

func (s *PostgresSink) Write(e event.Event) error {
	details, err := detailsJSON(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.buf = append(s.buf, pgRow{
		typ:     string(e.Type),
		source:  e.Source,
		time:    e.Time,
		service: e.Service,
		details: details,
	})

	if len(s.buf) >= PSQLEventBatchSize {
		if err := s.flush(); err != nil {
			return fmt.Errorf("flushing events: %w", err)
		}
	}

	return nil
}

func (s *PostgresSink) Events() ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) > 0 {
		if err := s.flush(); err != nil {
			return nil, fmt.Errorf("flushing events: %w", err)
		}
	}

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

func (s *PostgresSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.buf) > 0 {
		if err := s.flush(); err != nil {
			s.db.Close()
			return fmt.Errorf("flushing events: %w", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PostgresSink) flush() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(
		"events", "event_type", "source", "time", "service", "details",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range s.buf {
		_, err = stmt.Exec(r.typ, r.source, r.time, r.service, r.details)
		if err != nil {
			return fmt.Errorf("COPY event: %w", err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	s.buf = nil

	return nil
}
