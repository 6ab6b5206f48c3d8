package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilianp07/leadalloc/core/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists events to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS allocation_events (
        lead_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        ts INTEGER NOT NULL,
        type TEXT NOT NULL,
        contractor_id TEXT,
        record TEXT NOT NULL,
        PRIMARY KEY (lead_id, seq)
    );
    CREATE INDEX IF NOT EXISTS allocation_events_ts ON allocation_events (ts);`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts the event. The primary key rejects duplicates.
func (s *SQLiteStore) Append(ctx context.Context, ev model.AllocationEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO allocation_events (lead_id, seq, ts, type, contractor_id, record) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.LeadID, ev.Sequence, ev.Audit.Timestamp.UnixNano(), string(ev.Type), ev.ContractorID, string(b))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s/%d", ErrDuplicate, ev.LeadID, ev.Sequence)
	}
	return err
}

// Query returns events matching q ordered by time then sequence.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]model.AllocationEvent, error) {
	var args []any
	query := `SELECT record FROM allocation_events WHERE 1=1`
	if q.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, q.LeadID)
	}
	if q.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(q.Type))
	}
	if !q.Start.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, q.End.UnixNano())
	}
	query += ` ORDER BY ts, lead_id, seq`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.AllocationEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev model.AllocationEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		// candidates live inside the JSON record
		if q.ContractorID != "" && !involves(ev, q.ContractorID) {
			continue
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limit(res, q.Limit), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
