package store

import (
	"fmt"
	"time"
)

// Event kinds written by the relay.
const (
	EventConnect    = "connect"
	EventRegister   = "register"
	EventDisconnect = "disconnect"
	EventCommand    = "command"
	EventResult     = "result"
	EventIssue      = "issue_comment"
)

// Event is one row of the relay audit log.
type Event struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Append writes ev. A zero Time is stamped with the current time.
func (s *Store) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO relay_events (ts, kind, session_id, role, detail) VALUES (?, ?, ?, ?, ?)",
		ev.Time.UnixMilli(), ev.Kind, ev.SessionID, ev.Role, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. kind filters when non-empty.
func (s *Store) Recent(limit int, kind string) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, ts, kind, session_id, role, detail FROM relay_events"
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &ev.SessionID, &ev.Role, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time = time.UnixMilli(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events older than cutoff and returns how many went.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM relay_events WHERE ts < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
