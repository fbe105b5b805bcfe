package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor returns the stored value for name, or "" when unset.
func (s *Store) Cursor(name string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM cursors WHERE name = ?", name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", name, err)
	}
	return v, nil
}

// SetCursor upserts the value for name.
func (s *Store) SetCursor(name, value string) error {
	_, err := s.db.Exec(`INSERT INTO cursors (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}
