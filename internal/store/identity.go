package store

import (
	"database/sql"
	"fmt"
)

// IdentityStore persists the device identity key/value pairs that must
// survive restarts (device id, device name, household membership).
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

func (s *IdentityStore) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM device_identity WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get identity %q: %w", key, err)
	}
	return value, nil
}

func (s *IdentityStore) Set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_identity (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set identity %q: %w", key, err)
	}
	return nil
}

func (s *IdentityStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM device_identity WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete identity %q: %w", key, err)
	}
	return nil
}
