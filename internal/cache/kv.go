package cache

import (
	"database/sql"
	"time"
	"unicode/utf8"
)

// Get returns the cached value for key. The second return is false when
// the key is absent.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	now := time.Now().UnixMilli()
	_, err := s.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// RemoveMatching deletes every key starting with prefix and returns how
// many were removed. The substr comparison sidesteps LIKE wildcard
// escaping for keys containing '_' or '%'.
func (s *Store) RemoveMatching(prefix string) (int64, error) {
	n := utf8.RuneCountInString(prefix)
	res, err := s.Exec(`DELETE FROM kv WHERE substr(key, 1, ?) = ?`, n, prefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
