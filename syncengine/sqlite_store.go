package syncengine

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key    TEXT PRIMARY KEY,
	value  TEXT NOT NULL
);
`

// embedded-database store. One row per key.
// sqlite serializes writers internally, so no additional locking is needed
// on top of the single-writer-per-key contract.
type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// a single connection avoids SQLITE_BUSY under concurrent use
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{
		db: db,
	}, nil
}

func (self *SqliteStore) Get(key string) (string, bool, error) {
	var value string
	err := self.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	switch err {
	case nil:
		return value, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, err
	}
}

func (self *SqliteStore) Set(key string, value string) error {
	_, err := self.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key,
		value,
	)
	return err
}

func (self *SqliteStore) Remove(key string) error {
	_, err := self.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (self *SqliteStore) Keys(prefix string) ([]string, error) {
	rows, err := self.db.Query(
		`SELECT key FROM kv WHERE key LIKE ? ORDER BY key`,
		prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}
