// Package sqlitestore provides a Storage backend over a local sqlite
// database, for hosts that want the token cache and the per-request scratch
// entries to survive the process, the way a browser's localStorage survives
// the page.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/hashicorp/spaauth/implicit"
)

// Store is an implicit.Storage backed by a sqlite database.  It is safe for
// concurrent use; database/sql serializes access to the underlying
// connection.
type Store struct {
	db *sql.DB
}

const createTable = `
create table if not exists auth_entries (
	k text primary key,
	v text not null
)`

// New opens (creating if needed) the sqlite database at path and prepares the
// entry table.  Use ":memory:" for an ephemeral store.
func New(path string) (*Store, error) {
	const op = "sqlitestore.New"
	if path == "" {
		return nil, fmt.Errorf("%s: path is empty: %w", op, implicit.ErrInvalidParameter)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to open database: %w", op, err)
	}
	if _, err := db.Exec(createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: unable to create entry table: %w", op, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set implements implicit.Storage.
func (s *Store) Set(key, value string) error {
	const op = "sqlitestore.Store.Set"
	_, err := s.db.Exec(
		`insert into auth_entries (k, v) values (?, ?)
		 on conflict (k) do update set v = excluded.v`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get implements implicit.Storage.
func (s *Store) Get(key string) (string, error) {
	const op = "sqlitestore.Store.Get"
	var value string
	err := s.db.QueryRow(`select v from auth_entries where k = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%s: %q: %w", op, key, implicit.ErrNotFound)
	case err != nil:
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return value, nil
}

// Delete implements implicit.Storage.  Deleting a missing key is not an
// error.
func (s *Store) Delete(key string) error {
	const op = "sqlitestore.Store.Delete"
	if _, err := s.db.Exec(`delete from auth_entries where k = ?`, key); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Keys implements implicit.Storage.
func (s *Store) Keys(prefix string) ([]string, error) {
	const op = "sqlitestore.Store.Keys"
	rows, err := s.db.Query(
		`select k from auth_entries where k like ? escape '\'`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return keys, nil
}

// Clear implements implicit.Storage.
func (s *Store) Clear() error {
	const op = "sqlitestore.Store.Clear"
	if _, err := s.db.Exec(`delete from auth_entries`); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// escapeLike escapes the LIKE wildcards so a key prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
