// Package banstore persists banned track identities in a SQLite file so
// thumbs-down decisions survive restarts.
package banstore

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/omnishuffle/internal/domain/track"
)

const schema = `
CREATE TABLE IF NOT EXISTS bans (
	source   TEXT NOT NULL,
	track_id TEXT NOT NULL,
	banned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (source, track_id)
);`

// Store is a SQLite-backed ban list.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ban database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ban database")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create ban schema")
	}

	zlog.Debug().Str("path", path).Msg("ban store opened")
	return &Store{db: db}, nil
}

// Contains reports whether the identity is banned.
func (s *Store) Contains(id track.Identity) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM bans WHERE source = ? AND track_id = ?",
		id.Source.String(), id.ID,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to query ban")
	}
	return n > 0, nil
}

// Add records the identity as banned. Adding twice is not an error.
func (s *Store) Add(id track.Identity) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO bans (source, track_id) VALUES (?, ?)",
		id.Source.String(), id.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record ban")
	}
	return nil
}

// Count returns the number of banned identities.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM bans").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count bans")
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
