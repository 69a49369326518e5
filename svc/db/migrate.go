package db

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/berezovskyi/wastebin/svc/util"
)

// migrations is the forward-only schema history. Entries are applied in order
// inside individual transactions and tracked in PRAGMA user_version; append
// only, never edit an applied entry.
var migrations = []string{
	`CREATE TABLE pastes (
		id          TEXT PRIMARY KEY,
		content     BLOB NOT NULL,
		fingerprint TEXT NOT NULL,
		extension   TEXT,
		created_at  DATETIME NOT NULL,
		expires_at  DATETIME,
		burn        INTEGER NOT NULL DEFAULT 0,
		uid         TEXT NOT NULL
	)`,
	`CREATE INDEX idx_pastes_expires_at ON pastes(expires_at)`,
	`CREATE INDEX idx_pastes_fingerprint ON pastes(fingerprint)`,
}

func (s *SQLite) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version > len(migrations) {
		return errors.Errorf("database schema version %d is newer than this binary (max %d)", version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration %d", i+1)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "bump schema version to %d", i+1)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %d", i+1)
		}
		util.Debug().Int("version", i+1).Msg("schema migration applied")
	}
	return nil
}

// SchemaVersion exposes the applied migration count, mainly for tests and the
// readiness probe.
func (s *SQLite) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return version, nil
}
