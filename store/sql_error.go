package store

import (
	"errors"

	sqlite "modernc.org/sqlite"
)

// sqliteBusy and sqliteLocked are the SQLite result codes returned when a
// writer can't acquire the lock it needs because another connection holds
// it. Both are safe to retry.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// sqliteConstraintUnique and sqliteConstraintPrimaryKey are the extended
// SQLite result codes for a violated UNIQUE/PRIMARY KEY constraint, as
// raised by e.g. a duplicate username or payment_hash insert.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

// mapSQLError passes through errors unchanged; it exists as the one seam
// where a future backend (e.g. Postgres) could translate driver-specific
// errors into package-level sentinels.
func mapSQLError(err error) error {
	return err
}

// isBusyErr reports whether err is a SQLite busy/locked error that a
// transaction retry can reasonably resolve.
func isBusyErr(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	code := sqliteErr.Code()
	return code == sqliteBusy || code == sqliteLocked
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint violation, such as a duplicate username or payment_hash.
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	code := sqliteErr.Code()
	return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
}
