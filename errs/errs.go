// Package errs defines the kinds of errors returned by the storage engine. Callers match a
// kind with errors.Is; every error carries context wrapped around one of the sentinels.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrWriteConflict: a row read for write was changed by a newer commit, or is being
	// written by another live transaction. The transaction is aborted; callers may retry.
	ErrWriteConflict = errors.New("write conflict")

	// ErrUniqueViolation: an insert or update would duplicate a unique key. Only the
	// statement fails.
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrDurability: the WAL could not be appended or flushed; the commit did not happen and
	// the engine must be restarted.
	ErrDurability = errors.New("durability failure")

	// ErrRecoveryTruncation: replay stopped at a damaged frame outside of any committed
	// transaction; recovery continues with the log truncated.
	ErrRecoveryTruncation = errors.New("recovery truncation")

	// ErrRecoveryCorruption: a damaged frame inside a committed transaction; fatal.
	ErrRecoveryCorruption = errors.New("recovery corruption")

	// ErrInternalState: a shared structure was left inconsistent by a panic; fatal.
	ErrInternalState = errors.New("internal state failure")
)

func WriteConflict(table string, rowID int64, format string, args ...interface{}) error {
	return errors.Wrapf(errors.Wrapf(ErrWriteConflict, format, args...), "%s: row %d", table,
		rowID)
}

func UniqueViolation(table, index string, key string) error {
	return errors.Wrapf(ErrUniqueViolation, "%s: index %s: duplicate key %s", table, index, key)
}

func Durability(err error, op string) error {
	return errors.Mark(errors.Wrapf(err, "wal: %s", op), ErrDurability)
}

func RecoveryTruncation(lsn uint64, reason error) error {
	return errors.Mark(errors.Wrapf(reason, "wal: truncated at lsn %d", lsn),
		ErrRecoveryTruncation)
}

func RecoveryCorruption(lsn uint64, reason error) error {
	return errors.Mark(errors.Wrapf(reason, "wal: corrupt frame at lsn %d", lsn),
		ErrRecoveryCorruption)
}

func InternalState(r interface{}) error {
	return errors.Mark(errors.Newf("engine: panic: %v", r), ErrInternalState)
}

// Fatal reports whether err means the engine instance can no longer be used.
func Fatal(err error) bool {
	return errors.Is(err, ErrDurability) || errors.Is(err, ErrInternalState) ||
		errors.Is(err, ErrRecoveryCorruption)
}
