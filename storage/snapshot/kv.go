package snapshot

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Iterator returns the items of a prefix in key order; Item returns io.EOF when there are
// no more. Keys and values are only valid during the callback.
type Iterator interface {
	Item(fn func(key, val []byte) error) error
	Close()
}

// Updater groups writes into a single atomic commit. Only one updater is active at a time.
type Updater interface {
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(sync bool) error
	Rollback()
}

// KV is the ordered key-value store that holds snapshots. Get returns io.EOF for a missing
// key.
type KV interface {
	Iterate(prefix []byte) (Iterator, error)
	Get(key []byte, fn func(val []byte) error) error
	Updater() (Updater, error)
	Close() error
}

const (
	BBoltKind  = "bbolt"
	BadgerKind = "badger"
	PebbleKind = "pebble"
	FileKind   = "file"
)

// OpenKV opens a key-value store of kind in dataDir.
func OpenKV(kind, dataDir string, logger *log.Logger) (KV, error) {
	switch kind {
	case BBoltKind, "":
		return MakeBBoltKV(dataDir)
	case BadgerKind:
		return MakeBadgerKV(dataDir, logger)
	case PebbleKind:
		return MakePebbleKV(dataDir, logger)
	case FileKind:
		return MakeFileKV(dataDir)
	}
	return nil, fmt.Errorf("snapshot: unknown store: %s", kind)
}
