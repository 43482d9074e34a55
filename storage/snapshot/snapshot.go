// Package snapshot saves and loads point in time copies of the tables of an engine in a
// key value store: bbolt, badger, pebble or a zstd compressed file. A snapshot holds each
// table's schema, including the definitions of its indexes, and its rows; it does not hold
// index contents. Recovery loads the rows and then rebuilds every index in one pass over them
// with mvcc.VersionStore.PopulateIndexes.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
)

// Keys:
//   meta/latest                       -> seq, last tid, last lsn, next table id
//   s/<seq>/t/<table id>              -> next row id, schema
//   s/<seq>/r/<table id>/<row id>     -> row
//
// All numbers in keys are big endian so that keys sort numerically. The latest pointer is
// written after everything else in the snapshot, so a partially written snapshot is never
// loaded.

var (
	latestKey = []byte("meta/latest")
)

const (
	metaSize = 32
)

type Row struct {
	ID   int64
	Data []sql.Value
}

type Table struct {
	Schema    *sql.Schema
	NextRowID int64
	Rows      []Row
}

// Snapshot is the committed state of every table as of Seq.
type Snapshot struct {
	Seq         uint64
	LastTID     uint64
	LastLSN     uint64
	NextTableID int64
	Tables      []*Table
}

type Store struct {
	kv     KV
	logger *log.Logger
}

// Open opens the snapshot store of kind (bbolt, badger, pebble, or file) in dataDir.
func Open(kind, dataDir string, logger *log.Logger) (*Store, error) {
	kv, err := OpenKV(kind, dataDir, logger)
	if err != nil {
		return nil, err
	}
	return NewStore(kv, logger), nil
}

func NewStore(kv KV, logger *log.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
	}
}

func (st *Store) Close() error {
	return st.kv.Close()
}

func appendUint64(buf []byte, n uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, n)
}

func appendInt64(buf []byte, n int64) []byte {
	return appendUint64(buf, uint64(n)^(1<<63))
}

func seqPrefix(seq uint64) []byte {
	return append(appendUint64([]byte("s/"), seq), '/')
}

func tableKey(seq uint64, tid int64) []byte {
	return appendInt64(append(seqPrefix(seq), 't', '/'), tid)
}

func rowPrefix(seq uint64, tid int64) []byte {
	return append(appendInt64(append(seqPrefix(seq), 'r', '/'), tid), '/')
}

func rowKey(seq uint64, tid, rowID int64) []byte {
	return appendInt64(rowPrefix(seq, tid), rowID)
}

func decodeMeta(val []byte) (Snapshot, error) {
	if len(val) != metaSize {
		return Snapshot{}, fmt.Errorf("snapshot: latest: got %d bytes want %d", len(val), metaSize)
	}
	return Snapshot{
		Seq:         binary.BigEndian.Uint64(val),
		LastTID:     binary.BigEndian.Uint64(val[8:]),
		LastLSN:     binary.BigEndian.Uint64(val[16:]),
		NextTableID: int64(binary.BigEndian.Uint64(val[24:])),
	}, nil
}

func (st *Store) latest() (Snapshot, bool, error) {
	var snap Snapshot
	err := st.kv.Get(latestKey,
		func(val []byte) error {
			var err error
			snap, err = decodeMeta(val)
			return err
		})
	if err == io.EOF {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Save writes snap and then points latest at it; older snapshots are removed afterwards.
func (st *Store) Save(snap *Snapshot) error {
	prev, havePrev, err := st.latest()
	if err != nil {
		return err
	}
	if havePrev && prev.Seq == snap.Seq {
		// Nothing has committed since the last snapshot.
		return nil
	}

	// Leftovers from a snapshot that never became latest.
	err = st.deletePrefix(seqPrefix(snap.Seq))
	if err != nil {
		return err
	}

	upd, err := st.kv.Updater()
	if err != nil {
		return err
	}

	var cnt int
	for _, tbl := range snap.Tables {
		tid := tbl.Schema.ID
		val := binary.AppendVarint(nil, tbl.NextRowID)
		val = encode.AppendSchema(val, tbl.Schema)
		err = upd.Set(tableKey(snap.Seq, tid), val)
		if err != nil {
			upd.Rollback()
			return err
		}

		for _, row := range tbl.Rows {
			err = upd.Set(rowKey(snap.Seq, tid, row.ID), encode.AppendRow(nil, row.Data))
			if err != nil {
				upd.Rollback()
				return err
			}
		}
		cnt += len(tbl.Rows)
	}
	err = upd.Commit(true)
	if err != nil {
		return err
	}

	meta := make([]byte, 0, metaSize)
	meta = appendUint64(meta, snap.Seq)
	meta = appendUint64(meta, snap.LastTID)
	meta = appendUint64(meta, snap.LastLSN)
	meta = appendUint64(meta, uint64(snap.NextTableID))

	upd, err = st.kv.Updater()
	if err != nil {
		return err
	}
	err = upd.Set(latestKey, meta)
	if err != nil {
		upd.Rollback()
		return err
	}
	err = upd.Commit(true)
	if err != nil {
		return err
	}

	st.logger.WithFields(log.Fields{
		"seq":    snap.Seq,
		"tables": len(snap.Tables),
		"rows":   cnt,
	}).Info("snapshot saved")

	if havePrev {
		err = st.deletePrefix(seqPrefix(prev.Seq))
		if err != nil {
			st.logger.WithError(err).WithField("seq", prev.Seq).
				Warn("unable to remove old snapshot")
		}
	}
	return nil
}

func (st *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := st.iterate(prefix,
		func(key, val []byte) error {
			keys = append(keys, append([]byte(nil), key...))
			return nil
		})
	if err != nil || len(keys) == 0 {
		return err
	}

	upd, err := st.kv.Updater()
	if err != nil {
		return err
	}
	for _, key := range keys {
		err = upd.Delete(key)
		if err != nil {
			upd.Rollback()
			return err
		}
	}
	return upd.Commit(false)
}

func (st *Store) iterate(prefix []byte, fn func(key, val []byte) error) error {
	it, err := st.kv.Iterate(prefix)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		err = it.Item(fn)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// Load returns the latest snapshot or nil if no snapshot has been saved.
func (st *Store) Load() (*Snapshot, error) {
	snap, ok, err := st.latest()
	if err != nil || !ok {
		return nil, err
	}

	tblPrefix := append(seqPrefix(snap.Seq), 't', '/')
	err = st.iterate(tblPrefix,
		func(key, val []byte) error {
			nextRowID, n := binary.Varint(val)
			if n <= 0 {
				return fmt.Errorf("snapshot: table %x: bad next row id", key)
			}
			s, err := encode.DecodeSchema(val[n:])
			if err != nil {
				return err
			}
			snap.Tables = append(snap.Tables,
				&Table{
					Schema:    s,
					NextRowID: nextRowID,
				})
			return nil
		})
	if err != nil {
		return nil, err
	}

	for _, tbl := range snap.Tables {
		prefix := rowPrefix(snap.Seq, tbl.Schema.ID)
		err = st.iterate(prefix,
			func(key, val []byte) error {
				if len(key) != len(prefix)+8 {
					return fmt.Errorf("snapshot: bad row key: %x", key)
				}
				rowID := int64(binary.BigEndian.Uint64(key[len(prefix):]) ^ (1 << 63))
				row, rest, err := encode.DecodeRow(val)
				if err != nil {
					return err
				} else if len(rest) != 0 {
					return errors.New("snapshot: trailing bytes after row")
				}
				tbl.Rows = append(tbl.Rows, Row{ID: rowID, Data: row})
				return nil
			})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(snap.Tables,
		func(i, j int) bool {
			return snap.Tables[i].Schema.ID < snap.Tables[j].Schema.ID
		})
	return &snap, nil
}
