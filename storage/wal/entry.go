package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
)

type EntryType byte

const (
	InsertEntry EntryType = iota + 1
	UpdateEntry
	DeleteEntry
	CreateTableEntry
	DropTableEntry
	AlterTableEntry
	CreateIndexEntry
	DropIndexEntry
	CommitEntry
	RollbackEntry
)

func (et EntryType) String() string {
	switch et {
	case InsertEntry:
		return "insert"
	case UpdateEntry:
		return "update"
	case DeleteEntry:
		return "delete"
	case CreateTableEntry:
		return "create-table"
	case DropTableEntry:
		return "drop-table"
	case AlterTableEntry:
		return "alter-table"
	case CreateIndexEntry:
		return "create-index"
	case DropIndexEntry:
		return "drop-index"
	case CommitEntry:
		return "commit"
	case RollbackEntry:
		return "rollback"
	}
	return fmt.Sprintf("EntryType(%d)", int(et))
}

// Record is an entry to be appended; the log assigns its LSN.
type Record struct {
	Type    EntryType
	Payload []byte
}

type Entry struct {
	Type    EntryType
	LSN     uint64
	TxnID   uint64
	Payload []byte
}

// Commit is the payload of a commit marker: the marker covers Count entries of the
// transaction starting at FirstLSN.
type Commit struct {
	Seq      uint64
	FirstLSN uint64
	Count    uint32
}

var (
	errShortPayload = errors.New("wal: short payload")
)

func AppendCommit(buf []byte, c Commit) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, c.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, c.FirstLSN)
	return binary.LittleEndian.AppendUint32(buf, c.Count)
}

func DecodeCommit(buf []byte) (Commit, error) {
	if len(buf) != 20 {
		return Commit{}, errShortPayload
	}
	return Commit{
		Seq:      binary.LittleEndian.Uint64(buf),
		FirstLSN: binary.LittleEndian.Uint64(buf[8:]),
		Count:    binary.LittleEndian.Uint32(buf[16:]),
	}, nil
}

// RowChange is the payload of insert, update and delete entries; Row is nil for a delete.
type RowChange struct {
	TableID int64
	RowID   int64
	Row     []sql.Value
}

func AppendRowChange(buf []byte, rc RowChange) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rc.TableID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rc.RowID))
	return encode.AppendRow(buf, rc.Row)
}

func DecodeRowChange(buf []byte) (RowChange, error) {
	if len(buf) < 16 {
		return RowChange{}, errShortPayload
	}
	rc := RowChange{
		TableID: int64(binary.LittleEndian.Uint64(buf)),
		RowID:   int64(binary.LittleEndian.Uint64(buf[8:])),
	}
	row, rest, err := encode.DecodeRow(buf[16:])
	if err != nil {
		return RowChange{}, err
	} else if len(rest) > 0 {
		return RowChange{}, fmt.Errorf("wal: %d extra bytes after row", len(rest))
	}
	rc.Row = row
	return rc, nil
}

// TableChange is the payload of every DDL entry. Schema is the schema after the change;
// drop table carries only the table id and name, create and drop index also name the index.
type TableChange struct {
	Schema *sql.Schema
	Index  string
}

func AppendTableChange(buf []byte, tc TableChange) []byte {
	schema := encode.AppendSchema(nil, tc.Schema)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(schema)))
	buf = append(buf, schema...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tc.Index)))
	return append(buf, tc.Index...)
}

func DecodeTableChange(buf []byte) (TableChange, error) {
	if len(buf) < 4 {
		return TableChange{}, errShortPayload
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n)+4 {
		return TableChange{}, errShortPayload
	}
	schema, err := encode.DecodeSchema(buf[:n])
	if err != nil {
		return TableChange{}, err
	}
	buf = buf[n:]
	n = binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) != uint64(n) {
		return TableChange{}, errShortPayload
	}
	return TableChange{Schema: schema, Index: string(buf)}, nil
}
