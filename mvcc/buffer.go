package mvcc

import (
	"sort"

	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/sql"
)

type preImage struct {
	row []sql.Value
	seq uint64
}

// TxBuffer stages the writes of one transaction to one table. Nothing staged is visible to
// other transactions until the buffer is flushed by a commit.
type TxBuffer struct {
	store *VersionStore
	table string
	tid   uint64

	pending  map[int64]RowVersion
	writeSet map[int64]uint64 // row -> sequence observed when read for write
	images   map[int64]preImage
}

func NewTxBuffer(vs *VersionStore, table string, tid uint64) *TxBuffer {
	return &TxBuffer{
		store:    vs,
		table:    table,
		tid:      tid,
		pending:  map[int64]RowVersion{},
		writeSet: map[int64]uint64{},
		images:   map[int64]preImage{},
	}
}

func (tb *TxBuffer) Store() *VersionStore {
	return tb.store
}

// Read returns the row as seen by the transaction: its own pending write, or else the version
// visible at beginSeq. Reading for write records the observed sequence the first time.
func (tb *TxBuffer) Read(rowID int64, beginSeq uint64, forWrite bool) ([]sql.Value, bool) {
	if rv, ok := tb.pending[rowID]; ok {
		if rv.Deleted() {
			return nil, false
		}
		return rv.Data, true
	}

	rv, seq, ok := tb.store.GetVisibleSeq(rowID, beginSeq)
	if forWrite {
		if _, seen := tb.writeSet[rowID]; !seen {
			tb.writeSet[rowID] = seq
			tb.images[rowID] = preImage{row: rv.Data, seq: seq}
		}
	}
	if !ok {
		return nil, false
	}
	return rv.Data, true
}

// Pending returns the transaction's own write of a row, if any.
func (tb *TxBuffer) Pending(rowID int64) (RowVersion, bool) {
	rv, ok := tb.pending[rowID]
	return rv, ok
}

func (tb *TxBuffer) stage(rv RowVersion) error {
	if _, ok := tb.pending[rv.RowID]; !ok {
		if !tb.store.ClaimRow(rv.RowID, tb.tid) {
			w, _ := tb.store.Writer(rv.RowID)
			return errs.WriteConflict(tb.table, rv.RowID, "being written by transaction %d", w)
		}
	}
	tb.pending[rv.RowID] = rv
	return nil
}

func (tb *TxBuffer) Put(rowID int64, row []sql.Value, now int64) error {
	return tb.stage(RowVersion{
		TxnID:     tb.tid,
		RowID:     rowID,
		Data:      row,
		CreatedAt: now,
	})
}

func (tb *TxBuffer) Delete(rowID int64, now int64) error {
	return tb.stage(RowVersion{
		TxnID:     tb.tid,
		DeletedBy: tb.tid,
		RowID:     rowID,
		CreatedAt: now,
	})
}

func (tb *TxBuffer) Len() int {
	return len(tb.pending)
}

// Rows returns the ids of the rows written by the transaction, sorted.
func (tb *TxBuffer) Rows() []int64 {
	rowIDs := make([]int64, 0, len(tb.pending))
	for rowID := range tb.pending {
		rowIDs = append(rowIDs, rowID)
	}
	sort.Slice(rowIDs, func(i, j int) bool { return rowIDs[i] < rowIDs[j] })
	return rowIDs
}

// Validate checks the buffer against the newest committed state; it must be called with the
// commit latches of every written row held. With checkWriteSet, any row read for write that
// has been published since it was read is a write conflict. Inserted rows must still not
// exist.
func (tb *TxBuffer) Validate(checkWriteSet bool) error {
	for _, rowID := range tb.Rows() {
		head, headSeq, ok := tb.store.Head(rowID)
		observed, seen := tb.writeSet[rowID]
		if checkWriteSet && seen && headSeq != observed {
			return errs.WriteConflict(tb.table, rowID,
				"published at sequence %d after read at sequence %d", headSeq, observed)
		}

		img := tb.images[rowID]
		if img.row == nil && !tb.pending[rowID].Deleted() && ok && !head.Deleted() {
			if checkWriteSet {
				return errs.WriteConflict(tb.table, rowID, "inserted by another transaction")
			}
			return errs.UniqueViolation(tb.table, "primary", sql.FormatRow(head.Data))
		} else if img.row != nil && (!ok || head.Deleted()) {
			return errs.WriteConflict(tb.table, rowID, "deleted by another transaction")
		}
	}
	return nil
}

// Batch returns the staged versions, sorted by row id, with their cached pre-images.
func (tb *TxBuffer) Batch() []BatchEntry {
	entries := make([]BatchEntry, 0, len(tb.pending))
	for _, rowID := range tb.Rows() {
		img := tb.images[rowID]
		entries = append(entries, BatchEntry{
			Version: tb.pending[rowID],
			Old:     img.row,
			OldSeq:  img.seq,
		})
	}
	return entries
}

// Discard releases the rows claimed by the transaction and empties the buffer.
func (tb *TxBuffer) Discard() {
	for rowID := range tb.pending {
		tb.store.ReleaseRow(rowID, tb.tid)
	}
	tb.pending = map[int64]RowVersion{}
	tb.writeSet = map[int64]uint64{}
	tb.images = map[int64]preImage{}
}
