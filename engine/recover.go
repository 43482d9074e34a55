package engine

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/mvcc"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/wal"
)

// recover rebuilds the tables from the latest snapshot followed by the committed
// transactions in the log. It returns the last LSN used, so that the log can continue from
// there.
func (e *Engine) recover() (uint64, error) {
	start := time.Now()

	snap, err := e.snaps.Load()
	if err != nil {
		return 0, errors.Wrap(err, "engine: load snapshot")
	}

	var lastSeq, lastTID, lastLSN uint64
	var snapRows int
	if snap != nil {
		lastSeq = snap.Seq
		lastTID = snap.LastTID
		lastLSN = snap.LastLSN
		e.nextTableID = snap.NextTableID

		for _, st := range snap.Tables {
			tbl, err := e.restoreTable(st.Schema)
			if err != nil {
				return 0, err
			}

			batch := make([]mvcc.BatchEntry, 0, len(st.Rows))
			for _, row := range st.Rows {
				batch = append(batch, mvcc.BatchEntry{
					Version: mvcc.RowVersion{
						RowID: row.ID,
						Data:  row.Data,
					},
				})
			}
			tbl.vs.ApplyBatch(batch, snap.Seq)
			tbl.vs.RestoreRowID(st.NextRowID)
			snapRows += len(st.Rows)
		}
	}

	var replayed, skipped int
	res, err := wal.Replay(e.walPath(),
		func(txn *wal.Txn) error {
			if snap != nil && txn.Commit.Seq <= snap.Seq {
				skipped += 1
				return nil
			}
			replayed += 1
			if txn.Commit.Seq > lastSeq {
				lastSeq = txn.Commit.Seq
			}
			return e.replayTxn(txn)
		})
	if err != nil {
		return 0, err
	}
	if res.Truncated != nil {
		e.logger.WithError(res.Truncated).Warn("write-ahead log truncated")
	}
	if res.LastTxnID > lastTID {
		lastTID = res.LastTxnID
	}
	if res.LastLSN > lastLSN {
		lastLSN = res.LastLSN
	}

	var idxs int
	e.mutex.RLock()
	for _, tbl := range e.tables {
		idxs += tbl.vs.PopulateIndexes()
	}
	e.mutex.RUnlock()

	e.reg.Restore(lastTID, lastSeq)

	fields := log.Fields{
		"seq":       lastSeq,
		"lsn":       lastLSN,
		"replayed":  replayed,
		"skipped":   skipped,
		"discarded": res.Discarded,
		"wal":       humanize.Bytes(uint64(res.Size)),
		"indexes":   idxs,
		"elapsed":   time.Since(start),
	}
	if snap != nil {
		fields["snapshot"] = snap.Seq
		fields["snapshot_rows"] = humanize.Comma(int64(snapRows))
	}
	e.logger.WithFields(fields).Info("recovered")
	return lastLSN, nil
}

// restoreTable adds a table with the indexes of schema left empty; they are filled once
// recovery is done.
func (e *Engine) restoreTable(schema *sql.Schema) (*table, error) {
	if _, ok := e.tables[schema.Name]; ok {
		return nil, errors.Newf("engine: recover: table %s already exists", schema.Name)
	}

	indexes := schema.Indexes
	base := schema.Clone()
	base.Indexes = nil
	tbl := e.newTable(base)
	for _, def := range indexes {
		err := tbl.vs.CreateIndex(def, false)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: recover: table %s", schema.Name)
		}
	}
	tbl.vs.SetSchema(schema)

	e.tables[schema.Name] = tbl
	if schema.ID >= e.nextTableID {
		e.nextTableID = schema.ID + 1
	}
	return tbl, nil
}

func (e *Engine) replayTableChange(ent wal.Entry) error {
	tc, err := wal.DecodeTableChange(ent.Payload)
	if err != nil {
		return err
	}
	schema := tc.Schema

	if ent.Type == wal.CreateTableEntry {
		_, err = e.restoreTable(schema)
		return err
	}

	tbl, ok := e.tables[schema.Name]
	if !ok || tbl.id != schema.ID {
		return errors.Newf("engine: recover: table %s (%d) not found", schema.Name, schema.ID)
	}

	switch ent.Type {
	case wal.DropTableEntry:
		delete(e.tables, schema.Name)
	case wal.AlterTableEntry:
		tbl.vs.SetSchema(schema)
	case wal.CreateIndexEntry:
		def, ok := schema.LookupIndex(tc.Index)
		if !ok {
			return errors.Newf("engine: recover: table %s: index %s not in schema", schema.Name,
				tc.Index)
		}
		err = tbl.vs.CreateIndex(def, false)
		if err != nil {
			return err
		}
		tbl.vs.SetSchema(schema)
	case wal.DropIndexEntry:
		tbl.vs.SetSchema(schema)
		return tbl.vs.DropIndex(tc.Index)
	}
	return nil
}

func (e *Engine) replayTxn(txn *wal.Txn) error {
	batches := map[int64][]mvcc.BatchEntry{}
	var order []int64

	for _, ent := range txn.Entries {
		switch ent.Type {
		case wal.InsertEntry, wal.UpdateEntry, wal.DeleteEntry:
			rc, err := wal.DecodeRowChange(ent.Payload)
			if err != nil {
				return errors.Wrapf(err, "engine: recover: lsn %d", ent.LSN)
			}
			rv := mvcc.RowVersion{
				TxnID: txn.ID,
				RowID: rc.RowID,
			}
			if ent.Type == wal.DeleteEntry {
				rv.DeletedBy = txn.ID
			} else {
				rv.Data = rc.Row
			}
			if _, ok := batches[rc.TableID]; !ok {
				order = append(order, rc.TableID)
			}
			batches[rc.TableID] = append(batches[rc.TableID], mvcc.BatchEntry{Version: rv})
		default:
			err := e.replayTableChange(ent)
			if err != nil {
				return errors.Wrapf(err, "engine: recover: lsn %d", ent.LSN)
			}
		}
	}

	if len(order) == 0 {
		return nil
	}
	byID := map[int64]*table{}
	for _, tbl := range e.tables {
		byID[tbl.id] = tbl
	}
	for _, tid := range order {
		tbl, ok := byID[tid]
		if !ok {
			// dropped
			continue
		}
		tbl.vs.ApplyBatch(batches[tid], txn.Commit.Seq)
	}
	return nil
}
