package mvcc

import (
	"sort"

	"github.com/leftmike/mvstore/sql"
)

type arenaEntry struct {
	rowID     int64
	seq       uint64
	txnID     uint64
	createdAt int64
	deleted   bool
	start     int
	end       int
}

// rowArena holds the newest committed version of every row, tombstones included, with the
// values of all rows flattened into one slice. An arena is never modified once published;
// commits mark rows dirty and the next scan builds a new arena.
type rowArena struct {
	entries []arenaEntry // sorted by row id
	values  []sql.Value
}

func (ra *rowArena) version(ent *arenaEntry) RowVersion {
	rv := RowVersion{
		TxnID:     ent.txnID,
		RowID:     ent.rowID,
		CreatedAt: ent.createdAt,
	}
	if ent.deleted {
		rv.DeletedBy = ent.txnID
	} else {
		rv.Data = ra.values[ent.start:ent.end:ent.end]
	}
	return rv
}

func (ra *rowArena) appendEntry(ent arenaEntry, data []sql.Value) {
	ent.start = len(ra.values)
	ra.values = append(ra.values, data...)
	ent.end = len(ra.values)
	ra.entries = append(ra.entries, ent)
}

func (ra *rowArena) appendNode(nd *node) {
	rv := &nd.version
	ra.appendEntry(
		arenaEntry{
			rowID:     rv.RowID,
			seq:       nd.seq,
			txnID:     rv.TxnID,
			createdAt: rv.CreatedAt,
			deleted:   rv.Deleted(),
		}, rv.Data)
}

// rebuildArena merges the unchanged entries of old with the current heads of the dirty rows.
func rebuildArena(old *rowArena, dirty map[int64]struct{}, ca *chainArena,
	ss shards) *rowArena {

	ids := make([]int64, 0, len(dirty))
	for rowID := range dirty {
		ids = append(ids, rowID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	na := &rowArena{
		entries: make([]arenaEntry, 0, len(old.entries)+len(ids)),
		values:  make([]sql.Value, 0, len(old.values)),
	}

	entries := old.entries
	for len(entries) > 0 || len(ids) > 0 {
		if len(ids) == 0 || (len(entries) > 0 && entries[0].rowID < ids[0]) {
			ent := entries[0]
			entries = entries[1:]
			na.appendEntry(ent, old.values[ent.start:ent.end])
			continue
		}

		if len(entries) > 0 && entries[0].rowID == ids[0] {
			entries = entries[1:]
		}
		if h := ss.head(ids[0]); h != 0 {
			na.appendNode(ca.get(h))
		}
		ids = ids[1:]
	}
	return na
}
