package engine

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/index"
	"github.com/leftmike/mvstore/mvcc"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
	"github.com/leftmike/mvstore/storage/service"
	"github.com/leftmike/mvstore/storage/util"
	"github.com/leftmike/mvstore/storage/wal"
)

var (
	errTransactionComplete = errors.New("engine: transaction already completed")
)

type txTable struct {
	tbl *table
	tb  *mvcc.TxBuffer
}

// Transaction is not safe for concurrent use.
type Transaction struct {
	e        *Engine
	tid      uint64
	iso      service.Isolation
	beginSeq uint64
	tables   map[int64]*txTable
	done     bool
	// The write conflict that aborted the transaction.
	aborted error
}

func (tx *Transaction) ID() uint64 {
	return tx.tid
}

func (tx *Transaction) Isolation() service.Isolation {
	return tx.iso
}

// statement starts a statement; read-committed transactions see every commit published
// before the statement started.
func (tx *Transaction) statement() error {
	if tx.done {
		if tx.aborted != nil {
			return tx.aborted
		}
		return errTransactionComplete
	}
	if err := tx.e.check(); err != nil {
		return err
	}
	if tx.iso == service.ReadCommitted {
		tx.beginSeq = tx.e.reg.Refresh(tx.tid)
	}
	return nil
}

// abort rolls back the transaction if err is a write conflict.
func (tx *Transaction) abort(err error) error {
	if errors.Is(err, errs.ErrWriteConflict) {
		tx.finish()
		tx.aborted = err
	}
	return err
}

func (tx *Transaction) finish() {
	for _, tt := range tx.tables {
		tt.tb.Discard()
	}
	tx.tables = nil
	tx.e.reg.Finish(tx.tid)
	tx.done = true
}

func (tx *Transaction) lookup(name string) (*table, *txTable, error) {
	tbl, err := tx.e.lookupTable(name)
	if err != nil {
		return nil, nil, err
	}
	tt, ok := tx.tables[tbl.id]
	if !ok {
		return tbl, nil, nil
	}
	return tbl, tt, nil
}

func (tx *Transaction) writer(tbl *table) *txTable {
	tt, ok := tx.tables[tbl.id]
	if !ok {
		tt = &txTable{
			tbl: tbl,
			tb:  mvcc.NewTxBuffer(tbl.vs, tbl.name, tx.tid),
		}
		tx.tables[tbl.id] = tt
	}
	return tt
}

// readRow returns a row as seen by the transaction, its own writes included.
func (tx *Transaction) readRow(tbl *table, tt *txTable, rowID int64) ([]sql.Value, bool) {
	if tt != nil {
		return tt.tb.Read(rowID, tx.beginSeq, false)
	}
	rv, ok := tbl.vs.GetVisible(rowID, tx.beginSeq)
	if !ok {
		return nil, false
	}
	return rv.Data, true
}

// scan returns the ids and normalized data of the rows matching c, in row id order.
func (tx *Transaction) scan(ctx context.Context, tbl *table, tt *txTable,
	c cond) ([]int64, [][]sql.Value, error) {

	schema := tbl.vs.Schema()
	var ids []int64
	var rows [][]sql.Value

	p := newPlanner(tbl.vs, tx.beginSeq)
	if cands, ok := p.candidates(c); ok {
		if tt != nil {
			cands = index.Union(cands, tt.tb.Rows())
		}
		for _, rowID := range cands {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			data, ok := tx.readRow(tbl, tt, rowID)
			if !ok {
				continue
			}
			row := schema.Normalize(data)
			if matches(c, row) {
				ids = append(ids, rowID)
				rows = append(rows, row)
			}
		}
		return ids, rows, nil
	}

	rvs, err := tbl.vs.ScanVisible(ctx, tx.beginSeq,
		func(rv *mvcc.RowVersion) bool {
			if tt != nil {
				if _, ok := tt.tb.Pending(rv.RowID); ok {
					return false
				}
			}
			return matches(c, schema.Normalize(rv.Data))
		})
	if err != nil {
		return nil, nil, err
	}

	var pending []int64
	if tt != nil {
		for _, rowID := range tt.tb.Rows() {
			rv, _ := tt.tb.Pending(rowID)
			if !rv.Deleted() && matches(c, schema.Normalize(rv.Data)) {
				pending = append(pending, rowID)
			}
		}
	}

	for len(rvs) > 0 || len(pending) > 0 {
		if len(pending) == 0 || (len(rvs) > 0 && rvs[0].RowID < pending[0]) {
			ids = append(ids, rvs[0].RowID)
			rows = append(rows, schema.Normalize(rvs[0].Data))
			rvs = rvs[1:]
		} else {
			rv, _ := tt.tb.Pending(pending[0])
			ids = append(ids, pending[0])
			rows = append(rows, schema.Normalize(rv.Data))
			pending = pending[1:]
		}
	}
	return ids, rows, nil
}

// Read returns the rows of a table matching pred as seen by the transaction.
func (tx *Transaction) Read(ctx context.Context, name string, pred Predicate) (*Rows, error) {
	if err := tx.statement(); err != nil {
		return nil, err
	}
	tbl, tt, err := tx.lookup(name)
	if err != nil {
		return nil, err
	}
	schema := tbl.vs.Schema()
	c, err := bindPredicate(schema, pred)
	if err != nil {
		return nil, err
	}

	ids, rows, err := tx.scan(ctx, tbl, tt, c)
	if err != nil {
		return nil, err
	}
	return makeRows(schema, ids, rows), nil
}

// Get returns the live columns of a row.
func (tx *Transaction) Get(ctx context.Context, name string, rowID int64) ([]sql.Value, bool,
	error) {

	if err := tx.statement(); err != nil {
		return nil, false, err
	}
	tbl, tt, err := tx.lookup(name)
	if err != nil {
		return nil, false, err
	}
	data, ok := tx.readRow(tbl, tt, rowID)
	if !ok {
		return nil, false, nil
	}
	schema := tbl.vs.Schema()
	return schema.Project(schema.Normalize(data)), true, nil
}

// ReadOrdered returns the rows with a non-NULL value in column, ordered by that column and
// then by row id, skipping offset rows and returning at most limit (limit <= 0 is no limit).
func (tx *Transaction) ReadOrdered(ctx context.Context, name, column string, ascending bool,
	limit, offset int) (*Rows, error) {

	if err := tx.statement(); err != nil {
		return nil, err
	}
	tbl, tt, err := tx.lookup(name)
	if err != nil {
		return nil, err
	}
	schema := tbl.vs.Schema()
	col, err := bindColumn(schema, column)
	if err != nil {
		return nil, err
	}

	if tt == nil || tt.tb.Len() == 0 {
		p := newPlanner(tbl.vs, tx.beginSeq)
		if ids, ok := p.orderedRows(col, ascending, limit, offset); ok {
			rows := make([][]sql.Value, 0, len(ids))
			for _, rowID := range ids {
				rv, ok := tbl.vs.GetVisible(rowID, tx.beginSeq)
				if !ok {
					break
				}
				rows = append(rows, schema.Normalize(rv.Data))
			}
			if len(rows) == len(ids) {
				return makeRows(schema, ids, rows), nil
			}
			tx.e.logger.WithFields(log.Fields{
				"table":  name,
				"column": column,
			}).Warn("ordered index out of step with visible rows; scanning")
		}
	}

	ids, rows, err := tx.scan(ctx, tbl, tt, &rangeCond{col: col})
	if err != nil {
		return nil, err
	}
	order := make([]int, len(ids))
	for n := range order {
		order[n] = n
	}
	sort.SliceStable(order,
		func(i, j int) bool {
			cmp := sql.Compare(rows[order[i]][col], rows[order[j]][col])
			if ascending {
				return cmp < 0
			}
			return cmp > 0
		})

	if offset >= len(order) {
		order = nil
	} else {
		order = order[offset:]
	}
	if limit > 0 && limit < len(order) {
		order = order[:limit]
	}

	oids := make([]int64, len(order))
	orows := make([][]sql.Value, len(order))
	for n, o := range order {
		oids[n] = ids[o]
		orows[n] = rows[o]
	}
	return makeRows(schema, oids, orows), nil
}

// Aggregate returns count, min and max of column over the visible rows; an empty column
// counts every row.
func (tx *Transaction) Aggregate(ctx context.Context, name, column string) (mvcc.Aggregate,
	error) {

	if err := tx.statement(); err != nil {
		return mvcc.Aggregate{}, err
	}
	tbl, tt, err := tx.lookup(name)
	if err != nil {
		return mvcc.Aggregate{}, err
	}
	col := -1
	if column != "" {
		col, err = bindColumn(tbl.vs.Schema(), column)
		if err != nil {
			return mvcc.Aggregate{}, err
		}
	}

	if tt == nil || tt.tb.Len() == 0 {
		return tbl.vs.Aggregate(ctx, tx.beginSeq, col)
	}

	_, rows, err := tx.scan(ctx, tbl, tt, nil)
	if err != nil {
		return mvcc.Aggregate{}, err
	}
	var agg mvcc.Aggregate
	for _, row := range rows {
		if col < 0 {
			agg.Count += 1
			continue
		}
		val := row[col]
		if val == nil {
			continue
		}
		agg.Count += 1
		if agg.Min == nil || sql.Compare(val, agg.Min) < 0 {
			agg.Min = val
		}
		if agg.Max == nil || sql.Compare(val, agg.Max) > 0 {
			agg.Max = val
		}
	}
	return agg, nil
}

func convertColumn(schema *sql.Schema, num int, val sql.Value) (sql.Value, error) {
	col := schema.Columns[num]
	if val == nil {
		if col.NotNull {
			return nil, errors.Newf("engine: table %s: column %s may not be NULL", schema.Name,
				col.Name)
		}
		return nil, nil
	}
	v, err := sql.ConvertValue(col.Type, val)
	if err != nil {
		return nil, errors.Wrapf(err, "engine: table %s: column %s", schema.Name, col.Name)
	}
	return v, nil
}

// makeRow converts values for the live columns, in order, into a physical row; missing
// trailing values take the column default.
func makeRow(schema *sql.Schema, vals []sql.Value) ([]sql.Value, error) {
	visible := schema.Visible()
	if len(vals) > len(visible) {
		return nil, errors.Newf("engine: table %s: expected at most %d values; got %d",
			schema.Name, len(visible), len(vals))
	}

	row := make([]sql.Value, len(schema.Columns))
	for n, num := range visible {
		val := schema.Columns[num].Default
		if n < len(vals) {
			val = vals[n]
		}
		v, err := convertColumn(schema, num, val)
		if err != nil {
			return nil, err
		}
		row[num] = v
	}
	return row, nil
}

func nullKey(key []sql.Value) bool {
	for _, val := range key {
		if val == nil {
			return true
		}
	}
	return false
}

// checkUnique fails if row, to be written as rowID, duplicates a unique key of any other row
// as the table will be after the transaction: the newest committed rows, overlaid by the
// transaction's pending writes, overlaid by the writes of the current statement (nil for a
// delete). Keys with a NULL are never duplicates.
func (tx *Transaction) checkUnique(tt *txTable, rowID int64, row []sql.Value,
	stmt map[int64][]sql.Value) error {

	vs := tt.tbl.vs
	schema := vs.Schema()
	for _, def := range schema.Indexes {
		if !def.Unique {
			continue
		}
		key := vs.IndexKey(def, row)
		if nullKey(key) {
			continue
		}

		same := func(data []sql.Value) bool {
			return data != nil && sql.CompareRows(vs.IndexKey(def, data), key) == 0
		}
		duplicate := func(id int64) bool {
			if id == rowID {
				return false
			}
			if data, ok := stmt[id]; ok {
				return same(data)
			}
			if rv, ok := tt.tb.Pending(id); ok {
				return !rv.Deleted() && same(rv.Data)
			}
			return true
		}

		var ids []int64
		if idx, ok := vs.Index(def.Name); ok {
			ids = idx.FindEqual(key)
		}
		for _, id := range ids {
			if duplicate(id) {
				return errs.UniqueViolation(tt.tbl.name, def.Name, sql.FormatRow(key))
			}
		}
		for _, id := range tt.tb.Rows() {
			if _, ok := stmt[id]; !ok && duplicate(id) {
				return errs.UniqueViolation(tt.tbl.name, def.Name, sql.FormatRow(key))
			}
		}
		for id, data := range stmt {
			if id != rowID && same(data) {
				return errs.UniqueViolation(tt.tbl.name, def.Name, sql.FormatRow(key))
			}
		}
	}
	return nil
}

// Insert a row given the values of the live columns in order. It returns the id of the row:
// the value of the integer primary key, or else a generated id.
func (tx *Transaction) Insert(ctx context.Context, name string, vals []sql.Value) (int64,
	error) {

	if err := tx.statement(); err != nil {
		return 0, err
	}
	tbl, _, err := tx.lookup(name)
	if err != nil {
		return 0, err
	}
	schema := tbl.vs.Schema()
	row, err := makeRow(schema, vals)
	if err != nil {
		return 0, err
	}

	tt := tx.writer(tbl)
	var rowID int64
	if schema.PrimaryKey >= 0 {
		rowID = int64(row[schema.PrimaryKey].(sql.Int64Value))
		if _, ok := tt.tb.Read(rowID, tx.beginSeq, true); ok {
			return 0, errs.UniqueViolation(name, "primary", sql.Format(row[schema.PrimaryKey]))
		}
	} else {
		rowID = tbl.vs.NextRowID()
	}

	err = tx.checkUnique(tt, rowID, row, nil)
	if err != nil {
		return 0, err
	}
	err = tt.tb.Put(rowID, row, tx.e.reg.Now())
	if err != nil {
		return 0, tx.abort(err)
	}
	return rowID, nil
}

// Update sets columns of every row matching pred and returns the number of rows updated.
// If any row can not be updated, no row is.
func (tx *Transaction) Update(ctx context.Context, name string, pred Predicate,
	updates []sql.ColumnUpdate) (int, error) {

	if err := tx.statement(); err != nil {
		return 0, err
	}
	tbl, tt, err := tx.lookup(name)
	if err != nil {
		return 0, err
	}
	schema := tbl.vs.Schema()
	c, err := bindPredicate(schema, pred)
	if err != nil {
		return 0, err
	}

	type colVal struct {
		num int
		val sql.Value
	}
	sets := make([]colVal, 0, len(updates))
	for _, cu := range updates {
		num, err := bindColumn(schema, cu.Column)
		if err != nil {
			return 0, err
		}
		if num == schema.PrimaryKey {
			return 0, errors.Newf("engine: table %s: primary key %s may not be updated", name,
				cu.Column)
		}
		val, err := convertColumn(schema, num, cu.Value)
		if err != nil {
			return 0, err
		}
		sets = append(sets, colVal{num, val})
	}

	ids, _, err := tx.scan(ctx, tbl, tt, c)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	tt = tx.writer(tbl)
	stmt := map[int64][]sql.Value{}
	rows := make([][]sql.Value, len(ids))
	for n, rowID := range ids {
		old, ok := tt.tb.Read(rowID, tx.beginSeq, true)
		if !ok {
			return 0, errors.Newf("engine: table %s: row %d disappeared", name, rowID)
		}
		row := append([]sql.Value(nil), schema.Normalize(old)...)
		for _, set := range sets {
			row[set.num] = set.val
		}
		rows[n] = row
		stmt[rowID] = row
	}
	for n, rowID := range ids {
		err = tx.checkUnique(tt, rowID, rows[n], stmt)
		if err != nil {
			return 0, err
		}
	}

	now := tx.e.reg.Now()
	for n, rowID := range ids {
		err = tt.tb.Put(rowID, rows[n], now)
		if err != nil {
			return 0, tx.abort(err)
		}
	}
	return len(ids), nil
}

// Delete every row matching pred and return the number of rows deleted.
func (tx *Transaction) Delete(ctx context.Context, name string, pred Predicate) (int, error) {
	if err := tx.statement(); err != nil {
		return 0, err
	}
	tbl, tt, err := tx.lookup(name)
	if err != nil {
		return 0, err
	}
	c, err := bindPredicate(tbl.vs.Schema(), pred)
	if err != nil {
		return 0, err
	}

	ids, _, err := tx.scan(ctx, tbl, tt, c)
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	tt = tx.writer(tbl)
	now := tx.e.reg.Now()
	for _, rowID := range ids {
		tt.tb.Read(rowID, tx.beginSeq, true)
		err = tt.tb.Delete(rowID, now)
		if err != nil {
			return 0, tx.abort(err)
		}
	}
	return len(ids), nil
}

// Rollback discards the writes of the transaction; it does nothing if the transaction is
// already complete.
func (tx *Transaction) Rollback() error {
	if !tx.done {
		tx.finish()
	}
	return nil
}

// Commit makes the writes of the transaction visible to transactions that begin afterwards.
// On any error the transaction is rolled back.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.done {
		if tx.aborted != nil {
			return tx.aborted
		}
		return errTransactionComplete
	}
	defer tx.finish()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.e.check(); err != nil {
		return err
	}

	var tts []*txTable
	for _, tt := range tx.tables {
		if tt.tb.Len() > 0 {
			tts = append(tts, tt)
		}
	}
	if len(tts) == 0 {
		return nil
	}
	sort.Slice(tts, func(i, j int) bool { return tts[i].tbl.id < tts[j].tbl.id })
	return tx.e.commit(tx, tts)
}

func commitLatches(tt *txTable) []string {
	vs := tt.tbl.vs
	schema := vs.Schema()

	var keys []string
	for _, rowID := range tt.tb.Rows() {
		keys = append(keys, tt.tbl.rowLatch(rowID))

		rv, _ := tt.tb.Pending(rowID)
		if rv.Deleted() {
			continue
		}
		for _, def := range schema.Indexes {
			if !def.Unique {
				continue
			}
			key := vs.IndexKey(def, rv.Data)
			if !nullKey(key) {
				keys = append(keys, tt.tbl.uniqueLatch(def.Name, encode.MakeKey(key)))
			}
		}
	}
	return keys
}

func (e *Engine) commit(tx *Transaction, tts []*txTable) (err error) {
	defer e.guard(&err)

	e.gate.RLock()
	defer e.gate.RUnlock()

	if err := e.check(); err != nil {
		return err
	}

	var h util.Holder
	defer e.latches.Release(&h)

	var keys []string
	for _, tt := range tts {
		e.latches.Shared(&h, tt.tbl.latch)
		keys = append(keys, commitLatches(tt)...)
	}
	if !e.latches.ExclusiveAll(&h, keys) {
		panic("engine: commit latch held shared")
	}

	checkWriteSet := tx.iso != service.ReadCommitted
	var recs []wal.Record
	batches := make([][]mvcc.BatchEntry, len(tts))
	for n, tt := range tts {
		if !e.current(tt.tbl) {
			return errors.Newf("engine: table %s was dropped", tt.tbl.name)
		}
		err := tt.tb.Validate(checkWriteSet)
		if err != nil {
			tx.aborted = err
			return err
		}
		for _, rowID := range tt.tb.Rows() {
			rv, _ := tt.tb.Pending(rowID)
			if rv.Deleted() {
				continue
			}
			err = tx.checkUnique(tt, rowID, rv.Data, nil)
			if err != nil {
				return err
			}
		}

		batches[n] = tt.tb.Batch()
		for _, ent := range batches[n] {
			typ := wal.UpdateEntry
			if ent.Version.Deleted() {
				typ = wal.DeleteEntry
			} else if ent.Old == nil {
				typ = wal.InsertEntry
			}
			recs = append(recs, wal.Record{
				Type: typ,
				Payload: wal.AppendRowChange(nil, wal.RowChange{
					TableID: tt.tbl.id,
					RowID:   ent.Version.RowID,
					Row:     ent.Version.Data,
				}),
			})
		}
	}

	seq := e.reg.AllocCommitSeq()
	err = e.wal.Append(tx.tid, seq, recs)
	if err != nil {
		e.reg.Publish(seq)
		e.poison(err)
		return err
	}

	for n, tt := range tts {
		tt.tbl.vs.ApplyBatch(batches[n], seq)
	}
	e.reg.Publish(seq)
	return nil
}
