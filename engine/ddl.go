package engine

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/mvstore/errs"
	"github.com/leftmike/mvstore/mvcc"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
	"github.com/leftmike/mvstore/storage/util"
	"github.com/leftmike/mvstore/storage/wal"
)

func (e *Engine) newTable(schema *sql.Schema) *table {
	return &table{
		name:  schema.Name,
		id:    schema.ID,
		vs:    mvcc.NewVersionStore(schema, e.storeOptions()),
		latch: fmt.Sprintf("t/%d", schema.ID),
	}
}

// logDDL writes a schema change to the log as a transaction of its own.
func (e *Engine) logDDL(typ wal.EntryType, tc wal.TableChange) error {
	tid, _ := e.reg.Begin()
	defer e.reg.Finish(tid)

	seq := e.reg.AllocCommitSeq()
	err := e.wal.Append(tid, seq, []wal.Record{
		{Type: typ, Payload: wal.AppendTableChange(nil, tc)},
	})
	e.reg.Publish(seq)
	if err != nil {
		e.poison(err)
		return err
	}

	e.logger.WithFields(log.Fields{
		"table": tc.Schema.Name,
		"index": tc.Index,
		"seq":   seq,
	}).Info(typ.String())
	return nil
}

// lockTable waits for commits to the table to finish and keeps new ones out until the
// returned holder is released.
func (e *Engine) lockTable(name string) (*table, *util.Holder, error) {
	tbl, err := e.lookupTable(name)
	if err != nil {
		return nil, nil, err
	}

	h := &util.Holder{}
	e.latches.Exclusive(h, tbl.latch)
	if !e.current(tbl) {
		e.latches.Release(h)
		return nil, nil, errors.Newf("engine: table %s not found", name)
	}
	return tbl, h, nil
}

func checkColumn(tblname string, col *sql.Column) error {
	if col.Name == "" {
		return errors.Newf("engine: table %s: missing column name", tblname)
	}
	if !col.Type.Valid() {
		return errors.Newf("engine: table %s: column %s: bad type", tblname, col.Name)
	}
	if col.Dropped {
		return errors.Newf("engine: table %s: column %s: may not be dropped", tblname, col.Name)
	}
	if col.Default != nil {
		def, err := sql.ConvertValue(col.Type, col.Default)
		if err != nil {
			return errors.Wrapf(err, "engine: table %s: column %s: default", tblname, col.Name)
		}
		col.Default = def
	}
	return nil
}

// CreateTable creates a table with cols. If primary is not empty, it names an integer column
// whose value is the row id; otherwise row ids are generated.
func (e *Engine) CreateTable(ctx context.Context, name string, cols []sql.Column,
	primary string) (err error) {

	if err := e.check(); err != nil {
		return err
	}
	if name == "" || len(cols) == 0 {
		return errors.New("engine: create table: expected a name and at least one column")
	}

	schema := &sql.Schema{
		Name:       name,
		Columns:    append([]sql.Column(nil), cols...),
		PrimaryKey: -1,
	}
	names := map[string]struct{}{}
	for num := range schema.Columns {
		col := &schema.Columns[num]
		if err := checkColumn(name, col); err != nil {
			return err
		}
		if _, dup := names[col.Name]; dup {
			return errors.Newf("engine: table %s: duplicate column %s", name, col.Name)
		}
		names[col.Name] = struct{}{}

		if col.Name == primary {
			if col.Type != sql.IntegerType {
				return errors.Newf("engine: table %s: primary key %s must be an integer", name,
					primary)
			}
			col.NotNull = true
			schema.PrimaryKey = num
		}
	}
	if primary != "" && schema.PrimaryKey < 0 {
		return errors.Newf("engine: table %s: primary key %s not found", name, primary)
	}

	defer e.guard(&err)
	e.gate.RLock()
	defer e.gate.RUnlock()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if _, ok := e.tables[name]; ok {
		return errors.Newf("engine: table %s already exists", name)
	}
	schema.ID = e.nextTableID

	err = e.logDDL(wal.CreateTableEntry, wal.TableChange{Schema: schema})
	if err != nil {
		return err
	}
	e.nextTableID += 1
	e.tables[name] = e.newTable(schema)
	return nil
}

// DropTable waits for commits to the table to finish, then drops it. Transactions with
// writes to the table will fail to commit.
func (e *Engine) DropTable(ctx context.Context, name string) (err error) {
	if err := e.check(); err != nil {
		return err
	}

	defer e.guard(&err)
	e.gate.RLock()
	defer e.gate.RUnlock()

	tbl, h, err := e.lockTable(name)
	if err != nil {
		return err
	}
	defer e.latches.Release(h)

	e.mutex.Lock()
	defer e.mutex.Unlock()

	err = e.logDDL(wal.DropTableEntry, wal.TableChange{Schema: tbl.vs.Schema()})
	if err != nil {
		return err
	}
	delete(e.tables, name)
	return nil
}

// AlterOp is a change to the columns of a table; see AddColumn and DropColumn.
type AlterOp interface {
	apply(tbl *table, schema *sql.Schema) error
}

type addColumn struct {
	col sql.Column
}

type dropColumn struct {
	name string
}

// AddColumn appends a column. Existing rows read the default (or NULL) for it; a NOT NULL
// column needs a default.
func AddColumn(col sql.Column) AlterOp {
	return addColumn{col: col}
}

// DropColumn hides a column; its slot in stored rows is never reused. Indexed and primary
// key columns can not be dropped.
func DropColumn(name string) AlterOp {
	return dropColumn{name: name}
}

func (ac addColumn) apply(tbl *table, schema *sql.Schema) error {
	col := ac.col
	if err := checkColumn(schema.Name, &col); err != nil {
		return err
	}
	if _, ok := schema.ColumnNum(col.Name); ok {
		return errors.Newf("engine: table %s: column %s already exists", schema.Name, col.Name)
	}
	if col.NotNull && col.Default == nil {
		return errors.Newf("engine: table %s: column %s: not null requires a default",
			schema.Name, col.Name)
	}
	schema.Columns = append(schema.Columns, col)
	return nil
}

func (dc dropColumn) apply(tbl *table, schema *sql.Schema) error {
	num, ok := schema.ColumnNum(dc.name)
	if !ok {
		return errors.Newf("engine: table %s: column %s not found", schema.Name, dc.name)
	}
	if num == schema.PrimaryKey {
		return errors.Newf("engine: table %s: primary key %s may not be dropped", schema.Name,
			dc.name)
	}
	for _, def := range schema.Indexes {
		for _, col := range def.Columns {
			if col == num {
				return errors.Newf("engine: table %s: column %s is used by index %s",
					schema.Name, dc.name, def.Name)
			}
		}
	}
	if len(schema.Visible()) == 1 {
		return errors.Newf("engine: table %s: may not drop the only column", schema.Name)
	}
	schema.Columns[num].Dropped = true
	return nil
}

func (e *Engine) AlterTable(ctx context.Context, name string, op AlterOp) (err error) {
	if err := e.check(); err != nil {
		return err
	}

	defer e.guard(&err)
	e.gate.RLock()
	defer e.gate.RUnlock()

	tbl, h, err := e.lockTable(name)
	if err != nil {
		return err
	}
	defer e.latches.Release(h)

	schema := tbl.vs.Schema().Clone()
	err = op.apply(tbl, schema)
	if err != nil {
		return err
	}

	err = e.logDDL(wal.AlterTableEntry, wal.TableChange{Schema: schema})
	if err != nil {
		return err
	}
	tbl.vs.SetSchema(schema)
	return nil
}

// CreateIndex builds an index over the current rows of a table. An index on more than one
// column is a composite index; it is used when equality predicates cover its leading
// columns.
func (e *Engine) CreateIndex(ctx context.Context, tblname, name string, columns []string,
	kind sql.IndexKind, unique bool) (err error) {

	if err := e.check(); err != nil {
		return err
	}
	if name == "" || len(columns) == 0 {
		return errors.New("engine: create index: expected a name and at least one column")
	}

	defer e.guard(&err)
	e.gate.RLock()
	defer e.gate.RUnlock()

	tbl, h, err := e.lockTable(tblname)
	if err != nil {
		return err
	}
	defer e.latches.Release(h)

	schema := tbl.vs.Schema().Clone()
	if _, ok := schema.LookupIndex(name); ok {
		return errors.Newf("engine: table %s: index %s already exists", tblname, name)
	}
	def := sql.IndexDef{
		Name:   name,
		Kind:   kind,
		Unique: unique,
	}
	for _, column := range columns {
		num, err := bindColumn(schema, column)
		if err != nil {
			return err
		}
		def.Columns = append(def.Columns, num)
	}

	if unique {
		err = checkDuplicates(tbl, def)
		if err != nil {
			return err
		}
	}

	err = tbl.vs.CreateIndex(def, true)
	if err != nil {
		return err
	}
	schema.Indexes = append(schema.Indexes, def)

	err = e.logDDL(wal.CreateIndexEntry, wal.TableChange{Schema: schema, Index: name})
	if err != nil {
		tbl.vs.DropIndex(name)
		return err
	}
	tbl.vs.SetSchema(schema)
	return nil
}

func checkDuplicates(tbl *table, def sql.IndexDef) error {
	keys := map[string]struct{}{}
	return tbl.vs.Latest(
		func(rv mvcc.RowVersion, seq uint64) error {
			key := tbl.vs.IndexKey(def, rv.Data)
			if nullKey(key) {
				return nil
			}
			skey := encode.MakeKey(key)
			if _, ok := keys[skey]; ok {
				return errs.UniqueViolation(tbl.name, def.Name, sql.FormatRow(key))
			}
			keys[skey] = struct{}{}
			return nil
		})
}

func (e *Engine) DropIndex(ctx context.Context, tblname, name string) (err error) {
	if err := e.check(); err != nil {
		return err
	}

	defer e.guard(&err)
	e.gate.RLock()
	defer e.gate.RUnlock()

	tbl, h, err := e.lockTable(tblname)
	if err != nil {
		return err
	}
	defer e.latches.Release(h)

	schema := tbl.vs.Schema().Clone()
	found := false
	for n, def := range schema.Indexes {
		if def.Name == name {
			schema.Indexes = append(schema.Indexes[:n], schema.Indexes[n+1:]...)
			found = true
			break
		}
	}
	if !found {
		return errors.Newf("engine: table %s: index %s not found", tblname, name)
	}

	err = e.logDDL(wal.DropIndexEntry, wal.TableChange{Schema: schema, Index: name})
	if err != nil {
		return err
	}
	tbl.vs.SetSchema(schema)
	return tbl.vs.DropIndex(name)
}
