package engine

import (
	"github.com/leftmike/mvstore/index"
	"github.com/leftmike/mvstore/mvcc"
	"github.com/leftmike/mvstore/sql"
)

// planner chooses the rows to examine for a bound predicate. The rows it returns are
// candidates only: every one is read through the visibility rule and checked against the
// predicate again.
type planner struct {
	vs       *mvcc.VersionStore
	schema   *sql.Schema
	beginSeq uint64
}

func newPlanner(vs *mvcc.VersionStore, beginSeq uint64) *planner {
	return &planner{
		vs:       vs,
		schema:   vs.Schema(),
		beginSeq: beginSeq,
	}
}

// withIndexes runs fn against the indexes and returns its result only if the indexes held
// exactly the state visible to the reader for the whole of fn: indexes reflect the newest
// committed state, and a batch applied while fn runs leaves them half updated.
func (p *planner) withIndexes(fn func() ([]int64, bool)) ([]int64, bool) {
	gen, ok := p.vs.Stable(p.beginSeq)
	if !ok {
		return nil, false
	}
	rows, ok := fn()
	if !ok || !p.vs.Unchanged(gen) {
		return nil, false
	}
	return rows, true
}

// primaryRows returns the row ids selected by equality on the integer primary key.
func (p *planner) primaryRows(c cond) ([]int64, bool) {
	pk := p.schema.PrimaryKey
	if pk < 0 {
		return nil, false
	}

	switch c := c.(type) {
	case *eqCond:
		if c.col != pk {
			return nil, false
		}
		if id, ok := c.val.(sql.Int64Value); ok {
			return []int64{int64(id)}, true
		}
		return nil, true
	case *inCond:
		if c.col != pk {
			return nil, false
		}
		var ids []int64
		for _, val := range c.vals {
			if id, ok := val.(sql.Int64Value); ok {
				ids = index.Union(ids, []int64{int64(id)})
			}
		}
		return ids, true
	case andCond:
		for _, sub := range c {
			if ids, ok := p.primaryRows(sub); ok {
				return ids, true
			}
		}
	}
	return nil, false
}

// singleIndex returns a populated index on exactly col.
func (p *planner) singleIndex(col int) (index.Index, bool) {
	for _, idx := range p.vs.Indexes() {
		def := idx.Def()
		if len(def.Columns) == 1 && def.Columns[0] == col {
			return idx, true
		}
	}
	return nil, false
}

func (p *planner) isBoolean(col int) bool {
	return p.schema.Columns[col].Type == sql.BooleanType
}

func (p *planner) compositeRows(c andCond) ([]int64, map[int]bool, bool) {
	eqCols := map[int]sql.Value{}
	for _, sub := range c {
		if eq, ok := sub.(*eqCond); ok && eq.val != nil {
			eqCols[eq.col] = eq.val
		}
	}
	if len(eqCols) == 0 {
		return nil, nil, false
	}

	var best *index.Composite
	var covered int
	for _, idx := range p.vs.Indexes() {
		comp, ok := idx.(*index.Composite)
		if !ok {
			continue
		}
		if n := comp.Covers(eqCols); n > covered {
			best = comp
			covered = n
		}
	}
	if best == nil {
		return nil, nil, false
	}

	cols := best.Def().Columns[:covered]
	prefix := make([]sql.Value, covered)
	used := map[int]bool{}
	for n, col := range cols {
		prefix[n] = eqCols[col]
		used[col] = true
	}
	return best.FindPrefix(prefix), used, true
}

// indexRows returns the candidate rows for c using the indexes of the table, or false if c
// can not be answered from the indexes.
func (p *planner) indexRows(c cond) ([]int64, bool) {
	switch c := c.(type) {
	case *eqCond:
		if p.isBoolean(c.col) {
			return nil, false
		}
		if c.val == nil {
			return nil, true
		}
		idx, ok := p.singleIndex(c.col)
		if !ok {
			return nil, false
		}
		return idx.FindEqual([]sql.Value{c.val}), true
	case *inCond:
		if p.isBoolean(c.col) {
			return nil, false
		}
		idx, ok := p.singleIndex(c.col)
		if !ok {
			return nil, false
		}
		keys := make([][]sql.Value, len(c.vals))
		for n, val := range c.vals {
			keys[n] = []sql.Value{val}
		}
		return idx.FindIn(keys), true
	case *rangeCond:
		idx, ok := p.singleIndex(c.col)
		if !ok {
			return nil, false
		}
		var min, max []sql.Value
		if c.min != nil {
			min = []sql.Value{c.min}
		}
		if c.max != nil {
			max = []sql.Value{c.max}
		}
		rows, err := idx.FindRange(min, max, c.minInclusive, c.maxInclusive)
		if err != nil {
			return nil, false
		}
		return rows, true
	case *prefixCond:
		idx, ok := p.singleIndex(c.col)
		if !ok {
			return nil, false
		}
		min := []sql.Value{sql.StringValue(c.prefix)}
		var max []sql.Value
		if succ, ok := index.Successor(c.prefix); ok {
			max = []sql.Value{sql.StringValue(succ)}
		}
		rows, err := idx.FindRange(min, max, true, false)
		if err != nil {
			return nil, false
		}
		return rows, true
	case andCond:
		rows, used, found := p.compositeRows(c)
		for _, sub := range c {
			if eq, ok := sub.(*eqCond); ok && used[eq.col] {
				continue
			}
			subRows, ok := p.indexRows(sub)
			if !ok {
				continue
			}
			if found {
				rows = index.Intersect(rows, subRows)
			} else {
				rows = subRows
				found = true
			}
		}
		return rows, found
	case orCond:
		var rows []int64
		for _, sub := range c {
			subRows, ok := p.indexRows(sub)
			if !ok {
				return nil, false
			}
			rows = index.Union(rows, subRows)
		}
		return rows, true
	}
	return nil, false
}

// candidates returns the rows that may match c, sorted, or false if every visible row must
// be scanned.
func (p *planner) candidates(c cond) ([]int64, bool) {
	if c == nil {
		return nil, false
	}
	if rows, ok := p.primaryRows(c); ok {
		return rows, true
	}
	return p.withIndexes(
		func() ([]int64, bool) {
			return p.indexRows(c)
		})
}

// orderedRows returns up to limit row ids, after skipping offset, in the order of a single
// column index on col, or false if the rows must be sorted from a scan.
func (p *planner) orderedRows(col int, ascending bool, limit, offset int) ([]int64, bool) {
	return p.withIndexes(
		func() ([]int64, bool) {
			idx, ok := p.singleIndex(col)
			if !ok {
				return nil, false
			}
			ids, err := idx.Ordered(ascending, limit, offset)
			if err != nil {
				return nil, false
			}
			return ids, true
		})
}
