package mvcc

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/leftmike/mvstore/index"
	"github.com/leftmike/mvstore/sql"
)

// Aggregate summarizes one column over the visible rows: Count is the number of rows with a
// non-NULL value (or of all rows for column -1).
type Aggregate struct {
	Count int64
	Min   sql.Value
	Max   sql.Value
}

func NewAggregateCache(maxEntries int64) (*ristretto.Cache[string, Aggregate], error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	return ristretto.NewCache(&ristretto.Config[string, Aggregate]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
}

// Stable returns the current generation and whether the newest committed state, and so the
// indexes, is the state visible at beginSeq with no batch being applied. A reader that uses
// the indexes must check Unchanged with the generation once it is done with them.
func (vs *VersionStore) Stable(beginSeq uint64) (uint64, bool) {
	gen := vs.gen.Load()
	if vs.applying.Load() > 0 {
		return gen, false
	}
	return gen, vs.LastCommitSeq() < beginSeq
}

// Unchanged reports whether no batch has started applying since Stable returned gen.
func (vs *VersionStore) Unchanged(gen uint64) bool {
	return vs.applying.Load() == 0 && vs.gen.Load() == gen
}

// orderedIndex returns a populated single column ordered index on col.
func (vs *VersionStore) orderedIndex(col int) (*index.Ordered, bool) {
	for _, idx := range vs.Indexes() {
		def := idx.Def()
		if len(def.Columns) != 1 || def.Columns[0] != col {
			continue
		}
		if o, ok := idx.(*index.Ordered); ok {
			return o, true
		}
	}
	return nil, false
}

// Aggregate computes count, min and max of a column over the rows visible at beginSeq. When
// the newest committed state is the visible one, the result comes from the cache or a
// single column ordered index, and is cached.
func (vs *VersionStore) Aggregate(ctx context.Context, beginSeq uint64, col int) (Aggregate,
	error) {

	gen, latest := vs.Stable(beginSeq)

	var key string
	if latest && vs.cache != nil {
		key = fmt.Sprintf("%d/%d/%d", vs.Schema().ID, gen, col)
		if agg, ok := vs.cache.Get(key); ok {
			return agg, nil
		}
	}

	if o, ok := vs.orderedIndex(col); ok && latest {
		agg := Aggregate{Count: int64(o.Len())}
		if min := o.Min(); min != nil {
			agg.Min = min[0]
		}
		if max := o.Max(); max != nil {
			agg.Max = max[0]
		}
		if vs.Unchanged(gen) {
			if key != "" {
				vs.cache.Set(key, agg, 1)
			}
			return agg, nil
		}
	}

	agg, err := vs.scanAggregate(ctx, beginSeq, col)
	if err != nil {
		return Aggregate{}, err
	}
	if key != "" && vs.Unchanged(gen) {
		vs.cache.Set(key, agg, 1)
	}
	return agg, nil
}

func (vs *VersionStore) scanAggregate(ctx context.Context, beginSeq uint64, col int) (Aggregate,
	error) {

	rows, err := vs.ScanVisible(ctx, beginSeq, nil)
	if err != nil {
		return Aggregate{}, err
	}

	schema := vs.Schema()
	var agg Aggregate
	for _, rv := range rows {
		if col < 0 {
			agg.Count += 1
			continue
		}
		val := schema.Normalize(rv.Data)[col]
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
