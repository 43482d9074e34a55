package index

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
)

type ordItem struct {
	key  []sql.Value
	rows rowSet
}

func (oi *ordItem) Less(item btree.Item) bool {
	return sql.CompareRows(oi.key, item.(*ordItem).key) < 0
}

type bound struct {
	gen uint64
	key []sql.Value
}

// Ordered keeps its keys in a btree, for ranges and ordering, and in a map, for equality.
type Ordered struct {
	def sql.IndexDef

	mutex sync.RWMutex
	tree  *btree.BTree
	keys  map[string]*ordItem
	count int
	// Incremented on every mutation; a cached min or max is valid only for the generation it
	// was computed at.
	gen uint64

	min atomic.Pointer[bound]
	max atomic.Pointer[bound]
}

func newOrdered(def sql.IndexDef) *Ordered {
	return &Ordered{
		def:  def,
		tree: btree.New(16),
		keys: map[string]*ordItem{},
	}
}

func (o *Ordered) Def() sql.IndexDef {
	return o.def
}

func (o *Ordered) Add(key []sql.Value, rowID int64) {
	if !indexable(key) {
		return
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	skey := encode.MakeKey(key)
	oi, ok := o.keys[skey]
	if !ok {
		oi = &ordItem{key: append([]sql.Value(nil), sql.CanonicalRow(key)...)}
		o.keys[skey] = oi
		o.tree.ReplaceOrInsert(oi)
	}
	n := len(oi.rows)
	oi.rows = oi.rows.add(rowID)
	o.count += len(oi.rows) - n
	atomic.AddUint64(&o.gen, 1)
}

func (o *Ordered) Remove(key []sql.Value, rowID int64) {
	if !indexable(key) {
		return
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	skey := encode.MakeKey(key)
	oi, ok := o.keys[skey]
	if !ok {
		return
	}
	n := len(oi.rows)
	oi.rows = oi.rows.remove(rowID)
	o.count -= n - len(oi.rows)
	if len(oi.rows) == 0 {
		delete(o.keys, skey)
		o.tree.Delete(oi)
	}
	atomic.AddUint64(&o.gen, 1)
}

func (o *Ordered) FindEqual(key []sql.Value) []int64 {
	if !indexable(key) {
		return nil
	}

	o.mutex.RLock()
	defer o.mutex.RUnlock()

	if oi, ok := o.keys[encode.MakeKey(key)]; ok {
		return oi.rows.clone()
	}
	return nil
}

func (o *Ordered) FindIn(keys [][]sql.Value) []int64 {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	var rows []int64
	for _, key := range keys {
		if !indexable(key) {
			continue
		}
		if oi, ok := o.keys[encode.MakeKey(key)]; ok {
			rows = Union(rows, oi.rows)
		}
	}
	return rows
}

func (o *Ordered) FindRange(min, max []sql.Value, minInclusive, maxInclusive bool) ([]int64,
	error) {

	o.mutex.RLock()
	defer o.mutex.RUnlock()

	var rows []int64
	iter := func(item btree.Item) bool {
		oi := item.(*ordItem)
		if min != nil && !minInclusive && sql.CompareRows(oi.key, min) == 0 {
			return true
		}
		if max != nil {
			cmp := sql.CompareRows(oi.key, max)
			if cmp > 0 || (cmp == 0 && !maxInclusive) {
				return false
			}
		}
		rows = append(rows, oi.rows...)
		return true
	}
	if min == nil {
		o.tree.Ascend(iter)
	} else {
		o.tree.AscendGreaterOrEqual(&ordItem{key: min}, iter)
	}
	return sortRows(rows), nil
}

func (o *Ordered) Ordered(ascending bool, limit, offset int) ([]int64, error) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	var rows []int64
	want := -1
	if limit > 0 {
		want = offset + limit
	}
	iter := func(item btree.Item) bool {
		rows = append(rows, item.(*ordItem).rows...)
		return want < 0 || len(rows) < want
	}
	if ascending {
		o.tree.Ascend(iter)
	} else {
		o.tree.Descend(iter)
	}
	return window(rows, limit, offset), nil
}

func (o *Ordered) cachedBound(cache *atomic.Pointer[bound], first bool) []sql.Value {
	gen := atomic.LoadUint64(&o.gen)
	if b := cache.Load(); b != nil && b.gen == gen {
		return b.key
	}

	o.mutex.RLock()
	gen = atomic.LoadUint64(&o.gen)
	var item btree.Item
	if first {
		item = o.tree.Min()
	} else {
		item = o.tree.Max()
	}
	o.mutex.RUnlock()

	var key []sql.Value
	if item != nil {
		key = item.(*ordItem).key
	}
	cache.Store(&bound{gen: gen, key: key})
	return key
}

func (o *Ordered) Min() []sql.Value {
	return o.cachedBound(&o.min, true)
}

func (o *Ordered) Max() []sql.Value {
	return o.cachedBound(&o.max, false)
}

func (o *Ordered) Len() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	return o.count
}

// orderedBase lets Composite embed Ordered without the embedded field hiding the Ordered
// method.
type orderedBase = Ordered

// Composite is an ordered index over more than one column. Besides full keys, it can find
// rows by equality on a prefix of its columns.
type Composite struct {
	*orderedBase
}

func newComposite(def sql.IndexDef) *Composite {
	return &Composite{orderedBase: newOrdered(def)}
}

// Covers returns how many leading columns of the index are in eqCols; zero means the index
// can not be used.
func (c *Composite) Covers(eqCols map[int]sql.Value) int {
	n := 0
	for _, col := range c.def.Columns {
		if _, ok := eqCols[col]; !ok {
			break
		}
		n += 1
	}
	return n
}

func (c *Composite) FindPrefix(prefix []sql.Value) []int64 {
	if !indexable(prefix) {
		return nil
	}
	if len(prefix) == len(c.def.Columns) {
		return c.FindEqual(prefix)
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var rows []int64
	c.tree.AscendGreaterOrEqual(&ordItem{key: prefix},
		func(item btree.Item) bool {
			oi := item.(*ordItem)
			if sql.CompareRows(oi.key[:len(prefix)], prefix) != 0 {
				return false
			}
			rows = append(rows, oi.rows...)
			return true
		})
	return sortRows(rows)
}
