package index

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
)

type eqEntry struct {
	key  []sql.Value
	skey string
	rows rowSet
}

// Equality is a hash index supporting only exact matches. Each bucket keeps the actual keys
// hashed to it; a reverse map from row to hash makes removal independent of the key.
type Equality struct {
	def sql.IndexDef

	mutex   sync.RWMutex
	buckets map[uint64][]*eqEntry
	rows    map[int64]uint64
}

func newEquality(def sql.IndexDef) *Equality {
	return &Equality{
		def:     def,
		buckets: map[uint64][]*eqEntry{},
		rows:    map[int64]uint64{},
	}
}

func (e *Equality) Def() sql.IndexDef {
	return e.def
}

func (e *Equality) lookup(h uint64, skey string) (*eqEntry, int) {
	for n, ent := range e.buckets[h] {
		if ent.skey == skey {
			return ent, n
		}
	}
	return nil, -1
}

func (e *Equality) Add(key []sql.Value, rowID int64) {
	if !indexable(key) {
		return
	}

	skey := encode.MakeKey(key)
	h := xxhash.Sum64String(skey)

	e.mutex.Lock()
	defer e.mutex.Unlock()

	ent, _ := e.lookup(h, skey)
	if ent == nil {
		ent = &eqEntry{key: append([]sql.Value(nil), sql.CanonicalRow(key)...), skey: skey}
		e.buckets[h] = append(e.buckets[h], ent)
	}
	ent.rows = ent.rows.add(rowID)
	e.rows[rowID] = h
}

func (e *Equality) Remove(key []sql.Value, rowID int64) {
	if !indexable(key) {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	h, ok := e.rows[rowID]
	if !ok {
		return
	}
	ent, n := e.lookup(h, encode.MakeKey(key))
	if ent == nil {
		return
	}
	ent.rows = ent.rows.remove(rowID)
	delete(e.rows, rowID)
	if len(ent.rows) == 0 {
		bucket := e.buckets[h]
		bucket = append(bucket[:n], bucket[n+1:]...)
		if len(bucket) == 0 {
			delete(e.buckets, h)
		} else {
			e.buckets[h] = bucket
		}
	}
}

func (e *Equality) find(key []sql.Value) rowSet {
	if !indexable(key) {
		return nil
	}
	skey := encode.MakeKey(key)
	if ent, _ := e.lookup(xxhash.Sum64String(skey), skey); ent != nil {
		return ent.rows
	}
	return nil
}

func (e *Equality) FindEqual(key []sql.Value) []int64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return e.find(key).clone()
}

func (e *Equality) FindIn(keys [][]sql.Value) []int64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	var rows []int64
	for _, key := range keys {
		rows = Union(rows, e.find(key))
	}
	return rows
}

func (e *Equality) FindRange(min, max []sql.Value, minInclusive, maxInclusive bool) ([]int64,
	error) {

	return nil, ErrUnsupported
}

func (e *Equality) Ordered(ascending bool, limit, offset int) ([]int64, error) {
	return nil, ErrUnsupported
}

func (e *Equality) Min() []sql.Value {
	return nil
}

func (e *Equality) Max() []sql.Value {
	return nil
}

func (e *Equality) Len() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return len(e.rows)
}
