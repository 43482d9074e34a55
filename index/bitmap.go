package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/encode"
)

type bmEntry struct {
	key    []sql.Value
	bitmap *roaring64.Bitmap
}

// Bitmap keeps one compressed bitmap of row ids per distinct key; it is meant for columns
// with few distinct values. Row ids are stored as their unsigned bit patterns.
type Bitmap struct {
	def sql.IndexDef

	mutex    sync.RWMutex
	values   map[string]*bmEntry
	universe *roaring64.Bitmap
}

func newBitmap(def sql.IndexDef) *Bitmap {
	return &Bitmap{
		def:      def,
		values:   map[string]*bmEntry{},
		universe: roaring64.New(),
	}
}

func (b *Bitmap) Def() sql.IndexDef {
	return b.def
}

func (b *Bitmap) Add(key []sql.Value, rowID int64) {
	if !indexable(key) {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	skey := encode.MakeKey(key)
	ent, ok := b.values[skey]
	if !ok {
		ent = &bmEntry{key: append([]sql.Value(nil), sql.CanonicalRow(key)...),
			bitmap: roaring64.New()}
		b.values[skey] = ent
	}
	ent.bitmap.Add(uint64(rowID))
	b.universe.Add(uint64(rowID))
}

func (b *Bitmap) Remove(key []sql.Value, rowID int64) {
	if !indexable(key) {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	skey := encode.MakeKey(key)
	ent, ok := b.values[skey]
	if !ok || !ent.bitmap.Contains(uint64(rowID)) {
		return
	}
	ent.bitmap.Remove(uint64(rowID))
	if ent.bitmap.IsEmpty() {
		delete(b.values, skey)
	}
	b.universe.Remove(uint64(rowID))
}

func toRows(bm *roaring64.Bitmap) []int64 {
	if bm == nil || bm.IsEmpty() {
		return nil
	}
	vals := bm.ToArray()
	rows := make([]int64, len(vals))
	for n, v := range vals {
		rows[n] = int64(v)
	}
	return sortRows(rows)
}

func (b *Bitmap) bitmap(key []sql.Value) *roaring64.Bitmap {
	if !indexable(key) {
		return roaring64.New()
	}
	if ent, ok := b.values[encode.MakeKey(key)]; ok {
		return ent.bitmap
	}
	return roaring64.New()
}

func (b *Bitmap) FindEqual(key []sql.Value) []int64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return toRows(b.bitmap(key))
}

func (b *Bitmap) FindIn(keys [][]sql.Value) []int64 {
	return b.Or(keys...)
}

// Filter returns the rows of rows whose key is key; the intersection happens on bitmaps.
func (b *Bitmap) Filter(key []sql.Value, rows []int64) []int64 {
	bm := roaring64.New()
	for _, rowID := range rows {
		bm.Add(uint64(rowID))
	}

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	bm.And(b.bitmap(key))
	return toRows(bm)
}

func (b *Bitmap) Or(keys ...[]sql.Value) []int64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	bm := roaring64.New()
	for _, key := range keys {
		bm.Or(b.bitmap(key))
	}
	return toRows(bm)
}

// Not returns the indexed rows whose key is not key.
func (b *Bitmap) Not(key []sql.Value) []int64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return toRows(roaring64.AndNot(b.universe, b.bitmap(key)))
}

// FindRange visits every distinct key; bitmap indexes hold few of them.
func (b *Bitmap) FindRange(min, max []sql.Value, minInclusive, maxInclusive bool) ([]int64,
	error) {

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	bm := roaring64.New()
	for _, ent := range b.values {
		if min != nil {
			cmp := sql.CompareRows(ent.key, min)
			if cmp < 0 || (cmp == 0 && !minInclusive) {
				continue
			}
		}
		if max != nil {
			cmp := sql.CompareRows(ent.key, max)
			if cmp > 0 || (cmp == 0 && !maxInclusive) {
				continue
			}
		}
		bm.Or(ent.bitmap)
	}
	return toRows(bm), nil
}

func (b *Bitmap) Ordered(ascending bool, limit, offset int) ([]int64, error) {
	return nil, ErrUnsupported
}

func (b *Bitmap) Min() []sql.Value {
	return nil
}

func (b *Bitmap) Max() []sql.Value {
	return nil
}

func (b *Bitmap) Len() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return int(b.universe.GetCardinality())
}
