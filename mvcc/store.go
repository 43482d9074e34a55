package mvcc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"

	"github.com/leftmike/mvstore/index"
	"github.com/leftmike/mvstore/sql"
)

type Options struct {
	Shards      int
	ScanWorkers int
	ChunkRows   int

	// Shared by every store of an engine; may be nil.
	Cache *ristretto.Cache[string, Aggregate]
}

// BatchEntry is one row written by a committing transaction. Old is the row image the
// transaction last saw, read at sequence OldSeq; it is used for index maintenance when the
// row has not changed since.
type BatchEntry struct {
	Version RowVersion
	Old     []sql.Value
	OldSeq  uint64
}

type storeIndex struct {
	idx       index.Index
	populated bool
}

// VersionStore holds every committed version of the rows of one table, the arena of the
// newest versions, and the indexes of the table. Indexes always reflect the newest committed
// versions.
type VersionStore struct {
	schema atomic.Pointer[sql.Schema]
	chains *chainArena
	shards shards

	scanWorkers int
	chunkRows   int
	cache       *ristretto.Cache[string, Aggregate]

	indexMutex sync.RWMutex
	indexes    map[string]*storeIndex

	rebuildMutex sync.Mutex
	dirtyMutex   sync.Mutex
	dirty        map[int64]struct{}
	arena        atomic.Pointer[rowArena]

	lastSeq   atomic.Uint64
	lastRowID atomic.Int64
	live      atomic.Int64
	// gen is incremented when a batch starts applying and applying counts the batches in
	// progress; together they tell when the newest committed state has not changed.
	gen      atomic.Uint64
	applying atomic.Int64
}

func NewVersionStore(schema *sql.Schema, opts Options) *VersionStore {
	if opts.ScanWorkers <= 0 {
		opts.ScanWorkers = 4
	}
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = 4096
	}

	vs := &VersionStore{
		chains:      newChainArena(),
		shards:      newShards(opts.Shards),
		scanWorkers: opts.ScanWorkers,
		chunkRows:   opts.ChunkRows,
		cache:       opts.Cache,
		indexes:     map[string]*storeIndex{},
		dirty:       map[int64]struct{}{},
	}
	vs.schema.Store(schema)
	vs.arena.Store(&rowArena{})
	return vs
}

func (vs *VersionStore) Schema() *sql.Schema {
	return vs.schema.Load()
}

// SetSchema replaces the schema used to normalize rows; callers must exclude concurrent
// commits to the table.
func (vs *VersionStore) SetSchema(schema *sql.Schema) {
	vs.schema.Store(schema)
}

func (vs *VersionStore) visible(rowID int64, beginSeq uint64) (*node, bool) {
	h := vs.shards.head(rowID)
	for h != 0 {
		nd := vs.chains.get(h)
		if nd.seq < beginSeq {
			if nd.version.Deleted() {
				return nd, false
			}
			return nd, true
		}
		h = nd.prev
	}
	return nil, false
}

// GetVisible returns the version of a row visible to a transaction that began at beginSeq.
func (vs *VersionStore) GetVisible(rowID int64, beginSeq uint64) (RowVersion, bool) {
	nd, ok := vs.visible(rowID, beginSeq)
	if !ok {
		return RowVersion{}, false
	}
	return nd.version, true
}

// GetVisibleSeq is GetVisible plus the sequence of the newest version, live or tombstone,
// visible at beginSeq; the sequence is 0 if there is none.
func (vs *VersionStore) GetVisibleSeq(rowID int64, beginSeq uint64) (RowVersion, uint64,
	bool) {

	nd, ok := vs.visible(rowID, beginSeq)
	if nd == nil {
		return RowVersion{}, 0, false
	} else if !ok {
		return RowVersion{}, nd.seq, false
	}
	return nd.version, nd.seq, true
}

// Head returns the newest committed version of a row and its sequence.
func (vs *VersionStore) Head(rowID int64) (RowVersion, uint64, bool) {
	h := vs.shards.head(rowID)
	if h == 0 {
		return RowVersion{}, 0, false
	}
	nd := vs.chains.get(h)
	return nd.version, nd.seq, true
}

func (vs *VersionStore) HeadSeq(rowID int64) uint64 {
	_, seq, _ := vs.Head(rowID)
	return seq
}

// ChainLength returns the number of versions of a row, tombstones included.
func (vs *VersionStore) ChainLength(rowID int64) int {
	var n int
	for h := vs.shards.head(rowID); h != 0; h = vs.chains.get(h).prev {
		n += 1
	}
	return n
}

// ClaimRow records tid as the uncommitted writer of a row; it fails if another transaction
// already is.
func (vs *VersionStore) ClaimRow(rowID int64, tid uint64) bool {
	return vs.shards.claim(rowID, tid)
}

func (vs *VersionStore) ReleaseRow(rowID int64, tid uint64) {
	vs.shards.release(rowID, tid)
}

func (vs *VersionStore) Writer(rowID int64) (uint64, bool) {
	return vs.shards.writer(rowID)
}

func (vs *VersionStore) LastCommitSeq() uint64 {
	return vs.lastSeq.Load()
}

// Len returns the number of live rows in the newest committed state.
func (vs *VersionStore) Len() int {
	return int(vs.live.Load())
}

// Versions returns the number of versions held by the store.
func (vs *VersionStore) Versions() int {
	return vs.chains.len()
}

// NextRowID allocates an unused row id for a table without a primary key.
func (vs *VersionStore) NextRowID() int64 {
	return vs.lastRowID.Add(1)
}

// LastRowID returns the largest row id allocated or seen by the store.
func (vs *VersionStore) LastRowID() int64 {
	return vs.lastRowID.Load()
}

// RestoreRowID makes sure that NextRowID never returns rowID or anything below it.
func (vs *VersionStore) RestoreRowID(rowID int64) {
	vs.observeRowID(rowID)
}

func (vs *VersionStore) observeRowID(rowID int64) {
	for {
		last := vs.lastRowID.Load()
		if rowID <= last || vs.lastRowID.CompareAndSwap(last, rowID) {
			return
		}
	}
}

func (vs *VersionStore) observeSeq(seq uint64) {
	for {
		last := vs.lastSeq.Load()
		if seq <= last || vs.lastSeq.CompareAndSwap(last, seq) {
			return
		}
	}
}

func (vs *VersionStore) indexKey(schema *sql.Schema, def sql.IndexDef,
	row []sql.Value) []sql.Value {

	row = schema.Normalize(row)
	key := make([]sql.Value, len(def.Columns))
	for n, col := range def.Columns {
		key[n] = row[col]
	}
	return key
}

// IndexKey returns the key of row in the index described by def.
func (vs *VersionStore) IndexKey(def sql.IndexDef, row []sql.Value) []sql.Value {
	return vs.indexKey(vs.Schema(), def, row)
}

func keysEqual(k1, k2 []sql.Value) bool {
	return sql.CompareRows(k1, k2) == 0
}

func (vs *VersionStore) updateIndexes(schema *sql.Schema, rowID int64, oldRow,
	newRow []sql.Value) {

	vs.indexMutex.RLock()
	defer vs.indexMutex.RUnlock()

	for _, si := range vs.indexes {
		if !si.populated {
			continue
		}

		def := si.idx.Def()
		var oldKey, newKey []sql.Value
		if oldRow != nil {
			oldKey = vs.indexKey(schema, def, oldRow)
		}
		if newRow != nil {
			newKey = vs.indexKey(schema, def, newRow)
		}
		if oldKey != nil && newKey != nil && keysEqual(oldKey, newKey) {
			continue
		}
		if oldKey != nil {
			si.idx.Remove(oldKey, rowID)
		}
		if newKey != nil {
			si.idx.Add(newKey, rowID)
		}
	}
}

// ApplyBatch publishes the versions of one commit, all stamped with seq, on top of the
// current heads of their rows. The caller holds the commit latches of every row in the
// batch; the versions become visible when seq is published by the registry.
func (vs *VersionStore) ApplyBatch(entries []BatchEntry, seq uint64) {
	vs.applying.Add(1)
	defer vs.applying.Add(-1)
	vs.gen.Add(1)

	schema := vs.Schema()

	for _, ent := range entries {
		rowID := ent.Version.RowID
		prev := vs.shards.head(rowID)

		var oldRow []sql.Value
		if prev != 0 {
			pnd := vs.chains.get(prev)
			if !pnd.version.Deleted() {
				if ent.Old != nil && ent.OldSeq == pnd.seq {
					oldRow = ent.Old
				} else {
					oldRow = pnd.version.Data
				}
			}
		}

		h := vs.chains.alloc(node{version: ent.Version, seq: seq, prev: prev})
		vs.shards.setHead(rowID, h)

		var newRow []sql.Value
		if !ent.Version.Deleted() {
			newRow = ent.Version.Data
		}
		vs.updateIndexes(schema, rowID, oldRow, newRow)

		if oldRow == nil && newRow != nil {
			vs.live.Add(1)
		} else if oldRow != nil && newRow == nil {
			vs.live.Add(-1)
		}
		vs.observeRowID(rowID)
	}

	vs.dirtyMutex.Lock()
	for _, ent := range entries {
		vs.dirty[ent.Version.RowID] = struct{}{}
	}
	vs.dirtyMutex.Unlock()

	vs.observeSeq(seq)
}

func (vs *VersionStore) freshArena() *rowArena {
	vs.dirtyMutex.Lock()
	stale := len(vs.dirty) > 0
	vs.dirtyMutex.Unlock()
	if !stale {
		return vs.arena.Load()
	}

	vs.rebuildMutex.Lock()
	defer vs.rebuildMutex.Unlock()

	vs.dirtyMutex.Lock()
	dirty := vs.dirty
	if len(dirty) > 0 {
		vs.dirty = map[int64]struct{}{}
	}
	vs.dirtyMutex.Unlock()
	if len(dirty) == 0 {
		// Rebuilt while waiting.
		return vs.arena.Load()
	}

	ra := rebuildArena(vs.arena.Load(), dirty, vs.chains, vs.shards)
	vs.arena.Store(ra)
	return ra
}

// ScanVisible returns the rows visible at beginSeq for which filter returns true, in row id
// order. The arena is scanned in chunks by parallel workers; filter must be safe for
// concurrent use. The returned versions share their data with the store and must not be
// modified.
func (vs *VersionStore) ScanVisible(ctx context.Context, beginSeq uint64,
	filter func(rv *RowVersion) bool) ([]RowVersion, error) {

	ra := vs.freshArena()
	cnt := len(ra.entries)
	if cnt == 0 {
		return nil, ctx.Err()
	}

	chunks := (cnt + vs.chunkRows - 1) / vs.chunkRows
	results := make([][]RowVersion, chunks)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(vs.scanWorkers)
	for c := 0; c < chunks; c++ {
		if gctx.Err() != nil {
			break
		}

		c := c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			lo := c * vs.chunkRows
			hi := lo + vs.chunkRows
			if hi > cnt {
				hi = cnt
			}

			var out []RowVersion
			for n := lo; n < hi; n++ {
				ent := &ra.entries[n]

				var rv RowVersion
				if ent.seq < beginSeq {
					if ent.deleted {
						continue
					}
					rv = ra.version(ent)
				} else {
					var ok bool
					rv, ok = vs.GetVisible(ent.rowID, beginSeq)
					if !ok {
						continue
					}
				}
				if filter == nil || filter(&rv) {
					out = append(out, rv)
				}
			}
			results[c] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []RowVersion
	for _, out := range results {
		rows = append(rows, out...)
	}
	return rows, nil
}

// Latest calls fn for the newest committed live version of every row, in row id order, and
// the sequence that published it.
func (vs *VersionStore) Latest(fn func(rv RowVersion, seq uint64) error) error {
	ra := vs.freshArena()
	for n := range ra.entries {
		ent := &ra.entries[n]
		if ent.deleted {
			continue
		}
		if err := fn(ra.version(ent), ent.seq); err != nil {
			return err
		}
	}
	return nil
}

func (vs *VersionStore) columnTypes(schema *sql.Schema, def sql.IndexDef) ([]sql.DataType,
	error) {

	types := make([]sql.DataType, len(def.Columns))
	for n, col := range def.Columns {
		if col < 0 || col >= len(schema.Columns) || schema.Columns[col].Dropped {
			return nil, fmt.Errorf("mvcc: index %s: column %d not found", def.Name, col)
		}
		types[n] = schema.Columns[col].Type
	}
	return types, nil
}

// CreateIndex adds an index to the store. If populate is false, the index stays empty and
// unused until PopulateIndexes. The caller must exclude concurrent commits to the table.
func (vs *VersionStore) CreateIndex(def sql.IndexDef, populate bool) error {
	schema := vs.Schema()
	types, err := vs.columnTypes(schema, def)
	if err != nil {
		return err
	}
	idx, err := index.New(def, types)
	if err != nil {
		return err
	}

	vs.indexMutex.Lock()
	if _, ok := vs.indexes[def.Name]; ok {
		vs.indexMutex.Unlock()
		return fmt.Errorf("mvcc: index %s already exists", def.Name)
	}
	si := &storeIndex{idx: idx}
	vs.indexes[def.Name] = si
	vs.indexMutex.Unlock()

	if populate {
		vs.populate([]*storeIndex{si})
	}
	return nil
}

func (vs *VersionStore) DropIndex(name string) error {
	vs.indexMutex.Lock()
	defer vs.indexMutex.Unlock()

	if _, ok := vs.indexes[name]; !ok {
		return fmt.Errorf("mvcc: index %s not found", name)
	}
	delete(vs.indexes, name)
	return nil
}

// Index returns a populated index.
func (vs *VersionStore) Index(name string) (index.Index, bool) {
	vs.indexMutex.RLock()
	defer vs.indexMutex.RUnlock()

	si, ok := vs.indexes[name]
	if !ok || !si.populated {
		return nil, false
	}
	return si.idx, true
}

// Indexes returns the populated indexes sorted by name.
func (vs *VersionStore) Indexes() []index.Index {
	vs.indexMutex.RLock()
	defer vs.indexMutex.RUnlock()

	var idxs []index.Index
	for _, si := range vs.indexes {
		if si.populated {
			idxs = append(idxs, si.idx)
		}
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i].Def().Name < idxs[j].Def().Name })
	return idxs
}

func (vs *VersionStore) populate(sis []*storeIndex) {
	schema := vs.Schema()
	vs.Latest(
		func(rv RowVersion, seq uint64) error {
			for _, si := range sis {
				si.idx.Add(vs.indexKey(schema, si.idx.Def(), rv.Data), rv.RowID)
			}
			return nil
		})

	vs.indexMutex.Lock()
	for _, si := range sis {
		si.populated = true
	}
	vs.indexMutex.Unlock()
}

// PopulateIndexes fills every unpopulated index in a single pass over the rows and returns
// how many indexes were populated.
func (vs *VersionStore) PopulateIndexes() int {
	vs.indexMutex.RLock()
	var sis []*storeIndex
	for _, si := range vs.indexes {
		if !si.populated {
			sis = append(sis, si)
		}
	}
	vs.indexMutex.RUnlock()

	if len(sis) > 0 {
		vs.populate(sis)
	}
	return len(sis)
}
