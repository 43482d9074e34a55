// Package mvcc keeps the committed versions of the rows of one table. Every write appends an
// immutable version to the row's chain; readers pick the version visible at their begin
// sequence without blocking writers.
package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/leftmike/mvstore/sql"
)

// RowVersion is the data of one row as written by one transaction. A version with DeletedBy
// set is a tombstone and carries no data.
type RowVersion struct {
	TxnID     uint64
	DeletedBy uint64
	RowID     int64
	Data      []sql.Value
	CreatedAt int64
}

func (rv RowVersion) Deleted() bool {
	return rv.DeletedBy != 0
}

// handle addresses a node in a chainArena; 0 is no node.
type handle uint64

type node struct {
	version RowVersion
	seq     uint64
	prev    handle
}

const (
	segmentShift = 12
	segmentSize  = 1 << segmentShift
	segmentMask  = segmentSize - 1
)

type segment [segmentSize]node

// chainArena is append-only storage for chain nodes. Segments never move, so a node can be
// read without locking once its handle has been published.
type chainArena struct {
	mutex    sync.Mutex
	segments atomic.Pointer[[]*segment]
	next     handle
}

func newChainArena() *chainArena {
	ca := &chainArena{next: 1}
	segs := []*segment{}
	ca.segments.Store(&segs)
	return ca
}

func (ca *chainArena) alloc(nd node) handle {
	ca.mutex.Lock()
	defer ca.mutex.Unlock()

	h := ca.next
	segs := *ca.segments.Load()
	if int(h>>segmentShift) == len(segs) {
		nsegs := make([]*segment, len(segs)+1)
		copy(nsegs, segs)
		nsegs[len(segs)] = &segment{}
		ca.segments.Store(&nsegs)
		segs = nsegs
	}
	segs[h>>segmentShift][h&segmentMask] = nd
	ca.next += 1
	return h
}

func (ca *chainArena) get(h handle) *node {
	segs := *ca.segments.Load()
	return &segs[h>>segmentShift][h&segmentMask]
}

func (ca *chainArena) len() int {
	ca.mutex.Lock()
	defer ca.mutex.Unlock()

	return int(ca.next - 1)
}
