package service

import (
	"fmt"
	"sync"
	"time"
)

type Isolation int

const (
	ReadCommitted Isolation = iota
	Snapshot
	// Serializable checks the write-set only, exactly like Snapshot; write skew is possible.
	Serializable

	RepeatableRead = Snapshot
)

func (iso Isolation) String() string {
	switch iso {
	case ReadCommitted:
		return "read-committed"
	case Snapshot:
		return "snapshot"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("Isolation(%d)", int(iso))
}

// Registry allocates transaction ids and commit sequences for one engine instance. Commit
// sequences can be published out of order by concurrent committers; the watermark is the
// highest sequence such that it and every sequence below it have been published (or
// abandoned). A transaction beginning now sees exactly the versions with sequence <=
// watermark.
type Registry struct {
	mutex     sync.Mutex
	start     time.Time
	lastTID   uint64
	lastSeq   uint64
	watermark uint64
	finished  map[uint64]struct{} // published sequences above the watermark
	active    map[uint64]uint64   // tid -> begin sequence
}

func NewRegistry() *Registry {
	return &Registry{
		start:    time.Now(),
		finished: map[uint64]struct{}{},
		active:   map[uint64]uint64{},
	}
}

// Begin a new transaction: returns its id and its begin sequence; versions with a commit
// sequence less than the begin sequence are visible to it.
func (reg *Registry) Begin() (uint64, uint64) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	reg.lastTID += 1
	tid := reg.lastTID
	beginSeq := reg.watermark + 1
	reg.active[tid] = beginSeq
	return tid, beginSeq
}

// Refresh returns a new begin sequence for a live transaction; used by read-committed
// transactions at the start of every statement.
func (reg *Registry) Refresh(tid uint64) uint64 {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	beginSeq := reg.watermark + 1
	if _, ok := reg.active[tid]; ok {
		reg.active[tid] = beginSeq
	}
	return beginSeq
}

func (reg *Registry) Finish(tid uint64) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	delete(reg.active, tid)
}

func (reg *Registry) IsActive(tid uint64) bool {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	_, ok := reg.active[tid]
	return ok
}

// ActiveCount returns the number of live transactions.
func (reg *Registry) ActiveCount() int {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	return len(reg.active)
}

// OldestBegin returns the smallest begin sequence of any live transaction, or the next
// begin sequence if there are none.
func (reg *Registry) OldestBegin() uint64 {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	oldest := reg.watermark + 1
	for _, beginSeq := range reg.active {
		if beginSeq < oldest {
			oldest = beginSeq
		}
	}
	return oldest
}

func (reg *Registry) AllocCommitSeq() uint64 {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	reg.lastSeq += 1
	return reg.lastSeq
}

// Publish marks a commit sequence as visible, or abandons it if the commit failed after the
// sequence was allocated; either way later sequences are no longer held back by it.
func (reg *Registry) Publish(seq uint64) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	if seq <= reg.watermark {
		panic(fmt.Sprintf("service: commit sequence %d already published", seq))
	}
	reg.finished[seq] = struct{}{}
	for {
		if _, ok := reg.finished[reg.watermark+1]; !ok {
			break
		}
		delete(reg.finished, reg.watermark+1)
		reg.watermark += 1
	}
}

func (reg *Registry) Watermark() uint64 {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	return reg.watermark
}

// Restore moves the counters forward after recovery; all recovered commits are published.
func (reg *Registry) Restore(lastTID, lastSeq uint64) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	if lastTID > reg.lastTID {
		reg.lastTID = lastTID
	}
	if lastSeq > reg.lastSeq {
		reg.lastSeq = lastSeq
	}
	if lastSeq > reg.watermark {
		for seq := range reg.finished {
			if seq <= lastSeq {
				delete(reg.finished, seq)
			}
		}
		reg.watermark = lastSeq
	}
}

func (reg *Registry) LastTID() uint64 {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	return reg.lastTID
}

// Now returns a monotonic timestamp in nanoseconds since the registry was created.
func (reg *Registry) Now() int64 {
	return int64(time.Since(reg.start))
}
